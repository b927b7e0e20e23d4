// Package proc implements process control and the preemptive round-robin
// scheduler. Task control blocks live in an arena indexed by PID; the timer
// interrupt saves the context of the running task and resumes the next
// active one.
package proc

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/cpu"
	"github.com/retroaalto/atOS-sub000/kernel/irq"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/mm/kheap"
	"github.com/retroaalto/atOS-sub000/kernel/mm/vmm"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

const (
	// MasterName is the name of the master task.
	MasterName = "rtoskrnl"

	// DefaultMaxImageSize is the largest program image accepted by
	// CreateProcess unless Init is given a different limit.
	DefaultMaxImageSize = 16 * mm.Mb

	// firstWrappedPID is where PID assignment restarts after wrapping.
	// PID 1 is kept for the first process launched at boot.
	firstWrappedPID = PID(2)
)

var (
	// tasks is the task control block arena.
	tasks map[PID]*tcb

	// current is the PID of the running task.
	current PID

	// nextPID is the PID handed to the next process.
	nextPID PID

	// maxPID is the largest PID before assignment wraps.
	maxPID = PID(0xffffffff)

	// ticks counts timer interrupts since Init.
	ticks uint64

	// running is set while the timer drives the scheduler.
	running bool

	maxImageSize                mm.Size
	userSpaceBase, userSpaceEnd uintptr

	// The following functions are used by tests to intercept calls to
	// other kernel subsystems.
	createAddressSpaceFn = vmm.CreateAddressSpace
	kernelAddressSpaceFn = vmm.KernelAddressSpace
	heapAllocFn          = kheap.Alloc
	heapCallocFn         = kheap.Calloc
	heapFreeFn           = kheap.Free
	heapBytesFn          = kheap.Bytes
	activePDTFn          = cpu.ActivePDT
	switchPDTFn          = cpu.SwitchPDT
	handleInterruptFn    = irq.HandleInterrupt
	panicFn              = kfmt.Panic

	errNotInitialized  = &kernel.Error{Module: "proc", Message: "multitasking has not been initialized"}
	errImageTooLarge   = &kernel.Error{Module: "proc", Message: "program image exceeds the maximum image size"}
	errEmptyName       = &kernel.Error{Module: "proc", Message: "task name must not be empty"}
	errNoFreePID       = &kernel.Error{Module: "proc", Message: "no free process id"}
	errNoSuchTask      = &kernel.Error{Module: "proc", Message: "no task with this process id"}
	errTerminateMaster = &kernel.Error{Module: "proc", Message: "the master task cannot be terminated"}
	errMasterState     = &kernel.Error{Module: "proc", Message: "the master task must stay active"}
	errTaskTerminated  = &kernel.Error{Module: "proc", Message: "task has been terminated"}
	errTaskAlive       = &kernel.Error{Module: "proc", Message: "only terminated tasks can be reaped"}
	errReapCurrent     = &kernel.Error{Module: "proc", Message: "the running task cannot be reaped"}
	errInvalidState    = &kernel.Error{Module: "proc", Message: "task is not in a state that allows this transition"}
	errNoRunnableTask  = &kernel.Error{Module: "proc", Message: "no runnable task and the master task is not active"}
)

// Init creates the master task and hands the timer interrupt to the
// scheduler. The master task runs in the kernel address space. Processes
// created later are laid out in the user region described by layout. Any
// previous scheduler state is discarded.
func Init(tok *sync.Token, layout mm.Layout, imageLimit mm.Size) *kernel.Error {
	sync.Must(tok)

	tasks = make(map[PID]*tcb)
	current, nextPID, ticks, running = MasterPID, 1, 0, false
	userSpaceBase, userSpaceEnd = layout.UserSpaceBase, layout.UserSpaceEnd
	if maxImageSize = imageLimit; maxImageSize == 0 {
		maxImageSize = DefaultMaxImageSize
	}

	master := &tcb{
		pid:     MasterPID,
		state:   Active,
		context: Preempted{},
		space:   kernelAddressSpaceFn(),
		next:    MasterPID,
	}

	if err := allocRecords(tok, master); err != nil {
		return err
	}

	if err := writeRecord(tok, master, MasterName); err != nil {
		freeRecords(tok, master)
		return err
	}

	tasks[MasterPID] = master
	handleInterruptFn(irq.TimerIRQ, timerHandler)
	running = true

	kfmt.Printf("[proc] multitasking initialized; master task %s, max image size %dKb\n", MasterName, uint64(maxImageSize/mm.Kb))
	return nil
}

// Shutdown stops the scheduler and makes the master task current again with
// the kernel address space active. Other tasks are left untouched.
func Shutdown(tok *sync.Token) {
	sync.Must(tok)

	if !running {
		return
	}

	handleInterruptFn(irq.TimerIRQ, nil)
	running = false
	current = MasterPID

	if pdt := tasks[MasterPID].space.PhysBase(); activePDTFn() != pdt {
		switchPDTFn(pdt)
	}
}

// allocPID returns the next unused PID. Assignment is monotonic and wraps
// to firstWrappedPID after maxPID.
func allocPID() (PID, *kernel.Error) {
	for tries := uint64(0); tries <= uint64(maxPID); tries++ {
		pid := nextPID
		if nextPID == maxPID {
			nextPID = firstWrappedPID
		} else {
			nextPID++
		}

		if _, inUse := tasks[pid]; !inUse && pid != MasterPID {
			return pid, nil
		}
	}

	return 0, errNoFreePID
}

// CreateProcess launches a process running a copy of image. The image, heap
// and stack regions are backed by fresh user frames in a new address space
// and the task starts at the first byte of the image. The new task is added
// to the end of the rotation. If any step fails, everything allocated for
// the process is released again.
func CreateProcess(tok *sync.Token, name string, image []byte, heapSize, stackSize mm.Size) (pid PID, err *kernel.Error) {
	sync.Must(tok)

	switch {
	case tasks == nil:
		return 0, errNotInitialized
	case name == "":
		return 0, errEmptyName
	case mm.Size(len(image)) > maxImageSize:
		return 0, errImageTooLarge
	}

	t := &tcb{parent: current, state: Inactive}

	t.layout, err = vmm.NewProcessLayout(userSpaceBase, userSpaceEnd, mm.Size(len(image)), heapSize, stackSize)
	if err != nil {
		return 0, err
	}

	defer func() {
		if err == nil {
			return
		}

		if t.space != nil {
			if destroyErr := t.space.Destroy(tok); destroyErr != nil {
				panicFn(destroyErr)
			}
		}
		freeRecords(tok, t)

		// hand the unused pid out again
		if t.pid != 0 {
			nextPID = t.pid
		}
	}()

	if err = allocRecords(tok, t); err != nil {
		return 0, err
	}

	if t.space, err = createAddressSpaceFn(tok); err != nil {
		return 0, err
	}

	for _, region := range []vmm.Region{t.layout.Image, t.layout.Heap, t.layout.Stack} {
		if err = t.space.MapRegion(tok, region, vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return 0, err
		}
	}

	if err = t.space.Write(t.layout.EntryPoint(), image); err != nil {
		return 0, err
	}

	if t.pid, err = allocPID(); err != nil {
		return 0, err
	}

	if err = writeRecord(tok, t, name); err != nil {
		return 0, err
	}

	t.context = NeverRun{
		Entry:    uint32(t.layout.EntryPoint()),
		StackTop: uint32(t.layout.StackTop()),
	}

	// append to the rotation right before the master task
	last := tasks[MasterPID]
	for last.next != MasterPID {
		last = tasks[last.next]
	}
	t.next, last.next = MasterPID, t.pid

	tasks[t.pid] = t
	t.state = Active

	kfmt.Printf("[proc] created task %d (%s): image 0x%x-0x%x, heap 0x%x-0x%x, stack 0x%x-0x%x\n",
		uint32(t.pid), name,
		t.layout.Image.Start, t.layout.Image.End,
		t.layout.Heap.Start, t.layout.Heap.End,
		t.layout.Stack.Start, t.layout.Stack.End,
	)
	return t.pid, nil
}

// lookup returns the task control block for pid.
func lookup(pid PID) (*tcb, *kernel.Error) {
	if tasks == nil {
		return nil, errNotInitialized
	}

	t, ok := tasks[pid]
	if !ok {
		return nil, errNoSuchTask
	}
	return t, nil
}

// Terminate marks a task as terminated. The task is never scheduled again
// and the scheduler turns it into a zombie the next time it reaches it.
// Terminating the master task is fatal.
func Terminate(tok *sync.Token, pid PID) *kernel.Error {
	sync.Must(tok)

	if pid == MasterPID {
		panicFn(errTerminateMaster)
		return errTerminateMaster
	}

	t, err := lookup(pid)
	if err != nil {
		return err
	}

	if t.state == Terminated || t.state == Zombie {
		return errTaskTerminated
	}

	t.state = Terminated
	return nil
}

// Reap removes a terminated task from the rotation and releases its address
// space and kernel heap records. The running task cannot be reaped.
func Reap(tok *sync.Token, pid PID) *kernel.Error {
	sync.Must(tok)

	if pid == MasterPID {
		panicFn(errTerminateMaster)
		return errTerminateMaster
	}

	t, err := lookup(pid)
	switch {
	case err != nil:
		return err
	case t.state != Terminated && t.state != Zombie:
		return errTaskAlive
	case pid == current:
		return errReapCurrent
	}

	if err = t.space.Destroy(tok); err != nil {
		return err
	}

	prev := tasks[MasterPID]
	for prev.next != pid {
		prev = tasks[prev.next]
	}
	prev.next = t.next

	freeRecords(tok, t)
	delete(tasks, pid)
	return nil
}

// Kill terminates a task and reaps it right away unless it is running, in
// which case it is reaped by a later call to Reap.
func Kill(tok *sync.Token, pid PID) *kernel.Error {
	if err := Terminate(tok, pid); err != nil && err != errTaskTerminated {
		return err
	}

	if pid == current {
		return nil
	}
	return Reap(tok, pid)
}

// setState moves a task other than the master from one of the from states
// to state to.
func setState(pid PID, to TaskState, from ...TaskState) (*tcb, *kernel.Error) {
	if pid == MasterPID {
		return nil, errMasterState
	}

	t, err := lookup(pid)
	if err != nil {
		return nil, err
	}

	for _, state := range from {
		if t.state == state {
			t.state = to
			return t, nil
		}
	}

	if t.state == Terminated || t.state == Zombie {
		return nil, errTaskTerminated
	}
	return nil, errInvalidState
}

// Sleep suspends an active task for the given number of timer ticks.
func Sleep(tok *sync.Token, pid PID, duration uint64) *kernel.Error {
	sync.Must(tok)

	t, err := setState(pid, Sleeping, Active)
	if err != nil {
		return err
	}

	t.wakeTick = ticks + duration
	return nil
}

// Block suspends an active task until Unblock is called for it.
func Block(tok *sync.Token, pid PID) *kernel.Error {
	sync.Must(tok)

	_, err := setState(pid, Waiting, Active)
	return err
}

// Unblock makes a waiting or sleeping task active again.
func Unblock(tok *sync.Token, pid PID) *kernel.Error {
	sync.Must(tok)

	_, err := setState(pid, Active, Waiting, Sleeping)
	return err
}

func (t *tcb) info(tok *sync.Token) TaskInfo {
	_, coldStart := t.context.(NeverRun)
	return TaskInfo{
		PID:       t.pid,
		Parent:    t.parent,
		Name:      recordName(tok, t),
		State:     t.state,
		CPUTime:   t.cpuTime,
		Switches:  t.switches,
		ColdStart: coldStart,
		PDTPhys:   t.space.PhysBase(),
		Layout:    t.layout,
		Messages:  t.queueLen,
		WakeTick:  t.wakeTick,
	}
}

// Lookup returns a snapshot of the task with the given PID.
func Lookup(tok *sync.Token, pid PID) (TaskInfo, *kernel.Error) {
	sync.Must(tok)

	t, err := lookup(pid)
	if err != nil {
		return TaskInfo{}, err
	}
	return t.info(tok), nil
}

// CurrentPID returns the PID of the running task.
func CurrentPID(tok *sync.Token) PID {
	sync.Must(tok)
	return current
}

// Current returns a snapshot of the running task.
func Current(tok *sync.Token) (TaskInfo, *kernel.Error) {
	return Lookup(tok, CurrentPID(tok))
}

// Master returns a snapshot of the master task.
func Master(tok *sync.Token) (TaskInfo, *kernel.Error) {
	return Lookup(tok, MasterPID)
}

// Tasks returns a snapshot of every task in rotation order starting with
// the master task.
func Tasks(tok *sync.Token) []TaskInfo {
	sync.Must(tok)

	if tasks == nil {
		return nil
	}

	list := make([]TaskInfo, 0, len(tasks))
	for pid := MasterPID; ; {
		t := tasks[pid]
		list = append(list, t.info(tok))

		if pid = t.next; pid == MasterPID {
			return list
		}
	}
}

// Ticks returns the number of timer ticks handled by the scheduler.
func Ticks(tok *sync.Token) uint64 {
	sync.Must(tok)
	return ticks
}

// DumpTasks prints the task control blocks in rotation order.
func DumpTasks(tok *sync.Token) {
	sync.Must(tok)

	w := kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("\t")}

	kfmt.Printf("[proc] tasks after %d ticks:\n", ticks)
	kfmt.Fprintf(&w, "%5s %16s %10s %8s %8s %10s\n", "pid", "name", "state", "ticks", "switches", "cr3")
	for _, info := range Tasks(tok) {
		marker := " "
		if info.PID == current {
			marker = "*"
		}

		kfmt.Fprintf(&w, "%5d %16s %10s %8d %8d 0x%8x %s\n",
			uint32(info.PID), info.Name, info.State.String(), info.CPUTime, info.Switches, info.PDTPhys, marker,
		)
	}
}
