package proc

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/irq"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

const (
	// KernelCodeSelector and KernelDataSelector are the GDT selectors
	// loaded into a task's segment registers on its first run.
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10

	// initialEFlags sets the interrupt flag and the reserved bit 1.
	initialEFlags = 1<<9 | 1<<1
)

var errSchedulerStopped = &kernel.Error{Module: "proc", Message: "scheduler invoked while multitasking is stopped"}

// Handoff describes the task selected by Schedule. It carries everything
// the interrupt return path needs to resume the task.
type Handoff struct {
	PID      PID
	Context  SavedContext
	PDTPhys  uintptr
	Switches uint64

	// ColdStart is set when the task has never run before.
	ColdStart bool
}

// timerHandler runs a scheduler pass on every timer interrupt.
func timerHandler(tok *sync.Token, frame *irq.Frame, regs *irq.Regs) {
	Resume(tok, Schedule(tok, frame, regs), frame, regs)
}

// Schedule saves the interrupted state of the running task and selects the
// task that runs next. The rotation is searched starting after the running
// task for an active task. If there is none, the running task keeps the CPU
// when it is still active; otherwise the master task is selected.
func Schedule(tok *sync.Token, frame *irq.Frame, regs *irq.Regs) Handoff {
	sync.Must(tok)

	if !running {
		panicFn(errSchedulerStopped)
		return Handoff{}
	}

	cur := tasks[current]
	cur.context = Preempted{Regs: *regs, Frame: *frame}
	cur.cpuTime++
	ticks++

	for _, t := range tasks {
		if t.state == Sleeping && t.wakeTick <= ticks {
			t.state = Active
		}
	}

	if cur.state == Terminated {
		cur.state = Zombie
	}

	next := cur
	for pid := cur.next; pid != cur.pid; {
		t := tasks[pid]
		if t.state == Terminated {
			t.state = Zombie
		}

		if t.state == Active {
			next = t
			break
		}
		pid = t.next
	}

	if next == cur && cur.state != Active {
		if next = tasks[MasterPID]; next.state != Active {
			panicFn(errNoRunnableTask)
		}
	}

	if next != cur {
		next.switches++
		current = next.pid
	}

	_, coldStart := next.context.(NeverRun)
	return Handoff{
		PID:       next.pid,
		Context:   next.context,
		PDTPhys:   next.space.PhysBase(),
		Switches:  next.switches,
		ColdStart: coldStart,
	}
}

// Resume installs the context described by h into the interrupt frame and
// register snapshot that are restored when the interrupt returns, and loads
// the task's page directory if it is not already active.
func Resume(tok *sync.Token, h Handoff, frame *irq.Frame, regs *irq.Regs) {
	sync.Must(tok)

	switch ctx := h.Context.(type) {
	case NeverRun:
		*regs = irq.Regs{
			ESP: ctx.StackTop,
			DS:  KernelDataSelector,
			ES:  KernelDataSelector,
			FS:  KernelDataSelector,
			GS:  KernelDataSelector,
		}
		*frame = irq.Frame{
			EIP:     ctx.Entry,
			CS:      KernelCodeSelector,
			EFlags:  initialEFlags,
			UserESP: ctx.StackTop,
			SS:      KernelDataSelector,
		}
	case Preempted:
		*regs, *frame = ctx.Regs, ctx.Frame
	}

	if activePDTFn() != h.PDTPhys {
		switchPDTFn(h.PDTPhys)
	}
}
