package proc

import (
	"github.com/retroaalto/atOS-sub000/kernel/irq"
	"github.com/retroaalto/atOS-sub000/kernel/mm/vmm"
)

// PID identifies a task. PID 0 belongs to the master task.
type PID uint32

// MasterPID is the PID of the immortal kernel task.
const MasterPID = PID(0)

// TaskState describes the scheduling state of a task.
type TaskState uint8

const (
	// Inactive tasks are being set up and are not yet schedulable.
	Inactive TaskState = iota

	// Active tasks take part in the rotation.
	Active

	// Waiting tasks are blocked until another task unblocks them.
	Waiting

	// Terminated tasks have been asked to stop. They never run again and
	// become zombies once the scheduler passes them.
	Terminated

	// Zombie tasks have left the rotation and wait to be reaped.
	Zombie

	// Sleeping tasks are woken up by the scheduler once their deadline
	// has passed.
	Sleeping
)

// String implements fmt.Stringer for TaskState.
func (s TaskState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Waiting:
		return "waiting"
	case Terminated:
		return "terminated"
	case Zombie:
		return "zombie"
	case Sleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// SavedContext is the execution state a task resumes from. It is either
// NeverRun or Preempted.
type SavedContext interface {
	savedContext()
}

// NeverRun is the context of a task that has not been scheduled yet. The
// task starts executing at Entry with its stack pointer at StackTop.
type NeverRun struct {
	Entry    uint32
	StackTop uint32
}

// Preempted is the context captured when the timer interrupted a task.
type Preempted struct {
	Regs  irq.Regs
	Frame irq.Frame
}

func (NeverRun) savedContext()  {}
func (Preempted) savedContext() {}

// tcb is the task control block. The scheduler rotation is a circular list
// anchored at the master task; next holds the PID of the following task.
type tcb struct {
	pid, parent PID
	state       TaskState

	// cpuTime counts the timer ticks during which the task was running.
	cpuTime  uint64
	switches uint64

	context SavedContext
	space   *vmm.AddressSpace
	layout  vmm.ProcessLayout

	// Kernel heap addresses of the task record and the message queue.
	record, queue uintptr

	queueHead, queueLen int

	// wakeTick is the tick at which a sleeping task becomes active again.
	wakeTick uint64

	next PID
}

// TaskInfo is a snapshot of a task control block.
type TaskInfo struct {
	PID, Parent PID
	Name        string
	State       TaskState
	CPUTime     uint64
	Switches    uint64
	ColdStart   bool
	PDTPhys     uintptr
	Layout      vmm.ProcessLayout
	Messages    int
	WakeTick    uint64
}
