// Package irq connects the kernel's interrupt handlers to the interrupt entry
// path.
package irq

import (
	"github.com/retroaalto/atOS-sub000/kernel/cpu"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

// InterruptNum defines an interrupt vector number.
type InterruptNum uint8

const (
	// TimerIRQ is the vector of the programmable interval timer once the
	// PIC has been remapped past the CPU exceptions.
	TimerIRQ = InterruptNum(32)
)

// Handler is a function that handles an interrupt. The handler runs with
// interrupts masked and receives the token proving it. Any modifications to
// the supplied Frame and Regs are restored into the CPU when the handler
// returns.
type Handler func(tok *sync.Token, frame *Frame, regs *Regs)

var (
	handlers [256]Handler

	// The frame and registers of the interrupt currently being handled.
	activeFrame *Frame
	activeRegs  *Regs
)

// HandleInterrupt registers a handler for the given interrupt number. Passing
// a nil handler removes any registered handler.
func HandleInterrupt(num InterruptNum, handler Handler) {
	handlers[num] = handler
}

// Raise delivers interrupt num to its registered handler using the supplied
// interrupted state. The interrupt is not delivered (and Raise returns false)
// if interrupts are masked or no handler is registered. Interrupts stay
// masked until the handler returns.
func Raise(num InterruptNum, frame *Frame, regs *Regs) bool {
	handler := handlers[num]
	if handler == nil || !cpu.InterruptsEnabled() {
		return false
	}

	tok := sync.DisableInterrupts()
	activeFrame, activeRegs = frame, regs

	handler(tok, frame, regs)

	activeFrame, activeRegs = nil, nil
	tok.Restore()
	return true
}

// DumpActiveFrame prints the state captured by the interrupt currently being
// handled. It is registered as the kernel panic dump function.
func DumpActiveFrame() {
	if activeFrame == nil {
		return
	}

	kfmt.Printf("\nRegisters:\n")
	activeRegs.Print()
	activeFrame.Print()
}
