package irq

import "github.com/retroaalto/atOS-sub000/kernel/kfmt"

// Regs contains a snapshot of the general purpose and data segment register
// values when an interrupt occurred, in the order the entry stub saves them.
type Regs struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	DS uint32
	ES uint32
	FS uint32
	GS uint32
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	kfmt.Printf("EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Printf("ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Printf("ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Printf("EBP = %8x ESP = %8x\n", r.EBP, r.ESP)
	kfmt.Printf("DS  = %4x ES  = %4x FS  = %4x GS  = %4x\n", r.DS, r.ES, r.FS, r.GS)
}

// Frame describes the interrupt frame that is pushed by the CPU to the stack
// when an interrupt occurs.
type Frame struct {
	EIP     uint32
	CS      uint32
	EFlags  uint32
	UserESP uint32
	SS      uint32
}

// Print outputs a dump of the interrupt frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("EIP = %8x CS  = %4x\n", f.EIP, f.CS)
	kfmt.Printf("ESP = %8x SS  = %4x\n", f.UserESP, f.SS)
	kfmt.Printf("EFL = %8x\n", f.EFlags)
}
