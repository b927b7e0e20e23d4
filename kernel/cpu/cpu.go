// Package cpu models the single logical CPU the kernel runs on. It exposes
// the interrupt flag, the active page directory register, the translation
// lookaside buffer and the halt instruction.
package cpu

import "github.com/retroaalto/atOS-sub000/kernel"

var (
	// ErrHalted is the value Halt unwinds the calling goroutine with.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

	interruptsEnabled bool

	// activePDT holds the physical address loaded into CR3.
	activePDT uintptr

	// tlb caches page table entries by virtual page address.
	tlb = make(map[uintptr]uintptr)
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	interruptsEnabled = true
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	interruptsEnabled = false
}

// InterruptsEnabled returns true if the interrupt flag is set.
func InterruptsEnabled() bool {
	return interruptsEnabled
}

// Halt stops instruction execution. Interrupts are disabled before halting
// so the CPU never wakes up again. Calls to Halt never return; the calling
// goroutine is unwound with ErrHalted.
func Halt() {
	interruptsEnabled = false
	panic(ErrHalted)
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	delete(tlb, virtAddr&^0xfff)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	activePDT = pdtPhysAddr
	for addr := range tlb {
		delete(tlb, addr)
	}
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return activePDT
}

// TLBLookup returns the cached page table entry for the page containing
// virtAddr.
func TLBLookup(virtAddr uintptr) (uintptr, bool) {
	entry, ok := tlb[virtAddr&^0xfff]
	return entry, ok
}

// TLBFill caches the page table entry for the page containing virtAddr.
func TLBFill(virtAddr, entry uintptr) {
	tlb[virtAddr&^0xfff] = entry
}
