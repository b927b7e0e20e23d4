package mm

import "github.com/retroaalto/atOS-sub000/kernel"

var (
	errLayoutOrder     = &kernel.Error{Module: "mm", Message: "memory layout regions overlap or are out of order"}
	errLayoutAlignment = &kernel.Error{Module: "mm", Message: "memory layout boundaries must be page-aligned"}
)

// Layout describes where the kernel's fixed memory regions live. The regions
// below UserSpaceBase are identity-mapped and shared by every address space.
type Layout struct {
	// LowMemoryEnd marks the end of the real-mode area holding the IVT,
	// the BIOS data area, the E820 table and the VESA mode info.
	LowMemoryEnd uintptr

	// The physical span occupied by the kernel image.
	KernelStart, KernelEnd uintptr

	// HeapBase is the start of the kernel heap and HeapMaxSize the size
	// the heap may grow to.
	HeapBase    uintptr
	HeapMaxSize Size

	// The kernel stack. One guard page is kept unmapped below StackBase
	// and one above StackEnd.
	StackBase, StackEnd uintptr

	// The linear framebuffer window.
	FramebufferStart, FramebufferEnd uintptr

	// Memory mapped I/O and firmware window.
	MMIOStart, MMIOEnd uintptr

	// The process-private part of every address space.
	UserSpaceBase, UserSpaceEnd uintptr

	// UserPoolBase, when non-zero, dedicates all RAM frames at or above
	// it to user processes.
	UserPoolBase uintptr
}

// DefaultLayout returns the memory layout the kernel is linked against.
func DefaultLayout() Layout {
	return Layout{
		LowMemoryEnd:     0x00100000,
		KernelStart:      0x00100000,
		KernelEnd:        0x00550000,
		HeapBase:         0x00550000,
		HeapMaxSize:      128 * Mb,
		StackBase:        0x08551000,
		StackEnd:         0x08561000,
		FramebufferStart: 0x08562000,
		FramebufferEnd:   0x0b000000,
		MMIOStart:        0x0b000000,
		MMIOEnd:          0x10000000,
		UserSpaceBase:    0x10000000,
		UserSpaceEnd:     0xfffff000,
	}
}

// HeapEnd returns the address following the largest possible heap.
func (l *Layout) HeapEnd() uintptr {
	return l.HeapBase + uintptr(l.HeapMaxSize)
}

// StackGuardBelow returns the guard page under the kernel stack.
func (l *Layout) StackGuardBelow() uintptr {
	return l.StackBase - PageSize
}

// StackGuardAbove returns the guard page on top of the kernel stack.
func (l *Layout) StackGuardAbove() uintptr {
	return l.StackEnd
}

// Validate checks that every region boundary is page-aligned and that the
// kernel regions appear in ascending order below UserSpaceBase.
func (l *Layout) Validate() *kernel.Error {
	ordered := []uintptr{
		l.LowMemoryEnd,
		l.KernelStart, l.KernelEnd,
		l.HeapBase, l.HeapEnd(),
		l.StackGuardBelow(), l.StackBase, l.StackEnd, l.StackGuardAbove() + PageSize,
		l.FramebufferStart, l.FramebufferEnd,
		l.MMIOStart, l.MMIOEnd,
		l.UserSpaceBase, l.UserSpaceEnd,
	}

	for i, addr := range ordered {
		if !PageAligned(addr) {
			return errLayoutAlignment
		}

		if i > 0 && addr < ordered[i-1] {
			return errLayoutOrder
		}
	}

	if l.UserPoolBase != 0 && !PageAligned(l.UserPoolBase) {
		return errLayoutAlignment
	}

	return nil
}
