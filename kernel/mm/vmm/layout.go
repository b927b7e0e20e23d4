package vmm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
)

var (
	errEmptyRegion     = &kernel.Error{Module: "vmm", Message: "process image and stack must not be empty"}
	errLayoutTooLarge  = &kernel.Error{Module: "vmm", Message: "process layout does not fit in the user region"}
	errLayoutViolation = &kernel.Error{Module: "vmm", Message: "process regions are misaligned or out of order"}
)

// Region is a page-aligned virtual address range [Start, End).
type Region struct {
	Start, End uintptr
}

// Size returns the size of the region in bytes.
func (r Region) Size() mm.Size {
	return mm.Size(r.End - r.Start)
}

// Contains returns true if addr lies inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// ProcessLayout describes the three regions of a process address space. The
// regions are contiguous and appear in the order image, heap, stack.
type ProcessLayout struct {
	Image, Heap, Stack Region
}

// EntryPoint returns the address where execution of the image begins.
func (l ProcessLayout) EntryPoint() uintptr {
	return l.Image.Start
}

// StackTop returns the initial stack pointer.
func (l ProcessLayout) StackTop() uintptr {
	return l.Stack.End
}

// NewProcessLayout computes the layout of a process whose regions start at
// base and must end at or below limit. Each region size is rounded up to
// whole pages. The heap may be empty.
func NewProcessLayout(base, limit uintptr, imageSize, heapSize, stackSize mm.Size) (ProcessLayout, *kernel.Error) {
	var l ProcessLayout

	if imageSize == 0 || stackSize == 0 {
		return l, errEmptyRegion
	}

	imagePages, heapPages, stackPages := imageSize.Pages(), heapSize.Pages(), stackSize.Pages()
	total := (uint64(imagePages) + uint64(heapPages) + uint64(stackPages)) << mm.PageShift
	if base >= limit || total > uint64(limit-base) {
		return l, errLayoutTooLarge
	}

	l.Image = Region{Start: base, End: base + imagePages<<mm.PageShift}
	l.Heap = Region{Start: l.Image.End, End: l.Image.End + heapPages<<mm.PageShift}
	l.Stack = Region{Start: l.Heap.End, End: l.Heap.End + stackPages<<mm.PageShift}

	if err := l.verify(base); err != nil {
		panicFn(err)
		return l, err
	}

	return l, nil
}

// verify checks that the regions are page-aligned, start at base and are
// laid out back to back in order.
func (l ProcessLayout) verify(base uintptr) *kernel.Error {
	regions := [...]Region{l.Image, l.Heap, l.Stack}

	next := base
	for _, r := range regions {
		if r.Start != next || r.End < r.Start || !mm.PageAligned(r.Start) || !mm.PageAligned(r.End) {
			return errLayoutViolation
		}
		next = r.End
	}

	return nil
}
