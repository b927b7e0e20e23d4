package vmm

import (
	"testing"

	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
)

func TestNewProcessLayout(t *testing.T) {
	const (
		base  = uintptr(0x10000000)
		limit = uintptr(0xfffff000)
	)

	specs := []struct {
		imageSize, heapSize, stackSize mm.Size
		limit                          uintptr
		expImage, expHeap, expStack    Region
		expErr                         *kernel.Error
	}{
		{
			64 * mm.Kb, 256 * mm.Kb, 64 * mm.Kb, limit,
			Region{base, base + 0x10000},
			Region{base + 0x10000, base + 0x50000},
			Region{base + 0x50000, base + 0x60000},
			nil,
		},
		{
			// sizes are rounded up to whole pages
			100, 1, 4097, limit,
			Region{base, base + 0x1000},
			Region{base + 0x1000, base + 0x2000},
			Region{base + 0x2000, base + 0x4000},
			nil,
		},
		{
			// no heap
			mm.Kb, 0, mm.Kb, limit,
			Region{base, base + 0x1000},
			Region{base + 0x1000, base + 0x1000},
			Region{base + 0x1000, base + 0x2000},
			nil,
		},
		{0, mm.Kb, mm.Kb, limit, Region{}, Region{}, Region{}, errEmptyRegion},
		{mm.Kb, mm.Kb, 0, limit, Region{}, Region{}, Region{}, errEmptyRegion},
		{mm.Kb, 0, mm.Kb, base + 0x1000, Region{}, Region{}, Region{}, errLayoutTooLarge},
		{mm.Kb, 0, mm.Kb, base, Region{}, Region{}, Region{}, errLayoutTooLarge},
		{4 * mm.Gb, 0, mm.Kb, limit, Region{}, Region{}, Region{}, errLayoutTooLarge},
	}

	for specIndex, spec := range specs {
		layout, err := NewProcessLayout(base, spec.limit, spec.imageSize, spec.heapSize, spec.stackSize)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if err != nil {
			continue
		}

		if layout.Image != spec.expImage || layout.Heap != spec.expHeap || layout.Stack != spec.expStack {
			t.Errorf("[spec %d] unexpected layout %+v", specIndex, layout)
		}

		if layout.EntryPoint() != base {
			t.Errorf("[spec %d] expected entry point 0x%x; got 0x%x", specIndex, base, layout.EntryPoint())
		}

		if layout.StackTop() != spec.expStack.End {
			t.Errorf("[spec %d] expected stack top 0x%x; got 0x%x", specIndex, spec.expStack.End, layout.StackTop())
		}
	}
}

func TestProcessLayoutVerify(t *testing.T) {
	base := uintptr(0x10000000)
	valid := ProcessLayout{
		Image: Region{base, base + 0x1000},
		Heap:  Region{base + 0x1000, base + 0x3000},
		Stack: Region{base + 0x3000, base + 0x4000},
	}

	if err := valid.verify(base); err != nil {
		t.Fatalf("expected layout to be valid; got %v", err)
	}

	gap := valid
	gap.Stack = Region{base + 0x4000, base + 0x5000}

	overlap := valid
	overlap.Heap = Region{base + 0x800, base + 0x3000}

	misaligned := valid
	misaligned.Heap.End = base + 0x2800
	misaligned.Stack.Start = base + 0x2800

	for specIndex, l := range []ProcessLayout{gap, overlap, misaligned} {
		if err := l.verify(base); err != errLayoutViolation {
			t.Errorf("[spec %d] expected errLayoutViolation; got %v", specIndex, err)
		}
	}
}

func TestRegion(t *testing.T) {
	r := Region{Start: 0x1000, End: 0x3000}

	if exp, got := mm.Size(0x2000), r.Size(); got != exp {
		t.Fatalf("expected size %d; got %d", exp, got)
	}

	specs := []struct {
		addr uintptr
		exp  bool
	}{
		{0xfff, false},
		{0x1000, true},
		{0x2fff, true},
		{0x3000, false},
	}

	for specIndex, spec := range specs {
		if got := r.Contains(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(0x%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}
}
