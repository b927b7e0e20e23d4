// Package kheap implements the kernel heap. The heap lives in a fixed
// virtual region of the kernel address space and is backed by locked
// physical frames; it serves every dynamic allocation made by the kernel.
package kheap

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

var (
	// kernelHeap is the heap used by the kernel.
	kernelHeap Heap

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Init sets up the kernel heap with pageCount pages at layout.HeapBase. Any
// previous heap state is discarded.
func Init(tok *sync.Token, layout mm.Layout, pageCount uintptr) *kernel.Error {
	kernelHeap = Heap{}
	if err := kernelHeap.Init(tok, layout.HeapBase, layout.HeapMaxSize, pageCount); err != nil {
		return err
	}

	kfmt.Printf("[kheap] heap at 0x%x: %dKb of %dKb\n",
		kernelHeap.Base(),
		uint64(kernelHeap.Size()/mm.Kb),
		uint64(layout.HeapMaxSize/mm.Kb),
	)
	return nil
}

// Alloc reserves size bytes from the kernel heap.
func Alloc(tok *sync.Token, size mm.Size) (uintptr, *kernel.Error) {
	sync.Must(tok)
	return kernelHeap.Alloc(size)
}

// AllocAligned reserves size bytes from the kernel heap at an address that
// is a multiple of align.
func AllocAligned(tok *sync.Token, size mm.Size, align uintptr) (uintptr, *kernel.Error) {
	sync.Must(tok)
	return kernelHeap.AllocAligned(size, align)
}

// Calloc reserves n cleared elements of size bytes from the kernel heap.
func Calloc(tok *sync.Token, n, size mm.Size) (uintptr, *kernel.Error) {
	sync.Must(tok)
	return kernelHeap.Calloc(n, size)
}

// Realloc resizes a kernel heap allocation.
func Realloc(tok *sync.Token, ptr uintptr, size mm.Size) (uintptr, *kernel.Error) {
	sync.Must(tok)
	return kernelHeap.Realloc(ptr, size)
}

// Free releases a kernel heap allocation.
func Free(tok *sync.Token, ptr uintptr) *kernel.Error {
	sync.Must(tok)
	return kernelHeap.Free(ptr)
}

// Bytes returns the payload of a kernel heap allocation.
func Bytes(tok *sync.Token, ptr uintptr) ([]byte, *kernel.Error) {
	sync.Must(tok)
	return kernelHeap.Bytes(ptr)
}

// Expand grows the kernel heap by extraPages pages.
func Expand(tok *sync.Token, extraPages uintptr) *kernel.Error {
	sync.Must(tok)
	return kernelHeap.Expand(tok, extraPages)
}

// GetStats returns a snapshot of the kernel heap counters.
func GetStats(tok *sync.Token) Stats {
	sync.Must(tok)
	return kernelHeap.Stats()
}

// Dump prints every block of the kernel heap.
func Dump(tok *sync.Token) {
	sync.Must(tok)

	stats := kernelHeap.Stats()
	kfmt.Printf("[kheap] total: %d, used: %d, free: %d, largest free block: %d\n",
		uint64(stats.Total), uint64(stats.Used), uint64(stats.Free), uint64(stats.LargestFree),
	)

	w := kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("\t")}
	_ = kernelHeap.VisitBlocks(func(b Block) bool {
		kfmt.Fprintf(&w, "0x%8x %10d %s\n", b.Addr, b.Size, b.Kind.String())
		return true
	})
}
