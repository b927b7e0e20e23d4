package kheap

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/mm/pmm"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

var (
	// The following functions are used by tests to intercept the frame
	// state changes performed when the heap span grows.
	unreserveFrameFn = pmm.UnreserveFrame
	reserveFrameFn   = pmm.ReserveFrame
	lockFrameFn      = pmm.LockFrame
	unlockFrameFn    = pmm.UnlockFrame

	errOutOfMemory        = &kernel.Error{Module: "kheap", Message: "out of memory"}
	errInvalidSize        = &kernel.Error{Module: "kheap", Message: "invalid allocation size"}
	errInvalidAlignment   = &kernel.Error{Module: "kheap", Message: "alignment must be a power of two"}
	errInvalidPointer     = &kernel.Error{Module: "kheap", Message: "pointer does not refer to a heap allocation"}
	errDoubleFree         = &kernel.Error{Module: "kheap", Message: "heap block is already free"}
	errHeapLimit          = &kernel.Error{Module: "kheap", Message: "heap cannot grow past its maximum size"}
	errNotInitialized     = &kernel.Error{Module: "kheap", Message: "heap has not been initialized"}
	errAlreadyInitialized = &kernel.Error{Module: "kheap", Message: "heap is already initialized"}
)

// Heap is a boundary-tag allocator over a span of locked pages that starts
// at a fixed virtual base. Every block starts with a tag holding its payload
// size and state; blocks are linked by address adjacency. Allocations scan
// forward from the block following the last successful allocation.
type Heap struct {
	base    uintptr
	maxSize mm.Size

	// arena holds the contents of the heap span. Its capacity is the
	// maximum heap size so growing the span never moves it.
	arena []byte

	// cursor is the offset of the block where the next scan starts. It
	// always refers to a block boundary.
	cursor uintptr

	// usedSize counts payload and tag bytes of used blocks.
	usedSize mm.Size
}

// Stats is a snapshot of the heap counters.
type Stats struct {
	Total, Used, Free mm.Size

	UsedBlocks, FreeBlocks int

	// LargestFree is the largest payload a single allocation can get.
	LargestFree mm.Size
}

// Init locks pageCount pages starting at base and installs one free block
// that spans all of them. The heap can later be expanded up to maxSize.
func (h *Heap) Init(tok *sync.Token, base uintptr, maxSize mm.Size, pageCount uintptr) *kernel.Error {
	sync.Must(tok)

	switch {
	case h.arena != nil:
		return errAlreadyInitialized
	case pageCount == 0 || !mm.PageAligned(base) || mm.Size(pageCount<<mm.PageShift) > maxSize:
		return errInvalidSize
	}

	if err := lockPages(tok, mm.FrameFromAddress(base), pageCount); err != nil {
		return err
	}

	h.base, h.maxSize = base, maxSize
	h.arena = make([]byte, pageCount<<mm.PageShift, uintptr(maxSize))
	h.cursor, h.usedSize = 0, 0
	h.putBlock(block{size: uintptr(len(h.arena)) - headerSize, kind: BlockFree})
	return nil
}

// lockPages pins the reserved frames that back the pages [frame, frame+n).
// If a frame cannot be pinned the frames processed so far are reserved again.
func lockPages(tok *sync.Token, frame mm.Frame, n uintptr) *kernel.Error {
	for i := uintptr(0); i < n; i++ {
		err := unreserveFrameFn(tok, frame+mm.Frame(i))
		if err == nil {
			if err = lockFrameFn(tok, frame+mm.Frame(i)); err != nil {
				_ = reserveFrameFn(tok, frame+mm.Frame(i))
			}
		}

		if err != nil {
			for ; i > 0; i-- {
				_ = unlockFrameFn(tok, frame+mm.Frame(i-1))
				_ = reserveFrameFn(tok, frame+mm.Frame(i-1))
			}
			return err
		}
	}

	return nil
}

// Base returns the virtual address of the heap span.
func (h *Heap) Base() uintptr {
	return h.base
}

// Size returns the current size of the heap span.
func (h *Heap) Size() mm.Size {
	return mm.Size(len(h.arena))
}

// Alloc reserves size bytes and returns the payload address. Sizes are
// rounded up to a multiple of 8. The heap does not grow on its own; when no
// block is large enough Alloc fails with an out of memory error.
func (h *Heap) Alloc(size mm.Size) (uintptr, *kernel.Error) {
	return h.AllocAligned(size, allocAlign)
}

// AllocAligned works like Alloc but returns a payload address that is a
// multiple of align. When the first fitting address inside a free block is
// not at its start, the gap in front of it is kept as a separate free block.
func (h *Heap) AllocAligned(size mm.Size, align uintptr) (uintptr, *kernel.Error) {
	switch {
	case h.arena == nil:
		return 0, errNotInitialized
	case size == 0 || size > h.maxSize:
		return 0, errInvalidSize
	case align < allocAlign || align&(align-1) != 0:
		return 0, errInvalidAlignment
	}

	req := alignUp(uintptr(size), allocAlign)

	for off, wrapped := h.cursor, false; ; {
		b, err := h.blockAt(off)
		if err != nil {
			return 0, err
		}

		if b.kind == BlockFree {
			if fit, ok := h.fit(b, req, align); ok {
				return h.take(fit, req), nil
			}
		}

		if off = b.end(); off == uintptr(len(h.arena)) {
			off, wrapped = 0, true
		}

		if wrapped && off >= h.cursor {
			return 0, errOutOfMemory
		}
	}
}

// fit checks whether req bytes with the requested alignment fit in the free
// block b. When a leading gap is needed, b is split and the returned block
// starts at the aligned position.
func (h *Heap) fit(b block, req, align uintptr) (block, bool) {
	payload := h.base + b.payload()
	aligned := alignUp(payload, align)
	if gap := aligned - payload; gap != 0 && gap < headerSize+minPayload {
		aligned = alignUp(payload+headerSize+minPayload, align)
	}

	gap := aligned - payload
	if b.size < gap+req {
		return b, false
	}

	if gap == 0 {
		return b, true
	}

	lead := block{offset: b.offset, size: gap - headerSize, kind: BlockFree}
	h.putBlock(lead)

	b = block{offset: lead.end(), size: b.size - gap, kind: BlockFree}
	h.putBlock(b)
	return b, true
}

// take marks the free block b as used, splitting off any tail and moving the
// cursor to the block that follows it.
func (h *Heap) take(b block, req uintptr) uintptr {
	b = h.split(b, req)
	b.kind = BlockUsed
	h.putBlock(b)

	h.usedSize += mm.Size(headerSize + b.size)

	if h.cursor = b.end(); h.cursor == uintptr(len(h.arena)) {
		h.cursor = 0
	}

	return h.base + b.payload()
}

// lookup scans the heap from its base for the used block whose payload
// starts at ptr. It also returns the block in front of it, if any.
func (h *Heap) lookup(ptr uintptr) (target, prev block, hasPrev bool, err *kernel.Error) {
	if h.arena == nil {
		return target, prev, false, errNotInitialized
	}

	if ptr < h.base+headerSize || ptr >= h.base+uintptr(len(h.arena)) {
		return target, prev, false, errInvalidPointer
	}

	found := false
	err = h.walk(func(b block) bool {
		if h.base+b.payload() == ptr {
			target, found = b, true
			return false
		}

		if h.base+b.payload() > ptr {
			return false
		}

		prev, hasPrev = b, true
		return true
	})

	switch {
	case err != nil:
		return target, prev, false, err
	case !found:
		return target, prev, false, errInvalidPointer
	case target.kind == BlockFree:
		return target, prev, false, errDoubleFree
	}

	return target, prev, hasPrev, nil
}

// Free releases the allocation at ptr. The freed block is merged with the
// block after it and the block in front of it if either is free.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	b, prev, hasPrev, err := h.lookup(ptr)
	if err != nil {
		return err
	}

	h.usedSize -= mm.Size(headerSize + b.size)
	b.kind = BlockFree

	if b.end() < uintptr(len(h.arena)) {
		next, err := h.blockAt(b.end())
		if err != nil {
			return err
		}

		if next.kind == BlockFree {
			b.size += headerSize + next.size
		}
	}

	if hasPrev && prev.kind == BlockFree {
		prev.size += headerSize + b.size
		b = prev
	}

	h.putBlock(b)

	// the cursor must not point into the middle of the merged block
	if h.cursor > b.offset && h.cursor < b.end() {
		h.cursor = b.offset
	}

	return nil
}

// Realloc resizes the allocation at ptr and returns its new address. A
// block shrinks in place and grows in place when the block after it is free
// and large enough; otherwise the contents are moved to a new allocation.
// Realloc with ptr set to 0 is equivalent to Alloc.
func (h *Heap) Realloc(ptr uintptr, size mm.Size) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return h.Alloc(size)
	}

	if size == 0 || size > h.maxSize {
		return 0, errInvalidSize
	}

	b, _, _, err := h.lookup(ptr)
	if err != nil {
		return 0, err
	}

	req := alignUp(uintptr(size), allocAlign)
	oldSize := b.size

	if req > b.size && b.end() < uintptr(len(h.arena)) {
		next, err := h.blockAt(b.end())
		if err != nil {
			return 0, err
		}

		if next.kind == BlockFree && b.size+headerSize+next.size >= req {
			if h.cursor == next.offset {
				h.cursor = b.offset
			}
			b.size += headerSize + next.size
			h.putBlock(b)
		}
	}

	if req <= b.size {
		b = h.split(b, req)
		if b.size != oldSize {
			h.usedSize += mm.Size(b.size) - mm.Size(oldSize)
			h.mergeFollowing(b)
		}
		return ptr, nil
	}

	newPtr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	copy(h.payload(newPtr, uintptr(size)), h.payload(ptr, oldSize))
	return newPtr, h.Free(ptr)
}

// mergeFollowing merges the free block split off after b with the free
// block after it.
func (h *Heap) mergeFollowing(b block) {
	if b.end() >= uintptr(len(h.arena)) {
		return
	}

	tail, err := h.blockAt(b.end())
	if err != nil || tail.kind != BlockFree || tail.end() >= uintptr(len(h.arena)) {
		return
	}

	next, err := h.blockAt(tail.end())
	if err != nil || next.kind != BlockFree {
		return
	}

	if h.cursor == next.offset {
		h.cursor = tail.offset
	}

	tail.size += headerSize + next.size
	h.putBlock(tail)
}

// Calloc allocates n elements of size bytes each and clears them.
func (h *Heap) Calloc(n, size mm.Size) (uintptr, *kernel.Error) {
	total := n * size
	if size != 0 && total/size != n {
		return 0, errInvalidSize
	}

	ptr, err := h.Alloc(total)
	if err != nil {
		return 0, err
	}

	kernel.Memset(h.payload(ptr, uintptr(total)), 0)
	return ptr, nil
}

// Bytes returns the payload of the allocation at ptr. The slice covers the
// rounded-up size of the block.
func (h *Heap) Bytes(ptr uintptr) ([]byte, *kernel.Error) {
	b, _, _, err := h.lookup(ptr)
	if err != nil {
		return nil, err
	}

	return h.payload(ptr, b.size), nil
}

func (h *Heap) payload(ptr, size uintptr) []byte {
	off := ptr - h.base
	return h.arena[off : off+size : off+size]
}

// Expand grows the heap span by extraPages pages. The new space is merged
// into the last block if it is free or becomes a new free block otherwise.
func (h *Heap) Expand(tok *sync.Token, extraPages uintptr) *kernel.Error {
	sync.Must(tok)

	switch {
	case h.arena == nil:
		return errNotInitialized
	case extraPages == 0:
		return errInvalidSize
	case mm.Size(len(h.arena))+mm.Size(extraPages<<mm.PageShift) > h.maxSize:
		return errHeapLimit
	}

	oldEnd := uintptr(len(h.arena))
	if err := lockPages(tok, mm.FrameFromAddress(h.base+oldEnd), extraPages); err != nil {
		return err
	}

	var last block
	if err := h.walk(func(b block) bool { last = b; return true }); err != nil {
		return err
	}

	h.arena = h.arena[:oldEnd+extraPages<<mm.PageShift]

	if last.kind == BlockFree {
		last.size += extraPages << mm.PageShift
		h.putBlock(last)
		return nil
	}

	h.putBlock(block{offset: oldEnd, size: extraPages<<mm.PageShift - headerSize, kind: BlockFree})
	return nil
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	stats := Stats{
		Total: mm.Size(len(h.arena)),
		Used:  h.usedSize,
		Free:  mm.Size(len(h.arena)) - h.usedSize,
	}

	_ = h.walk(func(b block) bool {
		switch b.kind {
		case BlockFree:
			stats.FreeBlocks++
			if mm.Size(b.size) > stats.LargestFree {
				stats.LargestFree = mm.Size(b.size)
			}
		case BlockUsed:
			stats.UsedBlocks++
		}
		return true
	})

	return stats
}

// VisitBlocks invokes fn for each block in address order until fn returns
// false.
func (h *Heap) VisitBlocks(fn func(Block) bool) *kernel.Error {
	return h.walk(func(b block) bool {
		return fn(Block{Addr: h.base + b.payload(), Size: b.size, Kind: b.kind})
	})
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
