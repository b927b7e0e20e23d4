package kheap

import (
	"encoding/binary"

	"github.com/retroaalto/atOS-sub000/kernel"
)

const (
	// headerSize is the size of the tag that precedes every block payload.
	// The tag holds the payload size and the block state.
	headerSize = 8

	// allocAlign is the granularity of payload sizes and addresses.
	allocAlign = 8

	// minPayload is the smallest payload a block split can leave behind.
	minPayload = allocAlign

	freeMagic = uint32(0x46524545)
	usedMagic = uint32(0x55534544)
)

var errCorruptHeap = &kernel.Error{Module: "kheap", Message: "heap block header is corrupted"}

// BlockKind describes the state of a heap block.
type BlockKind uint8

const (
	// BlockFree marks a block that can satisfy allocations.
	BlockFree BlockKind = iota

	// BlockUsed marks a block holding a live allocation.
	BlockUsed
)

// String implements fmt.Stringer for BlockKind.
func (k BlockKind) String() string {
	switch k {
	case BlockFree:
		return "free"
	case BlockUsed:
		return "used"
	default:
		return "invalid"
	}
}

// block is a decoded boundary tag. Offsets are relative to the heap base.
type block struct {
	offset uintptr
	size   uintptr
	kind   BlockKind
}

func (b block) payload() uintptr { return b.offset + headerSize }
func (b block) end() uintptr     { return b.offset + headerSize + b.size }

// blockAt decodes the tag stored at off. A tag with an unknown state or a
// size that runs past the end of the heap is fatal.
func (h *Heap) blockAt(off uintptr) (block, *kernel.Error) {
	b := block{
		offset: off,
		size:   uintptr(binary.LittleEndian.Uint32(h.arena[off:])),
	}

	switch binary.LittleEndian.Uint32(h.arena[off+4:]) {
	case freeMagic:
		b.kind = BlockFree
	case usedMagic:
		b.kind = BlockUsed
	default:
		panicFn(errCorruptHeap)
		return b, errCorruptHeap
	}

	if b.end() > uintptr(len(h.arena)) {
		panicFn(errCorruptHeap)
		return b, errCorruptHeap
	}

	return b, nil
}

// putBlock encodes the tag for b.
func (h *Heap) putBlock(b block) {
	binary.LittleEndian.PutUint32(h.arena[b.offset:], uint32(b.size))

	switch b.kind {
	case BlockFree:
		binary.LittleEndian.PutUint32(h.arena[b.offset+4:], freeMagic)
	case BlockUsed:
		binary.LittleEndian.PutUint32(h.arena[b.offset+4:], usedMagic)
	}
}

// split shrinks b to size bytes of payload and turns the tail into a free
// block when it is large enough to be useful. It returns the updated block.
func (h *Heap) split(b block, size uintptr) block {
	if b.size < size+headerSize+minPayload {
		return b
	}

	h.putBlock(block{
		offset: b.offset + headerSize + size,
		size:   b.size - size - headerSize,
		kind:   BlockFree,
	})

	b.size = size
	h.putBlock(b)
	return b
}

// walk visits every block from the heap base in address order until fn
// returns false.
func (h *Heap) walk(fn func(b block) bool) *kernel.Error {
	for off := uintptr(0); off < uintptr(len(h.arena)); {
		b, err := h.blockAt(off)
		if err != nil {
			return err
		}

		if !fn(b) {
			return nil
		}
		off = b.end()
	}

	return nil
}

// Block describes a heap block for diagnostic dumps.
type Block struct {
	// Addr is the virtual address of the payload.
	Addr uintptr
	Size uintptr
	Kind BlockKind
}
