// Package pmm implements the physical memory manager. It tracks the state of
// every physical frame in a bytemap that is seeded from the E820 memory map.
package pmm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/hal/e820"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

// MinContiguousMemory is the size of the smallest RAM region the kernel can
// boot with.
const MinContiguousMemory = 1 * mm.Mb

var (
	// table is the page state table used by the kernel.
	table PageStateTable

	// visitMemRegionsFn is used by tests to supply a memory map.
	visitMemRegionsFn = e820.VisitMemRegions

	errInsufficientMemory = &kernel.Error{Module: "pmm", Message: "no memory region is large enough to boot"}
	errMemoryTooLarge     = &kernel.Error{Module: "pmm", Message: "physical memory exceeds the 4GiB addressable range"}
)

// Init sets up the physical memory manager. The table is sized to the
// highest RAM address reported by the memory map, every RAM frame is marked
// as free and the regions described by layout are then withheld again.
func Init(tok *sync.Token, layout mm.Layout) *kernel.Error {
	sync.Must(tok)

	var (
		highestAddr uint64
		bootable    bool
	)

	visitMemRegionsFn(func(region *e820.MemoryMapEntry) bool {
		if region.Type != e820.MemAvailable {
			return true
		}

		if region.End() > highestAddr {
			highestAddr = region.End()
		}

		if region.Length >= uint64(MinContiguousMemory) {
			bootable = true
		}
		return true
	})

	if !bootable {
		return errInsufficientMemory
	}

	if highestAddr > mm.MaxPhysAddress {
		return errMemoryTooLarge
	}

	frameCount := uintptr((highestAddr + uint64(mm.PageSize-1)) >> mm.PageShift)
	if err := table.reset(frameCount); err != nil {
		return err
	}
	mm.InitPhysicalMemory(frameCount)

	userPoolBase := uint64(layout.UserPoolBase)
	table.userPool = userPoolBase != 0 && userPoolBase < highestAddr

	visitMemRegionsFn(func(region *e820.MemoryMapEntry) bool {
		if region.Type != e820.MemAvailable {
			return true
		}

		start, end := region.PhysAddress, region.End()
		if table.userPool && end > userPoolBase {
			split := userPoolBase
			if start > split {
				split = start
			}
			table.markRegion(split, end, Reserved, FreeUser)
			end = split
		}
		table.markRegion(start, end, Reserved, Free)
		return true
	})

	reserveRegion(0, uintptr(mm.PageSize))
	reserveRegion(0, layout.LowMemoryEnd)
	reserveRegion(layout.KernelStart, layout.KernelEnd)
	reserveRegion(layout.HeapBase, layout.HeapEnd())
	reserveRegion(layout.StackGuardBelow(), layout.StackBase)
	lockRegion(layout.StackBase, layout.StackEnd)
	reserveRegion(layout.StackGuardAbove(), layout.StackGuardAbove()+mm.PageSize)
	reserveRegion(layout.FramebufferStart, layout.FramebufferEnd)
	reserveRegion(layout.MMIOStart, layout.MMIOEnd)

	printMemoryMap(&layout)
	mm.SetFrameAllocator(frameAllocator{})
	return nil
}

// reserveRegion withholds every free frame overlapping [start, end).
func reserveRegion(start, end uintptr) {
	start, end = start&^(mm.PageSize-1), mm.PageAlignUp(end)
	table.markRegion(uint64(start), uint64(end), Free, Reserved)
	table.markRegion(uint64(start), uint64(end), FreeUser, ReservedUser)
}

// lockRegion pins every free frame overlapping [start, end).
func lockRegion(start, end uintptr) {
	start, end = start&^(mm.PageSize-1), mm.PageAlignUp(end)
	table.markRegion(uint64(start), uint64(end), Free, Locked)
	table.markRegion(uint64(start), uint64(end), FreeUser, LockedUser)
}

// printMemoryMap scans the memory region information provided by the
// boot loader and prints out the system's memory map.
func printMemoryMap(layout *mm.Layout) {
	kfmt.Printf("[pmm] system memory map:\n")
	var (
		totalAvailable mm.Size
		w              = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("\t")}
	)
	visitMemRegionsFn(func(region *e820.MemoryMapEntry) bool {
		kfmt.Fprintf(&w, "[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())

		if region.Type == e820.MemAvailable {
			totalAvailable += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalAvailable/mm.Kb))
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", layout.KernelStart, layout.KernelEnd)
	kfmt.Printf("[pmm] frames: %d, free: %dKb, used: %dKb, reserved: %dKb\n",
		uint64(table.FrameCount()),
		uint64(table.FreeMemory()/mm.Kb),
		uint64(table.UsedMemory()/mm.Kb),
		uint64(table.ReservedMemory()/mm.Kb),
	)
}

// Stats is a snapshot of the physical memory counters.
type Stats struct {
	Frames               uintptr
	Free, Used, Reserved mm.Size
	UserPool             bool
}

// AllocFrame reserves a frame from the kernel pool.
func AllocFrame(tok *sync.Token) (mm.Frame, *kernel.Error) {
	sync.Must(tok)
	return table.AllocFrame()
}

// AllocFrames reserves n physically contiguous frames from the kernel pool.
func AllocFrames(tok *sync.Token, n uintptr) (mm.Frame, *kernel.Error) {
	sync.Must(tok)
	return table.AllocFrames(n)
}

// AllocUserFrame reserves a frame for a user process.
func AllocUserFrame(tok *sync.Token) (mm.Frame, *kernel.Error) {
	sync.Must(tok)
	return table.AllocUserFrame()
}

// FreeFrame releases an allocated frame.
func FreeFrame(tok *sync.Token, frame mm.Frame) *kernel.Error {
	sync.Must(tok)
	return table.FreeFrame(frame)
}

// FreeFrames releases n allocated frames starting at frame.
func FreeFrames(tok *sync.Token, frame mm.Frame, n uintptr) *kernel.Error {
	sync.Must(tok)
	return table.FreeFrames(frame, n)
}

// LockFrame pins a free frame.
func LockFrame(tok *sync.Token, frame mm.Frame) *kernel.Error {
	sync.Must(tok)
	return table.LockFrames(frame, 1)
}

// UnlockFrame releases a pinned frame.
func UnlockFrame(tok *sync.Token, frame mm.Frame) *kernel.Error {
	sync.Must(tok)
	return table.UnlockFrames(frame, 1)
}

// ReserveFrame withholds a free frame from allocation.
func ReserveFrame(tok *sync.Token, frame mm.Frame) *kernel.Error {
	sync.Must(tok)
	return table.ReserveFrames(frame, 1)
}

// UnreserveFrame returns a reserved frame to its pool.
func UnreserveFrame(tok *sync.Token, frame mm.Frame) *kernel.Error {
	sync.Must(tok)
	return table.UnreserveFrames(frame, 1)
}

// State returns the state of a frame.
func State(tok *sync.Token, frame mm.Frame) PageState {
	sync.Must(tok)
	return table.State(frame)
}

// ResetIndex rewinds the allocation cursor to the first frame.
func ResetIndex(tok *sync.Token) {
	sync.Must(tok)
	table.ResetIndex()
}

// GetStats returns a snapshot of the physical memory counters.
func GetStats(tok *sync.Token) Stats {
	sync.Must(tok)
	return Stats{
		Frames:   table.FrameCount(),
		Free:     table.FreeMemory(),
		Used:     table.UsedMemory(),
		Reserved: table.ReservedMemory(),
		UserPool: table.userPool,
	}
}

// frameAllocator exposes the kernel's page state table through the
// mm.FrameAllocator interface.
type frameAllocator struct{}

func (frameAllocator) AllocFrame(tok *sync.Token) (mm.Frame, *kernel.Error) {
	return AllocFrame(tok)
}

func (frameAllocator) AllocUserFrame(tok *sync.Token) (mm.Frame, *kernel.Error) {
	return AllocUserFrame(tok)
}

func (frameAllocator) FreeFrame(tok *sync.Token, frame mm.Frame) *kernel.Error {
	return FreeFrame(tok, frame)
}
