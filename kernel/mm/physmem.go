package mm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
)

var (
	// physFrames holds the contents of every physical frame that has been
	// touched since boot. Untouched frames read as zero.
	physFrames = make(map[Frame]*[PageSize]byte)

	// physFrameCount is the number of frames backed by RAM.
	physFrameCount Frame

	errNoSuchFrame = &kernel.Error{Module: "mm", Message: "access to a frame outside physical memory"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// InitPhysicalMemory discards the contents of physical memory and sets the
// number of frames backed by RAM.
func InitPhysicalMemory(frameCount uintptr) {
	physFrames = make(map[Frame]*[PageSize]byte)
	physFrameCount = Frame(frameCount)
}

// PhysicalFrameCount returns the number of frames backed by RAM.
func PhysicalFrameCount() uintptr {
	return uintptr(physFrameCount)
}

// FrameData returns the contents of a physical frame. Accessing a frame that
// is not backed by RAM is fatal.
func FrameData(frame Frame) *[PageSize]byte {
	if frame >= physFrameCount {
		panicFn(errNoSuchFrame)
		return nil
	}

	data, ok := physFrames[frame]
	if !ok {
		data = new([PageSize]byte)
		physFrames[frame] = data
	}

	return data
}

// ZeroFrame clears the contents of a physical frame.
func ZeroFrame(frame Frame) {
	kernel.Memset(FrameData(frame)[:], 0)
}

// ReadPhys copies len(p) bytes starting at physical address addr into p.
func ReadPhys(addr uintptr, p []byte) {
	for len(p) != 0 {
		offset := addr & (PageSize - 1)
		n := kernel.Memcopy(FrameData(FrameFromAddress(addr))[offset:], p)
		addr, p = addr+uintptr(n), p[n:]
	}
}

// WritePhys copies p to physical memory starting at address addr.
func WritePhys(addr uintptr, p []byte) {
	for len(p) != 0 {
		offset := addr & (PageSize - 1)
		n := kernel.Memcopy(p, FrameData(FrameFromAddress(addr))[offset:])
		addr, p = addr+uintptr(n), p[n:]
	}
}
