package mm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	// AllocFrame reserves a frame from the kernel pool.
	AllocFrame(tok *sync.Token) (Frame, *kernel.Error)

	// AllocUserFrame reserves a frame for a user process.
	AllocUserFrame(tok *sync.Token) (Frame, *kernel.Error)

	// FreeFrame returns a frame reserved by either allocation method.
	FreeFrame(tok *sync.Token, frame Frame) *kernel.Error
}

// frameAllocator is the allocator registered using SetFrameAllocator.
var frameAllocator FrameAllocator

// SetFrameAllocator registers the frame allocator that will be used by the
// vmm code when physical frames need to be allocated or released.
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// AllocFrame allocates a kernel frame using the active frame allocator.
func AllocFrame(tok *sync.Token) (Frame, *kernel.Error) { return frameAllocator.AllocFrame(tok) }

// AllocUserFrame allocates a user frame using the active frame allocator.
func AllocUserFrame(tok *sync.Token) (Frame, *kernel.Error) {
	return frameAllocator.AllocUserFrame(tok)
}

// FreeFrame releases a frame using the active frame allocator.
func FreeFrame(tok *sync.Token, frame Frame) *kernel.Error {
	return frameAllocator.FreeFrame(tok, frame)
}
