package pmm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
)

var (
	errOutOfMemory        = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errDoubleFree         = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errFreeNotAllocated   = &kernel.Error{Module: "pmm", Message: "frame is reserved or locked and cannot be freed"}
	errInvalidFrame       = &kernel.Error{Module: "pmm", Message: "frame is outside physical memory"}
	errInvalidTransition  = &kernel.Error{Module: "pmm", Message: "frame state does not allow the requested transition"}
	errInvalidFrameCount  = &kernel.Error{Module: "pmm", Message: "frame count must be greater than zero"}
	errTableCapacityLimit = &kernel.Error{Module: "pmm", Message: "page state table capacity exceeded"}
)

// PageStateTable is a bytemap that tracks the state of every physical frame
// together with the free, used and reserved byte counters. Allocations scan
// forward from a rotating cursor and wrap around once.
type PageStateTable struct {
	states []PageState

	// cursor is the index where the next allocation scan begins.
	cursor uintptr

	freeBytes, usedBytes, reservedBytes mm.Size

	// userPool is set when FreeUser frames exist; without a user pool,
	// user allocations are served from the kernel pool.
	userPool bool
}

// reset sizes the table to frameCount frames, all of them Reserved.
func (t *PageStateTable) reset(frameCount uintptr) *kernel.Error {
	if frameCount > mm.MaxFrames {
		return errTableCapacityLimit
	}

	t.states = make([]PageState, frameCount)
	for i := range t.states {
		t.states[i] = Reserved
	}

	t.cursor = 0
	t.freeBytes, t.usedBytes = 0, 0
	t.reservedBytes = mm.Size(frameCount) * mm.Size(mm.PageSize)
	t.userPool = false
	return nil
}

// FrameCount returns the number of frames tracked by the table.
func (t *PageStateTable) FrameCount() uintptr {
	return uintptr(len(t.states))
}

// State returns the state of frame. Frames outside the table are reported
// as Reserved.
func (t *PageStateTable) State(frame mm.Frame) PageState {
	if uintptr(frame) >= uintptr(len(t.states)) {
		return Reserved
	}
	return t.states[frame]
}

// FreeMemory returns the number of bytes in Free and FreeUser frames.
func (t *PageStateTable) FreeMemory() mm.Size { return t.freeBytes }

// UsedMemory returns the number of bytes in Allocated and AllocatedUser frames.
func (t *PageStateTable) UsedMemory() mm.Size { return t.usedBytes }

// ReservedMemory returns the number of bytes in reserved or locked frames.
func (t *PageStateTable) ReservedMemory() mm.Size { return t.reservedBytes }

// ResetIndex rewinds the allocation cursor to the first frame.
func (t *PageStateTable) ResetIndex() { t.cursor = 0 }

func (t *PageStateTable) counterFor(s PageState) *mm.Size {
	switch s {
	case Free, FreeUser:
		return &t.freeBytes
	case Allocated, AllocatedUser:
		return &t.usedBytes
	default:
		return &t.reservedBytes
	}
}

// set moves frame index to state s keeping the byte counters in sync.
func (t *PageStateTable) set(index uintptr, s PageState) {
	*t.counterFor(t.states[index]) -= mm.Size(mm.PageSize)
	*t.counterFor(s) += mm.Size(mm.PageSize)
	t.states[index] = s
}

// findRun returns the index of the first run of n frames in state want. The
// scan starts at the cursor and wraps around once.
func (t *PageStateTable) findRun(n uintptr, want PageState) (uintptr, bool) {
	count := uintptr(len(t.states))
	if n == 0 || n > count {
		return 0, false
	}

	for pass := 0; pass < 2; pass++ {
		start, end := t.cursor, count
		if pass == 1 {
			// runs that start before the cursor may extend past it
			start, end = 0, t.cursor+n-1
			if end > count {
				end = count
			}
		}

		run := uintptr(0)
		for i := start; i < end; i++ {
			if t.states[i] != want {
				run = 0
				continue
			}

			if run++; run == n {
				return i + 1 - n, true
			}
		}
	}

	return 0, false
}

func (t *PageStateTable) alloc(n uintptr, from, to PageState) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errInvalidFrameCount
	}

	start, ok := t.findRun(n, from)
	if !ok {
		return mm.InvalidFrame, errOutOfMemory
	}

	for i := start; i < start+n; i++ {
		t.set(i, to)
	}

	t.cursor = (start + n) % uintptr(len(t.states))
	return mm.Frame(start), nil
}

// AllocFrame reserves a single frame from the kernel pool. On failure it
// returns mm.InvalidFrame and leaves the table untouched.
func (t *PageStateTable) AllocFrame() (mm.Frame, *kernel.Error) {
	return t.alloc(1, Free, Allocated)
}

// AllocFrames reserves n physically contiguous frames from the kernel pool
// and returns the first one.
func (t *PageStateTable) AllocFrames(n uintptr) (mm.Frame, *kernel.Error) {
	return t.alloc(n, Free, Allocated)
}

// AllocUserFrame reserves a frame from the user pool. If no user pool has
// been configured the frame comes from the kernel pool instead.
func (t *PageStateTable) AllocUserFrame() (mm.Frame, *kernel.Error) {
	if !t.userPool {
		return t.AllocFrame()
	}
	return t.alloc(1, FreeUser, AllocatedUser)
}

// FreeFrame releases a frame obtained by one of the allocation methods.
// Freeing an already free frame or a frame that was never allocated is an
// error and leaves the table untouched.
func (t *PageStateTable) FreeFrame(frame mm.Frame) *kernel.Error {
	return t.FreeFrames(frame, 1)
}

// FreeFrames releases n consecutive frames starting at frame. The request is
// validated as a whole before any frame changes state.
func (t *PageStateTable) FreeFrames(frame mm.Frame, n uintptr) *kernel.Error {
	if err := t.checkRange(frame, n); err != nil {
		return err
	}

	for i := uintptr(frame); i < uintptr(frame)+n; i++ {
		switch t.states[i] {
		case Allocated, AllocatedUser:
		case Free, FreeUser:
			return errDoubleFree
		default:
			return errFreeNotAllocated
		}
	}

	for i := uintptr(frame); i < uintptr(frame)+n; i++ {
		if t.states[i] == AllocatedUser {
			t.set(i, FreeUser)
		} else {
			t.set(i, Free)
		}
	}

	if uintptr(frame) < t.cursor {
		t.cursor = uintptr(frame)
	}

	return nil
}

func (t *PageStateTable) checkRange(frame mm.Frame, n uintptr) *kernel.Error {
	switch {
	case n == 0:
		return errInvalidFrameCount
	case !frame.Valid(), uintptr(frame)+n > uintptr(len(t.states)), uintptr(frame)+n < uintptr(frame):
		return errInvalidFrame
	}
	return nil
}

// transitionRange moves n frames starting at frame from kernelFrom to
// kernelTo, or from userFrom to userTo for user pool frames. Every frame must
// be in one of the two source states.
func (t *PageStateTable) transitionRange(frame mm.Frame, n uintptr, kernelFrom, kernelTo, userFrom, userTo PageState) *kernel.Error {
	if err := t.checkRange(frame, n); err != nil {
		return err
	}

	for i := uintptr(frame); i < uintptr(frame)+n; i++ {
		if s := t.states[i]; s != kernelFrom && s != userFrom {
			return errInvalidTransition
		}
	}

	for i := uintptr(frame); i < uintptr(frame)+n; i++ {
		if t.states[i] == userFrom {
			t.set(i, userTo)
		} else {
			t.set(i, kernelTo)
		}
	}

	return nil
}

// LockFrames pins n free frames starting at frame.
func (t *PageStateTable) LockFrames(frame mm.Frame, n uintptr) *kernel.Error {
	return t.transitionRange(frame, n, Free, Locked, FreeUser, LockedUser)
}

// UnlockFrames returns n locked frames starting at frame to their pool.
func (t *PageStateTable) UnlockFrames(frame mm.Frame, n uintptr) *kernel.Error {
	return t.transitionRange(frame, n, Locked, Free, LockedUser, FreeUser)
}

// ReserveFrames withholds n free frames starting at frame from allocation.
func (t *PageStateTable) ReserveFrames(frame mm.Frame, n uintptr) *kernel.Error {
	return t.transitionRange(frame, n, Free, Reserved, FreeUser, ReservedUser)
}

// UnreserveFrames returns n reserved frames starting at frame to their pool.
func (t *PageStateTable) UnreserveFrames(frame mm.Frame, n uintptr) *kernel.Error {
	return t.transitionRange(frame, n, Reserved, Free, ReservedUser, FreeUser)
}

// markRegion moves every frame in [start, end) currently in state from to
// state to. Frames in any other state and frames outside the table are left
// alone. Partial frames at either end are excluded.
func (t *PageStateTable) markRegion(start, end uint64, from, to PageState) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	first := (start + pageSizeMinus1) >> mm.PageShift
	last := end >> mm.PageShift
	if count := uint64(len(t.states)); last > count {
		last = count
	}

	for i := first; i < last; i++ {
		if t.states[i] == from {
			t.set(uintptr(i), to)
		}
	}
}
