package pmm

import (
	"math/rand"
	"testing"

	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/cpu"
	"github.com/retroaalto/atOS-sub000/kernel/hal/e820"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

// testMemoryMap describes a machine with 16M of RAM.
var testMemoryMap = []e820.MemoryMapEntry{
	{PhysAddress: 0, Length: 0x9fc00, Type: e820.MemAvailable},
	{PhysAddress: 0x9fc00, Length: 0x400, Type: e820.MemReserved},
	{PhysAddress: 0xf0000, Length: 0x10000, Type: e820.MemReserved},
	{PhysAddress: 0x100000, Length: 0xf00000, Type: e820.MemAvailable},
	{PhysAddress: 0xfffc0000, Length: 0x40000, Type: e820.MemReserved},
}

func testLayout() mm.Layout {
	l := mm.DefaultLayout()
	l.KernelEnd = 0x200000
	l.HeapBase = 0x200000
	l.HeapMaxSize = 2 * mm.Mb
	return l
}

func withMemoryMap(memMap []e820.MemoryMapEntry) func() {
	visitMemRegionsFn = func(visitor e820.MemRegionVisitor) {
		for i := range memMap {
			if !visitor(&memMap[i]) {
				return
			}
		}
	}

	return func() {
		visitMemRegionsFn = e820.VisitMemRegions
	}
}

func initTestTable(t *testing.T, tok *sync.Token) {
	if err := Init(tok, testLayout()); err != nil {
		t.Fatal(err)
	}
}

func TestInit(t *testing.T) {
	defer withMemoryMap(testMemoryMap)()
	tok := sync.DisableInterrupts()
	defer tok.Restore()

	initTestTable(t, tok)

	stats := GetStats(tok)
	if exp := uintptr(4096); stats.Frames != exp {
		t.Fatalf("expected table to track %d frames; got %d", exp, stats.Frames)
	}

	if exp := 3072 * mm.Size(mm.PageSize); stats.Free != exp {
		t.Errorf("expected %d free bytes; got %d", exp, stats.Free)
	}

	if exp := 1024 * mm.Size(mm.PageSize); stats.Reserved != exp {
		t.Errorf("expected %d reserved bytes; got %d", exp, stats.Reserved)
	}

	if stats.Used != 0 || stats.UserPool {
		t.Errorf("unexpected stats after init: %+v", stats)
	}

	specs := []struct {
		addr     uintptr
		expState PageState
	}{
		{0, Reserved},
		{0x9e000, Reserved},
		{0xa0000, Reserved},
		{0x100000, Reserved},
		{0x1ff000, Reserved},
		{0x200000, Reserved},
		{0x3ff000, Reserved},
		{0x400000, Free},
		{0xfff000, Free},
		{0x1000000, Reserved},
	}

	for specIndex, spec := range specs {
		if got := State(tok, mm.FrameFromAddress(spec.addr)); got != spec.expState {
			t.Errorf("[spec %d] expected frame at 0x%x to be %s; got %s", specIndex, spec.addr, spec.expState, got)
		}
	}
}

func TestInitReservesKernelStack(t *testing.T) {
	defer withMemoryMap([]e820.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 0xbf00000, Type: e820.MemAvailable},
	})()
	tok := sync.DisableInterrupts()
	defer tok.Restore()

	layout := mm.DefaultLayout()
	if err := Init(tok, layout); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		addr     uintptr
		expState PageState
	}{
		{layout.StackGuardBelow(), Reserved},
		{layout.StackBase, Locked},
		{layout.StackEnd - mm.PageSize, Locked},
		{layout.StackGuardAbove(), Reserved},
		{layout.FramebufferStart, Reserved},
		{layout.MMIOStart, Reserved},
	}

	for specIndex, spec := range specs {
		if got := State(tok, mm.FrameFromAddress(spec.addr)); got != spec.expState {
			t.Errorf("[spec %d] expected frame at 0x%x to be %s; got %s", specIndex, spec.addr, spec.expState, got)
		}
	}

	// Everything below 0xb000000 is claimed by the default layout.
	if stats := GetStats(tok); stats.Free != 0 {
		t.Errorf("expected no free memory; got %d bytes", stats.Free)
	}
}

func TestInitErrors(t *testing.T) {
	tok := sync.DisableInterrupts()
	defer tok.Restore()

	specs := []struct {
		memMap []e820.MemoryMapEntry
		expErr *kernel.Error
	}{
		{
			[]e820.MemoryMapEntry{
				{PhysAddress: 0, Length: 0x9fc00, Type: e820.MemAvailable},
				{PhysAddress: 0x100000, Length: 0x80000, Type: e820.MemAvailable},
			},
			errInsufficientMemory,
		},
		{
			[]e820.MemoryMapEntry{
				{PhysAddress: 0x100000, Length: 0x1000000, Type: e820.MemReserved},
			},
			errInsufficientMemory,
		},
		{
			[]e820.MemoryMapEntry{
				{PhysAddress: 0x100000, Length: 0x1000000, Type: e820.MemAvailable},
				{PhysAddress: 0x100000000, Length: 0x1000000, Type: e820.MemAvailable},
			},
			errMemoryTooLarge,
		},
	}

	for specIndex, spec := range specs {
		restore := withMemoryMap(spec.memMap)
		if err := Init(tok, testLayout()); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
		restore()
	}
}

func TestUserPool(t *testing.T) {
	defer withMemoryMap(testMemoryMap)()
	tok := sync.DisableInterrupts()
	defer tok.Restore()

	layout := testLayout()
	layout.UserPoolBase = 0x800000
	if err := Init(tok, layout); err != nil {
		t.Fatal(err)
	}

	if !GetStats(tok).UserPool {
		t.Fatal("expected user pool to be enabled")
	}

	if got := State(tok, mm.FrameFromAddress(0x7ff000)); got != Free {
		t.Errorf("expected frame below the user pool to be free; got %s", got)
	}

	if got := State(tok, mm.FrameFromAddress(0x800000)); got != FreeUser {
		t.Errorf("expected first user pool frame to be %s; got %s", FreeUser, got)
	}

	before := GetStats(tok)

	userFrame, err := AllocUserFrame(tok)
	if err != nil {
		t.Fatal(err)
	}

	if userFrame.Address() < layout.UserPoolBase {
		t.Fatalf("expected user frame above 0x%x; got 0x%x", layout.UserPoolBase, userFrame.Address())
	}

	kernelFrame, err := AllocFrame(tok)
	if err != nil {
		t.Fatal(err)
	}

	if kernelFrame.Address() >= layout.UserPoolBase {
		t.Fatalf("expected kernel frame below 0x%x; got 0x%x", layout.UserPoolBase, kernelFrame.Address())
	}

	if got := State(tok, userFrame); got != AllocatedUser {
		t.Fatalf("expected user frame to be %s; got %s", AllocatedUser, got)
	}

	if err = FreeFrame(tok, userFrame); err != nil {
		t.Fatal(err)
	}

	if got := State(tok, userFrame); got != FreeUser {
		t.Fatalf("expected freed user frame to return to the user pool; got %s", got)
	}

	if err = FreeFrame(tok, kernelFrame); err != nil {
		t.Fatal(err)
	}

	if after := GetStats(tok); after != before {
		t.Fatalf("expected stats to be restored to %+v; got %+v", before, after)
	}
}

func TestCountersInvariant(t *testing.T) {
	defer withMemoryMap(testMemoryMap)()
	tok := sync.DisableInterrupts()
	defer tok.Restore()

	initTestTable(t, tok)

	var (
		rng    = rand.New(rand.NewSource(1))
		total  = GetStats(tok).Free
		owned  = make(map[mm.Frame]uintptr)
		frames []mm.Frame
	)

	for step := 0; step < 2000; step++ {
		if len(frames) == 0 || rng.Intn(3) != 0 {
			n := uintptr(1 + rng.Intn(8))
			frame, err := AllocFrames(tok, n)
			if err != nil {
				continue
			}

			for f := frame; f < frame+mm.Frame(n); f++ {
				if _, dup := owned[f]; dup {
					t.Fatalf("[step %d] frame %d handed out twice", step, f)
				}
			}
			for f := frame; f < frame+mm.Frame(n); f++ {
				owned[f] = 0
			}
			owned[frame] = n
			frames = append(frames, frame)
		} else {
			index := rng.Intn(len(frames))
			frame := frames[index]
			n := owned[frame]
			if err := FreeFrames(tok, frame, n); err != nil {
				t.Fatalf("[step %d] unexpected error freeing %d frames at %d: %v", step, n, frame, err)
			}

			for f := frame; f < frame+mm.Frame(n); f++ {
				delete(owned, f)
			}
			frames = append(frames[:index], frames[index+1:]...)
		}

		if stats := GetStats(tok); stats.Free+stats.Used != total {
			t.Fatalf("[step %d] expected free + used to be %d; got %d", step, total, stats.Free+stats.Used)
		}
	}
}

func TestAllocFramesRoundTrip(t *testing.T) {
	defer withMemoryMap(testMemoryMap)()
	tok := sync.DisableInterrupts()
	defer tok.Restore()

	initTestTable(t, tok)

	// fragment the free space first
	first, _ := AllocFrame(tok)
	second, _ := AllocFrame(tok)
	if err := FreeFrame(tok, first); err != nil {
		t.Fatal(err)
	}

	before := GetStats(tok)

	frame, err := AllocFrames(tok, 16)
	if err != nil {
		t.Fatal(err)
	}

	if frame == first {
		t.Fatal("expected contiguous allocation to skip the single free frame")
	}

	for f := frame; f < frame+16; f++ {
		if got := State(tok, f); got != Allocated {
			t.Fatalf("expected frame %d to be allocated; got %s", f, got)
		}
	}

	if exp, got := before.Used+16*mm.Size(mm.PageSize), GetStats(tok).Used; got != exp {
		t.Fatalf("expected %d used bytes; got %d", exp, got)
	}

	if err = FreeFrames(tok, frame, 16); err != nil {
		t.Fatal(err)
	}

	if after := GetStats(tok); after != before {
		t.Fatalf("expected stats to be restored to %+v; got %+v", before, after)
	}

	if err = FreeFrame(tok, second); err != nil {
		t.Fatal(err)
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	defer withMemoryMap(testMemoryMap)()
	tok := sync.DisableInterrupts()
	defer tok.Restore()

	initTestTable(t, tok)
	before := GetStats(tok)

	frame, err := AllocFrames(tok, uintptr(before.Free/mm.Size(mm.PageSize))+1)
	if err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}

	if frame != mm.InvalidFrame {
		t.Fatalf("expected InvalidFrame; got %d", frame)
	}

	if after := GetStats(tok); after != before {
		t.Fatalf("expected counters to stay at %+v; got %+v", before, after)
	}

	if _, err = AllocFrames(tok, 0); err != errInvalidFrameCount {
		t.Fatalf("expected errInvalidFrameCount; got %v", err)
	}

	// Drain the pool one frame at a time
	count := 0
	for {
		if _, err = AllocFrame(tok); err != nil {
			break
		}
		count++
	}

	if exp := int(before.Free / mm.Size(mm.PageSize)); count != exp {
		t.Fatalf("expected to allocate %d frames; got %d", exp, count)
	}

	if err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}
}

func TestCursorRotation(t *testing.T) {
	var tbl PageStateTable
	tbl.reset(8)
	tbl.markRegion(0, uint64(8*mm.PageSize), Reserved, Free)

	specs := []mm.Frame{0, 1, 2, 3}
	for specIndex, exp := range specs {
		if got, err := tbl.AllocFrame(); err != nil || got != exp {
			t.Fatalf("[spec %d] expected frame %d; got %d (err: %v)", specIndex, exp, got, err)
		}
	}

	// Freeing a frame below the cursor rewinds it.
	if err := tbl.FreeFrame(1); err != nil {
		t.Fatal(err)
	}

	if got, _ := tbl.AllocFrame(); got != 1 {
		t.Fatalf("expected the freed frame to be reused; got %d", got)
	}

	// The run skips the frames allocated in front of the cursor.
	if got, err := tbl.AllocFrames(4); err != nil || got != 4 {
		t.Fatalf("expected run at frame 4; got %d (err: %v)", got, err)
	}

	if err := tbl.FreeFrames(0, 2); err != nil {
		t.Fatal(err)
	}

	tbl.cursor = 7
	if got, err := tbl.AllocFrames(2); err != nil || got != 0 {
		t.Fatalf("expected wrapped run at frame 0; got %d (err: %v)", got, err)
	}

	if exp := uintptr(2); tbl.cursor != exp {
		t.Fatalf("expected cursor to move past the allocation to %d; got %d", exp, tbl.cursor)
	}

	tbl.ResetIndex()
	if tbl.cursor != 0 {
		t.Fatal("expected ResetIndex to rewind the cursor")
	}
}

func TestFreeErrors(t *testing.T) {
	var tbl PageStateTable
	tbl.reset(8)
	tbl.markRegion(uint64(mm.PageSize), uint64(6*mm.PageSize), Reserved, Free)

	frame, _ := tbl.AllocFrame()
	tbl.LockFrames(5, 1)

	specs := []struct {
		frame  mm.Frame
		n      uintptr
		expErr *kernel.Error
	}{
		{frame, 1, nil},
		{frame, 1, errDoubleFree},
		{2, 1, errDoubleFree},
		{0, 1, errFreeNotAllocated},
		{5, 1, errFreeNotAllocated},
		{7, 2, errInvalidFrame},
		{mm.InvalidFrame, 1, errInvalidFrame},
		{1, 0, errInvalidFrameCount},
	}

	for specIndex, spec := range specs {
		before := tbl
		if err := tbl.FreeFrames(spec.frame, spec.n); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		if spec.expErr != nil && (before.freeBytes != tbl.freeBytes || before.usedBytes != tbl.usedBytes) {
			t.Errorf("[spec %d] expected failed free to leave counters untouched", specIndex)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	var tbl PageStateTable
	tbl.reset(4)
	tbl.markRegion(0, uint64(2*mm.PageSize), Reserved, Free)
	tbl.markRegion(uint64(2*mm.PageSize), uint64(4*mm.PageSize), Reserved, FreeUser)

	specs := []struct {
		op       func(mm.Frame, uintptr) error
		frame    mm.Frame
		n        uintptr
		expErr   error
		expState []PageState
	}{
		{wrap(tbl.LockFrames), 0, 1, nil, []PageState{Locked, Free, FreeUser, FreeUser}},
		{wrap(tbl.LockFrames), 0, 1, errInvalidTransition, []PageState{Locked, Free, FreeUser, FreeUser}},
		{wrap(tbl.ReserveFrames), 1, 3, nil, []PageState{Locked, Reserved, ReservedUser, ReservedUser}},
		{wrap(tbl.UnlockFrames), 0, 2, errInvalidTransition, []PageState{Locked, Reserved, ReservedUser, ReservedUser}},
		{wrap(tbl.UnreserveFrames), 2, 2, nil, []PageState{Locked, Reserved, FreeUser, FreeUser}},
		{wrap(tbl.LockFrames), 2, 1, nil, []PageState{Locked, Reserved, LockedUser, FreeUser}},
		{wrap(tbl.UnlockFrames), 2, 1, nil, []PageState{Locked, Reserved, FreeUser, FreeUser}},
		{wrap(tbl.UnlockFrames), 0, 1, nil, []PageState{Free, Reserved, FreeUser, FreeUser}},
		{wrap(tbl.UnreserveFrames), 1, 1, nil, []PageState{Free, Free, FreeUser, FreeUser}},
		{wrap(tbl.ReserveFrames), 3, 2, errInvalidFrame, []PageState{Free, Free, FreeUser, FreeUser}},
	}

	for specIndex, spec := range specs {
		err := spec.op(spec.frame, spec.n)
		if (spec.expErr == nil && err != nil) || (spec.expErr != nil && err != spec.expErr) {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		for i, exp := range spec.expState {
			if got := tbl.State(mm.Frame(i)); got != exp {
				t.Errorf("[spec %d] expected frame %d to be %s; got %s", specIndex, i, exp, got)
			}
		}
	}

	if exp := 4 * mm.Size(mm.PageSize); tbl.FreeMemory() != exp || tbl.ReservedMemory() != 0 {
		t.Fatalf("expected all memory to be free; free: %d, reserved: %d", tbl.FreeMemory(), tbl.ReservedMemory())
	}
}

func wrap(fn func(mm.Frame, uintptr) *kernel.Error) func(mm.Frame, uintptr) error {
	return func(frame mm.Frame, n uintptr) error {
		if err := fn(frame, n); err != nil {
			return err
		}
		return nil
	}
}

func TestPageStateString(t *testing.T) {
	if exp, got := "allocated (user)", AllocatedUser.String(); got != exp {
		t.Errorf("expected %q; got %q", exp, got)
	}

	if exp, got := "invalid", PageState(42).String(); got != exp {
		t.Errorf("expected %q; got %q", exp, got)
	}

	if Locked.IsUser() || !ReservedUser.IsUser() {
		t.Error("IsUser returned an unexpected result")
	}
}

func TestAccessWithoutToken(t *testing.T) {
	defer func() {
		if err := recover(); err != cpu.ErrHalted {
			t.Fatalf("expected the kernel to halt; got %v", err)
		}
	}()

	AllocFrame(nil)
	t.Fatal("expected AllocFrame to halt without a token")
}
