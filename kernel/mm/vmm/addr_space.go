package vmm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

var (
	// allocUserFrameFn is used by tests to override user frame allocations.
	allocUserFrameFn = mm.AllocUserFrame

	errNotUserAddress      = &kernel.Error{Module: "vmm", Message: "address is outside the user region"}
	errDestroyKernelSpace  = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed"}
	errDestroyActiveSpace  = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}
	errSpaceDestroyed      = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
	errKernelSpaceNotReady = &kernel.Error{Module: "vmm", Message: "kernel address space has not been initialized"}
)

// AddressSpace is a page directory together with the ownership rules that
// apply to it. The kernel address space may only map the kernel region;
// process address spaces may only map the user region.
type AddressSpace struct {
	pdt    PageDirectoryTable
	kernel bool
}

// CreateAddressSpace allocates a new page directory and copies the kernel
// region's directory entries into it. The copies carry neither the user bit
// nor the owned bit so user code cannot reach kernel memory and destroying
// the space never releases a kernel table.
func CreateAddressSpace(tok *sync.Token) (*AddressSpace, *kernel.Error) {
	sync.Must(tok)

	if kernelSlots == 0 {
		return nil, errKernelSpaceNotReady
	}

	pdtFrame, err := allocFrameFn(tok)
	if err != nil {
		return nil, err
	}
	mm.ZeroFrame(pdtFrame)

	kernelPD, pd := tableFn(kernelSpace.pdt.pdtFrame), tableFn(pdtFrame)
	for slot := uintptr(0); slot < kernelSlots; slot++ {
		pd[slot] = kernelPD[slot]
		pd[slot].ClearFlags(FlagUserAccessible | FlagOwned)
	}

	return &AddressSpace{pdt: PageDirectoryTable{pdtFrame: pdtFrame}}, nil
}

// PDT returns the page directory of the address space.
func (as *AddressSpace) PDT() PageDirectoryTable {
	return as.pdt
}

// PhysBase returns the physical address of the page directory; this is the
// value loaded into CR3 when the space is activated.
func (as *AddressSpace) PhysBase() uintptr {
	return as.pdt.pdtFrame.Address()
}

// Activate makes this the active address space.
func (as *AddressSpace) Activate() {
	as.pdt.Activate()
}

// checkAddr validates virtAddr for a map or unmap request. Misaligned
// addresses are a fatal caller error.
func (as *AddressSpace) checkAddr(virtAddr uintptr) *kernel.Error {
	switch {
	case !as.pdt.pdtFrame.Valid():
		return errSpaceDestroyed
	case !mm.PageAligned(virtAddr):
		panicFn(errMisalignedAddress)
		return errMisalignedAddress
	case as.kernel && virtAddr >= userSpaceBase:
		return errNotKernelAddress
	case !as.kernel && (virtAddr < userSpaceBase || virtAddr >= userSpaceEnd):
		return errNotUserAddress
	}
	return nil
}

// MapPage maps the page at virtAddr to the frame at physAddr. Both addresses
// must be page-aligned. Frames mapped this way are never owned by the space;
// only MapRegion hands frames over to it.
func (as *AddressSpace) MapPage(tok *sync.Token, virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	flags &^= FlagOwned
	if as.kernel {
		flags &^= FlagUserAccessible
	}

	return as.mapPage(tok, virtAddr, physAddr, flags)
}

// mapPage installs a mapping for virtAddr. If the page was backed by a
// different frame owned by the space, that frame is released. Remapping an
// owned frame onto itself keeps it owned.
func (as *AddressSpace) mapPage(tok *sync.Token, virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	sync.Must(tok)

	if err := as.checkAddr(virtAddr); err != nil {
		return err
	}

	if !mm.PageAligned(physAddr) {
		panicFn(errMisalignedAddress)
		return errMisalignedAddress
	}

	var old pageTableEntry
	if pte, err := pteForAddress(as.pdt.pdtFrame, virtAddr); err == nil {
		old = *pte
	}

	frame := mm.FrameFromAddress(physAddr)
	replacesOwned := old.HasFlags(FlagPresent | FlagOwned)
	if replacesOwned && old.Frame() == frame {
		flags |= FlagOwned
	}

	if err := as.pdt.Map(tok, mm.PageFromAddress(virtAddr), frame, flags); err != nil {
		return err
	}

	if replacesOwned && old.Frame() != frame {
		releaseFrame(tok, old.Frame())
	}
	return nil
}

// UnmapPage removes the mapping for the page at virtAddr. If the space owns
// the mapped frame, the frame is released.
func (as *AddressSpace) UnmapPage(tok *sync.Token, virtAddr uintptr) *kernel.Error {
	sync.Must(tok)

	if err := as.checkAddr(virtAddr); err != nil {
		return err
	}

	old, err := as.pdt.Unmap(mm.PageFromAddress(virtAddr))
	if err != nil {
		return err
	}

	if old.HasFlags(FlagOwned) {
		releaseFrame(tok, old.Frame())
	}

	return nil
}

// Lookup translates virtAddr and returns the physical address and the flags
// of its mapping.
func (as *AddressSpace) Lookup(virtAddr uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	if !as.pdt.pdtFrame.Valid() {
		return 0, 0, errSpaceDestroyed
	}
	return as.pdt.Lookup(virtAddr)
}

// MapRegion backs every page in region with a freshly allocated and cleared
// user frame. The frames are owned by the space. If an allocation fails, the
// pages mapped so far stay mapped and are released by Destroy.
func (as *AddressSpace) MapRegion(tok *sync.Token, region Region, flags PageTableEntryFlag) *kernel.Error {
	for addr := region.Start; addr < region.End; addr += mm.PageSize {
		frame, err := allocUserFrameFn(tok)
		if err != nil {
			return err
		}
		mm.ZeroFrame(frame)

		if err = as.mapPage(tok, addr, frame.Address(), flags|FlagOwned); err != nil {
			releaseFrame(tok, frame)
			return err
		}
	}

	return nil
}

// Write copies data into the address space starting at virtAddr.
func (as *AddressSpace) Write(virtAddr uintptr, data []byte) *kernel.Error {
	for len(data) != 0 {
		physAddr, _, err := as.Lookup(virtAddr)
		if err != nil {
			return err
		}

		n := int(mm.PageSize - (virtAddr & (mm.PageSize - 1)))
		if n > len(data) {
			n = len(data)
		}

		mm.WritePhys(physAddr, data[:n])
		virtAddr, data = virtAddr+uintptr(n), data[n:]
	}

	return nil
}

// Read copies len(p) bytes starting at virtAddr out of the address space.
func (as *AddressSpace) Read(virtAddr uintptr, p []byte) *kernel.Error {
	for len(p) != 0 {
		physAddr, _, err := as.Lookup(virtAddr)
		if err != nil {
			return err
		}

		n := int(mm.PageSize - (virtAddr & (mm.PageSize - 1)))
		if n > len(p) {
			n = len(p)
		}

		mm.ReadPhys(physAddr, p[:n])
		virtAddr, p = virtAddr+uintptr(n), p[n:]
	}

	return nil
}

// Destroy releases every frame the space owns: the frames mapped by
// MapRegion, the page tables of the user region and the directory itself.
// Tables shared with the kernel region are never released.
func (as *AddressSpace) Destroy(tok *sync.Token) *kernel.Error {
	sync.Must(tok)

	switch {
	case as.kernel:
		return errDestroyKernelSpace
	case !as.pdt.pdtFrame.Valid():
		return errSpaceDestroyed
	case as.pdt.active():
		return errDestroyActiveSpace
	}

	pd := tableFn(as.pdt.pdtFrame)
	for slot := kernelSlots; slot < entriesPerTable; slot++ {
		if !pd[slot].HasFlags(FlagPresent | FlagOwned) {
			continue
		}

		for _, pte := range tableFn(pd[slot].Frame()) {
			if pte.HasFlags(FlagPresent | FlagOwned) {
				releaseFrame(tok, pte.Frame())
			}
		}

		releaseFrame(tok, pd[slot].Frame())
		pd[slot] = 0
	}

	releaseFrame(tok, as.pdt.pdtFrame)
	as.pdt.pdtFrame = mm.InvalidFrame
	return nil
}

// releaseFrame returns a frame owned by an address space to the allocator.
// A failure means that the ownership bookkeeping is corrupted.
func releaseFrame(tok *sync.Token, frame mm.Frame) {
	if err := freeFrameFn(tok, frame); err != nil {
		panicFn(err)
	}
}
