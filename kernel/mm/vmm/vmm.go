// Package vmm implements the virtual memory manager. Every address space
// shares the identity-mapped kernel region below the user space base; the
// region above it is private to each process.
package vmm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

var (
	// kernelSpace is the address space set up by Init. Its directory
	// entries for the kernel region are copied into every new space.
	kernelSpace AddressSpace

	// kernelSlots is the number of directory entries that cover the
	// kernel region.
	kernelSlots uintptr

	// userSpaceBase and userSpaceEnd delimit the process-private region.
	userSpaceBase, userSpaceEnd uintptr

	errMisalignedAddress = &kernel.Error{Module: "vmm", Message: "address is not page-aligned"}
	errNotKernelAddress  = &kernel.Error{Module: "vmm", Message: "address is outside the kernel region"}
	errInvalidUserBase   = &kernel.Error{Module: "vmm", Message: "user space base must be aligned to a directory entry"}
)

// Init builds the kernel address space and activates it. A page table is
// pre-allocated for every directory slot covering the kernel region so that
// kernel mappings added later are visible to all address spaces. Every
// physical frame below the user space base except frame 0 is identity-mapped.
func Init(tok *sync.Token, layout mm.Layout) *kernel.Error {
	sync.Must(tok)

	slotSize := uintptr(1) << pageLevelShifts[0]
	if layout.UserSpaceBase&(slotSize-1) != 0 {
		return errInvalidUserBase
	}

	userSpaceBase, userSpaceEnd = layout.UserSpaceBase, layout.UserSpaceEnd
	kernelSlots = layout.UserSpaceBase / slotSize

	pdtFrame, err := allocFrameFn(tok)
	if err != nil {
		return err
	}
	mm.ZeroFrame(pdtFrame)

	pd := tableFn(pdtFrame)
	for slot := uintptr(0); slot < kernelSlots; slot++ {
		tableFrame, err := allocFrameFn(tok)
		if err != nil {
			return err
		}
		mm.ZeroFrame(tableFrame)

		pd[slot].SetFrame(tableFrame)
		pd[slot].SetFlags(FlagPresent | FlagRW | FlagOwned)
	}

	kernelSpace = AddressSpace{pdt: PageDirectoryTable{pdtFrame: pdtFrame}, kernel: true}

	lastFrame := mm.Frame(mm.PhysicalFrameCount())
	if limit := mm.FrameFromAddress(layout.UserSpaceBase); lastFrame > limit {
		lastFrame = limit
	}

	for frame := mm.Frame(1); frame < lastFrame; frame++ {
		if err = kernelSpace.pdt.Map(tok, mm.Page(frame), frame, FlagRW); err != nil {
			return err
		}
	}

	kernelSpace.Activate()

	kfmt.Printf("[vmm] kernel space: pdt at 0x%x, %d tables, %d pages identity mapped\n",
		pdtFrame.Address(), uint64(kernelSlots), uint64(lastFrame-1),
	)
	return nil
}

// KernelAddressSpace returns the kernel's address space.
func KernelAddressSpace() *AddressSpace {
	return &kernelSpace
}

// MapKernelPage installs a mapping into the shared kernel region. It is used
// by drivers to map device memory such as the framebuffer.
func MapKernelPage(tok *sync.Token, virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	return kernelSpace.MapPage(tok, virtAddr, physAddr, flags)
}

// UnmapKernelPage removes a mapping from the shared kernel region.
func UnmapKernelPage(tok *sync.Token, virtAddr uintptr) *kernel.Error {
	return kernelSpace.UnmapPage(tok, virtAddr)
}
