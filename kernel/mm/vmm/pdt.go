package vmm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/cpu"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

var (
	// The following functions are used by tests to intercept calls to the
	// CPU and the frame allocator.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	tlbLookupFn     = cpu.TLBLookup
	tlbFillFn       = cpu.TLBFill
	allocFrameFn    = mm.AllocFrame
	freeFrameFn     = mm.FreeFrame
	panicFn         = kfmt.Panic
)

// PageDirectoryTable describes the top-most table in the two-level paging
// scheme.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Frame returns the physical frame that stores the directory.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// active returns true if this directory is loaded into CR3.
func (pdt PageDirectoryTable) active() bool {
	return activePDTFn() == pdt.pdtFrame.Address()
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. A page table is allocated and cleared the first time a directory
// slot is used. The TLB entry for the page is invalidated.
func (pdt PageDirectoryTable) Map(tok *sync.Token, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// Leaf entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent) {
			// user mappings need the directory entry to allow user access
			if flags&FlagUserAccessible != 0 && pte.HasFlags(FlagOwned) {
				pte.SetFlags(FlagUserAccessible)
			}
			return true
		}

		var tableFrame mm.Frame
		if tableFrame, err = allocFrameFn(tok); err != nil {
			return false
		}
		mm.ZeroFrame(tableFrame)

		*pte = 0
		pte.SetFrame(tableFrame)
		pte.SetFlags(FlagPresent | FlagRW | FlagOwned | (flags & FlagUserAccessible))
		return true
	})

	return err
}

// Unmap removes a mapping previously installed by a call to Map and returns
// the entry that was removed.
func (pdt PageDirectoryTable) Unmap(page mm.Page) (pageTableEntry, *kernel.Error) {
	pte, err := pteForAddress(pdt.pdtFrame, page.Address())
	if err != nil {
		return 0, err
	}

	old := *pte
	*pte = 0
	flushTLBEntryFn(page.Address())
	return old, nil
}

// Lookup returns the physical address and flags of the mapping for virtAddr.
// Lookups on the active directory are served by the TLB when possible.
func (pdt PageDirectoryTable) Lookup(virtAddr uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	var entry pageTableEntry

	cached, hit := uintptr(0), false
	if pdt.active() {
		cached, hit = tlbLookupFn(virtAddr)
	}

	if hit {
		entry = pageTableEntry(cached)
	} else {
		pte, err := pteForAddress(pdt.pdtFrame, virtAddr)
		if err != nil {
			return 0, 0, err
		}

		entry = *pte
		if pdt.active() {
			tlbFillFn(virtAddr, uintptr(entry))
		}
	}

	return entry.Frame().Address() + (virtAddr & (mm.PageSize - 1)), entry.Flags(), nil
}

// Activate loads this page directory table into CR3 and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
