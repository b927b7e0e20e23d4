package vmm

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the page directory stored in pdtFrame. It calls the supplied walkFn with
// the entry that corresponds to each page table level. Once walkFn returns
// for a directory entry, the walk continues with the table that entry points
// to, so walkFn may install a missing table before returning true.
func walk(pdtFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &tableFn(tableFrame)[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address, returning ErrInvalidMapping if the page is not
// present.
func pteForAddress(pdtFrame mm.Frame, virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}
