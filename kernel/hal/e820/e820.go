// Package e820 decodes the BIOS E820 physical memory map collected by the
// boot loader and provides the kernel with an iterator over its regions.
package e820

import (
	"encoding/binary"

	"github.com/retroaalto/atOS-sub000/kernel"
)

const (
	// EntrySize is the size in bytes of a raw E820 entry.
	EntrySize = 20

	// MaxEntries is the number of entries that fit in the table the boot
	// loader fills in.
	MaxEntries = 32
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates a region containing defective RAM.
	MemBad

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var (
	memTypeNames = []string{
		"unknown",
		"available",
		"reserved",
		"ACPI (reclaimable)",
		"NVS",
		"bad",
	}

	// ErrNoMemoryMap is returned when the raw table contains no entries.
	ErrNoMemoryMap = &kernel.Error{Module: "e820", Message: "memory map contains no entries"}

	// entries holds the memory map installed by SetMemoryMap.
	entries []MemoryMapEntry
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	if t >= memUnknown {
		return memTypeNames[0]
	}

	return memTypeNames[t]
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// End returns the physical address following the last byte of the region.
func (e *MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// Parse decodes a raw E820 table. Decoding stops at the first all-zero entry,
// after MaxEntries entries or when the input runs out. Entries with an
// unknown type are reported as MemReserved.
func Parse(raw []byte) ([]MemoryMapEntry, *kernel.Error) {
	var list []MemoryMapEntry

	for off := 0; off+EntrySize <= len(raw) && len(list) < MaxEntries; off += EntrySize {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(raw[off:]),
			Length:      binary.LittleEndian.Uint64(raw[off+8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(raw[off+16:])),
		}

		if entry.PhysAddress == 0 && entry.Length == 0 && entry.Type == 0 {
			break
		}

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		list = append(list, entry)
	}

	if len(list) == 0 {
		return nil, ErrNoMemoryMap
	}

	return list, nil
}

// Encode serializes the supplied entries into the raw E820 table format
// including the terminating all-zero entry.
func Encode(list []MemoryMapEntry) []byte {
	raw := make([]byte, (len(list)+1)*EntrySize)
	for i, entry := range list {
		off := i * EntrySize
		binary.LittleEndian.PutUint64(raw[off:], entry.PhysAddress)
		binary.LittleEndian.PutUint64(raw[off+8:], entry.Length)
		binary.LittleEndian.PutUint32(raw[off+16:], uint32(entry.Type))
	}

	return raw
}

// SetMemoryMap installs the memory map that VisitMemRegions iterates. It must
// be invoked by the boot code before the physical memory allocator is
// initialized.
func SetMemoryMap(list []MemoryMapEntry) {
	entries = list
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region. If the visitor returns false
// the iteration stops.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions invokes the supplied visitor for each memory region in the
// installed memory map.
func VisitMemRegions(visitor MemRegionVisitor) {
	for i := range entries {
		if !visitor(&entries[i]) {
			return
		}
	}
}
