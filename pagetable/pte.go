// Package pagetable implements a read-only walker for 4-level x86-64
// radix page tables, plus the PTE word format the walker decodes.
//
// The walker never allocates or rewrites entries. Mutation happens
// through an EntryRef, a reference to the storage of one leaf entry,
// which is handed out exactly once per rogue slot.
package pagetable

const (
	// PageShift is the width of the intra-page offset.
	PageShift = 12
	// PageSize is the size of a leaf page frame.
	PageSize = 1 << PageShift

	// MaxPhysBits is the architectural physical address width.
	// Frame numbers above this do not fit in a PTE.
	MaxPhysBits = 52

	// Levels is the depth of the radix hierarchy.
	Levels = 4
	// IndexBits is the width of one level's index within a VA.
	IndexBits = 9
	// EntriesPerTable is the number of entries in one table page.
	EntriesPerTable = 1 << IndexBits

	indexMask  = EntriesPerTable - 1
	entryBytes = 8

	addrMask = 0x000ffffffffff000
)

// PTE is one page table entry at any level of the hierarchy.
type PTE uint64

// Flags understood by this walker. Layout per the Intel SDM, vol. 3A.
const (
	FlagPresent      PTE = 1 << 0
	FlagWritable     PTE = 1 << 1
	FlagUser         PTE = 1 << 2
	FlagWriteThrough PTE = 1 << 3
	FlagCacheDisable PTE = 1 << 4
	FlagAccessed     PTE = 1 << 5
	FlagDirty        PTE = 1 << 6
	FlagLarge        PTE = 1 << 7
	FlagGlobal       PTE = 1 << 8
	FlagNoExec       PTE = 1 << 63
)

// Present returns true if the entry maps something.
func (p PTE) Present() bool {
	return p&FlagPresent != 0
}

// Writable returns true if the mapping allows stores.
func (p PTE) Writable() bool {
	return p&FlagWritable != 0
}

// Large returns true if the entry is a large-page leaf rather than a
// pointer to the next table. Only meaningful at the two middle levels.
func (p PTE) Large() bool {
	return p&FlagLarge != 0
}

// Address returns the physical address the entry points to: the next
// level table for directories, the mapped frame for leaves.
func (p PTE) Address() uint64 {
	return uint64(p) & addrMask
}

// WithAddress returns a copy of the entry pointing at pa, keeping all
// flag bits.
func (p PTE) WithAddress(pa uint64) PTE {
	return (p &^ PTE(addrMask)) | PTE(pa&addrMask)
}

// PageOffset returns the intra-page offset of addr.
func PageOffset(addr uint64) uint64 {
	return addr & (PageSize - 1)
}

// PageBase returns addr rounded down to its page frame.
func PageBase(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}
