package pagetable

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMapped is returned when a walk reaches an absent entry
	// before finding a leaf.
	ErrNotMapped = errors.New("virtual address is not mapped")

	// ErrLargePage is returned by LeafEntry when the address is
	// covered by a 2M or 1G leaf. Only 4K leaf entries can be handed
	// out for rewriting.
	ErrLargePage = errors.New("virtual address is covered by a large page")
)

// Memory provides word-granularity access to the physical memory that
// holds the page tables. A kernel-resident binding reads the tables in
// place; the machine package reads them out of its mmap'd region.
type Memory interface {
	ReadWord(pa uint64) (uint64, error)
	WriteWord(pa uint64, v uint64) error
}

// Walker translates virtual addresses by walking the radix hierarchy.
// Base supplies the physical address of the top-level table for the
// current address space (the CR3 equivalent); it is read once per walk.
//
// Walks only read shared table memory, so a Walker is safe for
// concurrent use.
type Walker struct {
	Base func() uint64
	Mem  Memory
}

// EntryRef is a mutable reference to the storage of one leaf page
// table entry: the address of the entry itself, not the frame the
// entry maps.
type EntryRef struct {
	mem  Memory
	addr uint64
}

// Load reads the current entry value.
func (r EntryRef) Load() (PTE, error) {
	w, err := r.mem.ReadWord(r.addr)

	return PTE(w), err
}

// Store overwrites the entry value.
func (r EntryRef) Store(p PTE) error {
	return r.mem.WriteWord(r.addr, uint64(p))
}

// walk descends the hierarchy for va and returns the leaf entry, the
// physical address of its storage, and the level it was found at.
// Large-page leaves terminate the walk early.
func (w *Walker) walk(va uint64) (pte PTE, entryAddr uint64, level int, err error) {
	table := w.Base() & addrMask

	for level = 0; level < Levels; level++ {
		shift := uint(PageShift + IndexBits*(Levels-1-level))
		index := (va >> shift) & indexMask
		entryAddr = table + index*entryBytes

		word, err := w.Mem.ReadWord(entryAddr)
		if err != nil {
			return 0, 0, level, fmt.Errorf("page table read at %#x: %w", entryAddr, err)
		}

		pte = PTE(word)
		if !pte.Present() {
			return 0, 0, level, fmt.Errorf("level %d entry for %#x: %w", level, va, ErrNotMapped)
		}

		// 1G leaves live one level below the root, 2M leaves one
		// below that. The top level has no large bit.
		if level == Levels-1 || (pte.Large() && level > 0) {
			return pte, entryAddr, level, nil
		}

		table = pte.Address()
	}

	// Unreachable: the loop always returns at the last level.
	return 0, 0, level, ErrNotMapped
}

// Translate resolves va to the physical address the hardware would
// access, combining the leaf frame with the offset the leaf leaves
// unmapped (4K, 2M or 1G wide).
func (w *Walker) Translate(va uint64) (uint64, error) {
	pte, _, level, err := w.walk(va)
	if err != nil {
		return 0, err
	}

	cover := uint64(1) << (PageShift + IndexBits*(Levels-1-level))

	return pte.Address() + va&(cover-1), nil
}

// LeafEntry returns a mutable reference to the 4K leaf entry backing
// va. The reference addresses the entry storage itself, so the caller
// can rewrite where va points. Absent intermediate directories are
// not allocated; they surface as ErrNotMapped.
func (w *Walker) LeafEntry(va uint64) (EntryRef, error) {
	_, entryAddr, level, err := w.walk(va)
	if err != nil {
		return EntryRef{}, err
	}

	if level != Levels-1 {
		return EntryRef{}, fmt.Errorf("%#x: %w", va, ErrLargePage)
	}

	return EntryRef{mem: w.Mem, addr: entryAddr}, nil
}
