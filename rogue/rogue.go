// Package rogue manages the rogue page: a reserved virtual page whose
// leaf page table entry is rewritten to visit arbitrary physical
// frames. A Slot owns the reserved page, the reference to its entry
// storage, the saved original entry value, and the lock that
// serializes remap+access sequences.
package rogue

import (
	"errors"
	"fmt"

	"github.com/the80srobot/rekall/pagetable"
)

var (
	// ErrSlotReservation means no virtual page could be reserved for
	// the slot. The acquisition device should refuse to open.
	ErrSlotReservation = errors.New("cannot reserve a rogue page")

	// ErrLocatePTE means the leaf entry backing the reserved page
	// could not be found. Missing intermediate directories are not
	// allocated; only leaf entries of a resident hierarchy are
	// rewritten.
	ErrLocatePTE = errors.New("cannot locate the rogue page table entry")

	// ErrInvalidPhysAddr means the requested address does not fit the
	// architectural physical address width.
	ErrInvalidPhysAddr = errors.New("physical address exceeds the supported width")

	// ErrSlotClosed means the slot was already cleaned up.
	ErrSlotClosed = errors.New("rogue slot is closed")
)

// Invalidator drops cached translations for a single virtual address.
// The broadcast variant reaches every CPU that might touch the rogue
// page; a local variant is only correct when the slot is pinned to one
// CPU.
type Invalidator interface {
	Invalidate(va uint64)
}

// Reserver hands out page-aligned virtual addresses from a region
// normal allocation never maps through, and takes them back.
type Reserver interface {
	ReservePage() (uint64, error)
	ReleasePage(va uint64) error
}

// Slot is one rogue mapping. All remapping goes through Map under the
// slot's lock; Close restores the entry the page had at reservation
// time.
type Slot struct {
	mu   spinLock
	va   uint64
	ref  pagetable.EntryRef
	orig pagetable.PTE
	tlb  Invalidator
	res  Reserver
	open bool
}

// NewSlot reserves a rogue page and captures its original leaf entry.
// On any failure nothing stays reserved.
func NewSlot(w *pagetable.Walker, res Reserver, tlb Invalidator) (*Slot, error) {
	va, err := res.ReservePage()
	if err != nil {
		return nil, fmt.Errorf("reserve (%v): %w", err, ErrSlotReservation)
	}

	if pagetable.PageOffset(va) != 0 {
		_ = res.ReleasePage(va)

		return nil, fmt.Errorf("reserved %#x is not page aligned: %w", va, ErrSlotReservation)
	}

	ref, err := w.LeafEntry(va)
	if err != nil {
		_ = res.ReleasePage(va)

		return nil, fmt.Errorf("leaf entry for %#x (%v): %w", va, err, ErrLocatePTE)
	}

	orig, err := ref.Load()
	if err != nil {
		_ = res.ReleasePage(va)

		return nil, fmt.Errorf("read entry for %#x (%v): %w", va, err, ErrLocatePTE)
	}

	return &Slot{va: va, ref: ref, orig: orig, tlb: tlb, res: res, open: true}, nil
}

// VA returns the slot's virtual address. Accessing it is only valid
// between a Map and the matching Unlock.
func (s *Slot) VA() uint64 {
	return s.va
}

// Lock acquires the slot for one remap+copy sequence.
func (s *Slot) Lock() {
	s.mu.lock()
}

// Unlock releases the slot. The previous mapping must not be used
// afterwards.
func (s *Slot) Unlock() {
	s.mu.unlock()
}

// Map rewrites the slot's entry to point at the frame containing pa
// and invalidates the stale translation for the rogue page. Whether
// the frame is RAM, device memory or reserved is the caller's policy;
// the only check here is the physical address width.
//
// The caller must hold the slot's lock for the remap and for every
// access through VA until the next Map, Unlock or Close.
func (s *Slot) Map(pa uint64) error {
	if !s.open {
		return ErrSlotClosed
	}

	if pa>>pagetable.MaxPhysBits != 0 {
		return fmt.Errorf("%#x does not fit %d bits: %w", pa, pagetable.MaxPhysBits, ErrInvalidPhysAddr)
	}

	// Cache is disabled on the mapping so repeated remaps never see
	// stale contents of a previously visited frame.
	pte := pagetable.FlagPresent | pagetable.FlagWritable |
		pagetable.FlagCacheDisable | pagetable.FlagNoExec
	pte = pte.WithAddress(pagetable.PageBase(pa))

	if err := s.ref.Store(pte); err != nil {
		return fmt.Errorf("rewrite entry for %#x: %w", s.va, err)
	}

	s.tlb.Invalidate(s.va)

	return nil
}

// Close writes back the original entry bit for bit, flushes the
// translation, and releases the reserved page. Safe to call twice and
// safe to call on a nil slot, so cleanup paths need no bookkeeping.
func (s *Slot) Close() error {
	if s == nil {
		return nil
	}

	s.mu.lock()
	defer s.mu.unlock()

	if !s.open {
		return nil
	}
	s.open = false

	if err := s.ref.Store(s.orig); err != nil {
		return fmt.Errorf("restore entry for %#x: %w", s.va, err)
	}

	s.tlb.Invalidate(s.va)

	return s.res.ReleasePage(s.va)
}
