package rogue_test

import (
	"errors"
	"testing"

	"github.com/the80srobot/rekall/machine"
	"github.com/the80srobot/rekall/pagetable"
	"github.com/the80srobot/rekall/rogue"
)

func newMachine(t *testing.T) *machine.Machine {
	t.Helper()

	m, err := machine.New(machine.Config{MemSize: 8 << 20})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestSlotRestoration(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	s, err := rogue.NewSlot(m.Walker(), m, m.Broadcast())
	if err != nil {
		t.Fatal(err)
	}

	orig, err := m.Walker().Translate(s.VA())
	if err != nil {
		t.Fatal(err)
	}

	s.Lock()
	if err := s.Map(0x20_0000); err != nil {
		s.Unlock()
		t.Fatal(err)
	}
	s.Unlock()

	if pa, err := m.Walker().Translate(s.VA()); err != nil || pa != 0x20_0000 {
		t.Fatalf("after map: pa %#x err %v, want 0x200000", pa, err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// The original entry must be back bit for bit, so the page
	// translates to exactly where it pointed before.
	if pa, err := m.Walker().Translate(s.VA()); err != nil || pa != orig {
		t.Errorf("after close: pa %#x err %v, want %#x", pa, err, orig)
	}
}

func TestMapRejectsWidePhysAddr(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	s, err := rogue.NewSlot(m.Walker(), m, m.Broadcast())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Lock()
	defer s.Unlock()

	if err := s.Map(1 << pagetable.MaxPhysBits); !errors.Is(err, rogue.ErrInvalidPhysAddr) {
		t.Errorf("got %v, want ErrInvalidPhysAddr", err)
	}

	// The rejection happens before any hardware mutation, so the
	// slot still maps its original frame.
	if _, err := m.Walker().Translate(s.VA()); err != nil {
		t.Errorf("slot entry disturbed by rejected map: %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	s, err := rogue.NewSlot(m.Walker(), m, m.Broadcast())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	var none *rogue.Slot
	if err := none.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}

	s.Lock()
	defer s.Unlock()

	if err := s.Map(0); !errors.Is(err, rogue.ErrSlotClosed) {
		t.Errorf("map after close: got %v, want ErrSlotClosed", err)
	}
}

type failingReserver struct {
	err error
	va  uint64
}

func (r failingReserver) ReservePage() (uint64, error) {
	return r.va, r.err
}

func (r failingReserver) ReleasePage(uint64) error {
	return nil
}

func TestNewSlotReservationFailure(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	res := failingReserver{err: errors.New("region exhausted")}
	if _, err := rogue.NewSlot(m.Walker(), res, m.Broadcast()); !errors.Is(err, rogue.ErrSlotReservation) {
		t.Errorf("got %v, want ErrSlotReservation", err)
	}

	unaligned := failingReserver{va: 0xffff_c000_0000_0123}
	if _, err := rogue.NewSlot(m.Walker(), unaligned, m.Broadcast()); !errors.Is(err, rogue.ErrSlotReservation) {
		t.Errorf("unaligned: got %v, want ErrSlotReservation", err)
	}
}

func TestNewSlotLocateFailure(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	// A page-aligned address in a region with no resident hierarchy:
	// no directories are allocated, so the slot cannot be created.
	res := failingReserver{va: 0xffff_d000_0000_0000}
	if _, err := rogue.NewSlot(m.Walker(), res, m.Broadcast()); !errors.Is(err, rogue.ErrLocatePTE) {
		t.Errorf("got %v, want ErrLocatePTE", err)
	}
}

func TestPool(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	p, err := rogue.NewPool(2, m.Walker(), m, func(int) rogue.Invalidator { return m.Broadcast() })
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	a, b := p.Get(), p.Get()
	if a == b {
		t.Error("pool of two handed out the same slot twice in a row")
	}

	if a.VA() == b.VA() {
		t.Error("distinct slots share a rogue page")
	}

	if p.Get() != a {
		t.Error("round robin did not wrap")
	}
}

func TestPoolSizeValidation(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	if _, err := rogue.NewPool(0, m.Walker(), m, func(int) rogue.Invalidator { return m.Broadcast() }); err == nil {
		t.Error("pool of zero slots must fail")
	}
}
