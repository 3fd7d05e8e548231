package transfer_test

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/the80srobot/rekall/machine"
	"github.com/the80srobot/rekall/pagetable"
	"github.com/the80srobot/rekall/rogue"
	"github.com/the80srobot/rekall/transfer"
)

// countingInvalidator counts remaps: the slot invalidates exactly once
// per rewrite of its entry.
type countingInvalidator struct {
	inner rogue.Invalidator
	n     int32
}

func (c *countingInvalidator) Invalidate(va uint64) {
	atomic.AddInt32(&c.n, 1)
	c.inner.Invalidate(va)
}

func newEngine(t *testing.T, holes ...machine.Hole) (*machine.Machine, *transfer.Engine, *countingInvalidator) {
	t.Helper()

	m, err := machine.New(machine.Config{MemSize: 8 << 20, Holes: holes})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = m.Close() })

	counter := &countingInvalidator{inner: m.Broadcast()}

	pool, err := rogue.NewPool(1, m.Walker(), m, func(int) rogue.Invalidator { return counter })
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = pool.Close() })

	return m, &transfer.Engine{Slots: pool, Copier: m.CopierFor(0)}, counter
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	m, e, _ := newEngine(t)

	want := bytes.Repeat([]byte{0x5a, 0xa5}, 3*pagetable.PageSize/2)

	n, err := e.Transfer(&transfer.Request{Addr: 0x10_0000, Buf: want, Write: true})
	if err != nil {
		t.Fatal(err)
	}

	if n != len(want) {
		t.Fatalf("wrote %d of %d bytes", n, len(want))
	}

	// What the write placed must be visible through the independent
	// access path, not just through the rogue mapping.
	direct := make([]byte, len(want))
	if _, err := m.ReadPhys(0x10_0000, direct); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(direct, want) {
		t.Fatal("direct read disagrees with what was written")
	}

	got := make([]byte, len(want))

	if n, err = e.Transfer(&transfer.Request{Addr: 0x10_0000, Buf: got}); err != nil || n != len(got) {
		t.Fatalf("read back: n %d err %v", n, err)
	}

	if !bytes.Equal(got, want) {
		t.Fatal("read back disagrees with what was written")
	}
}

func TestBoundaryChunking(t *testing.T) {
	t.Parallel()

	m, e, counter := newEngine(t)

	// 2.5 pages starting mid-page: chunks of 2K, 4K and 4K across
	// three frames, so exactly three remaps.
	const (
		base   = uint64(0x20_0000)
		offset = uint64(pagetable.PageSize / 2)
		length = 2*pagetable.PageSize + pagetable.PageSize/2
	)

	buf := make([]byte, length)
	for i := range buf {
		switch {
		case i < pagetable.PageSize/2:
			buf[i] = 0x11
		case i < pagetable.PageSize/2+pagetable.PageSize:
			buf[i] = 0x22
		default:
			buf[i] = 0x33
		}
	}

	counter.n = 0

	n, err := e.Transfer(&transfer.Request{Addr: base + offset, Buf: buf, Write: true})
	if err != nil {
		t.Fatal(err)
	}

	if n != length {
		t.Fatalf("moved %d of %d bytes", n, length)
	}

	if got := atomic.LoadInt32(&counter.n); got != 3 {
		t.Errorf("remapped %d times, want 3", got)
	}

	// Each frame must hold its chunk's marker at the right offset.
	direct := make([]byte, length)
	if _, err := m.ReadPhys(base+offset, direct); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(direct, buf) {
		t.Error("frames do not hold the per-chunk markers")
	}
}

func TestPartialFailureReporting(t *testing.T) {
	t.Parallel()

	const base = uint64(0x30_0000)

	// The second frame of the request faults.
	_, e, _ := newEngine(t, machine.Hole{Base: base + pagetable.PageSize, Size: pagetable.PageSize})

	buf := bytes.Repeat([]byte{0xee}, 3*pagetable.PageSize)

	n, err := e.Transfer(&transfer.Request{Addr: base, Buf: buf})
	if !errors.Is(err, transfer.ErrCopyFault) {
		t.Fatalf("got %v, want ErrCopyFault", err)
	}

	if n != pagetable.PageSize {
		t.Fatalf("reported %d bytes, want exactly one chunk (%d)", n, pagetable.PageSize)
	}

	// The first chunk is populated (poison pattern, not the sentinel),
	// everything after the failed chunk is untouched.
	if bytes.Equal(buf[:8], []byte{0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee}) {
		t.Error("first chunk was not populated")
	}

	for i := pagetable.PageSize; i < len(buf); i++ {
		if buf[i] != 0xee {
			t.Fatalf("byte %d touched after the failed chunk", i)
		}
	}
}

func TestTransferPastEndOfMemory(t *testing.T) {
	t.Parallel()

	m, e, _ := newEngine(t)

	// Fits the physical address width, so the remap succeeds; the
	// copy must then fault recoverably instead of crashing.
	addr := m.Size() + 0x1000
	buf := make([]byte, 64)

	n, err := e.Transfer(&transfer.Request{Addr: addr, Buf: buf, Write: true})
	if !errors.Is(err, transfer.ErrCopyFault) {
		t.Fatalf("write: got %v, want ErrCopyFault", err)
	}

	if n != 0 {
		t.Errorf("write reported %d bytes past the end of memory", n)
	}

	if n, err := e.Transfer(&transfer.Request{Addr: addr, Buf: buf}); n != 0 || !errors.Is(err, transfer.ErrCopyFault) {
		t.Errorf("read: n %d err %v, want 0, ErrCopyFault", n, err)
	}
}

func TestInvalidPhysAddrRejectedBeforeCopy(t *testing.T) {
	t.Parallel()

	_, e, _ := newEngine(t)

	buf := make([]byte, pagetable.PageSize)

	n, err := e.Transfer(&transfer.Request{Addr: 1 << pagetable.MaxPhysBits, Buf: buf})
	if !errors.Is(err, rogue.ErrInvalidPhysAddr) {
		t.Fatalf("got %v, want ErrInvalidPhysAddr", err)
	}

	if n != 0 {
		t.Errorf("reported %d bytes for a rejected request", n)
	}
}

// lyingCopier reports one byte less than asked, without an error.
type lyingCopier struct{}

func (lyingCopier) CopyIn(dst []byte, _ uint64) (int, error) {
	return len(dst) - 1, nil
}

func (lyingCopier) CopyOut(_ uint64, src []byte) (int, error) {
	return len(src) - 1, nil
}

func TestShortCopySurfaces(t *testing.T) {
	t.Parallel()

	_, e, _ := newEngine(t)
	e.Copier = lyingCopier{}

	buf := make([]byte, 100)

	n, err := e.Transfer(&transfer.Request{Addr: 0, Buf: buf})
	if !errors.Is(err, transfer.ErrShort) {
		t.Fatalf("got %v, want ErrShort", err)
	}

	if n != 99 {
		t.Errorf("reported %d bytes, want 99", n)
	}
}

// panicCopier stands in for a copy primitive that crashes instead of
// reporting its fault.
type panicCopier struct{}

func (panicCopier) CopyIn([]byte, uint64) (int, error) {
	panic("copy blew up")
}

func (panicCopier) CopyOut(uint64, []byte) (int, error) {
	panic("copy blew up")
}

func TestCopierPanicReleasesSlot(t *testing.T) {
	t.Parallel()

	m, e, _ := newEngine(t)

	good := e.Copier
	e.Copier = panicCopier{}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("copier panic did not propagate")
			}
		}()

		_, _ = e.Transfer(&transfer.Request{Addr: 0, Buf: make([]byte, 8)})
	}()

	// The slot must come out of the panic unlocked, so the same
	// engine can still transfer and the pool can still close.
	e.Copier = good

	got := make([]byte, 8)
	if n, err := e.Transfer(&transfer.Request{Addr: 0, Buf: got}); err != nil || n != len(got) {
		t.Fatalf("slot unusable after copier panic: n %d err %v", n, err)
	}

	direct := make([]byte, 8)
	if _, err := m.ReadPhys(0, direct); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, direct) {
		t.Error("read through the slot disagrees with the direct path")
	}
}

func TestEmptyRequest(t *testing.T) {
	t.Parallel()

	_, e, _ := newEngine(t)

	if n, err := e.Transfer(&transfer.Request{Addr: 0}); n != 0 || err != nil {
		t.Errorf("empty request: n %d err %v", n, err)
	}
}

func TestConcurrentTransfersSerialize(t *testing.T) {
	t.Parallel()

	const (
		workers = 4
		span    = 4*pagetable.PageSize + 512
	)

	m, e, _ := newEngine(t)

	// Disjoint ranges through one shared slot. The result must be
	// byte-identical to a sequential execution: no chunk of one
	// request interleaved with another's remap.
	var g errgroup.Group

	for i := 0; i < workers; i++ {
		i := i

		g.Go(func() error {
			base := uint64(0x40_0000 + i*span)
			pattern := bytes.Repeat([]byte{0xc0 + byte(i)}, span)

			if _, err := e.Transfer(&transfer.Request{Addr: base, Buf: pattern, Write: true}); err != nil {
				return err
			}

			got := make([]byte, span)
			if _, err := e.Transfer(&transfer.Request{Addr: base, Buf: got}); err != nil {
				return err
			}

			if !bytes.Equal(got, pattern) {
				return errors.New("interleaved corruption")
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// Sequential ground truth.
	for i := 0; i < workers; i++ {
		base := uint64(0x40_0000 + i*span)
		want := bytes.Repeat([]byte{0xc0 + byte(i)}, span)

		direct := make([]byte, span)
		if _, err := m.ReadPhys(base, direct); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(direct, want) {
			t.Fatalf("worker %d range does not match sequential result", i)
		}
	}
}
