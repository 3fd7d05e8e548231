// Package transfer implements chunked reads and writes against
// physical memory through a rogue slot. Requests may span many
// frames; each frame is visited under the slot's lock and failures
// surface with the byte count already moved, so an acquisition can
// continue past unreadable regions instead of aborting.
package transfer

import (
	"errors"
	"fmt"

	"github.com/the80srobot/rekall/pagetable"
	"github.com/the80srobot/rekall/rogue"
)

var (
	// ErrShort means a copy moved fewer bytes than requested without
	// reporting a fault.
	ErrShort = errors.New("short transfer")

	// ErrCopyFault means the copy primitive hit a hardware fault,
	// e.g. a frame that is not backed by usable memory.
	ErrCopyFault = errors.New("fault during copy")
)

// Copier moves bytes between a mapped virtual address and a caller
// buffer. Implementations must recover from hardware faults and
// report them as a partial count plus an error, never by bringing the
// system down.
type Copier interface {
	// CopyIn copies from va into dst.
	CopyIn(dst []byte, va uint64) (int, error)
	// CopyOut copies from src to va.
	CopyOut(va uint64, src []byte) (int, error)
}

// Request describes one read or write against physical memory. The
// engine only ever reads a request; the device layer constructs them.
// The transfer length is len(Buf), and the engine never touches bytes
// outside Buf or outside [Addr, Addr+len(Buf)).
type Request struct {
	// Addr is the physical address the transfer starts at. It does
	// not need to be page aligned.
	Addr uint64

	// Buf receives the bytes on a read and supplies them on a write.
	Buf []byte

	// Write moves bytes into physical memory instead of out of it.
	Write bool
}

// Engine drives transfers through a slot pool. A pool of one slot is
// the fully serialized configuration.
type Engine struct {
	Slots  *rogue.Pool
	Copier Copier
}

// Transfer executes one request chunk by chunk and returns the number
// of bytes moved. On failure the count covers every chunk completed
// before the error, so callers can resume or report a short result.
//
// Per chunk, strictly ordered: lock, remap, copy, unlock. Concurrent
// requests against the same slot serialize at chunk granularity.
func (e *Engine) Transfer(req *Request) (int, error) {
	slot := e.Slots.Get()

	var total int

	addr := req.Addr
	for total < len(req.Buf) {
		off := pagetable.PageOffset(addr)

		n := len(req.Buf) - total
		if max := int(pagetable.PageSize - off); n > max {
			n = max
		}
		chunk := req.Buf[total : total+n]

		done, err := e.chunk(slot, addr, off, chunk, req.Write)

		total += done

		if err != nil {
			return total, fmt.Errorf("chunk at %#x: %w", addr, err)
		}

		if done < n {
			return total, fmt.Errorf("chunk at %#x moved %d of %d bytes: %w", addr, done, n, ErrShort)
		}

		addr += uint64(n)
	}

	return total, nil
}

// chunk moves one page-bounded piece under the slot lock. The unlock
// is deferred so a copier that panics cannot leave the slot held
// forever.
func (e *Engine) chunk(slot *rogue.Slot, addr, off uint64, buf []byte, write bool) (int, error) {
	slot.Lock()
	defer slot.Unlock()

	if err := slot.Map(pagetable.PageBase(addr)); err != nil {
		return 0, err
	}

	var (
		done int
		err  error
	)

	if write {
		done, err = e.Copier.CopyOut(slot.VA()+off, buf)
	} else {
		done, err = e.Copier.CopyIn(buf, slot.VA()+off)
	}

	if err != nil {
		return done, fmt.Errorf("%v: %w", err, ErrCopyFault)
	}

	return done, nil
}
