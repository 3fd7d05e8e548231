// Package device is the /dev/pmem-style consumer surface: positioned
// and offset reads and writes of physical memory, backed by the
// transfer engine. It constructs the transfer requests; the engine
// only reads them.
package device

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/the80srobot/rekall/meminfo"
	"github.com/the80srobot/rekall/transfer"
)

var (
	errNegativeOffset = errors.New("negative offset")
	errBadWhence      = errors.New("bad whence")
)

// Device exposes physical memory as a file-like object. ReadAt and
// WriteAt are safe for concurrent use; Read and Seek share one offset
// guarded by a mutex, the way imaging tools consume the device node.
type Device struct {
	engine *transfer.Engine
	info   meminfo.Info

	mu  sync.Mutex
	off int64
}

// New wraps an engine. The layout bounds sequential reads.
func New(engine *transfer.Engine, info meminfo.Info) *Device {
	return &Device{engine: engine, info: info}
}

// Info returns the advertised physical layout.
func (d *Device) Info() meminfo.Info {
	return d.info
}

// ReadAt reads physical memory starting at off. Reads past the end of
// the layout return io.EOF; reads into unbacked regions return the
// partial count with the transfer error, so the consumer can pad and
// resume past the hole.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	size := int64(d.info.Size())
	if off >= size {
		return 0, io.EOF
	}

	var eof error
	if int64(len(p)) > size-off {
		p = p[:size-off]
		eof = io.EOF
	}

	n, err := d.engine.Transfer(&transfer.Request{Addr: uint64(off), Buf: p})
	if err != nil {
		return n, fmt.Errorf("read %d bytes at %#x: %w", len(p), off, err)
	}

	return n, eof
}

// WriteAt writes physical memory starting at off. Writes at or past
// the end of the layout return io.ErrShortWrite, as do writes crossing
// it, with the truncated count.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	size := int64(d.info.Size())
	if off >= size {
		return 0, io.ErrShortWrite
	}

	var short error
	if int64(len(p)) > size-off {
		p = p[:size-off]
		short = io.ErrShortWrite
	}

	n, err := d.engine.Transfer(&transfer.Request{Addr: uint64(off), Buf: p, Write: true})
	if err != nil {
		return n, fmt.Errorf("write %d bytes at %#x: %w", len(p), off, err)
	}

	return n, short
}

// Read reads from the shared offset.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.ReadAt(p, d.off)
	d.off += int64(n)

	return n, err
}

// Seek repositions the shared offset.
func (d *Device) Seek(offset int64, whence int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch whence {
	case io.SeekStart:
		d.off = offset
	case io.SeekCurrent:
		d.off += offset
	case io.SeekEnd:
		d.off = int64(d.info.Size()) + offset
	default:
		return 0, fmt.Errorf("whence %d: %w", whence, errBadWhence)
	}

	if d.off < 0 {
		d.off = 0

		return 0, errNegativeOffset
	}

	return d.off, nil
}
