package flag

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"

	"github.com/the80srobot/rekall/device"
	"github.com/the80srobot/rekall/inspect"
	"github.com/the80srobot/rekall/machine"
	"github.com/the80srobot/rekall/pagetable"
	"github.com/the80srobot/rekall/rogue"
	"github.com/the80srobot/rekall/term"
	"github.com/the80srobot/rekall/transfer"
)

var (
	errVerifyRange = errors.New("verify ranges do not fit in physical memory")
	errMismatch    = errors.New("read back bytes differ from what was written")
	errTerminal    = errors.New("refusing to write raw memory to a terminal, redirect stdout")
)

// CLI is the pmem command tree.
type CLI struct {
	Info    InfoCmd    `cmd:"" help:"Print the physical memory layout as YAML."`
	Read    ReadCmd    `cmd:"" help:"Acquire a physical range to stdout, padding unreadable pages with zeros."`
	Inspect InspectCmd `cmd:"" help:"Disassemble a physical range."`
	Verify  VerifyCmd  `cmd:"" help:"Run concurrent round-trip acquisition checks."`
}

// Parse runs the pmem command line.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("pmem"),
		kong.Description("pmem acquires physical memory through page table remapping"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// MachineOpts sizes the machine every command runs against.
type MachineOpts struct {
	MemSize string   `name:"mem" default:"64M" help:"Physical memory size as number[gGmMkK]."`
	NCPUs   int      `name:"cpus" default:"1" help:"Number of CPUs with independent translation caches."`
	Slots   int      `default:"1" help:"Rogue slot pool size."`
	Hole    []string `help:"Unreadable physical range as base:size; repeatable."`
}

func (o MachineOpts) open() (*machine.Machine, *device.Device, *rogue.Pool, error) {
	size, err := ParseSize(o.MemSize, "m")
	if err != nil {
		return nil, nil, nil, err
	}

	c := machine.Config{MemSize: size, NCPUs: o.NCPUs}

	for _, h := range o.Hole {
		base, hsize, err := ParseHole(h)
		if err != nil {
			return nil, nil, nil, err
		}

		c.Holes = append(c.Holes, machine.Hole{Base: base, Size: uint64(hsize)})
	}

	m, err := machine.New(c)
	if err != nil {
		return nil, nil, nil, err
	}

	// All slots copy through CPU 0 here, so invalidation must reach
	// every cache that might hold the rogue translation.
	pool, err := rogue.NewPool(o.Slots, m.Walker(), m,
		func(int) rogue.Invalidator { return m.Broadcast() })
	if err != nil {
		_ = m.Close()

		return nil, nil, nil, err
	}

	engine := &transfer.Engine{Slots: pool, Copier: m.CopierFor(0)}

	return m, device.New(engine, m.Info()), pool, nil
}

// InfoCmd prints the layout YAML.
type InfoCmd struct {
	MachineOpts
}

// Run implements the info command.
func (c *InfoCmd) Run() error {
	m, dev, pool, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()
	defer pool.Close()

	out, err := dev.Info().YAML()
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(out)

	return err
}

// ReadCmd streams a physical range to stdout. Persistence is the
// consumer's business; redirect or pipe the output.
type ReadCmd struct {
	MachineOpts
	Addr   string `arg:"" help:"Physical start address."`
	Length string `arg:"" help:"Byte count as number[gGmMkK]."`
}

// Run implements the read command.
func (c *ReadCmd) Run() error {
	if term.IsTerminal() {
		return errTerminal
	}

	m, dev, pool, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()
	defer pool.Close()

	addr, err := ParseAddr(c.Addr)
	if err != nil {
		return err
	}

	length, err := ParseSize(c.Length, "")
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	return acquire(out, dev, addr, uint64(length))
}

// acquire copies [addr, addr+length) to w, substituting zeros for
// pages that fault so the output stays offset-faithful.
func acquire(w io.Writer, dev *device.Device, addr, length uint64) error {
	buf := make([]byte, 1<<20)
	zero := make([]byte, pagetable.PageSize)

	end := addr + length
	for addr < end {
		n := len(buf)
		if rest := end - addr; rest < uint64(n) {
			n = int(rest)
		}

		got, err := dev.ReadAt(buf[:n], int64(addr))
		if _, werr := w.Write(buf[:got]); werr != nil {
			return werr
		}

		addr += uint64(got)

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, transfer.ErrCopyFault), errors.Is(err, rogue.ErrInvalidPhysAddr):
			// Pad to the next page boundary and step past the bad
			// frame.
			pad := pagetable.PageSize - pagetable.PageOffset(addr)
			if rest := end - addr; rest < pad {
				pad = rest
			}

			if _, werr := w.Write(zero[:pad]); werr != nil {
				return werr
			}

			addr += pad
		default:
			return err
		}
	}

	return nil
}

// InspectCmd disassembles acquired bytes.
type InspectCmd struct {
	MachineOpts
	Addr   string `arg:"" help:"Physical start address."`
	Length string `arg:"" optional:"" default:"64" help:"Byte count."`
}

// Run implements the inspect command.
func (c *InspectCmd) Run() error {
	m, dev, pool, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()
	defer pool.Close()

	addr, err := ParseAddr(c.Addr)
	if err != nil {
		return err
	}

	length, err := ParseSize(c.Length, "")
	if err != nil {
		return err
	}

	buf := make([]byte, length)

	n, err := dev.ReadAt(buf, int64(addr))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return inspect.Disassemble(os.Stdout, buf[:n], addr)
}

// VerifyCmd runs an online self test: one engine per worker, each
// with its own slot pinned to one CPU cache and a local-only
// invalidator, all writing and reading disjoint ranges concurrently.
type VerifyCmd struct {
	MachineOpts
	Workers    int    `default:"4" help:"Concurrent acquisition workers."`
	Bytes      string `default:"1M" help:"Range size per worker as number[gGmMkK]."`
	CPUProfile bool   `help:"Write a CPU profile to the current directory."`
}

// Run implements the verify command.
func (c *VerifyCmd) Run() error {
	if c.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	if c.NCPUs < c.Workers {
		c.NCPUs = c.Workers
	}

	m, _, pool, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()
	defer pool.Close()

	span, err := ParseSize(c.Bytes, "m")
	if err != nil {
		return err
	}

	if uint64(c.Workers)*uint64(span) > m.Size()/2 {
		return fmt.Errorf("%d workers x %s bytes: %w", c.Workers, c.Bytes, errVerifyRange)
	}

	var g errgroup.Group

	for i := 0; i < c.Workers; i++ {
		i := i

		g.Go(func() error {
			// Per-core configuration: slot, invalidator and copier
			// all bound to the same CPU cache.
			wp, err := rogue.NewPool(1, m.Walker(), m,
				func(int) rogue.Invalidator { return m.Local(i) })
			if err != nil {
				return err
			}
			defer wp.Close()

			engine := &transfer.Engine{Slots: wp, Copier: m.CopierFor(i)}

			base := uint64(i) * uint64(span)
			want := bytes.Repeat([]byte{0xA0 + byte(i)}, span)

			if _, err := engine.Transfer(&transfer.Request{Addr: base, Buf: want, Write: true}); err != nil {
				return fmt.Errorf("worker %d write: %w", i, err)
			}

			got := make([]byte, span)
			if _, err := engine.Transfer(&transfer.Request{Addr: base, Buf: got}); err != nil {
				return fmt.Errorf("worker %d read: %w", i, err)
			}

			if !bytes.Equal(got, want) {
				return fmt.Errorf("worker %d: %w", i, errMismatch)
			}

			// Cross-check against the independent access path.
			direct := make([]byte, span)
			if _, err := m.ReadPhys(base, direct); err != nil {
				return err
			}

			if !bytes.Equal(direct, want) {
				return fmt.Errorf("worker %d direct: %w", i, errMismatch)
			}

			log.Printf("worker %d: %d bytes at %#x ok", i, span, base)

			return nil
		})
	}

	return g.Wait()
}
