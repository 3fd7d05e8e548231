// Package machine models the physical machine the acquisition core
// runs against: a page-aligned physical memory region with a live
// 4-level page table hierarchy built inside it, per-CPU translation
// caches, and optional unreadable holes standing in for device
// windows and reserved regions.
//
// Machine implements every collaborator the core consumes: the page
// table word access used by the walker, rogue page reservation, TLB
// invalidation strategies, and the fault-recovering copy primitive.
// A kernel-resident binding would implement the same interfaces
// against the real hardware structures.
package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/the80srobot/rekall/meminfo"
	"github.com/the80srobot/rekall/pagetable"
)

// Poison fills fresh physical memory so reads of never-written frames
// are recognizable, and disassemble cleanly when spot-checked.
//
// Disassembly:
// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
// 5:  90                      nop
// 6:  0f 0b                   ud2
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// Virtual layout. The direct map window exposes all of physical
// memory; rogue pages are reserved from a region nothing else maps
// through.
const (
	directBase = 0xffff_8000_0000_0000
	rogueBase  = 0xffff_c000_0000_0000

	largeSize = 1 << (pagetable.PageShift + pagetable.IndexBits) // 2M
)

var (
	errMemSize = errors.New("physical memory size must be at least two large pages")

	// ErrFault is a copy or table access touching physical memory
	// that is not backed: past the end of RAM or inside a hole.
	ErrFault = errors.New("physical address is not backed by usable memory")
)

// Hole is a physical range that faults on access, like a PCI window.
type Hole struct {
	Base uint64
	Size uint64
}

// Config sizes a machine.
type Config struct {
	// MemSize is the physical memory size in bytes, rounded up to a
	// page.
	MemSize int

	// NCPUs is the number of CPUs with independent translation
	// caches. Defaults to 1.
	NCPUs int

	// Holes are unreadable physical ranges.
	Holes []Hole
}

// Machine owns the physical region and the tables inside it.
type Machine struct {
	mem   []byte
	size  uint64
	holes []Hole
	nCPUs int

	root      uint64 // top-level table
	nextFrame uint64 // bump allocator, grows down from size

	walker *pagetable.Walker

	tlbMu sync.Mutex
	tlb   []map[uint64]uint64 // per CPU, page base -> frame

	resMu     sync.Mutex
	nextRogue uint64
	freeRogue []uint64
}

// New maps the physical region, poisons it, and builds the direct map
// using 2M pages where the range allows, 4K pages elsewhere, so both
// leaf shapes occur in the live hierarchy.
func New(c Config) (*Machine, error) {
	size := (uint64(c.MemSize) + pagetable.PageSize - 1) &^ uint64(pagetable.PageSize-1)
	if size < 2*largeSize {
		return nil, fmt.Errorf("%d bytes: %w", c.MemSize, errMemSize)
	}

	nCPUs := c.NCPUs
	if nCPUs < 1 {
		nCPUs = 1
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	for i := 0; i < len(mem); i += len(Poison) {
		copy(mem[i:], Poison)
	}

	m := &Machine{
		mem:       mem,
		size:      size,
		holes:     append([]Hole(nil), c.Holes...),
		nCPUs:     nCPUs,
		nextFrame: size,
		tlb:       make([]map[uint64]uint64, nCPUs),
	}

	for i := range m.tlb {
		m.tlb[i] = make(map[uint64]uint64)
	}

	if m.root, err = m.allocTable(); err != nil {
		_ = m.Close()

		return nil, err
	}

	m.walker = &pagetable.Walker{Base: m.TableBase, Mem: m}

	if err := m.buildDirectMap(); err != nil {
		_ = m.Close()

		return nil, err
	}

	return m, nil
}

// Close unmaps the physical region. The machine must not be used
// afterwards.
func (m *Machine) Close() error {
	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil

	return err
}

// TableBase returns the physical address of the top-level table, the
// CR3 equivalent handed to the walker.
func (m *Machine) TableBase() uint64 {
	return m.root
}

// Walker returns a walker over this machine's tables.
func (m *Machine) Walker() *pagetable.Walker {
	return m.walker
}

// NCPUs returns the number of modeled CPUs.
func (m *Machine) NCPUs() int {
	return m.nCPUs
}

// DirectMap returns the direct-map virtual address of pa.
func (m *Machine) DirectMap(pa uint64) uint64 {
	return directBase + pa
}

// Size returns the physical memory size in bytes.
func (m *Machine) Size() uint64 {
	return m.size
}

// Info describes the physical layout the way the acquisition device
// advertises it: runs of usable memory with the holes left sparse.
func (m *Machine) Info() meminfo.Info {
	info := meminfo.Info{
		PageSize:  pagetable.PageSize,
		TableBase: meminfo.Uint64Hex(m.root),
		NCPUs:     m.nCPUs,
	}

	pos := uint64(0)
	for pos < m.size {
		if n := m.readable(pos, int(m.size-pos)); n > 0 {
			info.Runs = append(info.Runs, meminfo.Range{
				Base: meminfo.Uint64Hex(pos),
				Size: meminfo.Uint64Hex(n),
			})
			pos += uint64(n)

			continue
		}

		// Inside a hole: emit it as sparse and skip past.
		end := pos
		for _, h := range m.holes {
			if pos >= h.Base && pos < h.Base+h.Size && h.Base+h.Size > end {
				end = h.Base + h.Size
			}
		}
		if end > m.size {
			end = m.size
		}

		info.Runs = append(info.Runs, meminfo.Range{
			Base:   meminfo.Uint64Hex(pos),
			Size:   meminfo.Uint64Hex(end - pos),
			Sparse: true,
		})
		pos = end
	}

	return info
}

// ReadWord implements pagetable.Memory against the physical region.
func (m *Machine) ReadWord(pa uint64) (uint64, error) {
	if pa+8 > m.size {
		return 0, fmt.Errorf("word at %#x: %w", pa, ErrFault)
	}

	return binary.LittleEndian.Uint64(m.mem[pa:]), nil
}

// WriteWord implements pagetable.Memory against the physical region.
func (m *Machine) WriteWord(pa uint64, v uint64) error {
	if pa+8 > m.size {
		return fmt.Errorf("word at %#x: %w", pa, ErrFault)
	}

	binary.LittleEndian.PutUint64(m.mem[pa:], v)

	return nil
}

// ReadPhys copies out of physical memory directly, bypassing the
// tables. This is the independent access path used to verify what a
// transfer through the rogue page produced.
func (m *Machine) ReadPhys(pa uint64, buf []byte) (int, error) {
	if pa >= m.size {
		return 0, fmt.Errorf("%#x: %w", pa, ErrFault)
	}

	n := m.readable(pa, len(buf))
	copy(buf[:n], m.mem[pa:pa+uint64(n)])

	if n < len(buf) {
		return n, fmt.Errorf("%#x: %w", pa+uint64(n), ErrFault)
	}

	return n, nil
}

// WritePhys copies into physical memory directly, bypassing the
// tables.
func (m *Machine) WritePhys(pa uint64, buf []byte) (int, error) {
	if pa >= m.size {
		return 0, fmt.Errorf("%#x: %w", pa, ErrFault)
	}

	n := m.readable(pa, len(buf))
	copy(m.mem[pa:pa+uint64(n)], buf[:n])

	if n < len(buf) {
		return n, fmt.Errorf("%#x: %w", pa+uint64(n), ErrFault)
	}

	return n, nil
}

// readable returns how many of the n bytes at pa are backed, stopping
// at the end of RAM or the first hole.
func (m *Machine) readable(pa uint64, n int) int {
	if pa >= m.size {
		return 0
	}

	end := pa + uint64(n)
	if end > m.size {
		end = m.size
	}

	for _, h := range m.holes {
		if h.Size == 0 {
			continue
		}
		if pa >= h.Base && pa < h.Base+h.Size {
			return 0
		}
		if h.Base > pa && h.Base < end {
			end = h.Base
		}
	}

	return int(end - pa)
}

// allocTable takes a zeroed frame for a page table from the top-down
// bump allocator.
func (m *Machine) allocTable() (uint64, error) {
	return m.allocFrame(true)
}

func (m *Machine) allocFrame(zero bool) (uint64, error) {
	if m.nextFrame < largeSize {
		return 0, fmt.Errorf("out of table frames: %w", ErrFault)
	}

	m.nextFrame -= pagetable.PageSize
	pa := m.nextFrame

	if zero {
		clear(m.mem[pa : pa+pagetable.PageSize])
	}

	return pa, nil
}

// mapPage installs va -> pa in the hierarchy, allocating intermediate
// tables as needed. With large set the mapping is a 2M leaf and both
// addresses must be 2M aligned.
func (m *Machine) mapPage(va, pa uint64, flags pagetable.PTE, large bool) error {
	target := pagetable.Levels - 1
	if large {
		target = pagetable.Levels - 2
		flags |= pagetable.FlagLarge
	}

	table := m.root
	for level := 0; level < pagetable.Levels; level++ {
		shift := uint(pagetable.PageShift + pagetable.IndexBits*(pagetable.Levels-1-level))
		index := (va >> shift) & (pagetable.EntriesPerTable - 1)
		entryAddr := table + index*8

		if level == target {
			return m.WriteWord(entryAddr, uint64((pagetable.FlagPresent|flags).WithAddress(pa)))
		}

		word, err := m.ReadWord(entryAddr)
		if err != nil {
			return err
		}

		pte := pagetable.PTE(word)
		if !pte.Present() {
			next, err := m.allocTable()
			if err != nil {
				return err
			}

			dir := pagetable.FlagPresent | pagetable.FlagWritable
			if err := m.WriteWord(entryAddr, uint64(dir.WithAddress(next))); err != nil {
				return err
			}

			table = next

			continue
		}

		table = pte.Address()
	}

	return nil
}

// buildDirectMap maps all of physical memory at directBase, 2M pages
// for aligned stretches and 4K pages for the remainder.
func (m *Machine) buildDirectMap() error {
	rw := pagetable.FlagWritable | pagetable.FlagNoExec

	pa := uint64(0)
	for pa < m.size {
		if pa%largeSize == 0 && m.size-pa >= largeSize {
			if err := m.mapPage(directBase+pa, pa, rw, true); err != nil {
				return err
			}

			pa += largeSize

			continue
		}

		if err := m.mapPage(directBase+pa, pa, rw, false); err != nil {
			return err
		}

		pa += pagetable.PageSize
	}

	return nil
}

// ReservePage implements the rogue page reservation collaborator.
// Fresh pages are mapped to a dedicated scratch frame, which is the
// original mapping a slot restores on close. Released pages keep
// their restored mapping and are handed out again.
func (m *Machine) ReservePage() (uint64, error) {
	m.resMu.Lock()
	defer m.resMu.Unlock()

	if n := len(m.freeRogue); n > 0 {
		va := m.freeRogue[n-1]
		m.freeRogue = m.freeRogue[:n-1]

		return va, nil
	}

	va := rogueBase + m.nextRogue*pagetable.PageSize
	m.nextRogue++

	scratch, err := m.allocFrame(true)
	if err != nil {
		return 0, err
	}

	if err := m.mapPage(va, scratch, pagetable.FlagWritable|pagetable.FlagNoExec, false); err != nil {
		return 0, err
	}

	return va, nil
}

// ReleasePage returns a reserved page for reuse.
func (m *Machine) ReleasePage(va uint64) error {
	m.resMu.Lock()
	defer m.resMu.Unlock()

	m.freeRogue = append(m.freeRogue, va)

	return nil
}
