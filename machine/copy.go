package machine

import "fmt"

// Copier moves bytes between a virtual address and a buffer on one
// CPU, honoring that CPU's translation cache. Faults on unbacked
// frames come back as a partial count plus ErrFault instead of taking
// the machine down, which is what lets an acquisition step over
// device holes.
type Copier struct {
	m   *Machine
	cpu int
}

// CopierFor returns the copy primitive bound to cpu.
func (m *Machine) CopierFor(cpu int) Copier {
	return Copier{m: m, cpu: cpu % m.nCPUs}
}

// CopyIn copies from va into dst.
func (c Copier) CopyIn(dst []byte, va uint64) (int, error) {
	pa, err := c.m.translate(c.cpu, va)
	if err != nil {
		return 0, fmt.Errorf("translate %#x: %w", va, err)
	}

	return c.m.ReadPhys(pa, dst)
}

// CopyOut copies from src to va.
func (c Copier) CopyOut(va uint64, src []byte) (int, error) {
	pa, err := c.m.translate(c.cpu, va)
	if err != nil {
		return 0, fmt.Errorf("translate %#x: %w", va, err)
	}

	return c.m.WritePhys(pa, src)
}
