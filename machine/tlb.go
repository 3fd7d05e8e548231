package machine

import "github.com/the80srobot/rekall/pagetable"

// The translation cache is modeled honestly: copies translate through
// it, so a remap that skips invalidation really does read the frame
// the stale entry still names. That is the bug class targeted
// invalidation exists to prevent.

// translate resolves va on the given CPU, walking the tables only on
// a cache miss.
func (m *Machine) translate(cpu int, va uint64) (uint64, error) {
	base := pagetable.PageBase(va)

	m.tlbMu.Lock()
	pa, ok := m.tlb[cpu][base]
	m.tlbMu.Unlock()

	if !ok {
		var err error
		if pa, err = m.walker.Translate(base); err != nil {
			return 0, err
		}

		m.tlbMu.Lock()
		m.tlb[cpu][base] = pa
		m.tlbMu.Unlock()
	}

	return pa + pagetable.PageOffset(va), nil
}

// evict drops the cached translation for va's page on one CPU, or on
// all of them when cpu is negative.
func (m *Machine) evict(cpu int, va uint64) {
	base := pagetable.PageBase(va)

	m.tlbMu.Lock()
	defer m.tlbMu.Unlock()

	if cpu >= 0 {
		delete(m.tlb[cpu], base)

		return
	}

	for i := range m.tlb {
		delete(m.tlb[i], base)
	}
}

// BroadcastInvalidator invalidates a translation on every CPU. This
// is the strategy a single shared slot needs, since any CPU may copy
// through the rogue page.
type BroadcastInvalidator struct {
	m *Machine
}

func (b BroadcastInvalidator) Invalidate(va uint64) {
	b.m.evict(-1, va)
}

// LocalInvalidator invalidates only one CPU's translation. Only
// correct for a slot pinned to that CPU, where it saves the
// cross-core broadcast.
type LocalInvalidator struct {
	m   *Machine
	cpu int
}

func (l LocalInvalidator) Invalidate(va uint64) {
	l.m.evict(l.cpu, va)
}

// Broadcast returns the all-CPU invalidation strategy.
func (m *Machine) Broadcast() BroadcastInvalidator {
	return BroadcastInvalidator{m: m}
}

// Local returns the single-CPU invalidation strategy for cpu.
func (m *Machine) Local(cpu int) LocalInvalidator {
	return LocalInvalidator{m: m, cpu: cpu % m.nCPUs}
}
