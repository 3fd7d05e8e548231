package rogue

import (
	"fmt"
	"sync/atomic"

	"github.com/the80srobot/rekall/pagetable"
)

// Pool is a fixed set of slots handed out round-robin. A pool of one
// slot serializes all transfers through a single rogue page; larger
// pools trade that simplicity for throughput, typically one slot per
// CPU paired with a local invalidator.
type Pool struct {
	slots []*Slot
	next  uint32
}

// NewPool reserves n slots. tlbFor picks the invalidation strategy per
// slot index. Partially constructed pools are torn down on failure.
func NewPool(n int, w *pagetable.Walker, res Reserver, tlbFor func(i int) Invalidator) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("pool size %d: %w", n, ErrSlotReservation)
	}

	p := &Pool{slots: make([]*Slot, 0, n)}

	for i := 0; i < n; i++ {
		s, err := NewSlot(w, res, tlbFor(i))
		if err != nil {
			_ = p.Close()

			return nil, err
		}

		p.slots = append(p.slots, s)
	}

	return p, nil
}

// Get returns the next slot. The caller still locks it per chunk.
func (p *Pool) Get() *Slot {
	n := atomic.AddUint32(&p.next, 1)

	return p.slots[int(n-1)%len(p.slots)]
}

// Close closes every slot, keeping the first error.
func (p *Pool) Close() error {
	var first error

	for _, s := range p.slots {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
