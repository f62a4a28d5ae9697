package engine

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// halfOpenSet tracks which of a fixed number of half-open-connection slots
// are currently in use, the same mutex-guarded-bitset shape the dispatcher
// package uses for piece/peer bitfields, repurposed here to a slot pool
// instead of a piece index space.
type halfOpenSet struct {
	mu   sync.Mutex
	bits *bitset.BitSet
	n    uint
}

func newHalfOpenSet(n int) (*halfOpenSet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("engine: MaxHalfOpenConns must be positive, got %d", n)
	}
	return &halfOpenSet{bits: bitset.New(uint(n)), n: uint(n)}, nil
}

// acquire reserves the first free slot, returning ok=false when every slot
// in the budget is already in use.
func (h *halfOpenSet) acquire() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := uint(0); i < h.n; i++ {
		if !h.bits.Test(i) {
			h.bits.Set(i)
			return int(i), true
		}
	}
	return 0, false
}

// release frees a slot previously returned by acquire.
func (h *halfOpenSet) release(slot int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if slot < 0 || uint(slot) >= h.n {
		return
	}
	h.bits.Clear(uint(slot))
}

// inUse reports how many slots are currently reserved, for stats reporting.
func (h *halfOpenSet) inUse() uint {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.bits.Count()
}
