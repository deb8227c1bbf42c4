package channel

import (
	"fmt"
	"sync"
)

// Remap records the correspondence between substrate-assigned physical
// channel identities and the logical indices the transfer plan was
// computed against. The mapping is injective in both directions: a
// physical identity binds to exactly one logical index and vice versa.
type Remap struct {
	mu        sync.RWMutex
	toLogical map[uint64]int
	taken     map[int]uint64
}

// NewRemap returns an empty remap table.
func NewRemap() *Remap {
	return &Remap{
		toLogical: make(map[uint64]int),
		taken:     make(map[int]uint64),
	}
}

// Bind records that the physical channel identity maps to the logical
// index. Binding the same pair again is a no-op. Binding a physical
// identity to a second logical index, or a logical index to a second
// physical identity, is an error.
func (r *Remap) Bind(physical uint64, logical int) error {
	if logical < 0 {
		return fmt.Errorf("remap: negative logical index %d", logical)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.toLogical[physical]; ok {
		if existing == logical {
			return nil
		}
		return fmt.Errorf("remap: physical %d already bound to logical %d", physical, existing)
	}
	if existing, ok := r.taken[logical]; ok {
		return fmt.Errorf("remap: logical %d already bound to physical %d", logical, existing)
	}
	r.toLogical[physical] = logical
	r.taken[logical] = physical
	return nil
}

// Logical resolves a physical channel identity to its logical index.
func (r *Remap) Logical(physical uint64) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	logical, ok := r.toLogical[physical]
	return logical, ok
}

// Len returns the number of bound channels.
func (r *Remap) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.toLogical)
}

// Reset clears every binding. Used when a transfer restarts and the
// substrate hands out fresh channel identities.
func (r *Remap) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toLogical = make(map[uint64]int)
	r.taken = make(map[int]uint64)
}
