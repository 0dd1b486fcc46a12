// Licensed under the MIT License. See LICENSE file in the project root for details.

package heap

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"
)

// State is the lifecycle state of a region.
type State uint32

const (
	// EmptyUncommitted regions hold no objects and have no backing memory.
	EmptyUncommitted State = iota
	// EmptyCommitted regions hold no objects but keep their backing memory.
	EmptyCommitted
	// Regular regions are owned by a mutator.
	Regular
)

func (s State) String() string {
	switch s {
	case EmptyUncommitted:
		return "empty-uncommitted"
	case EmptyCommitted:
		return "empty-committed"
	case Regular:
		return "regular"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Region is a fixed-size span of the heap. State transitions happen under the
// heap lock; state and empty time are atomics so they may also be read
// without it, with the usual caveat that such reads can be stale.
type Region struct {
	heap      *Heap
	index     int
	state     atomic.Uint32
	emptyTime atomic.Uint64 // float64 bits, seconds on the heap clock
	mem       []byte        // guarded by the heap lock
}

// Index returns the region's position in the heap.
func (r *Region) Index() int {
	return r.index
}

// State returns the current state.
func (r *Region) State() State {
	return State(r.state.Load())
}

// IsEmptyCommitted reports whether the region is empty and still backed by
// committed memory.
func (r *Region) IsEmptyCommitted() bool {
	return r.State() == EmptyCommitted
}

// IsCommitted reports whether the region has backing memory.
func (r *Region) IsCommitted() bool {
	return r.State() != EmptyUncommitted
}

// EmptyTime is when the region last became empty. Only meaningful while
// IsEmptyCommitted holds.
func (r *Region) EmptyTime() float64 {
	return math.Float64frombits(r.emptyTime.Load())
}

// Bytes returns the region's memory. The slice is valid only while the caller
// owns the region, between Allocate and Release.
func (r *Region) Bytes() []byte {
	return r.mem
}

// MakeUncommitted releases the region's backing memory. The heap lock must be
// held and the region must be empty-committed.
func (r *Region) MakeUncommitted() {
	h := r.heap
	h.assertLocked()
	if s := r.State(); s != EmptyCommitted {
		panic(fmt.Sprintf("heap: uncommit region %d in state %s", r.index, s))
	}

	if err := h.backing.Uncommit(r.index); err != nil {
		h.uncommitFailures.Add(1)
		h.logger.Error("Failed to uncommit region", zap.Int("region", r.index), zap.Error(err))
	}
	r.mem = nil
	r.state.Store(uint32(EmptyUncommitted))
	h.committed.Add(^(h.regionSize - 1))
}

// makeCommitted backs an uncommitted region with memory. Heap lock held.
func (r *Region) makeCommitted() error {
	mem, err := r.heap.backing.Commit(r.index)
	if err != nil {
		return fmt.Errorf("commit region %d: %w", r.index, err)
	}
	r.mem = mem
	r.heap.committed.Add(r.heap.regionSize)
	r.setEmpty(r.heap.clock.Elapsed())
	return nil
}

// makeRegular hands an empty-committed region to a mutator. Heap lock held.
func (r *Region) makeRegular() {
	clear(r.mem)
	r.state.Store(uint32(Regular))
}

// setEmpty stamps the empty time before publishing the state, so an unlocked
// reader that sees EmptyCommitted also sees the matching time.
func (r *Region) setEmpty(now float64) {
	r.emptyTime.Store(math.Float64bits(now))
	r.state.Store(uint32(EmptyCommitted))
}
