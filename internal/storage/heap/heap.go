// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package heap implements a region-based heap: a fixed table of equally sized
// regions that mutators take and give back one at a time, backed by memory
// that can be committed and uncommitted region by region.
//
// The heap owns region state and committed-size accounting. One coarse lock,
// the allocator lock, serializes every region state transition; background
// services such as the uncommit controller take the same lock to change region
// state and read state without it only as a hint.
//
// # Key Features
//
//   - Regions move between empty-uncommitted, empty-committed and regular
//   - Mutators allocate from the low end of the region table
//   - Committed bytes tracked atomically and readable without the lock
//   - Soft max capacity clamped into [min, max] capacity
//   - mmap/madvise backing on unix, Go-slice backing everywhere
//   - Heap-changed observers for services that react to shrinking
//
// # Usage Examples
//
//	h, err := heap.New(cfg.Heap, heap.WithClock(clock), heap.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
//	r, err := h.Allocate()
//	copy(r.Bytes(), payload)
//	h.Release(r) // region becomes empty-committed, stamped with the clock
//
// # Dangers and Warnings
//
//   - **Region Ownership**: a region's memory must not be touched after Release.
//   - **Lock Discipline**: Region.MakeUncommitted panics unless the heap lock is held.
//   - **Shared Clock**: empty times are stamped with the heap clock; services
//     comparing against them must use the same clock.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/kianostad/rheap/internal/concurrency/epoch"
	"github.com/kianostad/rheap/internal/config"
	"github.com/kianostad/rheap/internal/logutil"
)

var (
	// ErrOutOfRegions is returned by Allocate when every region is in use.
	ErrOutOfRegions = errors.New("heap: out of regions")
	// ErrNotRegular is returned by Release for a region that is not allocated.
	ErrNotRegular = errors.New("heap: region is not allocated")
	// ErrClosed is returned by operations on a closed heap.
	ErrClosed = errors.New("heap: closed")
)

// Heap is a table of regions guarded by the allocator lock.
type Heap struct {
	mu      sync.Mutex // allocator lock
	regions []*Region
	closed  bool

	regionSize  uint64
	minCapacity uint64
	maxCapacity uint64
	softMax     atomic.Uint64
	committed   atomic.Uint64
	used        atomic.Uint64

	uncommitFailures atomic.Uint64

	backing Backing
	clock   epoch.Clock
	logger  *zap.Logger

	observersMu sync.RWMutex
	observers   []func()
}

// Option configures a Heap.
type Option func(*Heap)

// WithClock sets the clock used to stamp empty times.
func WithClock(c epoch.Clock) Option {
	return func(h *Heap) { h.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Heap) { h.logger = l }
}

// WithBacking overrides the backing selected by the configuration.
func WithBacking(b Backing) Option {
	return func(h *Heap) { h.backing = b }
}

// New creates a heap and commits its initial capacity from the low end.
func New(cfg config.HeapConfig, opts ...Option) (*Heap, error) {
	if cfg.RegionSize == 0 || cfg.NumRegions <= 0 {
		return nil, fmt.Errorf("heap: region size %d and count %d must be positive", cfg.RegionSize, cfg.NumRegions)
	}
	h := &Heap{
		regions:     make([]*Region, cfg.NumRegions),
		regionSize:  cfg.RegionSize,
		minCapacity: cfg.MinCapacity,
		maxCapacity: cfg.MaxCapacity(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.clock == nil {
		h.clock = epoch.NewClock()
	}
	h.logger = logutil.OrNop(h.logger)
	if h.backing == nil {
		b, err := NewBacking(cfg.Backing, cfg.RegionSize, cfg.NumRegions)
		if err != nil {
			return nil, err
		}
		h.backing = b
	}

	softMax := cfg.SoftMaxCapacity
	if softMax == 0 {
		softMax = h.maxCapacity
	}
	h.softMax.Store(h.clamp(softMax))

	for i := range h.regions {
		h.regions[i] = &Region{heap: h, index: i}
	}

	initial := int(cfg.InitialCapacity / cfg.RegionSize) // #nosec G115
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < initial && i < len(h.regions); i++ {
		if err := h.regions[i].makeCommitted(); err != nil {
			_ = h.backing.Close()
			return nil, err
		}
	}

	h.logger.Info("Heap initialized",
		zap.Int("regions", len(h.regions)),
		zap.String("region_size", humanize.IBytes(h.regionSize)),
		zap.String("committed", humanize.IBytes(h.committed.Load())),
		zap.String("min", humanize.IBytes(h.minCapacity)),
		zap.String("soft_max", humanize.IBytes(h.softMax.Load())),
		zap.String("max", humanize.IBytes(h.maxCapacity)),
	)
	return h, nil
}

// NumRegions returns the number of regions.
func (h *Heap) NumRegions() int {
	return len(h.regions)
}

// Region returns region i.
func (h *Heap) Region(i int) *Region {
	return h.regions[i]
}

// RegionSize returns the size of one region in bytes.
func (h *Heap) RegionSize() uint64 {
	return h.regionSize
}

// Committed returns the bytes currently backed by memory.
func (h *Heap) Committed() uint64 {
	return h.committed.Load()
}

// Used returns the bytes in regions owned by mutators.
func (h *Heap) Used() uint64 {
	return h.used.Load()
}

// MinCapacity is the floor committed size never shrinks below.
func (h *Heap) MinCapacity() uint64 {
	return h.minCapacity
}

// MaxCapacity is the reserved size of the heap.
func (h *Heap) MaxCapacity() uint64 {
	return h.maxCapacity
}

// SoftMaxCapacity is the current target ceiling on committed bytes.
func (h *Heap) SoftMaxCapacity() uint64 {
	return h.softMax.Load()
}

// SetSoftMaxCapacity clamps requested into [min, max] and installs it. It
// reports the previous and new values and whether the effective value changed.
func (h *Heap) SetSoftMaxCapacity(requested uint64) (old, cur uint64, changed bool) {
	cur = h.clamp(requested)
	old = h.softMax.Swap(cur)
	return old, cur, old != cur
}

func (h *Heap) clamp(v uint64) uint64 {
	if v < h.minCapacity {
		v = h.minCapacity
	}
	if v > h.maxCapacity {
		v = h.maxCapacity
	}
	return v
}

// Clock returns the clock used to stamp empty times.
func (h *Heap) Clock() epoch.Clock {
	return h.clock
}

// Lock acquires the allocator lock.
func (h *Heap) Lock() { h.mu.Lock() }

// Unlock releases the allocator lock.
func (h *Heap) Unlock() { h.mu.Unlock() }

func (h *Heap) assertLocked() {
	if h.mu.TryLock() {
		h.mu.Unlock()
		panic("heap: allocator lock not held")
	}
}

// Allocate hands a region to a mutator. It prefers the lowest empty-committed
// region and otherwise commits the lowest uncommitted one.
func (h *Heap) Allocate() (*Region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	var candidate *Region
	for _, r := range h.regions {
		switch r.State() {
		case EmptyCommitted:
			r.makeRegular()
			h.used.Add(h.regionSize)
			return r, nil
		case EmptyUncommitted:
			if candidate == nil {
				candidate = r
			}
		}
	}
	if candidate == nil {
		return nil, ErrOutOfRegions
	}
	if err := candidate.makeCommitted(); err != nil {
		return nil, err
	}
	candidate.makeRegular()
	h.used.Add(h.regionSize)
	return candidate, nil
}

// Release returns a region to the heap. It becomes empty-committed with its
// empty time set to now.
func (h *Heap) Release(r *Region) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r == nil || r.heap != h || r.State() != Regular {
		return ErrNotRegular
	}
	r.setEmpty(h.clock.Elapsed())
	h.used.Add(^(h.regionSize - 1))
	return nil
}

// OnHeapChanged registers fn to run whenever NotifyHeapChanged is called.
func (h *Heap) OnHeapChanged(fn func()) {
	h.observersMu.Lock()
	defer h.observersMu.Unlock()
	h.observers = append(h.observers, fn)
}

// NotifyHeapChanged tells observers that heap capacity changed.
func (h *Heap) NotifyHeapChanged() {
	h.observersMu.RLock()
	observers := append([]func(){}, h.observers...)
	h.observersMu.RUnlock()

	for _, fn := range observers {
		fn()
	}
}

// UncommitFailures counts backing releases that reported an error.
func (h *Heap) UncommitFailures() uint64 {
	return h.uncommitFailures.Load()
}

// Stats is a point-in-time summary of the heap.
type Stats struct {
	RegionSize       uint64 `json:"region_size"`
	NumRegions       int    `json:"num_regions"`
	Committed        uint64 `json:"committed"`
	Used             uint64 `json:"used"`
	MinCapacity      uint64 `json:"min_capacity"`
	SoftMaxCapacity  uint64 `json:"soft_max_capacity"`
	MaxCapacity      uint64 `json:"max_capacity"`
	Regular          int    `json:"regular"`
	EmptyCommitted   int    `json:"empty_committed"`
	EmptyUncommitted int    `json:"empty_uncommitted"`
	UncommitFailures uint64 `json:"uncommit_failures"`
}

// Stats returns counts by state. Taken without the lock, so counts may not
// add up exactly under concurrent transitions.
func (h *Heap) Stats() Stats {
	s := Stats{
		RegionSize:       h.regionSize,
		NumRegions:       len(h.regions),
		Committed:        h.committed.Load(),
		Used:             h.used.Load(),
		MinCapacity:      h.minCapacity,
		SoftMaxCapacity:  h.softMax.Load(),
		MaxCapacity:      h.maxCapacity,
		UncommitFailures: h.uncommitFailures.Load(),
	}
	for _, r := range h.regions {
		switch r.State() {
		case Regular:
			s.Regular++
		case EmptyCommitted:
			s.EmptyCommitted++
		case EmptyUncommitted:
			s.EmptyUncommitted++
		}
	}
	return s
}

// Close releases the backing memory. Regions must not be used afterwards.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	return h.backing.Close()
}
