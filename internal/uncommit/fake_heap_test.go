// Licensed under the MIT License. See LICENSE file in the project root for details.

package uncommit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/rheap/internal/concurrency/epoch"
	"github.com/kianostad/rheap/internal/config"
)

type regionKind uint32

const (
	kindUncommitted regionKind = iota
	kindEmpty
	kindRegular
)

// fakeRegion is a region whose state can be set directly by tests.
type fakeRegion struct {
	heap      *fakeHeap
	index     int
	kind      atomic.Uint32
	emptyTime atomic.Uint64
}

func (r *fakeRegion) IsEmptyCommitted() bool {
	return regionKind(r.kind.Load()) == kindEmpty
}

func (r *fakeRegion) EmptyTime() float64 {
	return math.Float64frombits(r.emptyTime.Load())
}

func (r *fakeRegion) MakeUncommitted() {
	if !r.heap.locked.Load() {
		panic("MakeUncommitted without the heap lock")
	}
	if !r.IsEmptyCommitted() {
		panic("MakeUncommitted on a region that is not empty-committed")
	}
	r.kind.Store(uint32(kindUncommitted))
	r.heap.committed.Add(^(r.heap.regionSize - 1))
	r.heap.order = append(r.heap.order, r.index)
}

// fakeHeap implements Heap with directly settable state. Committed bytes are
// independent of region states so tests can model arbitrary accounting.
type fakeHeap struct {
	mu      sync.Mutex
	locked  atomic.Bool
	regions []*fakeRegion

	regionSize uint64
	committed  atomic.Uint64
	minCap     atomic.Uint64
	softMax    atomic.Uint64

	// beforeLock runs once, right before the next Lock acquires the mutex.
	beforeLock func()

	order       []int // regions in the order they were uncommitted, guarded by mu
	heapChanged atomic.Int32
	locks       atomic.Int32
}

func newFakeHeap(numRegions int, regionSize uint64) *fakeHeap {
	h := &fakeHeap{
		regions:    make([]*fakeRegion, numRegions),
		regionSize: regionSize,
	}
	for i := range h.regions {
		h.regions[i] = &fakeRegion{heap: h, index: i}
		h.regions[i].kind.Store(uint32(kindRegular))
	}
	h.committed.Store(uint64(numRegions) * regionSize)
	return h
}

func (h *fakeHeap) NumRegions() int         { return len(h.regions) }
func (h *fakeHeap) Region(i int) Region     { return h.regions[i] }
func (h *fakeHeap) RegionSize() uint64      { return h.regionSize }
func (h *fakeHeap) Committed() uint64       { return h.committed.Load() }
func (h *fakeHeap) SoftMaxCapacity() uint64 { return h.softMax.Load() }
func (h *fakeHeap) MinCapacity() uint64     { return h.minCap.Load() }
func (h *fakeHeap) NotifyHeapChanged()      { h.heapChanged.Add(1) }

func (h *fakeHeap) Lock() {
	if hook := h.beforeLock; hook != nil {
		h.beforeLock = nil
		hook()
	}
	h.mu.Lock()
	h.locked.Store(true)
	h.locks.Add(1)
}

func (h *fakeHeap) Unlock() {
	h.locked.Store(false)
	h.mu.Unlock()
}

// empty marks region i empty-committed since t.
func (h *fakeHeap) empty(i int, t float64) {
	r := h.regions[i]
	r.emptyTime.Store(math.Float64bits(t))
	r.kind.Store(uint32(kindEmpty))
}

// occupy marks region i regular, as a mutator allocating into it would.
func (h *fakeHeap) occupy(i int) {
	h.regions[i].kind.Store(uint32(kindRegular))
}

func (h *fakeHeap) uncommitted() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.order...)
}

func (h *fakeHeap) isUncommitted(i int) bool {
	return regionKind(h.regions[i].kind.Load()) == kindUncommitted
}

// recordingSink is an EventSink that keeps every event.
type recordingSink struct {
	mu            sync.Mutex
	iterations    int
	passes        []recordedPass
	notifications map[string][2]int // kind -> {coalesced, raised}
}

type recordedPass struct {
	regions int
	bytes   uint64
	urgent  bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notifications: make(map[string][2]int)}
}

func (s *recordingSink) RecordIteration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations++
}

func (s *recordingSink) RecordPass(_ time.Duration, regions int, bytes uint64, urgent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes = append(s.passes, recordedPass{regions: regions, bytes: bytes, urgent: urgent})
}

func (s *recordingSink) RecordNotification(kind string, raised bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notifications[kind]
	if raised {
		n[1]++
	} else {
		n[0]++
	}
	s.notifications[kind] = n
}

func (s *recordingSink) passCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.passes)
}

// newTestController builds a controller over h driven by a manual clock that
// starts at 100 seconds. lastShrinkTime is set to the clock's start.
func newTestController(h Heap, delayMs int64, opts ...Option) (*Controller, *epoch.Manual, *recordingSink) {
	clock := epoch.NewManual(100)
	sink := newRecordingSink()
	cfg := config.UncommitConfig{Enabled: true, DelayMs: delayMs}
	opts = append([]Option{WithClock(clock), WithEvents(sink)}, opts...)
	c, err := New(h, cfg, opts...)
	if err != nil {
		panic(err)
	}
	c.lastShrinkTime = c.clock.Elapsed()
	return c, clock, sink
}
