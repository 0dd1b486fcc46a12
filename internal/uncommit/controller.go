// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package uncommit implements the background controller that returns the
// memory of long-empty heap regions to the operating system.
//
// The controller runs on one dedicated goroutine. It wakes up every shrink
// period (a tenth of the uncommit delay) and whenever the soft max capacity is
// lowered or an explicit GC asks for aggressive reclamation. Each wake-up it
// decides whether a pass is due, asks a cheap unlocked scan whether any region
// qualifies, and if so walks the region table from the high end, uncommitting
// eligible regions one at a time under the heap's allocator lock.
//
// # Key Features
//
//   - Periodic passes only take regions empty for longer than the delay
//   - Soft max and explicit GC requests waive the age requirement
//   - Committed bytes never drop below min capacity (or soft max capacity for
//     soft max driven passes)
//   - Repeated requests between two iterations coalesce into one
//   - Double-checked eligibility: unlocked hint, locked re-check
//   - Yields between regions so blocked allocators can take the lock
//
// # Usage Examples
//
//	c, err := uncommit.New(h, cfg.Uncommit,
//	    uncommit.WithClock(clock),
//	    uncommit.WithLogger(logger),
//	    uncommit.WithEvents(m))
//	if errors.Is(err, uncommit.ErrDisabled) {
//	    // run without a controller
//	}
//	c.Start()
//	defer c.Stop()
//
//	// after lowering the soft max capacity
//	c.NotifySoftMaxChanged()
//
// # Dangers and Warnings
//
//   - **Shared Clock**: the controller compares region empty times against its
//     own clock; it must be the clock the heap stamps empty times with.
//   - **Lock Order**: the controller takes the heap lock while holding nothing
//     else. Heap-changed observers run on the controller goroutine without the
//     heap lock and must not call back into Stop.
//
// # Thread Safety
//
// NotifySoftMaxChanged, NotifyExplicitGCRequested and Stop are safe for
// concurrent use. Start must be called once.
package uncommit

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/kianostad/rheap/internal/concurrency/epoch"
	"github.com/kianostad/rheap/internal/concurrency/latch"
	"github.com/kianostad/rheap/internal/concurrency/monitor"
	"github.com/kianostad/rheap/internal/concurrency/worker"
	"github.com/kianostad/rheap/internal/config"
	"github.com/kianostad/rheap/internal/logutil"
	"github.com/kianostad/rheap/internal/monitoring/metrics"
)

// ErrDisabled is returned by New when uncommit is disabled in the configuration.
var ErrDisabled = errors.New("uncommit: disabled by configuration")

// Region is the view of a heap region the controller needs.
type Region interface {
	// IsEmptyCommitted reports whether the region holds nothing and is backed
	// by memory. Safe to call without the heap lock.
	IsEmptyCommitted() bool
	// EmptyTime is when the region last became empty, in clock seconds.
	// Only meaningful while IsEmptyCommitted holds.
	EmptyTime() float64
	// MakeUncommitted releases the backing memory. Requires the heap lock.
	MakeUncommitted()
}

// Heap is the view of the region heap the controller needs.
type Heap interface {
	NumRegions() int
	Region(i int) Region
	RegionSize() uint64
	Committed() uint64
	SoftMaxCapacity() uint64
	MinCapacity() uint64
	Lock()
	Unlock()
	NotifyHeapChanged()
}

// EventSink receives advisory events from the controller.
// *metrics.Metrics implements it.
type EventSink interface {
	RecordIteration()
	RecordPass(duration time.Duration, regions int, bytes uint64, urgent bool)
	RecordNotification(kind string, raised bool)
}

type nopSink struct{}

func (nopSink) RecordIteration()                            {}
func (nopSink) RecordPass(time.Duration, int, uint64, bool) {}
func (nopSink) RecordNotification(string, bool)             {}

// Controller uncommits empty regions in the background.
type Controller struct {
	heap    Heap
	enabled bool

	delaySeconds float64
	shrinkPeriod time.Duration

	softMaxChanged      latch.Flag
	explicitGCRequested latch.Flag
	lock                *monitor.Monitor
	worker              *worker.Worker

	// owned by the controller goroutine
	lastShrinkTime float64

	clock  epoch.Clock
	logger *zap.Logger
	events EventSink
	pause  func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock compared against region empty times.
func WithClock(c epoch.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithEvents sets the event sink.
func WithEvents(s EventSink) Option {
	return func(ctl *Controller) { ctl.events = s }
}

// New creates a controller for h. The controller does not run until Start.
func New(h Heap, cfg config.UncommitConfig, opts ...Option) (*Controller, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.DelayMs <= 0 {
		return nil, fmt.Errorf("%w: uncommit delay %dms must be positive", config.ErrInvalid, cfg.DelayMs)
	}
	c := &Controller{
		heap:         h,
		enabled:      cfg.Enabled,
		delaySeconds: cfg.DelaySeconds(),
		shrinkPeriod: cfg.ShrinkPeriod(),
		lock:         monitor.New(),
		pause:        runtime.Gosched,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = epoch.NewClock()
	}
	if c.events == nil {
		c.events = nopSink{}
	}
	c.logger = logutil.OrNop(c.logger)
	c.worker = worker.New("uncommit", c.run, c.lock.Broadcast)
	return c, nil
}

// ShrinkPeriod is the longest the controller parks between iterations.
func (c *Controller) ShrinkPeriod() time.Duration {
	return c.shrinkPeriod
}

// Start launches the controller goroutine.
func (c *Controller) Start() {
	c.worker.Start()
}

// Stop asks the controller to terminate, wakes it and waits for it to exit.
// A pass in progress runs to completion first.
func (c *Controller) Stop() {
	c.worker.Stop()
}

// StopContext is Stop bounded by ctx.
func (c *Controller) StopContext(ctx context.Context) error {
	return c.worker.StopContext(ctx)
}

// Running reports whether the controller goroutine is alive.
func (c *Controller) Running() bool {
	return c.worker.Running()
}

// NotifySoftMaxChanged requests an urgent pass down to the soft max capacity.
// Call it after the soft max capacity was lowered.
func (c *Controller) NotifySoftMaxChanged() {
	c.notify(&c.softMaxChanged, metrics.KindSoftMax)
}

// NotifyExplicitGCRequested requests an urgent pass down to min capacity.
func (c *Controller) NotifyExplicitGCRequested() {
	c.notify(&c.explicitGCRequested, metrics.KindExplicitGC)
}

func (c *Controller) notify(flag *latch.Flag, kind string) {
	raised := flag.TrySet()
	if raised {
		// Only the notifier that raised the edge takes the monitor.
		c.lock.Lock()
		c.lock.NotifyAll()
		c.lock.Unlock()
	}
	c.events.RecordNotification(kind, raised)
}

// pending reports whether the next iteration has something to consume.
// Evaluated under the monitor before parking.
func (c *Controller) pending() bool {
	return c.softMaxChanged.IsSet() || c.explicitGCRequested.IsSet() || c.worker.ShouldTerminate()
}

func (c *Controller) run() {
	if !c.enabled {
		panic("uncommit: controller must only run when uncommit is enabled")
	}

	c.lastShrinkTime = c.clock.Elapsed()
	for !c.worker.ShouldTerminate() {
		c.step()
		c.lock.WaitFor(c.shrinkPeriod, c.pending)
	}
	c.logger.Debug("Uncommit controller stopped")
}

// iteration describes what one loop iteration decided.
type iteration struct {
	acted        bool
	softMax      bool
	explicitGC   bool
	shrinkBefore float64
	shrinkUntil  uint64
	hadWork      bool
	uncommitted  int
}

// step runs one loop iteration without parking.
func (c *Controller) step() iteration {
	now := c.clock.Elapsed()
	it := iteration{
		softMax:    c.softMaxChanged.TryUnset(),
		explicitGC: c.explicitGCRequested.TryUnset(),
	}
	c.events.RecordIteration()

	urgent := it.softMax || it.explicitGC
	periodSeconds := c.shrinkPeriod.Seconds()
	if !urgent && now-c.lastShrinkTime <= periodSeconds {
		return it
	}
	it.acted = true

	it.shrinkBefore = now - c.delaySeconds
	if urgent {
		it.shrinkBefore = now
	}
	// When both edges are seen the soft max floor wins.
	it.shrinkUntil = c.heap.MinCapacity()
	if it.softMax {
		it.shrinkUntil = c.heap.SoftMaxCapacity()
	}

	if c.hasWork(it.shrinkBefore, it.shrinkUntil) {
		it.hadWork = true
		it.uncommitted = c.uncommit(it.shrinkBefore, it.shrinkUntil, urgent)
		c.lastShrinkTime = now
	}
	return it
}

// hasWork reports, without the heap lock, whether some region is worth
// uncommitting. The answer may be stale.
func (c *Controller) hasWork(shrinkBefore float64, shrinkUntil uint64) bool {
	if c.heap.Committed() <= shrinkUntil {
		return false
	}
	n := c.heap.NumRegions()
	for i := 0; i < n; i++ {
		if eligible(c.heap.Region(i), shrinkBefore) {
			return true
		}
	}
	return false
}

func eligible(r Region, shrinkBefore float64) bool {
	return r.IsEmptyCommitted() && r.EmptyTime() < shrinkBefore
}
