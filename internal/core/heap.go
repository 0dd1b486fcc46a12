// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core assembles a region heap, its metrics and its background uncommit
// controller into one managed heap.
//
// This package provides the entry points mutators and operators use:
//   - Allocating and releasing regions
//   - Lowering or raising the soft max heap size at runtime
//   - Requesting an explicit GC style shrink
//   - Heap statistics, controller metrics and region map export
//
// # Key Features
//
//   - Empty regions are returned to the OS once they stay empty for the
//     configured uncommit delay
//   - Soft max changes and explicit GC requests shrink the heap promptly
//   - Committed memory never drops below the configured min capacity
//   - Structured logging via zap, optional rotating log files
//   - Prometheus collector for controller and heap metrics
//
// # Usage Examples
//
// Basic operations:
//
//	h, err := core.New(config.Default())
//	if err != nil {
//	    return err
//	}
//	defer h.Close(ctx)
//
//	r, err := h.Allocate(ctx)
//	copy(r.Bytes(), payload)
//	_ = h.Release(ctx, r)
//
// Shrinking on demand:
//
//	h.SetSoftMaxHeapSize(ctx, 32<<20) // logs and wakes the controller
//	h.RequestExplicitGC(ctx)          // shrink to min capacity, ignoring age
//
// # Dangers and Warnings
//
//   - **Region Lifetime**: a released region's memory may be uncommitted at
//     any time; never keep a reference to Bytes() after Release.
//   - **Close Ordering**: Close stops the controller before unmapping memory;
//     allocations racing with Close fail with heap.ErrClosed.
//   - **Disabled Uncommit**: with uncommit disabled, soft max changes are
//     recorded but committed memory never shrinks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kianostad/rheap/internal/concurrency/epoch"
	"github.com/kianostad/rheap/internal/config"
	"github.com/kianostad/rheap/internal/monitoring/metrics"
	"github.com/kianostad/rheap/internal/storage/heap"
	"github.com/kianostad/rheap/internal/uncommit"
)

// Export formats accepted by WriteRegions.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Heap is a managed region heap with background uncommit.
type Heap interface {
	Allocate(ctx context.Context) (*heap.Region, error)
	Release(ctx context.Context, r *heap.Region) error

	SetSoftMaxHeapSize(ctx context.Context, bytes uint64) bool // Returns whether the effective value changed
	RequestExplicitGC(ctx context.Context)                     // Urgent shrink to min capacity
	UncommitEnabled() bool

	Stats(ctx context.Context) heap.Stats
	GetMetrics(ctx context.Context) metrics.MetricsSnapshot
	Collector() prometheus.Collector
	Regions(ctx context.Context) []heap.RegionInfo
	WriteRegions(ctx context.Context, w io.Writer, format string) error
	ExportRegions(ctx context.Context, filename, format string) error

	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// managedHeap is the Heap implementation.
type managedHeap struct {
	heap       *heap.Heap
	controller *uncommit.Controller // nil when uncommit is disabled
	metrics    *metrics.Metrics
	logger     *zap.Logger
	ownsLogger bool

	closeMu sync.Mutex
	closed  bool
}

// Option configures New.
type Option func(*options)

type options struct {
	clock   epoch.Clock
	logger  *zap.Logger
	backing heap.Backing
}

// WithClock shares one clock between the heap and the controller.
func WithClock(c epoch.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger uses l instead of building a logger from the configuration.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBacking overrides the configured backing memory.
func WithBacking(b heap.Backing) Option {
	return func(o *options) { o.backing = b }
}

// heapView adapts *heap.Heap to the controller's view of a heap.
type heapView struct {
	*heap.Heap
}

func (v heapView) Region(i int) uncommit.Region {
	return v.Heap.Region(i)
}

// New validates cfg, builds the heap and starts the uncommit controller when
// uncommit is enabled.
func New(cfg config.Config, opts ...Option) (Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = epoch.NewClock()
	}

	m := &managedHeap{logger: o.logger}
	if m.logger == nil {
		l, err := cfg.Log.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		m.logger = l
		m.ownsLogger = true
	}

	heapOpts := []heap.Option{heap.WithClock(o.clock), heap.WithLogger(m.logger.Named("heap"))}
	if o.backing != nil {
		heapOpts = append(heapOpts, heap.WithBacking(o.backing))
	}
	h, err := heap.New(cfg.Heap, heapOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create heap: %w", err)
	}
	m.heap = h

	m.metrics = metrics.NewMetricsWithConfig(metrics.MetricsConfig{
		BufferSize:    cfg.Metrics.BufferSize,
		LatencyBuffer: cfg.Metrics.LatencyBuffer,
	})
	h.OnHeapChanged(m.updateGauges)
	m.updateGauges()

	c, err := uncommit.New(heapView{h}, cfg.Uncommit,
		uncommit.WithClock(o.clock),
		uncommit.WithLogger(m.logger.Named("uncommit")),
		uncommit.WithEvents(m.metrics),
	)
	switch {
	case errors.Is(err, uncommit.ErrDisabled):
		m.logger.Info("Uncommit disabled")
	case err != nil:
		m.metrics.Close()
		_ = h.Close()
		return nil, fmt.Errorf("failed to create uncommit controller: %w", err)
	default:
		m.controller = c
		c.Start()
		m.logger.Info("Uncommit controller started",
			zap.Duration("delay", cfg.Uncommit.Delay()),
			zap.Duration("shrink_period", c.ShrinkPeriod()),
		)
	}
	return m, nil
}

func (m *managedHeap) updateGauges() {
	m.metrics.SetHeapGauges(m.heap.Committed(), m.heap.Used(), m.heap.SoftMaxCapacity(), m.heap.UncommitFailures())
}

// Allocate hands out a region from the low end of the heap.
func (m *managedHeap) Allocate(ctx context.Context) (*heap.Region, error) {
	r, err := m.heap.Allocate()
	if err != nil {
		return nil, err
	}
	m.updateGauges()
	return r, nil
}

// Release returns r to the heap as empty-committed.
func (m *managedHeap) Release(ctx context.Context, r *heap.Region) error {
	if err := m.heap.Release(r); err != nil {
		return err
	}
	m.updateGauges()
	return nil
}

// SetSoftMaxHeapSize clamps bytes into [min, max] capacity and installs it.
// When the effective value changes the controller is told to shrink.
func (m *managedHeap) SetSoftMaxHeapSize(ctx context.Context, bytes uint64) bool {
	old, cur, changed := m.heap.SetSoftMaxCapacity(bytes)
	if !changed {
		return false
	}
	m.logger.Info(fmt.Sprintf("Soft Max Heap Size: %s -> %s", humanize.IBytes(old), humanize.IBytes(cur)))
	m.updateGauges()
	if m.controller != nil {
		m.controller.NotifySoftMaxChanged()
	}
	return true
}

// RequestExplicitGC asks the controller for an urgent pass down to min capacity.
func (m *managedHeap) RequestExplicitGC(ctx context.Context) {
	if m.controller == nil {
		m.logger.Debug("Explicit GC requested with uncommit disabled")
		return
	}
	m.controller.NotifyExplicitGCRequested()
}

// UncommitEnabled reports whether a controller is running for this heap.
func (m *managedHeap) UncommitEnabled() bool {
	return m.controller != nil
}

// Stats returns heap size accounting and region counts.
func (m *managedHeap) Stats(ctx context.Context) heap.Stats {
	return m.heap.Stats()
}

// GetMetrics returns current controller and heap metrics
func (m *managedHeap) GetMetrics(ctx context.Context) metrics.MetricsSnapshot {
	m.updateGauges()
	return m.metrics.GetStats()
}

// Collector exposes the metrics to Prometheus.
func (m *managedHeap) Collector() prometheus.Collector {
	return m.metrics.Collector()
}

// Regions returns a snapshot of the region table.
func (m *managedHeap) Regions(ctx context.Context) []heap.RegionInfo {
	return m.heap.Regions()
}

// WriteRegions writes the region map to w in the given format.
func (m *managedHeap) WriteRegions(ctx context.Context, w io.Writer, format string) error {
	switch format {
	case FormatCSV:
		return m.heap.WriteCSV(w)
	case FormatJSON:
		return m.heap.WriteJSON(w)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// ExportRegions writes the region map to a file in the given format.
func (m *managedHeap) ExportRegions(ctx context.Context, filename, format string) error {
	switch format {
	case FormatCSV:
		return m.heap.ExportCSV(filename)
	case FormatJSON:
		return m.heap.ExportJSON(filename)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// Logger returns the heap's root logger.
func (m *managedHeap) Logger() *zap.Logger {
	return m.logger
}

// Close stops the controller, then releases metrics and backing memory. If ctx
// ends before the controller exits, Close returns ctx.Err() and leaves the
// heap open; a later Close finishes the teardown.
func (m *managedHeap) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return nil
	}
	if m.controller != nil {
		if err := m.controller.StopContext(ctx); err != nil {
			return fmt.Errorf("failed to stop uncommit controller: %w", err)
		}
	}
	m.closed = true

	m.metrics.Close()
	err := m.heap.Close()
	if m.ownsLogger {
		_ = m.logger.Sync()
	}
	return err
}
