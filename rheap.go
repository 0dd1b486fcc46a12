// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package rheap provides a region-based heap that returns the memory of
// long-empty regions to the operating system in the background.
//
// This is the main public API for the rheap library. A heap is a fixed table
// of equally sized regions. Mutators allocate regions from the low end and
// release them when done; a background uncommit controller walks the table
// from the high end and uncommits regions that have stayed empty for longer
// than the configured delay, never shrinking below the min capacity.
//
// # Quick Start
//
//	import "github.com/kianostad/rheap"
//
//	h, err := rheap.New(rheap.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close(ctx)
//
//	r, err := h.Allocate(ctx)
//	copy(r.Bytes(), payload)
//	h.Release(ctx, r)
//
// # Key Features
//
//   - Region heap with mmap/madvise backing on unix
//   - Background uncommit of regions empty longer than the uncommit delay
//   - Runtime soft max heap size with prompt shrinking
//   - Explicit GC requests that waive the age requirement
//   - Min capacity floor that is never crossed
//   - Structured logging (zap) and Prometheus metrics
//   - TOML configuration
//
// # Usage Examples
//
// Loading configuration from a file:
//
//	cfg, err := rheap.LoadConfig("rheap.toml")
//	h, err := rheap.New(cfg)
//
// Lowering the soft max heap size:
//
//	if h.SetSoftMaxHeapSize(ctx, 256<<20) {
//	    // the controller was woken up to shrink to 256 MiB
//	}
//
// Exposing metrics:
//
//	prometheus.MustRegister(h.Collector())
//
// # Dangers and Warnings
//
//   - **Released Memory**: do not touch a region's bytes after Release; the
//     region may be uncommitted at any moment.
//   - **Close**: always Close the heap; it stops the controller goroutine and
//     unmaps the reservation.
//
// # Thread Safety
//
// All heap operations are safe for concurrent use.
package rheap

import (
	"github.com/kianostad/rheap/internal/config"
	core "github.com/kianostad/rheap/internal/core"
	"github.com/kianostad/rheap/internal/storage/heap"
)

type (
	// Heap is a managed region heap with background uncommit
	Heap = core.Heap

	// Region is a fixed-size span of the heap handed to a mutator
	Region = heap.Region

	// RegionState is the state of a region
	RegionState = heap.State

	// RegionInfo describes one region in a region map
	RegionInfo = heap.RegionInfo

	// Stats is a point-in-time summary of heap size accounting
	Stats = heap.Stats

	// Option configures New
	Option = core.Option
)

type (
	// Config is the complete heap configuration
	Config = config.Config

	// HeapConfig sizes the region table
	HeapConfig = config.HeapConfig

	// UncommitConfig controls the uncommit controller
	UncommitConfig = config.UncommitConfig
)

// Region states.
const (
	EmptyUncommitted = heap.EmptyUncommitted
	EmptyCommitted   = heap.EmptyCommitted
	Regular          = heap.Regular
)

// Region map export formats.
const (
	FormatCSV  = core.FormatCSV
	FormatJSON = core.FormatJSON
)

var (
	// ErrOutOfRegions is returned by Allocate when every region is in use
	ErrOutOfRegions = heap.ErrOutOfRegions

	// ErrNotRegular is returned by Release for a region that is not allocated
	ErrNotRegular = heap.ErrNotRegular

	// ErrClosed is returned by operations on a closed heap
	ErrClosed = heap.ErrClosed

	// ErrInvalidConfig wraps every configuration validation error
	ErrInvalidConfig = config.ErrInvalid
)

// Options for New.
var (
	// WithClock shares one clock between the heap and the uncommit controller
	WithClock = core.WithClock
	// WithLogger uses the given logger instead of one built from Config.Log
	WithLogger = core.WithLogger
	// WithBacking overrides the configured backing memory
	WithBacking = core.WithBacking
)

// New creates a heap and starts its uncommit controller when enabled.
func New(cfg Config, opts ...Option) (Heap, error) {
	return core.New(cfg, opts...)
}

// DefaultConfig returns the default heap configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// ParseConfig parses and validates TOML configuration text.
func ParseConfig(text string) (Config, error) {
	return config.Parse(text)
}
