// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads and validates the heap configuration.
//
// Configuration is read once at start-up from a TOML file (or string) and
// layered over Default. Sizes are in bytes, the uncommit delay in
// milliseconds.
//
// # Usage Examples
//
//	cfg, err := config.Load("rheap.toml")
//	if err != nil {
//	    return err
//	}
//
// Example file:
//
//	[heap]
//	region-size = 1048576
//	num-regions = 256
//	initial-capacity = 67108864
//	min-capacity = 16777216
//	backing = "mmap"
//
//	[uncommit]
//	enabled = true
//	delay-ms = 300000
//
//	[log]
//	level = "info"
//	format = "console"
//
// # Dangers and Warnings
//
//   - **Region Alignment**: every capacity must be a multiple of the region size.
//   - **Short Delays**: the controller wakes every delay/10; very small delays
//     make it poll the region table often.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kianostad/rheap/internal/logutil"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	BackingMmap   = "mmap"
	BackingMemory = "memory"

	// MinRegionSize is the smallest region size accepted.
	MinRegionSize = 4 << 10

	// DefaultUncommitDelay is how long a region stays empty before a periodic
	// pass may uncommit it.
	DefaultUncommitDelay = 5 * time.Minute
)

// HeapConfig sizes the region heap.
type HeapConfig struct {
	RegionSize      uint64 `toml:"region-size"`
	NumRegions      int    `toml:"num-regions"`
	InitialCapacity uint64 `toml:"initial-capacity"`
	MinCapacity     uint64 `toml:"min-capacity"`
	SoftMaxCapacity uint64 `toml:"soft-max-capacity"` // 0 means max capacity
	Backing         string `toml:"backing"`
}

// MaxCapacity is the reserved size of the heap.
func (h HeapConfig) MaxCapacity() uint64 {
	return h.RegionSize * uint64(h.NumRegions) // #nosec G115
}

// UncommitConfig controls the uncommit controller.
type UncommitConfig struct {
	Enabled bool  `toml:"enabled"`
	DelayMs int64 `toml:"delay-ms"`
}

// Delay returns the uncommit delay as a duration.
func (u UncommitConfig) Delay() time.Duration {
	return time.Duration(u.DelayMs) * time.Millisecond
}

// DelaySeconds returns the uncommit delay in seconds.
func (u UncommitConfig) DelaySeconds() float64 {
	return float64(u.DelayMs) / 1000
}

// ShrinkPeriod is how often the controller looks for work: a tenth of the
// delay, so regions are uncommitted at most 10% later than their delay.
func (u UncommitConfig) ShrinkPeriod() time.Duration {
	return u.Delay() / 10
}

// MetricsConfig sizes the metrics pipeline.
type MetricsConfig struct {
	BufferSize    int `toml:"buffer-size"`
	LatencyBuffer int `toml:"latency-buffer"`
}

// Config is the complete configuration.
type Config struct {
	Heap     HeapConfig        `toml:"heap"`
	Uncommit UncommitConfig    `toml:"uncommit"`
	Log      logutil.LogConfig `toml:"log"`
	Metrics  MetricsConfig     `toml:"metrics"`
}

// Default returns a 256 MiB heap of 1 MiB regions, 64 MiB committed up front,
// with uncommit enabled.
func Default() Config {
	return Config{
		Heap: HeapConfig{
			RegionSize:      1 << 20,
			NumRegions:      256,
			InitialCapacity: 64 << 20,
			MinCapacity:     16 << 20,
			Backing:         BackingMmap,
		},
		Uncommit: UncommitConfig{
			Enabled: true,
			DelayMs: DefaultUncommitDelay.Milliseconds(),
		},
		Log: logutil.DefaultLogConfig(),
		Metrics: MetricsConfig{
			BufferSize:    10000,
			LatencyBuffer: 1000,
		},
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(text string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("%w: unknown keys %v", ErrInvalid, keys)
	}
	return nil
}

// Validate checks sizes and names, and clamps the soft max capacity into
// [min, max]. A zero soft max capacity becomes the max capacity.
func (c *Config) Validate() error {
	h := &c.Heap
	if h.RegionSize < MinRegionSize || h.RegionSize&(h.RegionSize-1) != 0 {
		return fmt.Errorf("%w: region size %d must be a power of two >= %d", ErrInvalid, h.RegionSize, MinRegionSize)
	}
	if h.NumRegions <= 0 {
		return fmt.Errorf("%w: num regions %d must be positive", ErrInvalid, h.NumRegions)
	}
	maxCap := h.MaxCapacity()
	for name, v := range map[string]uint64{
		"initial capacity":  h.InitialCapacity,
		"min capacity":      h.MinCapacity,
		"soft max capacity": h.SoftMaxCapacity,
	} {
		if v%h.RegionSize != 0 {
			return fmt.Errorf("%w: %s %d is not a multiple of region size %d", ErrInvalid, name, v, h.RegionSize)
		}
	}
	if h.MinCapacity > h.InitialCapacity || h.InitialCapacity > maxCap {
		return fmt.Errorf("%w: want min (%d) <= initial (%d) <= max (%d)", ErrInvalid, h.MinCapacity, h.InitialCapacity, maxCap)
	}
	switch h.Backing {
	case BackingMmap, BackingMemory:
	default:
		return fmt.Errorf("%w: backing %q: want %q or %q", ErrInvalid, h.Backing, BackingMmap, BackingMemory)
	}
	if h.SoftMaxCapacity == 0 || h.SoftMaxCapacity > maxCap {
		h.SoftMaxCapacity = maxCap
	}
	if h.SoftMaxCapacity < h.MinCapacity {
		h.SoftMaxCapacity = h.MinCapacity
	}

	if c.Uncommit.Enabled && c.Uncommit.DelayMs <= 0 {
		return fmt.Errorf("%w: uncommit delay %dms must be positive", ErrInvalid, c.Uncommit.DelayMs)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Metrics.BufferSize <= 0 || c.Metrics.LatencyBuffer <= 0 {
		return fmt.Errorf("%w: metrics buffers must be positive", ErrInvalid)
	}
	return nil
}
