// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides the monotonic time base shared by the region heap
// and the uncommit controller.
//
// Time is expressed as fractional seconds elapsed since a process-local epoch
// (the moment the clock was created). Regions stamp their empty time with it
// and the controller compares those stamps against its own reading, so both
// sides must share one Clock instance.
//
// # Key Features
//
//   - Monotonic: readings never go backwards, wall clock changes are ignored
//   - Cheap: a single time.Since call per reading
//   - Deterministic testing through the Manual clock
//
// # Usage Examples
//
//	clock := epoch.NewClock()
//	emptiedAt := clock.Elapsed()
//	// ... later
//	age := clock.Elapsed() - emptiedAt
//
// Driving time by hand in tests:
//
//	clock := epoch.NewManual(0)
//	clock.Advance(2 * time.Second)
//	clock.Elapsed() // 2.0
//
// # Dangers and Warnings
//
//   - **Mixed Clocks**: Timestamps from two different clocks are not comparable.
//   - **Float Precision**: Readings are float64 seconds; sub-nanosecond
//     differences are not representable.
package epoch

import (
	"math"
	"sync/atomic"
	"time"
)

// Clock reports seconds elapsed since its epoch.
type Clock interface {
	Elapsed() float64
}

// systemClock reads the runtime's monotonic clock.
type systemClock struct {
	start time.Time
}

// NewClock returns a Clock whose epoch is the moment of the call.
func NewClock() Clock {
	return &systemClock{start: time.Now()}
}

// Elapsed returns seconds since the clock was created.
func (c *systemClock) Elapsed() float64 {
	return time.Since(c.start).Seconds()
}

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	bits atomic.Uint64
}

// NewManual creates a manual clock reading start seconds.
func NewManual(start float64) *Manual {
	m := &Manual{}
	m.Set(start)
	return m
}

// Elapsed returns the current reading.
func (m *Manual) Elapsed() float64 {
	return math.Float64frombits(m.bits.Load())
}

// Set moves the clock to seconds. Moving backwards is allowed but breaks the
// monotonic contract, so tests should only do it before the clock is shared.
func (m *Manual) Set(seconds float64) {
	m.bits.Store(math.Float64bits(seconds))
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	for {
		old := m.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + d.Seconds())
		if m.bits.CompareAndSwap(old, next) {
			return
		}
	}
}
