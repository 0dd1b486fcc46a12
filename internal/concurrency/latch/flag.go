// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package latch provides single-bit edge flags for coalescing events between
// goroutines.
//
// A Flag records "at least one event happened since the last time somebody
// consumed it". Producers call TrySet, consumers call TryUnset; both are a
// single compare-and-swap between the Clear and Set states and report whether
// the caller won the transition.
//
// # Key Features
//
//   - Lock-free: every transition is one CAS
//   - Coalescing: any number of TrySet calls between two TryUnset calls are
//     observed as one event
//   - Ordered: a successful TrySet happens-before the TryUnset that observes it,
//     so writes made before raising the flag are visible to the consumer
//   - Padded to a cache line so hot flags do not share lines with neighbours
//
// # Usage Examples
//
//	var changed latch.Flag
//
//	// producer
//	if changed.TrySet() {
//	    // first event since last consumption: wake the consumer
//	}
//
//	// consumer
//	if changed.TryUnset() {
//	    // handle the event
//	}
//
// # Dangers and Warnings
//
//   - **Not a Counter**: the number of events is not preserved.
//   - **Consume Once**: after TryUnset returns true the event belongs to the
//     caller; it must act on it, nobody else will see it.
package latch

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// State is the value held by a Flag.
type State uint32

const (
	// Clear means no event is pending.
	Clear State = iota
	// Set means at least one event is pending.
	Set
)

func (s State) String() string {
	switch s {
	case Clear:
		return "clear"
	case Set:
		return "set"
	default:
		return "unknown"
	}
}

// Flag is a two-state edge flag. The zero value is Clear.
type Flag struct {
	_     cpu.CacheLinePad
	state atomic.Uint32
	_     cpu.CacheLinePad
}

// TrySet moves the flag from Clear to Set. It returns true only for the call
// that performed the transition.
func (f *Flag) TrySet() bool {
	return f.state.CompareAndSwap(uint32(Clear), uint32(Set))
}

// TryUnset moves the flag from Set to Clear. It returns true only for the call
// that observed and consumed the Set state.
func (f *Flag) TryUnset() bool {
	return f.state.CompareAndSwap(uint32(Set), uint32(Clear))
}

// IsSet reports whether an event is pending without consuming it.
func (f *Flag) IsSet() bool {
	return State(f.state.Load()) == Set
}

// Load returns the current state.
func (f *Flag) Load() State {
	return State(f.state.Load())
}
