// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package monitor provides a mutex paired with a broadcast wake-up that can be
// waited on with a timeout.
//
// sync.Cond has no timed wait, so the Monitor hands each generation of waiters
// a channel that NotifyAll closes. Waiters select on that channel and a timer.
//
// # Usage Examples
//
//	m := monitor.New()
//
//	// waiter: park for up to a second unless work is already pending
//	woken := m.WaitFor(time.Second, pending.IsSet)
//
//	// notifier
//	m.Lock()
//	m.NotifyAll()
//	m.Unlock()
//
// # Dangers and Warnings
//
//   - **Hold the Lock**: NotifyAll must be called with the monitor held.
//   - **Predicate Under Lock**: the ready predicate passed to WaitFor runs with
//     the monitor held; it must be cheap and must not block.
package monitor

import (
	"sync"
	"time"
)

// Monitor is a mutex with a timed broadcast wait.
type Monitor struct {
	mu      sync.Mutex
	waiters chan struct{} // closed by NotifyAll; nil when nobody waits
}

// New creates a monitor.
func New() *Monitor {
	return &Monitor{}
}

// Lock acquires the monitor.
func (m *Monitor) Lock() { m.mu.Lock() }

// Unlock releases the monitor.
func (m *Monitor) Unlock() { m.mu.Unlock() }

// NotifyAll wakes every goroutine currently parked in WaitFor. The caller
// must hold the monitor.
func (m *Monitor) NotifyAll() {
	if m.waiters != nil {
		close(m.waiters)
		m.waiters = nil
	}
}

// Broadcast acquires the monitor, wakes all waiters and releases it.
func (m *Monitor) Broadcast() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NotifyAll()
}

// WaitFor parks the caller for at most timeout. If ready is non-nil it is
// evaluated under the monitor first and the call returns immediately when it
// reports true, which closes the window between checking for work and
// parking. It returns true when woken by NotifyAll or ready, false on timeout.
func (m *Monitor) WaitFor(timeout time.Duration, ready func() bool) bool {
	m.mu.Lock()
	if ready != nil && ready() {
		m.mu.Unlock()
		return true
	}
	if timeout <= 0 {
		m.mu.Unlock()
		return false
	}
	if m.waiters == nil {
		m.waiters = make(chan struct{})
	}
	wake := m.waiters
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wake:
		return true
	case <-timer.C:
		return false
	}
}
