// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package worker provides the long-lived background worker abstraction used by
// heap services such as the uncommit controller.
//
// A Worker owns one goroutine that runs a service loop until termination is
// requested. Termination is cooperative: the loop polls ShouldTerminate and the
// stop hook is invoked so that a parked loop can be woken up.
//
// # Key Features
//
//   - Single goroutine per worker, started at most once
//   - Cooperative termination flag readable from the service loop
//   - Stop hook to wake a parked service
//   - Join-style Stop, and StopContext for bounded joins
//
// # Usage Examples
//
//	var w *worker.Worker
//	w = worker.New("uncommit", func() {
//	    for !w.ShouldTerminate() {
//	        // ... one iteration, then park
//	    }
//	}, wakeParkedLoop)
//
//	w.Start()
//	defer w.Stop()
//
// # Dangers and Warnings
//
//   - **Poll the Flag**: a service that never checks ShouldTerminate cannot be
//     stopped; Stop would block forever.
//   - **No Restart**: a stopped worker cannot be started again.
//   - **Stop Hook**: the hook runs on the goroutine calling Stop and must not
//     block on the service loop.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Worker runs a service loop on a dedicated goroutine.
type Worker struct {
	name      string
	service   func()
	onStop    func()
	started   atomic.Bool
	terminate atomic.Bool
	wg        sync.WaitGroup
	done      chan struct{}
}

// New creates a worker. service is the loop body; onStop, if non-nil, is
// called after the termination flag is raised.
func New(name string, service func(), onStop func()) *Worker {
	return &Worker{
		name:    name,
		service: service,
		onStop:  onStop,
		done:    make(chan struct{}),
	}
}

// Name returns the worker's name.
func (w *Worker) Name() string {
	return w.name
}

// Start launches the service goroutine. It is a no-op if the worker was
// already started or already asked to terminate.
func (w *Worker) Start() {
	if w.terminate.Load() || !w.started.CompareAndSwap(false, true) {
		return
	}

	w.wg.Add(1)
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.wg.Done()

	w.service()
}

// ShouldTerminate reports whether termination has been requested.
func (w *Worker) ShouldTerminate() bool {
	return w.terminate.Load()
}

// Running reports whether the service goroutine was started and has not exited.
func (w *Worker) Running() bool {
	if !w.started.Load() {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed when the service goroutine exits.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop requests termination, runs the stop hook and waits for the service
// goroutine to exit.
func (w *Worker) Stop() {
	w.requestStop()
	w.wg.Wait()
}

// StopContext is Stop with a bounded wait. It returns ctx.Err() if the service
// goroutine has not exited when ctx is done; termination stays requested.
func (w *Worker) StopContext(ctx context.Context) error {
	w.requestStop()
	if !w.started.Load() {
		return nil
	}

	// An exited worker wins over an expired context.
	select {
	case <-w.done:
		return nil
	default:
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) requestStop() {
	if !w.terminate.CompareAndSwap(false, true) {
		return
	}
	if w.onStop != nil {
		w.onStop()
	}
}
