// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides monitoring and observability for the region heap
// and its uncommit controller.
//
// Events are recorded through a buffered channel and folded into counters and
// ring buffers by a background goroutine, so the controller and the notifiers
// never block on bookkeeping. Heap gauges (committed, used, soft max) are set
// directly.
//
// # Key Features
//
//   - Non-blocking event recording with background processing
//   - Uncommit pass counts, regions and bytes returned to the OS
//   - Pass latency kept in a bounded ring buffer with percentiles
//   - Notification counts split into raised edges and coalesced repeats
//   - Prometheus collector and JSON export
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	m.RecordPass(12*time.Millisecond, 3, 3*regionSize, true)
//	m.RecordNotification(metrics.KindSoftMax, true)
//
//	stats := m.GetStats()
//	fmt.Printf("uncommitted %d regions in %d passes\n",
//	    stats.Uncommit.Regions, stats.Uncommit.Passes)
//
// Exporting to Prometheus:
//
//	registry := prometheus.NewRegistry()
//	registry.MustRegister(m.Collector())
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Requires proper cleanup with Close() method
//   - **Event Loss**: If the buffer is full, events are dropped rather than
//     blocking the controller
//   - **Stats Latency**: Recorded events become visible once processed; call
//     Flush to wait for them
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package metrics

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Notification kinds.
const (
	KindSoftMax    = "soft_max"
	KindExplicitGC = "explicit_gc"
)

const (
	eventPass         = "pass"
	eventIteration    = "iteration"
	eventNotification = "notification"
	eventBarrier      = "barrier"
)

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// UncommitCounts tracks the work done by the uncommit controller
type UncommitCounts struct {
	Iterations   uint64 `json:"iterations"`
	Passes       uint64 `json:"passes"`
	UrgentPasses uint64 `json:"urgent_passes"`
	EmptyPasses  uint64 `json:"empty_passes"`
	Regions      uint64 `json:"regions"`
	Bytes        uint64 `json:"bytes"`

	LastIteration time.Time `json:"last_iteration"`
	LastPass      time.Time `json:"last_pass"`
}

// NotificationCounts tracks wake-up requests by kind
type NotificationCounts struct {
	SoftMaxRaised       uint64 `json:"soft_max_raised"`
	SoftMaxCoalesced    uint64 `json:"soft_max_coalesced"`
	ExplicitGCRaised    uint64 `json:"explicit_gc_raised"`
	ExplicitGCCoalesced uint64 `json:"explicit_gc_coalesced"`
}

// HeapGauges mirrors the heap's size accounting
type HeapGauges struct {
	Committed        uint64 `json:"committed"`
	Used             uint64 `json:"used"`
	SoftMaxCapacity  uint64 `json:"soft_max_capacity"`
	UncommitFailures uint64 `json:"uncommit_failures"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Uncommit      UncommitCounts     `json:"uncommit"`
	Notifications NotificationCounts `json:"notifications"`
	Heap          HeapGauges         `json:"heap"`
	PassLatency   LatencyStats       `json:"pass_latency"`
	Configuration MetricsConfig      `json:"config"`
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type      string
	Kind      string
	Duration  time.Duration
	Count     uint64
	Bytes     uint64
	Flag      bool
	Timestamp time.Time // iteration and pass events
	done      chan struct{}
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAverage calculates the average of time.Duration values in the buffer
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < rb.count; i++ {
		total += rb.buffer[(rb.head+i)%rb.size]
	}
	return total / time.Duration(rb.count)
}

// GetStats calculates comprehensive latency statistics
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}
	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		P999:  percentile(values, 0.999),
	}
}

// percentile picks the nth percentile from sorted values
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize    int `json:"buffer_size"`    // Size of event buffer
	LatencyBuffer int `json:"latency_buffer"` // Pass latency samples kept
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize:    10000,
		LatencyBuffer: 1000,
	}
}

// Metrics tracks controller and heap metrics
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.RWMutex

	uncommit      UncommitCounts
	notifications NotificationCounts
	heap          HeapGauges
	passLatency   *DurationRingBuffer
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultMetricsConfig().BufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:      config,
		eventChan:   make(chan MetricEvent, config.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		passLatency: NewDurationRingBuffer(config.LatencyBuffer),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

// processEvent folds a single event into the counters
func (m *Metrics) processEvent(event MetricEvent) {
	if event.Type == eventBarrier {
		close(event.done)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case eventIteration:
		m.uncommit.Iterations++
		m.uncommit.LastIteration = event.Timestamp
	case eventPass:
		m.uncommit.Passes++
		m.uncommit.LastPass = event.Timestamp
		if event.Flag {
			m.uncommit.UrgentPasses++
		}
		if event.Count == 0 {
			m.uncommit.EmptyPasses++
		}
		m.uncommit.Regions += event.Count
		m.uncommit.Bytes += event.Bytes
		m.passLatency.Push(event.Duration)
	case eventNotification:
		switch {
		case event.Kind == KindSoftMax && event.Flag:
			m.notifications.SoftMaxRaised++
		case event.Kind == KindSoftMax:
			m.notifications.SoftMaxCoalesced++
		case event.Kind == KindExplicitGC && event.Flag:
			m.notifications.ExplicitGCRaised++
		case event.Kind == KindExplicitGC:
			m.notifications.ExplicitGCCoalesced++
		}
	}
}

func (m *Metrics) send(event MetricEvent) {
	select {
	case m.eventChan <- event:
	default:
		// Channel full, drop the event to avoid blocking
	}
}

// RecordIteration records one wake-up of the controller loop
func (m *Metrics) RecordIteration() {
	m.send(MetricEvent{Type: eventIteration, Timestamp: time.Now()})
}

// RecordPass records a finished uncommit pass
func (m *Metrics) RecordPass(duration time.Duration, regions int, bytes uint64, urgent bool) {
	m.send(MetricEvent{
		Type:      eventPass,
		Duration:  duration,
		Count:     uint64(regions), // #nosec G115
		Bytes:     bytes,
		Flag:      urgent,
		Timestamp: time.Now(),
	})
}

// RecordNotification records a wake-up request; raised is false when the
// request was coalesced into one already pending.
func (m *Metrics) RecordNotification(kind string, raised bool) {
	m.send(MetricEvent{Type: eventNotification, Kind: kind, Flag: raised})
}

// SetHeapGauges sets the current heap size accounting
func (m *Metrics) SetHeapGauges(committed, used, softMax, uncommitFailures uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heap = HeapGauges{
		Committed:        committed,
		Used:             used,
		SoftMaxCapacity:  softMax,
		UncommitFailures: uncommitFailures,
	}
}

// Flush waits until every event recorded before the call has been processed,
// or ctx is done.
func (m *Metrics) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.eventChan <- MetricEvent{Type: eventBarrier, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Uncommit:      m.uncommit,
		Notifications: m.notifications,
		Heap:          m.heap,
		PassLatency:   m.passLatency.GetStats(),
		Configuration: m.config,
	}
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	stats := m.GetStats()
	jsonData, _ := json.MarshalIndent(stats, "", "  ")
	return jsonData
}

// Close shuts down the metrics processor
func (m *Metrics) Close() {
	m.cancel()
	m.wg.Wait()
}
