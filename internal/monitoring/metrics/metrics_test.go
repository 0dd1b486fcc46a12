// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func flush(t *testing.T, m *Metrics) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
}

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	defer metrics.Close()
}

func TestNewMetricsWithConfig(t *testing.T) {
	config := DefaultMetricsConfig()
	config.BufferSize = 5000
	config.LatencyBuffer = 500

	metrics := NewMetricsWithConfig(config)
	if metrics == nil {
		t.Fatal("NewMetricsWithConfig() returned nil")
	}
	defer metrics.Close()

	if got := metrics.GetStats().Configuration; got != config {
		t.Errorf("Expected config %+v, got %+v", config, got)
	}
}

func TestRecordPass(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	duration := 2 * time.Millisecond
	before := time.Now()
	metrics.RecordPass(duration, 3, 3<<20, true)
	metrics.RecordPass(duration, 0, 0, false)
	flush(t, metrics)

	stats := metrics.GetStats().Uncommit
	if stats.Passes != 2 {
		t.Errorf("Expected 2 passes, got %d", stats.Passes)
	}
	if stats.UrgentPasses != 1 {
		t.Errorf("Expected 1 urgent pass, got %d", stats.UrgentPasses)
	}
	if stats.EmptyPasses != 1 {
		t.Errorf("Expected 1 empty pass, got %d", stats.EmptyPasses)
	}
	if stats.Regions != 3 || stats.Bytes != 3<<20 {
		t.Errorf("Expected 3 regions and %d bytes, got %d and %d", 3<<20, stats.Regions, stats.Bytes)
	}

	if stats.LastPass.Before(before) {
		t.Errorf("Expected last pass time after %v, got %v", before, stats.LastPass)
	}
	if !stats.LastIteration.IsZero() {
		t.Errorf("Expected no iteration time, got %v", stats.LastIteration)
	}

	latency := metrics.GetStats().PassLatency
	if latency.Count != 2 || latency.Mean != duration {
		t.Errorf("Expected 2 samples with mean %v, got %d with mean %v", duration, latency.Count, latency.Mean)
	}
}

func TestRecordIteration(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	for i := 0; i < 5; i++ {
		metrics.RecordIteration()
	}
	flush(t, metrics)

	if got := metrics.GetStats().Uncommit.Iterations; got != 5 {
		t.Errorf("Expected 5 iterations, got %d", got)
	}
}

func TestRecordNotification(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordNotification(KindSoftMax, true)
	metrics.RecordNotification(KindSoftMax, false)
	metrics.RecordNotification(KindSoftMax, false)
	metrics.RecordNotification(KindExplicitGC, true)
	metrics.RecordNotification("unknown", true)
	flush(t, metrics)

	n := metrics.GetStats().Notifications
	want := NotificationCounts{SoftMaxRaised: 1, SoftMaxCoalesced: 2, ExplicitGCRaised: 1}
	if n != want {
		t.Errorf("Expected %+v, got %+v", want, n)
	}
}

func TestSetHeapGauges(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.SetHeapGauges(64<<20, 16<<20, 128<<20, 1)

	h := metrics.GetStats().Heap
	want := HeapGauges{Committed: 64 << 20, Used: 16 << 20, SoftMaxCapacity: 128 << 20, UncommitFailures: 1}
	if h != want {
		t.Errorf("Expected %+v, got %+v", want, h)
	}
}

func TestConcurrentRecording(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				metrics.RecordNotification(KindExplicitGC, false)
			}
		}()
	}
	wg.Wait()
	flush(t, metrics)

	if got := metrics.GetStats().Notifications.ExplicitGCCoalesced; got != goroutines*perGoroutine {
		t.Errorf("Expected %d notifications, got %d", goroutines*perGoroutine, got)
	}
}

func TestEventsDroppedWhenBufferFull(t *testing.T) {
	metrics := NewMetricsWithConfig(MetricsConfig{BufferSize: 1, LatencyBuffer: 1})
	defer metrics.Close()

	// Recording never blocks, whatever the processor is doing.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			metrics.RecordIteration()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recording blocked on a full buffer")
	}
	flush(t, metrics)

	if got := metrics.GetStats().Uncommit.Iterations; got == 0 || got > 10000 {
		t.Errorf("Expected between 1 and 10000 iterations, got %d", got)
	}
}

func TestFlushAfterClose(t *testing.T) {
	metrics := NewMetrics()
	metrics.Close()

	if err := metrics.Flush(context.Background()); err == nil {
		t.Error("Expected Flush to fail after Close")
	}
}

func TestRingBufferAverage(t *testing.T) {
	rb := NewDurationRingBuffer(3)
	rb.Push(10 * time.Millisecond)
	rb.Push(20 * time.Millisecond)
	rb.Push(30 * time.Millisecond)

	if avg := rb.GetAverage(); avg != 20*time.Millisecond {
		t.Errorf("Expected average 20ms, got %v", avg)
	}
}

func TestRingBufferOverflow(t *testing.T) {
	rb := NewDurationRingBuffer(2)
	rb.Push(10 * time.Millisecond)
	rb.Push(20 * time.Millisecond)
	rb.Push(30 * time.Millisecond) // evicts 10ms

	if avg := rb.GetAverage(); avg != 25*time.Millisecond {
		t.Errorf("Expected average 25ms after overflow, got %v", avg)
	}
	stats := rb.GetStats()
	if stats.Count != 2 || stats.Min != 20*time.Millisecond || stats.Max != 30*time.Millisecond {
		t.Errorf("Unexpected stats after overflow: %+v", stats)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewDurationRingBuffer(4)
	if avg := rb.GetAverage(); avg != 0 {
		t.Errorf("Expected average 0 for empty buffer, got %v", avg)
	}
	if stats := rb.GetStats(); stats != (LatencyStats{}) {
		t.Errorf("Expected zero stats for empty buffer, got %+v", stats)
	}
}

func TestRingBufferStats(t *testing.T) {
	rb := NewDurationRingBuffer(100)
	for i := 1; i <= 100; i++ {
		rb.Push(time.Duration(i) * time.Millisecond)
	}

	stats := rb.GetStats()
	if stats.Count != 100 {
		t.Errorf("Expected count 100, got %d", stats.Count)
	}
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Expected min 1ms and max 100ms, got %v and %v", stats.Min, stats.Max)
	}
	if stats.P50 != 50*time.Millisecond {
		t.Errorf("Expected p50 50ms, got %v", stats.P50)
	}
	if stats.P99 != 99*time.Millisecond {
		t.Errorf("Expected p99 99ms, got %v", stats.P99)
	}
}

func TestExportJSON(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordPass(time.Millisecond, 2, 2<<20, false)
	flush(t, metrics)

	var snapshot MetricsSnapshot
	if err := json.Unmarshal(metrics.ExportJSON(), &snapshot); err != nil {
		t.Fatalf("ExportJSON produced invalid JSON: %v", err)
	}
	if snapshot.Uncommit.Regions != 2 {
		t.Errorf("Expected 2 regions in export, got %d", snapshot.Uncommit.Regions)
	}
}

func TestCollector(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordPass(time.Millisecond, 4, 4<<20, true)
	metrics.RecordPass(time.Millisecond, 1, 1<<20, false)
	metrics.RecordNotification(KindSoftMax, true)
	flush(t, metrics)
	metrics.SetHeapGauges(10<<20, 2<<20, 32<<20, 0)

	c := metrics.Collector()

	expected := `
# HELP rheap_uncommit_regions_total Regions returned to the operating system.
# TYPE rheap_uncommit_regions_total counter
rheap_uncommit_regions_total 5
# HELP rheap_uncommit_passes_total Uncommit passes run, by trigger.
# TYPE rheap_uncommit_passes_total counter
rheap_uncommit_passes_total{trigger="periodic"} 1
rheap_uncommit_passes_total{trigger="urgent"} 1
# HELP rheap_heap_committed_bytes Bytes backed by memory.
# TYPE rheap_heap_committed_bytes gauge
rheap_heap_committed_bytes 1.048576e+07
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"rheap_uncommit_regions_total",
		"rheap_uncommit_passes_total",
		"rheap_heap_committed_bytes",
	)
	if err != nil {
		t.Errorf("unexpected collector output: %v", err)
	}

	registry := prometheus.NewPedanticRegistry()
	if err := registry.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if n, err := testutil.GatherAndCount(registry); err != nil || n == 0 {
		t.Errorf("Expected gathered metrics, got %d (%v)", n, err)
	}
}
