// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides benchmarking tools for the region heap and its
// uncommit controller.
//
// The benchmarks measure how much the background controller interferes with
// mutators that allocate and release regions concurrently. Mutators run on an
// ants goroutine pool; the controller is driven with aggressive settings so
// that it competes for the heap lock as often as possible.
//
// # Benchmark Categories
//
//   - Allocation throughput without a controller (baseline)
//   - Allocation throughput with a periodic controller
//   - Allocation throughput while the soft max heap size oscillates
//   - Allocation throughput under a stream of explicit GC requests
//   - Uncommit pass latency from the controller metrics
//
// # Usage
//
// Run all benchmarks:
//
//	go run ./cmd/bench
//
// Use the mmap backing and more mutators:
//
//	go run ./cmd/bench -backing mmap -mutators 32
//
// # Dangers and Warnings
//
//   - **Memory Usage**: the memory backing allocates real Go slices for every
//     committed region; keep regions * region size within available RAM.
//   - **Noise**: results depend on GOMAXPROCS and the machine's load.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/kianostad/rheap"
)

type benchConfig struct {
	backing    string
	regionSize uint64
	numRegions int
	mutators   int
	opsPerTask int
	duration   time.Duration
}

func main() {
	cfg := benchConfig{}
	flag.StringVar(&cfg.backing, "backing", "memory", "backing memory: mmap or memory")
	flag.Uint64Var(&cfg.regionSize, "region-size", 256<<10, "region size in bytes")
	flag.IntVar(&cfg.numRegions, "regions", 512, "number of regions")
	flag.IntVar(&cfg.mutators, "mutators", 16, "concurrent mutators")
	flag.IntVar(&cfg.opsPerTask, "ops", 64, "allocations per mutator task")
	flag.DurationVar(&cfg.duration, "duration", 2*time.Second, "duration of each benchmark")
	flag.Parse()

	fmt.Println("Region Heap Benchmarks")
	fmt.Println("======================")
	fmt.Printf("%d regions of %s, %d mutators, %s backing\n",
		cfg.numRegions, humanize.IBytes(cfg.regionSize), cfg.mutators, cfg.backing)

	// Benchmark 1: Baseline
	run(cfg, "1. Allocation without uncommit", false, nil)

	// Benchmark 2: Periodic controller
	run(cfg, "2. Allocation with a periodic controller", true, nil)

	// Benchmark 3: Soft max oscillation
	run(cfg, "3. Allocation while the soft max oscillates", true, func(ctx context.Context, h rheap.Heap, tick int) {
		stats := h.Stats(ctx)
		target := stats.MaxCapacity
		if tick%2 == 0 {
			target = stats.MinCapacity
		}
		h.SetSoftMaxHeapSize(ctx, target)
	})

	// Benchmark 4: Explicit GC stream
	run(cfg, "4. Allocation under explicit GC requests", true, func(ctx context.Context, h rheap.Heap, _ int) {
		h.RequestExplicitGC(ctx)
	})
}

func heapConfig(cfg benchConfig, uncommit bool) rheap.Config {
	c := rheap.DefaultConfig()
	c.Heap.RegionSize = cfg.regionSize
	c.Heap.NumRegions = cfg.numRegions
	c.Heap.InitialCapacity = cfg.regionSize * uint64(cfg.numRegions/4) // #nosec G115
	c.Heap.MinCapacity = cfg.regionSize * uint64(cfg.numRegions/16)    // #nosec G115
	c.Heap.Backing = cfg.backing
	c.Uncommit.Enabled = uncommit
	c.Uncommit.DelayMs = 10 // 1ms shrink period
	return c
}

// run measures allocate/release throughput for cfg.duration. If disturb is
// non-nil it is called every millisecond from a separate goroutine.
func run(cfg benchConfig, title string, uncommit bool, disturb func(context.Context, rheap.Heap, int)) {
	fmt.Printf("\n%s\n", title)
	ctx := context.Background()

	h, err := rheap.New(heapConfig(cfg, uncommit), rheap.WithLogger(zap.NewNop()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "   failed to create heap: %v\n", err)
		return
	}
	defer h.Close(ctx)

	pool, err := ants.NewPool(cfg.mutators, ants.WithPanicHandler(func(v interface{}) {
		fmt.Fprintf(os.Stderr, "   mutator panic: %v\n", v)
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "   failed to create pool: %v\n", err)
		return
	}
	defer pool.Release()

	var (
		ops      atomic.Int64
		failures atomic.Int64
		wg       sync.WaitGroup
	)
	deadline := time.Now().Add(cfg.duration)

	stopDisturb := make(chan struct{})
	var disturbWG sync.WaitGroup
	if disturb != nil {
		disturbWG.Add(1)
		go func() {
			defer disturbWG.Done()
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()
			for tick := 0; ; tick++ {
				select {
				case <-stopDisturb:
					return
				case <-ticker.C:
					disturb(ctx, h, tick)
				}
			}
		}()
	}

	mutator := func() {
		defer wg.Done()
		held := make([]*rheap.Region, 0, cfg.opsPerTask)
		for i := 0; i < cfg.opsPerTask; i++ {
			r, err := h.Allocate(ctx)
			if err != nil {
				failures.Add(1)
				continue
			}
			r.Bytes()[0] = byte(i)
			held = append(held, r)
		}
		for _, r := range held {
			_ = h.Release(ctx, r)
		}
		ops.Add(int64(len(held)))
	}

	start := time.Now()
	for time.Now().Before(deadline) {
		wg.Add(1)
		if err := pool.Submit(mutator); err != nil {
			wg.Done()
			fmt.Fprintf(os.Stderr, "   submit failed: %v\n", err)
			break
		}
	}
	wg.Wait()
	duration := time.Since(start)
	close(stopDisturb)
	disturbWG.Wait()

	total := ops.Load()
	fmt.Printf("   %d allocations in %v (%.0f ops/sec), %d out of regions\n",
		total, duration, float64(total)/duration.Seconds(), failures.Load())

	stats := h.Stats(ctx)
	fmt.Printf("   committed %s of %s\n", humanize.IBytes(stats.Committed), humanize.IBytes(stats.MaxCapacity))

	if uncommit {
		m := h.GetMetrics(ctx)
		fmt.Printf("   %d passes (%d urgent), %d regions uncommitted (%s)\n",
			m.Uncommit.Passes, m.Uncommit.UrgentPasses, m.Uncommit.Regions, humanize.IBytes(m.Uncommit.Bytes))
		fmt.Printf("   pass latency: mean %v, p50 %v, p99 %v, max %v\n",
			m.PassLatency.Mean, m.PassLatency.P50, m.PassLatency.P99, m.PassLatency.Max)
	}
}
