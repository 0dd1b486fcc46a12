// Licensed under the MIT License. See LICENSE file in the project root for details.

package rheap

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kianostad/rheap/internal/concurrency/epoch"
)

const testConfigTOML = `
[heap]
region-size = 65536
num-regions = 32
initial-capacity = 1048576
min-capacity = 262144
backing = "memory"

[uncommit]
enabled = true
delay-ms = 1000

[log]
level = "warn"
`

func newTestHeap(t *testing.T) (Heap, *epoch.Manual) {
	t.Helper()
	cfg, err := ParseConfig(testConfigTOML)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	clock := epoch.NewManual(10)
	h, err := New(cfg, WithClock(clock), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublicAPI(t *testing.T) {
	ctx := context.Background()
	h, clock := newTestHeap(t)
	defer h.Close(ctx)

	stats := h.Stats(ctx)
	if stats.Committed != 1<<20 {
		t.Errorf("Expected 1 MiB committed, got %d", stats.Committed)
	}
	if stats.SoftMaxCapacity != 2<<20 {
		t.Errorf("Expected soft max to default to max capacity 2 MiB, got %d", stats.SoftMaxCapacity)
	}

	// Fill the committed regions and a few more.
	var regions []*Region
	for i := 0; i < 20; i++ {
		r, err := h.Allocate(ctx)
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if r.Index() != i {
			t.Errorf("Expected region %d from the low end, got %d", i, r.Index())
		}
		r.Bytes()[0] = byte(i)
		regions = append(regions, r)
	}
	if got := h.Stats(ctx).Committed; got != 20*64<<10 {
		t.Errorf("Expected 20 regions committed, got %d bytes", got)
	}

	for _, r := range regions {
		if err := h.Release(ctx, r); err != nil {
			t.Fatalf("Release %d failed: %v", r.Index(), err)
		}
	}
	if err := h.Release(ctx, regions[0]); !errors.Is(err, ErrNotRegular) {
		t.Errorf("Expected ErrNotRegular for a double release, got %v", err)
	}

	// Once the regions have aged past the delay the heap shrinks to min capacity.
	waitFor(t, "periodic shrink", func() bool {
		clock.Advance(200 * time.Millisecond)
		return h.Stats(ctx).Committed == 256<<10
	})

	// Metrics are folded in asynchronously.
	waitFor(t, "pass metrics", func() bool { return h.GetMetrics(ctx).Uncommit.Passes > 0 })
}

func TestSoftMaxAndExplicitGC(t *testing.T) {
	ctx := context.Background()
	h, clock := newTestHeap(t)
	defer h.Close(ctx)
	clock.Advance(time.Millisecond)

	if !h.SetSoftMaxHeapSize(ctx, 512<<10) {
		t.Fatal("Expected soft max change to take effect")
	}
	waitFor(t, "soft max shrink", func() bool { return h.Stats(ctx).Committed == 512<<10 })

	info := h.Regions(ctx)
	if !info[7].Committed || info[8].Committed {
		t.Errorf("Expected regions 0-7 to stay committed, got %+v", info[:9])
	}

	h.RequestExplicitGC(ctx)
	waitFor(t, "explicit GC shrink", func() bool { return h.Stats(ctx).Committed == 256<<10 })
}

func TestOutOfRegions(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHeap(t)
	defer h.Close(ctx)

	for i := 0; i < 32; i++ {
		if _, err := h.Allocate(ctx); err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
	}
	if _, err := h.Allocate(ctx); !errors.Is(err, ErrOutOfRegions) {
		t.Errorf("Expected ErrOutOfRegions, got %v", err)
	}
}

func TestConfigErrors(t *testing.T) {
	if _, err := ParseConfig("[heap]\nregion-size = 3000\n"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for a bad region size, got %v", err)
	}
	if _, err := ParseConfig("[heap]\nbogus = 1\n"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for an unknown key, got %v", err)
	}
	if _, err := LoadConfig("/nonexistent/rheap.toml"); err == nil {
		t.Error("Expected an error loading a missing file")
	}

	cfg := DefaultConfig()
	if cfg.Uncommit.ShrinkPeriod() != 30*time.Second {
		t.Errorf("Expected default shrink period 30s, got %v", cfg.Uncommit.ShrinkPeriod())
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHeap(t)

	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := h.Allocate(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}
