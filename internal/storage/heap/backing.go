// Licensed under the MIT License. See LICENSE file in the project root for details.

package heap

import (
	"fmt"

	"github.com/kianostad/rheap/internal/config"
)

// Backing supplies and releases the physical memory behind regions.
// Implementations are called with the heap lock held.
type Backing interface {
	// Commit makes region index usable and returns its memory.
	Commit(index int) ([]byte, error)
	// Uncommit returns region index's physical memory to the OS.
	Uncommit(index int) error
	// Close releases the whole reservation.
	Close() error
}

// NewBacking creates the backing named by kind (config.BackingMmap or
// config.BackingMemory).
func NewBacking(kind string, regionSize uint64, numRegions int) (Backing, error) {
	switch kind {
	case config.BackingMemory:
		return NewMemoryBacking(regionSize), nil
	case config.BackingMmap:
		return newMmapBacking(regionSize, numRegions)
	default:
		return nil, fmt.Errorf("heap: unknown backing %q", kind)
	}
}

// memoryBacking gives every committed region its own Go allocation and drops
// it on uncommit, leaving the release to the Go runtime's scavenger.
type memoryBacking struct {
	regionSize uint64
}

// NewMemoryBacking returns a portable Backing built on Go slices.
func NewMemoryBacking(regionSize uint64) Backing {
	return &memoryBacking{regionSize: regionSize}
}

func (b *memoryBacking) Commit(index int) ([]byte, error) {
	return make([]byte, b.regionSize), nil
}

func (b *memoryBacking) Uncommit(index int) error { return nil }

func (b *memoryBacking) Close() error { return nil }
