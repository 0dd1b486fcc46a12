// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build linux || darwin || freebsd || netbsd || openbsd

package heap

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapBacking reserves the whole heap as one anonymous mapping. Pages are
// committed lazily on first touch and released with MADV_DONTNEED, which
// keeps the address range reserved.
type mmapBacking struct {
	regionSize uint64
	mu         sync.Mutex
	mem        []byte
}

func newMmapBacking(regionSize uint64, numRegions int) (Backing, error) {
	size := regionSize * uint64(numRegions) // #nosec G115
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE) // #nosec G115
	if err != nil {
		return nil, fmt.Errorf("heap: mmap %d bytes: %w", size, err)
	}
	return &mmapBacking{regionSize: regionSize, mem: mem}, nil
}

func (b *mmapBacking) span(index int) ([]byte, error) {
	if b.mem == nil {
		return nil, fmt.Errorf("heap: backing closed")
	}
	off := uint64(index) * b.regionSize // #nosec G115
	end := off + b.regionSize
	if end > uint64(len(b.mem)) {
		return nil, fmt.Errorf("heap: region %d outside reservation", index)
	}
	return b.mem[off:end:end], nil
}

func (b *mmapBacking) Commit(index int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.span(index)
}

func (b *mmapBacking) Uncommit(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	span, err := b.span(index)
	if err != nil {
		return err
	}
	if err := unix.Madvise(span, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("heap: madvise(MADV_DONTNEED) region %d: %w", index, err)
	}
	return nil
}

func (b *mmapBacking) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
