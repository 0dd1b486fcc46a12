// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package heap

import (
	"fmt"
	"runtime"
)

func newMmapBacking(regionSize uint64, numRegions int) (Backing, error) {
	return nil, fmt.Errorf("heap: mmap backing is not supported on %s", runtime.GOOS)
}
