// Licensed under the MIT License. See LICENSE file in the project root for details.

package uncommit

import (
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// uncommit walks the regions from the high end and uncommits those that have
// been empty since before shrinkBefore, stopping before committed bytes would
// fall below shrinkUntil. Mutators allocate from the low end, so shrinking
// from the high end leaves their working set in place.
func (c *Controller) uncommit(shrinkBefore float64, shrinkUntil uint64, urgent bool) int {
	if !c.enabled {
		panic("uncommit: pass must only run when uncommit is enabled")
	}

	regionSize := c.heap.RegionSize()
	c.logger.Info("Uncommitting regions",
		zap.Float64("shrink_before", shrinkBefore),
		zap.Uint64("shrink_until", shrinkUntil+regionSize),
		zap.String("shrink_until_human", humanize.IBytes(shrinkUntil+regionSize)),
		zap.Bool("urgent", urgent),
	)

	start := time.Now()
	count := 0
	for i := c.heap.NumRegions(); i > 0; i-- {
		r := c.heap.Region(i - 1)
		if eligible(r, shrinkBefore) {
			done, ok := c.uncommitRegion(r, shrinkUntil+regionSize)
			if done {
				break
			}
			if ok {
				count++
			}
		}
		c.pause()
	}

	bytes := uint64(count) * regionSize // #nosec G115
	c.events.RecordPass(time.Since(start), count, bytes, urgent)

	if count > 0 {
		c.logger.Info("Uncommitted regions",
			zap.Int("count", count),
			zap.String("bytes", humanize.IBytes(bytes)),
			zap.String("committed", humanize.IBytes(c.heap.Committed())),
		)
		c.heap.NotifyHeapChanged()
	}
	return count
}

// uncommitRegion re-checks r under the heap lock and uncommits it. done is
// true when committed bytes are already below floor and the pass must stop.
func (c *Controller) uncommitRegion(r Region, floor uint64) (done, ok bool) {
	c.heap.Lock()
	defer c.heap.Unlock()

	// A mutator may have taken the region since the unlocked check.
	if !r.IsEmptyCommitted() {
		return false, false
	}
	if c.heap.Committed() < floor {
		return true, false
	}
	r.MakeUncommitted()
	return false, true
}
