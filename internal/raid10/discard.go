// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"context"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// discardRequest maps a large discard onto per-device windows instead of
// fanning it out chunk by chunk. A whole stripe discards a contiguous chunk
// on every device, so the stripe-aligned body needs just one trimmed discard
// per device (repeated per far copy). The unaligned head and tail go through
// the regular fan-out.
//
// Discards smaller than two stripes are rejected: the window arithmetic
// needs at least one aligned stripe between the edges, and for far layouts
// an unaligned small discard would punch holes in the wrong copies.
func (c *Conf) discardRequest(ctx context.Context, b *Bio) core.Error {
	if c.reshapePos() != core.MaxSector {
		return core.ErrReshapeConflict
	}
	if err := c.bar.wait(ctx, b.Nowait); err != core.NoError {
		return err
	}
	// Reshape may have started between the check and the barrier.
	if c.reshapePos() != core.MaxSector {
		c.bar.allow()
		return core.ErrReshapeConflict
	}
	defer c.bar.allow()

	c.mu.RLock()
	g := c.geo
	c.mu.RUnlock()

	// One stripe of logical data spans the chunks of all devices holding
	// distinct data.
	stripeDataDisks := int64(g.raidDisks/g.nearCopies + g.raidDisks%g.nearCopies)
	stripeSectors := stripeDataDisks << g.chunkShift

	if b.Sectors() < 2*stripeSectors {
		return core.ErrDiscardTooSmall
	}

	start := b.Sector
	end := b.Sector + b.Sectors()

	// Far layouts replicate whole stripes at stride offsets; an unaligned
	// edge would discard live data in another copy's region. Peel the
	// edges off and push them through the per-chunk path.
	if g.farCopies > 1 {
		if rem := start % stripeSectors; rem != 0 {
			n := stripeSectors - rem
			if err := c.discardEdge(ctx, b, start, n); err != core.NoError {
				return err
			}
			start += n
		}
		if rem := end % stripeSectors; rem != 0 {
			if err := c.discardEdge(ctx, b, end-rem, rem); err != core.NoError {
				return err
			}
			end -= rem
		}
	}

	if err := c.waitBlockedAll(ctx, b.Nowait); err != core.NoError {
		return err
	}

	chunkSectors := g.chunkSectors()

	// Locate the chunk the body starts in: stripe index on its device and
	// which device holds it.
	chunk := (start >> g.chunkShift) * int64(g.nearCopies)
	firstStripe := chunk / int64(g.raidDisks)
	startDisk := int(chunk % int64(g.raidDisks))
	if g.farOffset {
		firstStripe *= int64(g.farCopies)
	}
	startOffset := start&g.chunkMask + firstStripe<<g.chunkShift

	chunk = (end >> g.chunkShift) * int64(g.nearCopies)
	lastStripe := chunk / int64(g.raidDisks)
	endDisk := int(chunk % int64(g.raidDisks))
	if g.farOffset {
		lastStripe *= int64(g.farCopies)
	}
	endOffset := end&g.chunkMask + lastStripe<<g.chunkShift

	passes := 1
	if g.farCopies > 1 && !g.farOffset {
		passes = g.farCopies
	}

	// Failures are deliberately ignored: discard is advisory and a device
	// that cannot discard still holds valid data.
	var wg sync.WaitGroup
	for pass := 0; pass < passes; pass++ {
		c.mu.RLock()
		for disk := 0; disk < g.raidDisks; disk++ {
			var devStart, devEnd int64
			switch {
			case disk < startDisk:
				devStart = (firstStripe + 1) * chunkSectors
			case disk > startDisk:
				devStart = firstStripe * chunkSectors
			default:
				devStart = startOffset
			}
			switch {
			case disk < endDisk:
				devEnd = (lastStripe + 1) * chunkSectors
			case disk > endDisk:
				devEnd = lastStripe * chunkSectors
			default:
				devEnd = endOffset
			}
			if devEnd <= devStart {
				continue
			}

			rdev, rrdev := c.rdevAt(disk)
			for _, r := range []*RDev{rdev, rrdev} {
				if r == nil || r.Test(FlagFaulty) {
					continue
				}
				r.IncPending()
				wg.Add(1)
				d := &devBio{
					op:        OpDiscard,
					rdev:      r,
					devSector: devStart + r.DataOffset,
					nsectors:  devEnd - devStart,
					done: func(d *devBio, result core.Error) {
						if result != core.NoError {
							log.V(1).Infof("raid10: discard on dev %d ignored failure: %s", d.rdev.Num, result)
						}
						d.rdev.DecPending()
						wg.Done()
					},
				}
				c.runDevBio(d)
			}
		}
		c.mu.RUnlock()

		if pass+1 < passes {
			strideChunks := g.stride >> g.chunkShift
			firstStripe += strideChunks
			lastStripe += strideChunks
			startOffset += g.stride
			endOffset += g.stride
		}
	}
	c.bitmap.StartWrite(b.Sector, b.Sectors())
	wg.Wait()
	c.bitmap.EndWrite(b.Sector, b.Sectors())
	return core.NoError
}

// discardEdge drives one unaligned edge through the per-chunk write fan-out.
// The caller holds a barrier reference; the fan-out takes its own, so ours
// is dropped around it to keep a concurrent raise from deadlocking against
// us.
func (c *Conf) discardEdge(ctx context.Context, b *Bio, sector, nsectors int64) core.Error {
	c.bar.allow()
	defer func() {
		// Re-enter; reshape conflicts were ruled out before and the
		// caller rechecks nothing, but a raise in the gap is fine, we
		// just queue behind it.
		c.bar.wait(ctx, false)
	}()

	c.mu.RLock()
	chunkSectors := c.geo.chunkSectors()
	c.mu.RUnlock()

	for done := int64(0); done < nsectors; {
		s := sector + done
		n := nsectors - done
		if rem := chunkSectors - s&(chunkSectors-1); n > rem {
			n = rem
		}
		processed, err := c.writeRequest(ctx, b, s, nil, n)
		if err != core.NoError {
			return err
		}
		done += processed
	}
	return core.NoError
}

// waitBlockedAll stalls while any live device is Blocked. The discard body
// targets every device, so unlike the per-copy write wait it scans them all.
func (c *Conf) waitBlockedAll(ctx context.Context, nowait bool) core.Error {
	for {
		var blocked *RDev
		c.mu.RLock()
		for i := range c.mirrors {
			for _, r := range []*RDev{c.mirrors[i].rdev, c.mirrors[i].replacement} {
				if r != nil && !r.Test(FlagFaulty) && r.Test(FlagBlocked) {
					blocked = r
					break
				}
			}
			if blocked != nil {
				break
			}
		}
		c.mu.RUnlock()
		if blocked == nil {
			return core.NoError
		}
		if nowait {
			return core.ErrWouldBlock
		}
		c.bar.allow()
		if !c.waitUnblocked(blocked) {
			c.errorHandler(blocked)
		}
		if err := c.bar.wait(ctx, false); err != core.NoError {
			return err
		}
	}
}
