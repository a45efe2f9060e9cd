// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"sync/atomic"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// findPhysFor fills the request's copy slots. When a reshape is in flight
// and the range still lives under the old geometry, the request is marked
// Previous and mapped with the pre-reshape geometry. Hold c.mu (read).
func (c *Conf) findPhysFor(r *r10bio) {
	g := &c.geo
	if pos := c.reshapePos(); pos != core.MaxSector &&
		(r.sector >= pos) != c.reshapeBackwards {
		r.set(statePrevious)
		g = &c.prev
	} else {
		r.clear(statePrevious)
	}
	locs := make([]copyLoc, 0, c.copies)
	locs = g.findPhys(r.sector, locs)
	for i, l := range locs {
		r.devs[i].devnum = l.devnum
		r.devs[i].addr = l.addr
	}
}

// dataOffset picks the device base for this request: the old offset unless
// the request targets the post-reshape geometry.
func (c *Conf) dataOffset(r *r10bio, rdev *RDev) int64 {
	if c.reshapePos() == core.MaxSector || r.test(statePrevious) {
		return rdev.DataOffset
	}
	return rdev.NewDataOffset
}

// readBalance chooses the device to serve r's range from and returns it
// along with the number of sectors that can be read from it before hitting
// a bad block (maxSectors <= r.sectors). The chosen device's pending count
// is incremented; nil means no viable copy. Hold c.mu (read).
func (c *Conf) readBalance(r *r10bio) (rdev *RDev, maxSectors int64) {
	sectors := r.sectors
	bestSlot := -1
	var bestRdev *RDev
	bestDist := core.MaxSector
	bestGood := int64(0)
	bestPendingSlot := -1
	var bestPendingRdev *RDev
	minPending := int64(1<<63 - 1)
	hasNonrot := false

	c.findPhysFor(r)
	r.clear(stateFailFast)

	for slot := 0; slot < c.copies; slot++ {
		disk := r.devs[slot].devnum
		devSector := r.devs[slot].addr

		// Prefer a fully caught-up replacement over its primary.
		primary, repl := c.rdevAt(disk)
		cand := repl
		if cand == nil || cand.Test(FlagFaulty) || devSector+sectors > cand.RecoveryOffset() {
			cand = primary
		}
		if cand == nil || cand.Test(FlagFaulty) {
			continue
		}
		if !cand.Test(FlagInSync) && devSector+sectors > cand.RecoveryOffset() {
			continue
		}

		if state, firstBad, badLen := cand.BB.Check(devSector, sectors); state != BadBlocksNone {
			if bestDist < core.MaxSector {
				// Already have a viable clean slot.
				continue
			}
			if firstBad <= devSector {
				// Cannot read here at all.
				_ = badLen
				continue
			}
			// A clean prefix: remember the longest one seen.
			if good := firstBad - devSector; good > bestGood {
				bestGood = good
				bestSlot = slot
				bestRdev = cand
			}
			continue
		}
		bestGood = sectors

		nonrot := !cand.Dev.Rotational()
		hasNonrot = hasNonrot || nonrot
		pending := cand.Pending()
		if nonrot && pending < minPending {
			minPending = pending
			bestPendingSlot = slot
			bestPendingRdev = cand
		}

		if bestSlot >= 0 {
			// At least two viable devices: a fast-fail retry has
			// somewhere to go.
			r.set(stateFailFast)
		}

		var dist int64
		switch {
		case c.geo.nearCopies > 1 && pending == 0:
			dist = 0
		case c.geo.farCopies > 1:
			// Balancing by distance destroys sequential read speed
			// on far layouts; always take the lowest address.
			dist = devSector
		default:
			dist = devSector - atomic.LoadInt64(&c.mirrors[disk].headPosition)
			if dist < 0 {
				dist = -dist
			}
		}
		if dist < bestDist {
			bestDist = dist
			bestSlot = slot
			bestRdev = cand
		}
	}

	if hasNonrot && bestPendingSlot >= 0 {
		bestSlot = bestPendingSlot
		bestRdev = bestPendingRdev
	}
	if bestSlot < 0 {
		r.clear(stateFailFast)
		return nil, 0
	}
	if bestGood >= sectors {
		bestGood = sectors
	} else {
		// Narrowed by a bad block; a single source means no failfast.
		r.clear(stateFailFast)
	}
	bestRdev.IncPending()
	r.readSlot = bestSlot
	atomic.StoreInt64(&c.mirrors[r.devs[bestSlot].devnum].headPosition, r.devs[bestSlot].addr+bestGood)
	return bestRdev, bestGood
}

// slotRdev resolves the device a slot's read went to, matching the
// readBalance preference order. Hold c.mu (read).
func (c *Conf) slotRdev(r *r10bio, slot int) *RDev {
	primary, repl := c.rdevAt(r.devs[slot].devnum)
	if repl != nil && !repl.Test(FlagFaulty) &&
		r.devs[slot].addr+r.sectors <= repl.RecoveryOffset() {
		return repl
	}
	return primary
}
