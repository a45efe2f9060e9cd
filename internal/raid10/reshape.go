// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"context"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/pkg/blockdev"
)

// firstDevAddress returns the lowest device address the geometry might use
// for any virtual sector >= s.
func (g *geom) firstDevAddress(s int64) int64 {
	s >>= g.chunkShift
	s *= int64(g.nearCopies)
	s /= int64(g.raidDisks)
	s *= int64(g.farCopies)
	return s << g.chunkShift
}

// lastDevAddress returns one past the highest device address the geometry
// might use for any virtual sector < s.
func (g *geom) lastDevAddress(s int64) int64 {
	s = (s | g.chunkMask) + 1
	s >>= g.chunkShift
	s *= int64(g.nearCopies)
	s = (s + int64(g.raidDisks) - 1) / int64(g.raidDisks)
	s *= int64(g.farCopies)
	return s << g.chunkShift
}

// CheckReshape validates that the current array can be reshaped to the new
// layout: the replica count must be preserved and a non-far array cannot
// become far (the stride of existing data cannot be re-derived in place).
func (a *Array) CheckReshape(newLayout Layout) core.Error {
	c := a.conf
	ng, err := newGeom(newLayout)
	if err != core.NoError {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ng.copies() != c.geo.copies() {
		return core.ErrInvalidArgument
	}
	if c.geo.farCopies == 1 && ng.farCopies > 1 {
		return core.ErrInvalidArgument
	}
	if ng.raidDisks < c.geo.raidDisks {
		return core.ErrNotYetImplemented
	}
	return core.NoError
}

// StartReshape begins an online transition to newLayout. offsetDiff is the
// distance (device sectors) between old and new data offsets and must be at
// least one chunk so in-flight old and new stripes never overlap. A forward
// reshape (cursor from sector zero upward) moves the data area down into the
// reserved headroom below DataOffset; a backwards reshape moves it up into
// slack past the data area, so each device must be offsetDiff sectors larger
// than it uses. resumeAt is the checkpoint to restart from, or -1 for a
// fresh reshape. When newLayout grows the array, newDevs supplies the
// devices for the added slots in order.
func (a *Array) StartReshape(newLayout Layout, newDevs []blockdev.Dev, offsetDiff int64, backwards bool, resumeAt int64) core.Error {
	c := a.conf
	if err := a.CheckReshape(newLayout); err != core.NoError {
		return err
	}
	ng, _ := newGeom(newLayout)

	c.bar.raise(false)
	defer c.bar.lower()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reshapePos() != core.MaxSector {
		return core.ErrReshapeConflict
	}
	if offsetDiff < c.geo.chunkSectors() {
		return core.ErrInvalidArgument
	}

	// The data area slides down (forward) or up (backwards) by offsetDiff;
	// every existing member must have that much room on the relevant side.
	for i := range c.mirrors {
		r := c.mirrors[i].rdev
		if r == nil {
			continue
		}
		if !backwards && r.DataOffset < offsetDiff {
			return core.ErrInvalidArgument
		}
		if backwards && r.DataOffset+offsetDiff+c.devSectors > r.Dev.Sectors() {
			return core.ErrInvalidArgument
		}
	}
	base := c.baseDataOffset()

	// Grow the mirrors table, attaching the supplied devices to the new
	// slots. Reshape writes populate them, so they start in sync.
	for len(c.mirrors) < newLayout.RaidDisks {
		c.mirrors = append(c.mirrors, mirror{})
	}
	nd := 0
	for i := c.geo.raidDisks; i < newLayout.RaidDisks; i++ {
		if c.mirrors[i].rdev != nil {
			continue
		}
		if nd >= len(newDevs) || newDevs[nd] == nil {
			return core.ErrNoMedia
		}
		need := c.devSectors + base
		if backwards {
			need += offsetDiff
		}
		if newDevs[nd].Sectors() < need {
			return core.ErrInvalidArgument
		}
		r := NewRDev(newDevs[nd])
		nd++
		r.Num = i
		r.Sectors = c.devSectors
		r.DataOffset = base
		r.NewDataOffset = base
		r.Set(FlagInSync)
		r.SetRecoveryOffset(core.MaxSector)
		c.mirrors[i].rdev = r
	}

	ng.calcSectors(c.devSectors)
	c.prev = c.geo
	c.geo = ng
	c.offsetDiff = offsetDiff
	c.reshapeBackwards = backwards

	for i := range c.mirrors {
		if r := c.mirrors[i].rdev; r != nil {
			if backwards {
				r.NewDataOffset = r.DataOffset + offsetDiff
			} else {
				r.NewDataOffset = r.DataOffset - offsetDiff
			}
		}
	}

	start := int64(0)
	if backwards {
		start = c.prev.raidSize(c.devSectors, c.prev.raidDisks)
	}
	if resumeAt >= 0 {
		start = resumeAt
	}
	atomic.StoreInt64(&c.reshapeProgress, start)
	c.reshapeSafe = start

	log.Infof("raid10: reshape started, %s -> %s, from sector %d", c.prev.String(), c.geo.String(), start)
	c.wakeDaemon()
	return core.NoError
}

// ReshapeSectors returns how much logical data the active reshape must
// move: everything addressable under the old geometry.
func (a *Array) ReshapeSectors() int64 {
	c := a.conf
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prev.raidSize(c.devSectors, c.prev.raidDisks)
}

// ReshapeRequest copies one chunk across geometries and returns the sectors
// moved. The driver loops until the cursor covers ReshapeSectors, then
// calls FinishReshape.
func (a *Array) ReshapeRequest() (int64, core.Error) {
	return a.conf.reshapeRequest(a.conf.reshapePos())
}

func (c *Conf) reshapeRequest(sectorNr int64) (int64, core.Error) {
	if c.isStopped() {
		return 0, core.ErrStopped
	}
	c.mu.RLock()
	g := c.geo
	prev := c.prev
	backwards := c.reshapeBackwards
	offsetDiff := c.offsetDiff
	c.mu.RUnlock()

	total := prev.raidSize(c.devSectors, prev.raidDisks)
	progress := c.reshapePos()
	if progress == core.MaxSector {
		return 0, core.NoError
	}
	if !backwards && progress >= total || backwards && progress <= 0 {
		return 0, core.NoError
	}

	nsectors := g.chunkSectors()
	base := progress
	if backwards {
		if base < nsectors {
			nsectors = base
		}
		base -= nsectors
	} else if base+nsectors > total {
		nsectors = total - base
	}

	// Decide whether the checkpoint must be flushed before this chunk:
	// the new geometry must never write device sectors the old geometry
	// could still need to read after a crash-restart from the last
	// durable checkpoint.
	var needFlush bool
	if backwards {
		next := g.firstDevAddress(base)
		safe := prev.lastDevAddress(c.reshapeSafeLoad())
		needFlush = next < safe-offsetDiff
	} else {
		next := g.lastDevAddress(base + nsectors)
		safe := prev.firstDevAddress(c.reshapeSafeLoad())
		needFlush = next > safe+offsetDiff
	}
	if needFlush {
		c.waitSyncIdle()
		if err := c.meta.SaveReshape(progress); err != core.NoError {
			return 0, err
		}
		c.mu.Lock()
		c.reshapeSafe = progress
		c.mu.Unlock()
	}

	c.bar.raise(false)

	r := c.syncPool.get(c.copies)
	r.conf = c
	r.sector = base
	r.sectors = nsectors
	r.set(stateIsReshape | statePrevious)

	c.mu.RLock()
	rdev, maxs := c.readBalance(r)
	c.mu.RUnlock()
	if rdev == nil || maxs < nsectors {
		// Nothing can supply this chunk in full; reshape cannot
		// continue safely.
		if rdev != nil {
			rdev.DecPending()
		}
		c.syncPool.put(r)
		c.bar.lower()
		log.Errorf("raid10: reshape cannot read chunk at sector %d, interrupting", base)
		return 0, core.ErrUnrecoverable
	}

	src := r.readSlot
	d := &devBio{
		op:        OpRead,
		rdev:      rdev,
		devSector: r.devs[src].addr + rdev.DataOffset,
		data:      r.devs[src].syncData(nsectors),
		r10:       r,
		slot:      src,
		done:      c.endReshapeRead,
	}
	r.devs[src].bio = d

	atomic.AddInt64(&c.nrSyncPending, 1)
	r.hold()
	c.runDevBio(d)

	// Advance the cursor at submission; durability comes from the
	// checkpoint flushes above.
	if backwards {
		atomic.StoreInt64(&c.reshapeProgress, base)
	} else {
		atomic.StoreInt64(&c.reshapeProgress, base+nsectors)
	}
	c.bar.mu.Lock()
	c.bar.cond.Broadcast()
	c.bar.mu.Unlock()
	return nsectors, core.NoError
}

func (c *Conf) reshapeSafeLoad() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reshapeSafe
}

// endReshapeRead parks the fetched chunk for the housekeeping goroutine.
func (c *Conf) endReshapeRead(d *devBio, result core.Error) {
	r := d.r10
	r.devs[d.slot].result = result
	d.rdev.DecPending()
	if r.putDone() {
		c.pushRetry(r)
	}
}

// reshapeRequestWrite writes one fetched chunk to all of its new-geometry
// locations.
func (c *Conf) reshapeRequestWrite(r *r10bio) {
	src := r.readSlot
	if r.devs[src].result != core.NoError {
		if !c.fixReshapeReadError(r) {
			log.Errorf("raid10: reshape read of sector %d failed on every copy", r.sector)
			atomic.StoreUint32(&c.broken, 1)
			c.syncRoundDone(r)
			return
		}
	}
	data := r.devs[src].data

	c.mu.RLock()
	g := c.geo
	locs := g.findPhys(r.sector, make([]copyLoc, 0, g.copies()))
	var writes []*devBio
	for _, l := range locs {
		rdev, rrdev := c.rdevAt(l.devnum)
		for _, rd := range []*RDev{rdev, rrdev} {
			if rd == nil || rd.Test(FlagFaulty) {
				continue
			}
			rd.IncPending()
			writes = append(writes, &devBio{
				op:        OpWrite,
				rdev:      rd,
				devSector: l.addr + rd.NewDataOffset,
				data:      data,
				r10:       r,
				done:      c.endReshapeWrite,
			})
		}
	}
	c.mu.RUnlock()

	if len(writes) == 0 {
		c.syncRoundDone(r)
		return
	}
	for range writes {
		r.hold()
	}
	for _, d := range writes {
		c.runDevBio(d)
	}
}

// endReshapeWrite fails devices that cannot take their new-geometry copy.
func (c *Conf) endReshapeWrite(d *devBio, result core.Error) {
	r := d.r10
	if result != core.NoError {
		c.errorHandler(d.rdev)
	}
	d.rdev.DecPending()
	if r.putDone() {
		c.syncRoundDone(r)
	}
}

// fixReshapeReadError retries a failed reshape source read one page at a
// time across every old-geometry copy. Returns false when some page is
// unreadable everywhere.
func (c *Conf) fixReshapeReadError(r *r10bio) bool {
	src := r.readSlot
	data := r.devs[src].data

	for sect := int64(0); sect < r.sectors; {
		s := r.sectors - sect
		if s > core.PageSectors {
			s = core.PageSectors
		}
		page := data[sect*core.SectorSize : (sect+s)*core.SectorSize]

		ok := false
		for sl := 0; sl < c.copies && !ok; sl++ {
			rd := c.slotDev(r, sl)
			if rd == nil || rd.Test(FlagFaulty) || !rd.Test(FlagInSync) {
				continue
			}
			rd.IncPending()
			ok = rd.Dev.ReadSectors(context.Background(), r.devs[sl].addr+sect+rd.DataOffset, page) == core.NoError
			rd.DecPending()
		}
		if !ok {
			return false
		}
		sect += s
	}
	return true
}

// FinishReshape commits the new geometry: the old layout is forgotten, data
// offsets move to their new bases, and the checkpoint is cleared.
func (a *Array) FinishReshape() core.Error {
	c := a.conf
	c.waitSyncIdle()

	c.bar.raise(false)
	defer c.bar.lower()

	c.mu.Lock()
	if c.reshapePos() == core.MaxSector {
		c.mu.Unlock()
		return core.NoError
	}
	for i := range c.mirrors {
		if r := c.mirrors[i].rdev; r != nil {
			r.DataOffset = r.NewDataOffset
		}
	}
	c.prev = c.geo
	c.offsetDiff = 0
	atomic.StoreInt64(&c.reshapeProgress, core.MaxSector)
	c.reshapeSafe = core.MaxSector
	newSize := c.geo.raidSize(c.devSectors, c.geo.raidDisks)
	gstr := c.geo.String()
	c.mu.Unlock()

	if err := c.meta.SaveReshape(core.MaxSector); err != core.NoError {
		return err
	}
	if err := c.bitmap.Resize(newSize); err != core.NoError {
		return err
	}
	c.cluster.ResizeBitmaps(newSize)

	c.bar.mu.Lock()
	c.bar.cond.Broadcast()
	c.bar.mu.Unlock()
	log.Infof("raid10: reshape finished, array is now %s", gstr)
	return core.NoError
}

// UpdateReshapePos adopts a peer node's reshape cursor (cluster arrays keep
// the cursor in shared metadata).
func (a *Array) UpdateReshapePos(pos int64) {
	c := a.conf
	c.mu.Lock()
	atomic.StoreInt64(&c.reshapeProgress, pos)
	c.reshapeSafe = pos
	c.mu.Unlock()
	c.bar.mu.Lock()
	c.bar.cond.Broadcast()
	c.bar.mu.Unlock()
}
