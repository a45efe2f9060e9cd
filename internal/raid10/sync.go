// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"bytes"
	"context"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// syncBlockSectors is the unit of one sync round (64KiB).
const syncBlockSectors = 128

// SyncMode selects what a background scan does.
type SyncMode int

const (
	// SyncResync compares all copies and rewrites mismatches.
	SyncResync SyncMode = iota
	// SyncCheck compares and counts mismatches without writing.
	SyncCheck
	// SyncRepair is a resync that ignores the bitmap and scans in full.
	SyncRepair
	// SyncRecover rebuilds not-yet-in-sync devices from good copies.
	SyncRecover
)

func (m SyncMode) String() string {
	switch m {
	case SyncResync:
		return "resync"
	case SyncCheck:
		return "check"
	case SyncRepair:
		return "repair"
	case SyncRecover:
		return "recover"
	}
	return "unknown"
}

// SyncRequest runs one background scan round starting at sectorNr (virtual
// for resync modes, per-device for recover) and returns how far the cursor
// may advance. skipped means the round did no I/O. The driver calls this in
// a loop until the cursor passes the end, then once more to finalize.
func (a *Array) SyncRequest(sectorNr int64, mode SyncMode) (advanced int64, skipped bool, err core.Error) {
	c := a.conf
	if c.isStopped() {
		return 0, true, core.ErrStopped
	}
	if c.reshapePos() != core.MaxSector && mode != SyncRecover {
		n, rerr := c.reshapeRequest(sectorNr)
		return n, false, rerr
	}

	c.mu.RLock()
	g := c.geo
	devSectors := c.devSectors
	c.mu.RUnlock()

	maxSector := g.raidSize(devSectors, g.raidDisks)
	if mode == SyncRecover {
		maxSector = devSectors
	}

	if sectorNr >= maxSector {
		c.finishSyncPass(mode)
		return 0, true, core.NoError
	}

	// Whole-array early-out: nothing tracks dirt, nothing is degraded,
	// nothing was requested.
	if mode == SyncResync && !c.hasBitmap &&
		atomic.LoadUint32(&c.fullsync) == 0 && atomic.LoadInt32(&c.degraded) == 0 {
		return maxSector - sectorNr, true, core.NoError
	}

	if mode == SyncRecover {
		return c.recoverRound(&g, sectorNr, devSectors)
	}
	return c.resyncRound(&g, sectorNr, maxSector, mode)
}

// finishSyncPass closes out a completed scan.
func (c *Conf) finishSyncPass(mode SyncMode) {
	c.waitSyncIdle()
	c.bitmap.CloseSync()
	c.cluster.ResyncInfoUpdate(0, 0)
	atomic.StoreUint32(&c.fullsync, 0)

	if mode != SyncRecover {
		// A clean full pass proves any replacement current for the
		// whole device.
		c.mu.Lock()
		for i := range c.mirrors {
			if r := c.mirrors[i].replacement; r != nil && !r.Test(FlagFaulty) {
				r.SetRecoveryOffset(core.MaxSector)
			}
		}
		c.mu.Unlock()
	} else {
		// A completed recover pass proves its targets current, except
		// mirrors recovery gave up on this generation.
		gen := atomic.LoadUint64(&c.recoveryDisabled)
		c.mu.Lock()
		for i := range c.mirrors {
			m := &c.mirrors[i]
			if m.recoveryDisabled == gen {
				continue
			}
			if r := m.rdev; r != nil && !r.Test(FlagFaulty) && !r.Test(FlagInSync) {
				r.SetRecoveryOffset(core.MaxSector)
			}
			if r := m.replacement; r != nil && !r.Test(FlagFaulty) {
				r.SetRecoveryOffset(core.MaxSector)
			}
		}
		c.mu.Unlock()
	}
	log.Infof("raid10: %s pass finished", mode)
}

// waitSyncIdle blocks until every outstanding sync round has completed.
func (c *Conf) waitSyncIdle() {
	c.bar.mu.Lock()
	for atomic.LoadInt64(&c.nrSyncPending) > 0 {
		c.bar.cond.Wait()
	}
	c.bar.mu.Unlock()
}

// advanceClusterWindow broadcasts the active sync window to peers when it
// moves.
func (c *Conf) advanceClusterWindow(lo, hi int64) {
	if lo == atomic.LoadInt64(&c.clusterSyncLow) && hi == atomic.LoadInt64(&c.clusterSyncHigh) {
		return
	}
	atomic.StoreInt64(&c.clusterSyncLow, lo)
	atomic.StoreInt64(&c.clusterSyncHigh, hi)
	c.cluster.ResyncInfoUpdate(lo, hi)
}

// resyncRound reads every copy of one block range and parks the request for
// the housekeeping comparison pass.
func (c *Conf) resyncRound(g *geom, sectorNr, maxSector int64, mode SyncMode) (int64, bool, core.Error) {
	nsectors := int64(syncBlockSectors)
	if rem := g.chunkSectors() - sectorNr&g.chunkMask; nsectors > rem {
		nsectors = rem
	}
	if sectorNr+nsectors > maxSector {
		nsectors = maxSector - sectorNr
	}

	// Regions behind the cursor whose rounds raced in-flight writes can
	// retire now that those writers are gone.
	c.bitmap.CondEndSync(sectorNr, sectorNr+nsectors >= maxSector)

	needed, blocks := c.bitmap.StartSync(sectorNr, atomic.LoadInt32(&c.degraded) > 0)
	if !needed && mode != SyncRepair && atomic.LoadUint32(&c.fullsync) == 0 {
		// Clean region; skip it, bounded to this chunk so the next
		// round re-consults the bitmap on a fresh boundary.
		skip := blocks
		if skip <= 0 || skip > nsectors {
			skip = nsectors
		}
		return skip, true, core.NoError
	}

	c.advanceClusterWindow(sectorNr, sectorNr+nsectors)
	c.bar.raise(false)

	r := c.syncPool.get(c.copies)
	r.conf = c
	r.sector = sectorNr
	r.sectors = nsectors
	r.set(stateIsSync)
	if mode == SyncCheck {
		r.set(stateCheckOnly)
	}

	locs := g.findPhys(sectorNr, make([]copyLoc, 0, c.copies))
	var reads []*devBio
	c.mu.RLock()
	for i, l := range locs {
		r.devs[i].devnum = l.devnum
		r.devs[i].addr = l.addr
		r.devs[i].result = core.ErrNoMedia
		rdev, _ := c.rdevAt(l.devnum)
		if rdev == nil || rdev.Test(FlagFaulty) || !rdev.Test(FlagInSync) {
			continue
		}
		if st, _, _ := rdev.BB.Check(l.addr, nsectors); st != BadBlocksNone {
			continue
		}
		rdev.IncPending()
		reads = append(reads, &devBio{
			op:        OpRead,
			rdev:      rdev,
			devSector: l.addr + rdev.DataOffset,
			data:      r.devs[i].syncData(nsectors),
			r10:       r,
			slot:      i,
			done:      c.endSyncRead,
		})
		r.devs[i].bio = reads[len(reads)-1]
	}
	c.mu.RUnlock()

	if len(reads) < 2 {
		// Not enough copies to compare; nothing to fix here.
		for _, d := range reads {
			d.rdev.DecPending()
			r.devs[d.slot].bio = nil
		}
		c.bar.lower()
		c.syncPool.put(r)
		c.bitmap.EndSync(sectorNr)
		return nsectors, true, core.NoError
	}

	atomic.AddInt64(&c.nrSyncPending, 1)
	for range reads {
		r.hold()
	}
	for _, d := range reads {
		c.runDevBio(d)
	}
	return nsectors, false, core.NoError
}

// endSyncRead records one copy's read result; the last one parks the
// request for the comparison pass.
func (c *Conf) endSyncRead(d *devBio, result core.Error) {
	r := d.r10
	r.devs[d.slot].result = result
	d.rdev.DecPending()
	if result != core.NoError {
		log.V(1).Infof("raid10: sync read failed on dev %d sector %d", d.rdev.Num, d.devSector)
	}
	if r.putDone() {
		c.pushRetry(r)
	}
}

// syncRequestWrite is the housekeeping half of a resync round: pick the
// first good copy as reference, compare the rest, rewrite what differs.
func (c *Conf) syncRequestWrite(r *r10bio) {
	checkOnly := r.test(stateCheckOnly)

	ref := -1
	for i := 0; i < c.copies; i++ {
		if r.devs[i].bio != nil && r.devs[i].result == core.NoError {
			ref = i
			break
		}
	}
	if ref < 0 {
		// No copy is readable; the range is already lost and resync has
		// nothing to offer.
		log.Errorf("raid10: resync found no readable copy at sector %d", r.sector)
		c.syncRoundDone(r)
		return
	}
	refData := r.devs[ref].data

	var writes []*devBio
	c.mu.RLock()
	for i := 0; i < c.copies; i++ {
		if i == ref || r.devs[i].bio == nil {
			continue
		}
		rewrite := r.devs[i].result != core.NoError
		if !rewrite {
			if bytes.Equal(refData, r.devs[i].data) {
				continue
			}
			atomic.AddInt64(&c.mismatches, r.sectors)
			if checkOnly {
				continue
			}
			rewrite = true
		}
		if checkOnly {
			continue
		}
		rdev, _ := c.rdevAt(r.devs[i].devnum)
		if rdev == nil || rdev.Test(FlagFaulty) {
			continue
		}
		rdev.IncPending()
		writes = append(writes, &devBio{
			op:        OpWrite,
			rdev:      rdev,
			devSector: r.devs[i].addr + rdev.DataOffset,
			data:      refData,
			r10:       r,
			slot:      i,
			done:      c.endSyncWrite,
		})
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

// endSyncWrite finishes one repair write of a sync round.
func (c *Conf) endSyncWrite(d *devBio, result core.Error) {
	r := d.r10
	if result != core.NoError {
		d.rdev.Set(FlagWriteErrorSeen)
		if !d.rdev.BB.Record(r.devs[d.slot].addr, r.sectors) {
			c.errorHandler(d.rdev)
		}
		c.needMetaUpdate()
	}
	d.rdev.DecPending()
	if r.putDone() {
		c.syncRoundDone(r)
	}
}

// syncRoundDone credits a finished sync round and releases its barrier.
func (c *Conf) syncRoundDone(r *r10bio) {
	c.bitmap.EndSync(r.sector)
	c.syncPool.put(r)
	c.bar.lower()
	atomic.AddInt64(&c.nrSyncPending, -1)
	c.bar.mu.Lock()
	c.bar.cond.Broadcast()
	c.bar.mu.Unlock()
}

// recoverRound rebuilds one block range of every device that needs it from
// a surviving copy. sectorNr is a device address.
func (c *Conf) recoverRound(g *geom, sectorNr, devSectors int64) (int64, bool, core.Error) {
	nsectors := int64(syncBlockSectors)
	if sectorNr+nsectors > devSectors {
		nsectors = devSectors - sectorNr
	}

	gen := atomic.LoadUint64(&c.recoveryDisabled)
	started := false

	for i := 0; i < g.raidDisks; i++ {
		c.mu.RLock()
		m := &c.mirrors[i]
		target := m.rdev
		needRecover := target != nil && !target.Test(FlagFaulty) &&
			!target.FullySynced() && target.RecoveryOffset() <= sectorNr
		repl := m.replacement
		needReplace := repl != nil && !repl.Test(FlagFaulty) && repl.RecoveryOffset() <= sectorNr
		disabled := m.recoveryDisabled == gen
		c.mu.RUnlock()

		if disabled || (!needRecover && !needReplace) {
			continue
		}

		virt := g.findVirt(sectorNr, i)
		if needed, _ := c.bitmap.StartSync(virt, true); !needed && atomic.LoadUint32(&c.fullsync) == 0 {
			c.bitmap.EndSync(virt)
			continue
		}

		c.advanceClusterWindow(virt, virt+nsectors)
		c.bar.raise(started)

		r := c.syncPool.get(c.copies)
		r.conf = c
		r.sector = virt
		r.sectors = nsectors
		r.set(stateIsRecover)

		locs := g.findPhys(virt, make([]copyLoc, 0, c.copies))
		src := -1
		tgt := -1
		var srcDev *RDev
		c.mu.RLock()
		for j, l := range locs {
			r.devs[j].devnum = l.devnum
			r.devs[j].addr = l.addr
			if l.devnum == i {
				tgt = j
				continue
			}
			if src >= 0 {
				continue
			}
			rdev, _ := c.rdevAt(l.devnum)
			if rdev == nil || rdev.Test(FlagFaulty) || !rdev.Test(FlagInSync) {
				continue
			}
			if st, _, _ := rdev.BB.Check(l.addr, nsectors); st != BadBlocksNone {
				continue
			}
			src = j
			srcDev = rdev
		}
		c.mu.RUnlock()

		r.targetSlot = tgt
		if tgt < 0 || src < 0 {
			// No source can feed this mirror. Record the hole on the
			// target if possible, else give up on recovery for this
			// generation.
			c.recoverAbort(r, i, sectorNr, nsectors, gen)
			continue
		}

		r.readSlot = src
		srcDev.IncPending()
		d := &devBio{
			op:        OpRead,
			rdev:      srcDev,
			devSector: locs[src].addr + srcDev.DataOffset,
			data:      r.devs[src].syncData(nsectors),
			r10:       r,
			slot:      src,
			done:      c.endRecoverRead,
		}
		r.devs[src].bio = d

		atomic.AddInt64(&c.nrSyncPending, 1)
		r.hold()
		c.runDevBio(d)
		started = true
	}

	if !started {
		return nsectors, true, core.NoError
	}
	return nsectors, false, core.NoError
}

// recoverAbort handles a mirror with no usable source: poison the range on
// the target so the hole is known, or disable recovery for this generation
// when even that fails.
func (c *Conf) recoverAbort(r *r10bio, devnum int, sectorNr, nsectors int64, gen uint64) {
	log.Errorf("raid10: insufficient working devices to recover dev %d at sector %d", devnum, sectorNr)
	c.mu.Lock()
	m := &c.mirrors[devnum]
	recorded := true
	if m.rdev != nil && !m.rdev.FullySynced() {
		recorded = m.rdev.BB.Record(sectorNr, nsectors) && recorded
	}
	if m.replacement != nil {
		recorded = m.replacement.BB.Record(sectorNr, nsectors) && recorded
	}
	if !recorded {
		m.recoveryDisabled = gen
	}
	c.mu.Unlock()
	if recorded {
		c.needMetaUpdate()
	}
	c.syncPool.put(r)
	c.bar.lower()
}

// endRecoverRead hands the fetched block to the housekeeping goroutine,
// which writes it to the rebuild target.
func (c *Conf) endRecoverRead(d *devBio, result core.Error) {
	r := d.r10
	r.devs[d.slot].result = result
	d.rdev.DecPending()
	if r.putDone() {
		c.pushRetry(r)
	}
}

// recoveryRequestWrite writes the block read by a recover round to the
// rebuild target (primary being rebuilt, replacement, or both). A failed
// source read drops to page-sized retries that feed the target directly.
func (c *Conf) recoveryRequestWrite(r *r10bio) {
	src := r.readSlot
	if r.devs[src].result != core.NoError {
		c.fixRecoveryReadError(r)
		c.syncRoundDone(r)
		return
	}
	data := r.devs[src].data
	tgt := r.targetSlot

	c.mu.RLock()
	var writes []*devBio
	if tgt >= 0 {
		m := &c.mirrors[r.devs[tgt].devnum]
		for _, rd := range []*RDev{m.rdev, m.replacement} {
			if rd == nil || rd.Test(FlagFaulty) || rd.FullySynced() {
				continue
			}
			if rd == m.rdev && rd.Test(FlagInSync) {
				continue
			}
			rd.IncPending()
			writes = append(writes, &devBio{
				op:        OpWrite,
				rdev:      rd,
				devSector: r.devs[tgt].addr + rd.DataOffset,
				data:      data,
				r10:       r,
				slot:      tgt,
				repl:      rd == m.replacement,
				done:      c.endRecoverWrite,
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

// endRecoverWrite advances the target's recovery mark or poisons the range.
func (c *Conf) endRecoverWrite(d *devBio, result core.Error) {
	r := d.r10
	if result != core.NoError {
		d.rdev.Set(FlagWriteErrorSeen)
		if !d.rdev.BB.Record(r.devs[d.slot].addr, r.sectors) {
			c.errorHandler(d.rdev)
		}
		c.needMetaUpdate()
	} else {
		end := r.devs[d.slot].addr + r.sectors
		if d.rdev.RecoveryOffset() < end {
			d.rdev.SetRecoveryOffset(end)
		}
	}
	d.rdev.DecPending()
	if r.putDone() {
		c.syncRoundDone(r)
	}
}

// fixRecoveryReadError retries a failed recovery source read one page at a
// time, writing each page it can fetch straight to the rebuild target.
// Pages that cannot be read are recorded bad on both source and target so
// the hole stays visible; if a range cannot be recorded on the target,
// recovery for the mirror is disabled for this generation.
func (c *Conf) fixRecoveryReadError(r *r10bio) {
	src := r.readSlot
	d := r.devs[src].bio
	if d == nil {
		return
	}
	srcDev := d.rdev
	addr := r.devs[src].addr
	data := r.devs[src].data
	tgtDev := c.recoverTarget(r)
	if tgtDev == nil {
		return
	}
	tgtAddr := r.devs[r.targetSlot].addr

	for sect := int64(0); sect < r.sectors; {
		s := r.sectors - sect
		if s > core.PageSectors {
			s = core.PageSectors
		}
		page := data[sect*core.SectorSize : (sect+s)*core.SectorSize]
		if srcDev.Dev.ReadSectors(context.Background(), addr+sect+srcDev.DataOffset, page) == core.NoError {
			if tgtDev.Dev.WriteSectors(context.Background(), tgtAddr+sect+tgtDev.DataOffset, page) != core.NoError {
				tgtDev.Set(FlagWriteErrorSeen)
				if !tgtDev.BB.Record(tgtAddr+sect, s) {
					c.disableRecovery(tgtDev)
				}
				c.needMetaUpdate()
			}
			sect += s
			continue
		}

		// The source cannot produce this page either. Poison both sides
		// so reads keep failing instead of returning stale target bytes.
		if !srcDev.BB.Record(addr+sect, s) {
			c.errorHandler(srcDev)
		}
		if !tgtDev.BB.Record(tgtAddr+sect, s) {
			c.disableRecovery(tgtDev)
		}
		c.needMetaUpdate()
		sect += s
	}

	if end := tgtAddr + r.sectors; tgtDev.RecoveryOffset() < end {
		tgtDev.SetRecoveryOffset(end)
	}
}

// disableRecovery stops further recovery attempts onto rdev for the
// current generation.
func (c *Conf) disableRecovery(rdev *RDev) {
	gen := atomic.LoadUint64(&c.recoveryDisabled)
	c.mu.Lock()
	c.mirrors[rdev.Num].recoveryDisabled = gen
	c.mu.Unlock()
	log.Errorf("raid10: recovery disabled for dev %d", rdev.Num)
}

// recoverTarget resolves the device a recover round is rebuilding.
func (c *Conf) recoverTarget(r *r10bio) *RDev {
	if r.targetSlot < 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := &c.mirrors[r.devs[r.targetSlot].devnum]
	if m.rdev != nil && !m.rdev.Test(FlagInSync) && !m.rdev.Test(FlagFaulty) {
		return m.rdev
	}
	if m.replacement != nil && !m.replacement.Test(FlagFaulty) {
		return m.replacement
	}
	return nil
}
