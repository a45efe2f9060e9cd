// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// MakeRequest submits one logical I/O to the array. The request may be split
// internally; b.Done runs exactly once after every fragment completes. The
// returned error reports synchronous failures (validation, nowait refusals);
// I/O errors are reported through b.Done.
func (a *Array) MakeRequest(ctx context.Context, b *Bio) core.Error {
	c := a.conf
	op := opm.Start(b.Op.String())
	defer op.End()

	if c.isStopped() {
		op.Failed()
		return core.ErrStopped
	}
	if b.Sector < 0 || b.Sector+b.Sectors() > c.capacity() {
		op.Failed()
		return core.ErrInvalidArgument
	}

	b.hold()
	err := c.makeRequest(ctx, b)
	if err != core.NoError {
		b.fail(err)
		op.Failed()
	}
	b.put()
	return err
}

func (c *Conf) isStopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Conf) capacity() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacityLocked()
}

// capacityLocked is the advertised logical size. While a reshape is moving
// data the pre-reshape geometry still bounds what callers may address;
// sectors past it exist only once FinishReshape commits. Hold c.mu (read).
func (c *Conf) capacityLocked() int64 {
	g := &c.geo
	if c.reshapePos() != core.MaxSector {
		g = &c.prev
	}
	return g.raidSize(c.devSectors, g.raidDisks)
}

func (c *Conf) makeRequest(ctx context.Context, b *Bio) core.Error {
	if b.Op == OpFlush {
		return c.flushAll(ctx)
	}
	if b.Preflush {
		if err := c.flushAll(ctx); err != core.NoError {
			return err
		}
	}
	if b.Op == OpWrite || b.Op == OpDiscard {
		c.meta.WriteBegin()
		defer c.meta.WriteEnd()
	}
	if b.Op == OpDiscard {
		return c.discardRequest(ctx, b)
	}

	// Requests crossing a chunk boundary are clipped to it unless the
	// layout is pure replication, where every device holds every chunk.
	c.mu.RLock()
	needSplit := c.geo.nearCopies < c.geo.raidDisks || c.prev.nearCopies < c.prev.raidDisks
	chunkSectors := c.geo.chunkSectors()
	if c.prev.chunkSectors() < chunkSectors {
		chunkSectors = c.prev.chunkSectors()
	}
	c.mu.RUnlock()

	total := b.Sectors()
	for done := int64(0); done < total; {
		sector := b.Sector + done
		n := total - done
		if needSplit {
			if rem := chunkSectors - sector&(chunkSectors-1); n > rem {
				n = rem
			}
		}
		data := b.Data[done*core.SectorSize : (done+n)*core.SectorSize]

		var processed int64
		var err core.Error
		if b.Op == OpRead {
			processed, err = c.readRequest(ctx, b, sector, data)
		} else {
			processed, err = c.writeRequest(ctx, b, sector, data, n)
		}
		if err != core.NoError {
			return err
		}
		done += processed
	}
	return core.NoError
}

// flushAll forwards a flush to every live device before returning.
func (c *Conf) flushAll(ctx context.Context) core.Error {
	c.mu.RLock()
	var devs []*RDev
	for i := range c.mirrors {
		for _, r := range []*RDev{c.mirrors[i].rdev, c.mirrors[i].replacement} {
			if r != nil && !r.Test(FlagFaulty) {
				r.IncPending()
				devs = append(devs, r)
			}
		}
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]core.Error, len(devs))
	for i, r := range devs {
		wg.Add(1)
		go func(i int, r *RDev) {
			defer wg.Done()
			errs[i] = r.Dev.Flush(ctx)
			r.DecPending()
		}(i, r)
	}
	wg.Wait()
	for _, e := range errs {
		if e != core.NoError {
			return core.ErrIO
		}
	}
	return core.NoError
}

// regularRequestWait acquires the barrier and stalls the request while its
// range straddles the in-flight reshape edge. On NoError the caller holds a
// barrier reference.
func (c *Conf) regularRequestWait(ctx context.Context, sector, sectors int64, nowait bool) core.Error {
	if err := c.bar.wait(ctx, nowait); err != core.NoError {
		return err
	}
	for {
		pos := c.reshapePos()
		if pos == core.MaxSector || sector >= pos || sector+sectors <= pos {
			return core.NoError
		}
		if nowait {
			c.bar.allow()
			return core.ErrWouldBlock
		}
		// Let reshape make progress past us, then come back in.
		c.bar.allow()
		c.waitReshapeMove(pos)
		if err := c.bar.wait(ctx, nowait); err != core.NoError {
			return err
		}
	}
}

// waitReshapeMove blocks until the reshape cursor has moved off 'pos'.
func (c *Conf) waitReshapeMove(pos int64) {
	c.bar.mu.Lock()
	for c.reshapePos() == pos {
		c.bar.cond.Wait()
	}
	c.bar.mu.Unlock()
}

//
// Read path.
//

func (c *Conf) readRequest(ctx context.Context, b *Bio, sector int64, data []byte) (int64, core.Error) {
	sectors := int64(len(data) >> core.SectorShift)

	if err := c.regularRequestWait(ctx, sector, sectors, b.Nowait); err != core.NoError {
		return 0, err
	}

	var r *r10bio
	if b.Nowait {
		if r = c.reqPool.tryGet(c.copies); r == nil {
			c.bar.allow()
			return 0, core.ErrWouldBlock
		}
	} else {
		r = c.reqPool.get(c.copies)
	}
	r.conf = c
	r.master = b
	r.sector = sector
	r.sectors = sectors

	c.mu.RLock()
	rdev, maxSectors := c.readBalance(r)
	c.mu.RUnlock()
	if rdev == nil {
		log.Errorf("raid10: unable to read at sector %d, no viable copy", sector)
		b.hold()
		b.fail(core.ErrNoMedia)
		c.endRequest(r)
		return sectors, core.NoError // reported via Done
	}
	if maxSectors < sectors {
		// Clipped around a bad block; the caller resubmits the tail.
		r.sectors = maxSectors
		data = data[:maxSectors*core.SectorSize]
	}

	b.hold()
	r.hold()
	c.submitReadSlot(r, data)
	return r.sectors, core.NoError
}

// submitReadSlot issues the read for r.readSlot. The chosen device's
// pending count is already held.
func (c *Conf) submitReadSlot(r *r10bio, data []byte) {
	slot := r.readSlot
	c.mu.RLock()
	rdev := c.slotRdev(r, slot)
	off := c.dataOffset(r, rdev)
	c.mu.RUnlock()

	d := &devBio{
		op:        OpRead,
		rdev:      rdev,
		devSector: r.devs[slot].addr + off,
		data:      data,
		failFast:  r.test(stateFailFast) && rdev.Test(FlagFailFast),
		r10:       r,
		slot:      slot,
		done:      c.endRead,
	}
	r.devs[slot].bio = d
	c.runDevBio(d)
}

// endRead is the read completion handler. Runs in a completion context.
func (c *Conf) endRead(d *devBio, result core.Error) {
	r := d.r10
	if result == core.NoError {
		r.set(stateUptodate)
		d.rdev.DecPending()
		if r.putDone() {
			c.endRequest(r)
		}
		return
	}

	// If no other device could have served this block, pretend success:
	// failing here would mask a total-loss state the caller can't
	// distinguish from a transient error.
	c.mu.RLock()
	g := &c.geo
	if r.test(statePrevious) {
		g = &c.prev
	}
	lastCopy := !c.enough(g, d.rdev.Num)
	c.mu.RUnlock()
	if lastCopy {
		r.set(stateUptodate)
		d.rdev.DecPending()
		if r.putDone() {
			c.endRequest(r)
		}
		return
	}

	// Keep the rdev pending reference; the repair path needs the device.
	log.V(1).Infof("raid10: read error on dev %d sector %d, scheduling retry", d.rdev.Num, d.devSector)
	r.set(stateReadError)
	if r.putDone() {
		c.pushRetry(r)
	}
}

// endRequest completes a foreground request back to the caller and releases
// its barrier reference and pool slot.
func (c *Conf) endRequest(r *r10bio) {
	if r.master != nil {
		if !r.test(stateUptodate) {
			r.master.fail(core.ErrIO)
		}
		r.master.put()
	}
	c.bar.allow()
	c.reqPool.put(r)
}

//
// Write path.
//

// writeRequest fans one fragment out to every live copy. data is nil for
// data-less ops (discard edge fragments), in which case sectors carries the
// length.
func (c *Conf) writeRequest(ctx context.Context, b *Bio, sector int64, data []byte, sectors int64) (int64, core.Error) {
	// A peer node resyncing this range excludes our writes.
	for c.cluster.AreaResyncing(true, sector, sector+sectors) {
		if b.Nowait {
			return 0, core.ErrWouldBlock
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.regularRequestWait(ctx, sector, sectors, b.Nowait); err != core.NoError {
		return 0, err
	}

	// If this write lands beyond what the persisted reshape checkpoint
	// covers, the checkpoint must be flushed first or a crash could
	// replay the copy over new data.
	if pos := c.reshapePos(); pos != core.MaxSector {
		c.mu.Lock()
		crosses := false
		if c.reshapeBackwards {
			crosses = sector < c.reshapeSafe && sector+sectors > pos
		} else {
			crosses = sector+sectors > c.reshapeSafe && sector < pos
		}
		if crosses {
			if err := c.meta.SaveReshape(pos); err != core.NoError {
				c.mu.Unlock()
				c.bar.allow()
				return 0, err
			}
			c.reshapeSafe = pos
		}
		c.mu.Unlock()
	}

	var r *r10bio
	if b.Nowait {
		if r = c.reqPool.tryGet(c.copies); r == nil {
			c.bar.allow()
			return 0, core.ErrWouldBlock
		}
	} else {
		r = c.reqPool.get(c.copies)
	}
	r.conf = c
	r.master = b
	r.sector = sector
	r.sectors = sectors

	if err := c.waitBlockedDev(ctx, r, b.Nowait); err != core.NoError {
		c.bar.allow()
		c.reqPool.put(r)
		return 0, err
	}

	// Select targets and narrow around known bad blocks.
	type target struct {
		slot int
		rdev *RDev
		repl bool
	}
	var targets []target
	maxSectors := sectors

	c.mu.RLock()
	c.findPhysFor(r)
	for i := 0; i < c.copies; i++ {
		d := r.devs[i].devnum
		rdev, rrdev := c.rdevAt(d)
		if rdev != nil && rdev.Test(FlagFaulty) {
			rdev = nil
		}
		if rrdev != nil && rrdev.Test(FlagFaulty) {
			rrdev = nil
		}
		if rdev == nil && rrdev == nil {
			continue
		}
		if rdev != nil && rdev.Test(FlagWriteErrorSeen) {
			devSector := r.devs[i].addr
			state, firstBad, badLen := rdev.BB.Check(devSector, maxSectors)
			if state != BadBlocksNone {
				if b.Atomic {
					// Narrowing is not atomic.
					c.mu.RUnlock()
					c.bar.allow()
					c.reqPool.put(r)
					return 0, core.ErrAtomicity
				}
				if firstBad <= devSector {
					// Cannot write this copy until past the bad
					// range; drop it for that long.
					if rem := firstBad + badLen - devSector; rem < maxSectors {
						maxSectors = rem
					}
					rdev = nil
				} else if good := firstBad - devSector; good < maxSectors {
					maxSectors = good
				}
			}
		}
		if rdev != nil {
			rdev.IncPending()
			targets = append(targets, target{slot: i, rdev: rdev})
		}
		if rrdev != nil {
			rrdev.IncPending()
			targets = append(targets, target{slot: i, rdev: rrdev, repl: true})
		}
	}
	c.mu.RUnlock()

	if len(targets) == 0 {
		log.Errorf("raid10: write at sector %d has no live target", sector)
		b.hold()
		b.fail(core.ErrNoMedia)
		c.endRequest(r)
		return sectors, core.NoError
	}

	if maxSectors < sectors {
		r.sectors = maxSectors
		if data != nil {
			data = data[:maxSectors*core.SectorSize]
		}
	}
	c.bitmap.StartWrite(r.sector, r.sectors)

	b.hold()
	r.hold() // the extra hold released by oneWriteDone below

	c.mu.RLock()
	for _, t := range targets {
		off := c.dataOffset(r, t.rdev)
		d := &devBio{
			op:        b.Op,
			rdev:      t.rdev,
			devSector: r.devs[t.slot].addr + off,
			data:      data,
			nsectors:  maxSectors,
			failFast:  t.rdev.Test(FlagFailFast) && c.enough(&c.geo, t.rdev.Num),
			r10:       r,
			slot:      t.slot,
			repl:      t.repl,
			done:      c.endWrite,
		}
		if t.repl {
			r.devs[t.slot].replBio = d
		} else {
			r.devs[t.slot].bio = d
		}
		r.hold()
		c.submitWrite(ctx, d)
	}
	c.mu.RUnlock()

	c.oneWriteDone(r)
	return maxSectors, core.NoError
}

// waitBlockedDev stalls the write while any target device is Blocked
// (typically on unacknowledged bad block metadata). A device blocked past
// the configured deadline is failed. The caller holds a barrier reference,
// which is dropped and retaken around the wait.
func (c *Conf) waitBlockedDev(ctx context.Context, r *r10bio, nowait bool) core.Error {
	for {
		var blocked *RDev
		c.mu.RLock()
		c.findPhysFor(r)
		for i := 0; i < c.copies && blocked == nil; i++ {
			d := r.devs[i].devnum
			rdev, rrdev := c.rdevAt(d)
			for _, cand := range []*RDev{rdev, rrdev} {
				if cand == nil || cand.Test(FlagFaulty) {
					continue
				}
				if cand.Test(FlagWriteErrorSeen) && cand.BB.Unacked() {
					if state, _, _ := cand.BB.Check(r.devs[i].addr, r.sectors); state == BadBlocksUnacked {
						cand.Set(FlagBlockedBadBlocks | FlagBlocked)
						c.needMetaUpdate()
					}
				}
				if cand.Test(FlagBlocked) {
					blocked = cand
					break
				}
			}
		}
		c.mu.RUnlock()
		if blocked == nil {
			return core.NoError
		}
		if nowait {
			return core.ErrWouldBlock
		}

		log.V(1).Infof("raid10: write waiting on blocked dev %d", blocked.Num)
		c.bar.allow()
		if !c.waitUnblocked(blocked) {
			// Deadline passed; the device is more trouble than it is
			// worth.
			log.Errorf("raid10: dev %d blocked past deadline, failing it", blocked.Num)
			c.errorHandler(blocked)
		}
		if err := c.bar.wait(ctx, false); err != core.NoError {
			return err
		}
	}
}

// waitUnblocked waits for the Blocked flag to clear, bounded by the
// configured deadline. Returns false on timeout.
func (c *Conf) waitUnblocked(rdev *RDev) bool {
	deadline := time.Now().Add(c.cfg.BlockedTimeout)
	done := make(chan struct{})
	go func() {
		c.bar.mu.Lock()
		for rdev.Test(FlagBlocked) && time.Now().Before(deadline) {
			c.bar.cond.Wait()
		}
		c.bar.mu.Unlock()
		close(done)
	}()
	timer := time.NewTimer(c.cfg.BlockedTimeout)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return !rdev.Test(FlagBlocked)
		case <-timer.C:
			// Kick the waiter loose so it re-checks the deadline.
			c.bar.cond.Broadcast()
		}
	}
}

// oneWriteDone drops one write reference; the last one routes the request
// to completion or to the housekeeping queues.
func (c *Conf) oneWriteDone(r *r10bio) {
	if !r.putDone() {
		return
	}
	if r.test(stateWriteError) {
		c.pushRetry(r)
		return
	}
	c.bitmap.EndWrite(r.sector, r.sectors)
	if r.test(stateMadeGood) {
		c.pushRetry(r)
		return
	}
	r.set(stateUptodate)
	c.endRequest(r)
}

// endWrite is the per-copy write completion handler. Runs in a completion
// context: flags, counters and queueing only.
func (c *Conf) endWrite(d *devBio, result core.Error) {
	r := d.r10
	discard := r.master != nil && r.master.Op == OpDiscard

	decPending := true
	if result != core.NoError && !discard {
		if d.repl {
			// A failing replacement is simply failed; it holds no
			// data anyone depends on yet.
			c.errorHandler(d.rdev)
		} else {
			if d.failFast {
				c.errorHandler(d.rdev)
			}
			if !d.rdev.Test(FlagFaulty) {
				d.rdev.Set(FlagWriteErrorSeen)
				if d.rdev.Set(FlagWantReplacement) {
					c.needMetaUpdate()
				}
				d.result = result
				r.set(stateWriteError)
				decPending = false // narrow_write_error still needs the device
			}
		}
	} else {
		if d.rdev.Test(FlagInSync) && !d.rdev.Test(FlagFaulty) {
			r.set(stateUptodate)
		}
		// A clean overwrite of a known-bad range means the range can be
		// cleared once the daemon gets to it.
		if !discard {
			if state, _, _ := d.rdev.BB.Check(r.devs[d.slot].addr, d.sectors()); state != BadBlocksNone {
				d.madeGood = true
				r.set(stateMadeGood)
				decPending = false
			}
		}
	}
	if decPending {
		d.rdev.DecPending()
		c.clearDevBio(r, d)
	}
	c.oneWriteDone(r)
}

// clearDevBio detaches a finished per-copy record so the daemon's completed
// pass skips it.
func (c *Conf) clearDevBio(r *r10bio, d *devBio) {
	if d.repl {
		if r.devs[d.slot].replBio == d {
			r.devs[d.slot].replBio = nil
		}
	} else {
		if r.devs[d.slot].bio == d {
			r.devs[d.slot].bio = nil
		}
	}
}
