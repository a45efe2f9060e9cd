// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"context"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// errorHandler decides the fate of a failing device. A device whose loss
// would leave some block with zero copies is refused (the array is flagged
// broken instead) unless FailLastDev policy permits it. Otherwise the device
// is failed out: Faulty is set, In_sync cleared, degraded bumped, and a
// metadata update requested.
func (c *Conf) errorHandler(rdev *RDev) {
	c.mu.Lock()
	if rdev.Test(FlagFaulty) {
		c.mu.Unlock()
		return
	}
	if rdev.Test(FlagInSync) && !c.enough(&c.geo, rdev.Num) {
		atomic.StoreUint32(&c.broken, 1)
		if !c.cfg.FailLastDev {
			log.Errorf("raid10: dev %d holds the last copy of some blocks, refusing to fail it", rdev.Num)
			c.mu.Unlock()
			return
		}
	}
	if rdev.Test(FlagInSync) {
		rdev.Clear(FlagInSync)
		atomic.AddInt32(&c.degraded, 1)
	}
	rdev.Set(FlagBlocked | FlagFaulty)
	atomic.AddUint64(&c.recoveryDisabled, 1)
	c.mu.Unlock()

	c.needMetaUpdate()
	c.bar.cond.Broadcast()
	c.wakeDaemon()
	log.Errorf("raid10: disk failure on dev %d, disabling device; operation continuing on %d devices",
		rdev.Num, c.cfg.Layout.RaidDisks-int(atomic.LoadInt32(&c.degraded)))
}

// flushPendingBios bursts out writes parked on the pending list. Used as the
// freeze flush callback: the housekeeping goroutine is the one freezing, so
// nobody else will drain the list.
func (c *Conf) flushPendingBios() {
	c.queueMu.Lock()
	bios := c.pendingBios
	c.pendingBios = nil
	c.queueMu.Unlock()
	for _, d := range bios {
		c.runDevBio(d)
	}
}

// handleReadError runs in the housekeeping goroutine: freeze the array,
// repair the failing range from surviving copies, then push the original
// read back through the balancer.
func (c *Conf) handleReadError(r *r10bio) {
	slot := r.readSlot
	d := r.devs[slot].bio
	r.devs[slot].bio = nil
	if d == nil {
		c.endRequest(r)
		return
	}
	rdev := d.rdev

	if d.failFast {
		// A fast-fail read gets no in-place repair: fail the device and
		// let the balancer route to another copy. The selection only set
		// fast-fail when one exists.
		c.errorHandler(rdev)
	} else {
		c.bar.freeze(1, c.flushPendingBios)
		c.fixReadError(rdev, r)
		c.bar.unfreeze()
	}
	rdev.DecPending()

	c.resubmitRead(r, d.data)
}

// fixReadError repairs r's range one page at a time: find a copy that can
// still supply each page, rewrite every other copy from it, then read back
// to verify. Runs with the array frozen so the page comparisons cannot race
// foreground writes.
func (c *Conf) fixReadError(rdev *RDev, r *r10bio) {
	if rdev.Test(FlagFaulty) {
		return
	}
	if rdev.addReadError() > c.cfg.MaxReadErrors {
		// The device has burned its error budget for this stretch.
		// Record the range bad so the balancer stops coming back, and
		// leave the device alone otherwise.
		log.Errorf("raid10: dev %d exceeded read error threshold, marking %d sectors at %d bad",
			rdev.Num, r.sectors, r.devs[r.readSlot].addr)
		if !rdev.BB.Record(r.devs[r.readSlot].addr, r.sectors) {
			c.errorHandler(rdev)
		}
		c.needMetaUpdate()
		return
	}

	ctx := context.Background()
	slot := r.readSlot
	buf := make([]byte, core.PageSize)

	for sect := int64(0); sect < r.sectors; {
		s := r.sectors - sect
		if s > core.PageSectors {
			s = core.PageSectors
		}
		page := buf[:s*core.SectorSize]

		// Find any copy, the failing device included, that can still
		// produce this page.
		success := false
		sl := slot
		for {
			rd := c.slotDev(r, sl)
			if rd != nil && rd.Test(FlagInSync) && !rd.Test(FlagFaulty) {
				addr := r.devs[sl].addr + sect
				if st, _, _ := rd.BB.Check(addr, s); st == BadBlocksNone {
					rd.IncPending()
					ok := rd.Dev.ReadSectors(ctx, addr+rd.DataOffset, page) == core.NoError
					rd.DecPending()
					if ok {
						success = true
						break
					}
				}
			}
			sl = (sl + 1) % c.copies
			if sl == slot {
				break
			}
		}
		if !success {
			// No copy can produce the page. Mark it bad on the
			// original device to discourage future reads there.
			log.Errorf("raid10: unable to repair %d sectors at dev %d sector %d, recording bad block",
				s, rdev.Num, r.devs[slot].addr+sect)
			if !rdev.BB.Record(r.devs[slot].addr+sect, s) {
				c.errorHandler(rdev)
			}
			c.needMetaUpdate()
			break
		}

		// Walk backwards from the source to the failing slot, rewriting
		// each copy and reading it back.
		start := sl
		for sl != slot {
			if sl == 0 {
				sl = c.copies
			}
			sl--
			rd := c.slotDev(r, sl)
			if rd == nil || rd.Test(FlagFaulty) || !rd.Test(FlagInSync) {
				continue
			}
			rd.IncPending()
			c.repairWrite(rd, r.devs[sl].addr+sect, s, page)
			rd.DecPending()
		}
		sl = start
		for sl != slot {
			if sl == 0 {
				sl = c.copies
			}
			sl--
			rd := c.slotDev(r, sl)
			if rd == nil || rd.Test(FlagFaulty) || !rd.Test(FlagInSync) {
				continue
			}
			rd.IncPending()
			if c.repairRead(rd, r.devs[sl].addr+sect, s, page) {
				log.Infof("raid10: read error corrected (%d sectors at %d on dev %d)",
					s, r.devs[sl].addr+sect, rd.Num)
				rd.AddCorrected(s)
			}
			rd.DecPending()
		}
		sect += s
	}
}

// slotDev resolves a slot's primary device through the mirrors table.
func (c *Conf) slotDev(r *r10bio, slot int) *RDev {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := r.devs[slot].devnum
	if d < 0 || d >= len(c.mirrors) {
		return nil
	}
	return c.mirrors[d].rdev
}

// repairWrite is the synchronous write half of repair traffic. On failure
// the sector range is recorded bad and WriteErrorSeen set; a device that
// cannot even record the bad block is failed.
func (c *Conf) repairWrite(rdev *RDev, sector, nsectors int64, data []byte) bool {
	if rdev.Dev.WriteSectors(context.Background(), sector+rdev.DataOffset, data) == core.NoError {
		return true
	}
	rdev.Set(FlagWriteErrorSeen)
	if !rdev.BB.Record(sector, nsectors) {
		c.errorHandler(rdev)
	}
	c.needMetaUpdate()
	return false
}

// repairRead is the verify half; failure handling matches repairWrite.
func (c *Conf) repairRead(rdev *RDev, sector, nsectors int64, data []byte) bool {
	if rdev.Dev.ReadSectors(context.Background(), sector+rdev.DataOffset, data) == core.NoError {
		return true
	}
	rdev.Set(FlagWriteErrorSeen)
	if !rdev.BB.Record(sector, nsectors) {
		c.errorHandler(rdev)
	}
	c.needMetaUpdate()
	return false
}

// resubmitRead pushes a repaired (or still-failing) read back through the
// balancer. Runs in the housekeeping goroutine, so bad-block clips are
// handled by carving the tail into fresh requests rather than re-entering
// the foreground path.
func (c *Conf) resubmitRead(r *r10bio, data []byte) {
	b := r.master
	for {
		atomic.StoreUint32(&r.state, 0)
		c.mu.RLock()
		rdev, maxs := c.readBalance(r)
		c.mu.RUnlock()
		if rdev == nil {
			log.Errorf("raid10: no remaining copy for sector %d, failing read", r.sector)
			b.fail(core.ErrNoMedia)
			c.endRequest(r)
			return
		}
		if maxs >= r.sectors {
			r.hold()
			c.submitReadSlot(r, data)
			return
		}

		tailSector := r.sector + maxs
		tailSectors := r.sectors - maxs
		tailData := data[maxs*core.SectorSize:]

		r.sectors = maxs
		r.hold()
		c.submitReadSlot(r, data[:maxs*core.SectorSize])

		nr := c.reqPool.get(c.copies)
		nr.conf = c
		nr.master = b
		nr.sector = tailSector
		nr.sectors = tailSectors
		b.hold()
		c.bar.wait(c.daemonCtx(), false)
		r = nr
		data = tailData
	}
}

// handleWriteCompleted finalizes a write whose copies need bad-block
// bookkeeping: clear ranges proven good by a clean overwrite, narrow ranges
// that failed, then complete to the caller.
func (c *Conf) handleWriteCompleted(r *r10bio) {
	fail := false
	for i := 0; i < c.copies; i++ {
		if d := r.devs[i].bio; d != nil {
			switch {
			case d.madeGood:
				d.rdev.BB.Clear(r.devs[i].addr, r.sectors)
				c.needMetaUpdate()
			case d.result != core.NoError:
				if !c.narrowWriteError(r, d) {
					fail = true
					c.errorHandler(d.rdev)
				}
			}
			d.rdev.DecPending()
			r.devs[i].bio = nil
		}
		if d := r.devs[i].replBio; d != nil {
			if d.madeGood {
				d.rdev.BB.Clear(r.devs[i].addr, r.sectors)
				c.needMetaUpdate()
			}
			d.rdev.DecPending()
			r.devs[i].replBio = nil
		}
	}
	if fail {
		// Hold the completion until the Faulty state is durable; the
		// end-io drain finishes it once metadata is confirmed written.
		c.pushEndIO(r)
		return
	}
	c.finishWrite(r)
}

// finishWrite closes out a write request after bad-block bookkeeping.
func (c *Conf) finishWrite(r *r10bio) {
	if r.test(stateWriteError) {
		c.bitmap.EndWrite(r.sector, r.sectors)
	}
	c.endRequest(r)
}

// narrowWriteError localizes a failed write by retrying it one sector at a
// time and recording bad blocks only for the sectors that still fail.
// Returns false if a bad block could not be recorded, in which case the
// device must be failed.
func (c *Conf) narrowWriteError(r *r10bio, d *devBio) bool {
	if d.data == nil {
		// Discard failures are ignored long before this point.
		return true
	}
	rdev := d.rdev
	log.V(1).Infof("raid10: narrowing write error on dev %d, %d sectors at %d",
		rdev.Num, r.sectors, r.devs[d.slot].addr)

	ctx := context.Background()
	ok := true
	for off := int64(0); off < r.sectors; off++ {
		sector := d.devSector + off
		page := d.data[off*core.SectorSize : (off+1)*core.SectorSize]
		if rdev.Dev.WriteSectors(ctx, sector, page) == core.NoError {
			continue
		}
		if !rdev.BB.Record(r.devs[d.slot].addr+off, 1) {
			ok = false
			break
		}
		c.needMetaUpdate()
	}
	return ok
}
