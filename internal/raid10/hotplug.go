// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/pkg/blockdev"
)

// FailDevice marks the device in the given slot faulty, as if it had
// reported an I/O error. Refused (array marked broken, device kept) when
// the device holds the last copy of some block and FailLastDev is off.
func (a *Array) FailDevice(num int) core.Error {
	c := a.conf
	c.mu.RLock()
	var r *RDev
	if num >= 0 && num < len(c.mirrors) {
		r = c.mirrors[num].rdev
	}
	c.mu.RUnlock()
	if r == nil {
		return core.ErrInvalidArgument
	}
	c.errorHandler(r)
	if !r.Test(FlagFaulty) {
		return core.ErrArrayBroken
	}
	return core.NoError
}

// HotAddDisk attaches a new device: into the first empty slot as a rebuild
// target, or as a replacement shadowing a primary that wants one. Returns
// the slot it landed in. The device starts out of sync; a recover pass makes
// it live.
func (a *Array) HotAddDisk(dev blockdev.Dev) (int, core.Error) {
	c := a.conf
	if dev == nil {
		return -1, core.ErrInvalidArgument
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	offset := c.baseDataOffset()
	if dev.Sectors() < c.devSectors+offset {
		return -1, core.ErrInvalidArgument
	}

	// Adding a device invalidates any previous "recovery is hopeless"
	// verdict.
	atomic.AddUint64(&c.recoveryDisabled, 1)

	for i := range c.mirrors {
		m := &c.mirrors[i]
		if m.rdev != nil && m.rdev.Test(FlagFaulty) && m.rdev.Pending() == 0 {
			m.rdev = nil
		}
		if m.rdev == nil {
			r := NewRDev(dev)
			r.Num = i
			r.Sectors = c.devSectors
			r.DataOffset = offset
			r.NewDataOffset = offset
			r.SetRecoveryOffset(0)
			m.rdev = r
			atomic.StoreUint32(&c.fullsync, 1)
			log.Infof("raid10: added dev at slot %d", i)
			c.wakeDaemon()
			return i, core.NoError
		}
	}
	for i := range c.mirrors {
		m := &c.mirrors[i]
		if m.replacement == nil && m.rdev != nil && m.rdev.Test(FlagWantReplacement) {
			r := NewRDev(dev)
			r.Num = i
			r.Sectors = c.devSectors
			r.DataOffset = offset
			r.NewDataOffset = offset
			r.Set(FlagReplacement)
			r.SetRecoveryOffset(0)
			m.replacement = r
			atomic.StoreUint32(&c.haveReplacement, 1)
			log.Infof("raid10: added replacement for slot %d", i)
			c.wakeDaemon()
			return i, core.NoError
		}
	}
	return -1, core.ErrAllocation
}

// HotRemoveDisk detaches the device at a slot. Only faulty or out-of-sync
// devices with no I/O in flight can leave; an in-sync device whose loss
// would strand a block is refused.
func (a *Array) HotRemoveDisk(num int) core.Error {
	c := a.conf
	c.mu.Lock()
	defer c.mu.Unlock()

	if num < 0 || num >= len(c.mirrors) {
		return core.ErrInvalidArgument
	}
	m := &c.mirrors[num]
	r := m.rdev
	if r == nil {
		return core.ErrNoMedia
	}
	if r.Pending() > 0 {
		return core.ErrDeviceBlocked
	}
	if !r.Test(FlagFaulty) && r.Test(FlagInSync) && !c.enough(&c.geo, num) {
		return core.ErrDeviceBlocked
	}

	if m.replacement != nil {
		// Promote the replacement into the vacated slot.
		repl := m.replacement
		m.replacement = nil
		repl.Clear(FlagReplacement)
		m.rdev = repl
	} else {
		m.rdev = nil
	}
	r.Dev.Close()
	c.needMetaUpdate()
	log.Infof("raid10: removed dev from slot %d", num)
	return core.NoError
}

// SpareActive promotes devices whose rebuild has completed: replacements
// supplant their primaries, re-added spares become in-sync. Returns how
// many devices changed state.
func (a *Array) SpareActive() int {
	c := a.conf
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for i := range c.mirrors {
		m := &c.mirrors[i]
		if repl := m.replacement; repl != nil && repl.FullySynced() && !repl.Test(FlagFaulty) {
			old := m.rdev
			if old == nil || old.Pending() == 0 {
				if old != nil {
					old.Set(FlagFaulty)
					old.Dev.Close()
				}
				repl.Clear(FlagReplacement)
				repl.Set(FlagInSync)
				m.rdev = repl
				m.replacement = nil
				count++
				log.Infof("raid10: replacement took over slot %d", i)
				continue
			}
		}
		if r := m.rdev; r != nil && !r.Test(FlagFaulty) && !r.Test(FlagInSync) && r.FullySynced() {
			r.Set(FlagInSync)
			atomic.AddInt32(&c.degraded, -1)
			count++
			log.Infof("raid10: slot %d is in sync", i)
		}
	}
	if count > 0 {
		c.needMetaUpdate()
	}
	return count
}

// Resize adopts a new per-device size. Far layouts without far_offset place
// their second copy at a stride derived from the device size, so they
// cannot be resized in place.
func (a *Array) Resize(devSectors int64) core.Error {
	c := a.conf
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.geo.farCopies > 1 && !c.geo.farOffset {
		return core.ErrInvalidArgument
	}
	if c.reshapePos() != core.MaxSector {
		return core.ErrReshapeConflict
	}
	for i := range c.mirrors {
		if r := c.mirrors[i].rdev; r != nil && r.Dev.Sectors()-r.DataOffset < devSectors {
			return core.ErrInvalidArgument
		}
	}
	// The size must land on a whole stripe for every copy; a partial
	// stripe would leave some chunks with fewer replicas than others.
	if c.geo.calcSectors(devSectors) != devSectors {
		return core.ErrInvalidArgument
	}

	c.devSectors = devSectors
	c.prev = c.geo
	for i := range c.mirrors {
		if r := c.mirrors[i].rdev; r != nil {
			r.Sectors = c.devSectors
		}
	}
	newSize := c.geo.raidSize(c.devSectors, c.geo.raidDisks)
	c.mu.Unlock()
	err := c.bitmap.Resize(newSize)
	c.cluster.ResizeBitmaps(newSize)
	c.mu.Lock()
	if err != core.NoError {
		return err
	}
	c.needMetaUpdate()
	log.Infof("raid10: resized to %d sectors per device", c.devSectors)
	return core.NoError
}

// TakeoverRaid0 converts a two-drive striped (no-redundancy) set into a
// degraded 4-wide near-2 array with the odd slots empty. A subsequent
// HotAddDisk per empty slot plus a recover pass yields full redundancy
// without moving existing data. Only two-drive stripe sets are accepted.
func TakeoverRaid0(cfg Config, devs []blockdev.Dev, meta Metadata, bitmap Bitmap, cluster Cluster) (*Array, core.Error) {
	if len(devs) != 2 || devs[0] == nil || devs[1] == nil {
		return nil, core.ErrInvalidArgument
	}
	layout := cfg.Layout
	layout.RaidDisks = len(devs) * 2
	layout.NearCopies = 2
	layout.FarCopies = 1
	layout.FarOffset = false
	cfg.Layout = layout

	wide := make([]blockdev.Dev, layout.RaidDisks)
	for i, d := range devs {
		wide[2*i] = d
	}
	a, err := Assemble(cfg, wide, meta, bitmap, cluster)
	if err != core.NoError {
		return nil, err
	}
	log.Infof("raid10: takeover of %d-device stripe set complete, array is degraded until spares arrive", len(devs))
	return a, core.NoError
}
