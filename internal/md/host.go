// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package md

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/internal/raid10"
	"github.com/westerndigitalcorporation/raid10/pkg/blockdev"
)

const (
	// bitmapChunkSectors is the default write-intent granularity, 8 MiB.
	bitmapChunkSectors = int64(16384)

	// cleanDelay is how long the array must stay write-idle before the
	// dirty bit is cleared from the superblock.
	cleanDelay = 5 * time.Second
)

// Host owns one assembled array and its durable state. It implements
// raid10.Metadata: the engine asks it to persist, and it confirms back via
// Array.MetadataWritten.
type Host struct {
	store  *Store
	bitmap *WriteIntent
	arr    *raid10.Array

	sbMu sync.Mutex
	sb   Superblock

	// writes counts in-flight foreground writes; dirty mirrors sb.Dirty.
	writes int64
	dirty  uint32

	updateWanted uint32
	wake         chan struct{}
	stop         chan struct{}
	done         chan struct{}

	rec recoveryState
}

// Create initializes a brand-new array: writes a fresh superblock to the
// store at storePath and assembles the array over devs. The devices are
// taken as in sync (use Assemble + a recovery pass otherwise).
func Create(storePath string, layout raid10.Layout, cfg raid10.Config, devs []blockdev.Dev, cluster raid10.Cluster) (*Host, core.Error) {
	store, err := OpenStore(storePath)
	if err != core.NoError {
		return nil, err
	}
	if sb, lerr := store.Load(); lerr != core.NoError || sb != nil {
		store.Close()
		if lerr != core.NoError {
			return nil, lerr
		}
		log.Errorf("md: store %q already holds an array", storePath)
		return nil, core.ErrInvalidArgument
	}
	cfg.Layout = layout
	h, err := newHost(store, layout, cfg, devs, cluster, nil)
	if err != core.NoError {
		store.Close()
		return nil, err
	}
	h.sbMu.Lock()
	h.sb = Superblock{
		Layout:     layout,
		DevSectors: devDataSectors(h.arr),
		ReshapePos: core.MaxSector,
		Devs:       h.arr.DevMetas(),
	}
	err = h.store.Save(&h.sb)
	h.sbMu.Unlock()
	if err != core.NoError {
		h.arr.Stop()
		store.Close()
		return nil, err
	}
	h.start()
	return h, core.NoError
}

// Assemble brings back an array previously created on this store. Devices
// must be given in slot order; nil entries are missing devices. Persisted
// device state is restored, a dirty shutdown schedules a resync, and an
// interrupted reshape resumes from its checkpoint.
func Assemble(storePath string, cfg raid10.Config, devs []blockdev.Dev, cluster raid10.Cluster) (*Host, core.Error) {
	store, err := OpenStore(storePath)
	if err != core.NoError {
		return nil, err
	}
	sb, err := store.Load()
	if err != core.NoError {
		store.Close()
		return nil, err
	}
	if sb == nil {
		store.Close()
		log.Errorf("md: store %q holds no array", storePath)
		return nil, core.ErrInvalidArgument
	}

	layout := sb.Layout
	var extraDevs []blockdev.Dev
	if sb.Reshaping {
		// Run under the pre-reshape geometry until StartReshape resumes;
		// devices beyond the old width go back in with it.
		layout = sb.OldLayout
		if len(devs) > layout.RaidDisks {
			extraDevs = devs[layout.RaidDisks:]
			devs = devs[:layout.RaidDisks]
		}
	}
	cfg.Layout = layout
	// The data offset is a property of the array, not the caller; take it
	// from the persisted device records.
	for _, dm := range sb.Devs {
		if dm.Present && !dm.Replacement {
			cfg.DataOffset = dm.DataOffset
			break
		}
	}
	h, err := newHost(store, layout, cfg, devs, cluster, sb)
	if err != core.NoError {
		store.Close()
		return nil, err
	}
	h.sbMu.Lock()
	h.sb = *sb
	h.sbMu.Unlock()

	if err := h.arr.LoadDevMetas(sb.Devs); err != core.NoError {
		h.arr.Stop()
		store.Close()
		return nil, err
	}
	// A reshape that moved the data area down leaves extra room past it;
	// the persisted size, not the device size, bounds the data area.
	if ds := devDataSectors(h.arr); sb.DevSectors > 0 && sb.DevSectors != ds {
		if err := h.arr.Resize(sb.DevSectors); err != core.NoError {
			h.arr.Stop()
			store.Close()
			return nil, err
		}
	}
	if sb.Dirty {
		log.Infof("md: unclean shutdown, scheduling resync")
		if h.bitmap.DirtyChunks() == 0 {
			h.bitmap.SetAll()
		}
	}
	h.start()

	if sb.Reshaping {
		if err := h.arr.StartReshape(sb.Layout, extraDevs, sb.OffsetDiff, sb.ReshapeBackwards, sb.ReshapePos); err != core.NoError {
			log.Errorf("md: cannot resume reshape: %s", err)
			h.Stop()
			return nil, err
		}
		h.goal(ReshapeFlag)
	} else if sb.Dirty {
		h.goal(SyncFlag)
	}
	return h, core.NoError
}

func newHost(store *Store, layout raid10.Layout, cfg raid10.Config, devs []blockdev.Dev, cluster raid10.Cluster, sb *Superblock) (*Host, core.Error) {
	minSect := minDevSectors(devs)
	if minSect == 0 || minSect <= cfg.DataOffset {
		return nil, core.ErrInvalidArgument
	}
	logical, err := raid10.LogicalSectors(layout, minSect-cfg.DataOffset)
	if err != core.NoError {
		return nil, err
	}
	chunk := bitmapChunkSectors
	if layout.ChunkSectors > chunk {
		chunk = layout.ChunkSectors
	}
	bm, err := NewWriteIntent(logical, chunk, store)
	if err != core.NoError {
		return nil, err
	}
	h := &Host{
		store:  store,
		bitmap: bm,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	h.rec.init()
	arr, err := raid10.Assemble(cfg, devs, h, bm, cluster)
	if err != core.NoError {
		return nil, err
	}
	h.arr = arr
	if sb != nil && sb.Dirty {
		atomic.StoreUint32(&h.dirty, 1)
	}
	return h, core.NoError
}

func (h *Host) start() {
	go h.metaWriter()
}

// Array returns the engine handle for I/O and management calls.
func (h *Host) Array() *raid10.Array { return h.arr }

// Bitmap returns the write-intent bitmap.
func (h *Host) Bitmap() *WriteIntent { return h.bitmap }

// Stop quiesces recovery and the array, writes a clean superblock and
// closes the store.
func (h *Host) Stop() {
	h.InterruptRecovery()
	h.WaitRecovery()
	h.arr.Stop()
	close(h.stop)
	<-h.done

	h.sbMu.Lock()
	h.sb.Dirty = false
	h.sb.Devs = h.arr.DevMetas()
	h.sb.ReshapePos = h.arr.Status().ReshapeProgress
	h.store.Save(&h.sb)
	h.sbMu.Unlock()
	h.bitmap.Save()
	h.store.Close()
}

// NeedUpdate implements raid10.Metadata: wake the writer goroutine to
// persist device state, then acknowledge.
func (h *Host) NeedUpdate() {
	atomic.StoreUint32(&h.updateWanted, 1)
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// SaveReshape implements raid10.Metadata: persist the reshape checkpoint
// synchronously.
func (h *Host) SaveReshape(pos int64) core.Error {
	h.sbMu.Lock()
	defer h.sbMu.Unlock()
	h.sb.Reshaping = pos != core.MaxSector
	h.sb.ReshapePos = pos
	if h.arr != nil {
		h.sb.Devs = h.arr.DevMetas()
	}
	return h.store.Save(&h.sb)
}

// BeginReshape records the reshape parameters so an interrupted reshape
// can resume. Call after Array.StartReshape succeeds.
func (h *Host) BeginReshape(newLayout raid10.Layout, offsetDiff int64, backwards bool) core.Error {
	h.sbMu.Lock()
	defer h.sbMu.Unlock()
	h.sb.OldLayout = h.sb.Layout
	h.sb.Layout = newLayout
	h.sb.OffsetDiff = offsetDiff
	h.sb.ReshapeBackwards = backwards
	h.sb.Reshaping = true
	h.sb.ReshapePos = h.arr.Status().ReshapeProgress
	return h.store.Save(&h.sb)
}

// WriteBegin implements raid10.Metadata: the dirty bit must be durable
// before the first write of a burst lands.
func (h *Host) WriteBegin() {
	atomic.AddInt64(&h.writes, 1)
	if atomic.CompareAndSwapUint32(&h.dirty, 0, 1) {
		h.sbMu.Lock()
		h.sb.Dirty = true
		h.store.Save(&h.sb)
		h.sbMu.Unlock()
	}
}

// WriteEnd implements raid10.Metadata.
func (h *Host) WriteEnd() {
	atomic.AddInt64(&h.writes, -1)
}

// metaWriter is the host's background writer: it persists device state on
// demand, acknowledges back to the engine, and clears the dirty bit after
// the array has been write-idle for a while.
func (h *Host) metaWriter() {
	defer close(h.done)
	idle := time.NewTicker(cleanDelay)
	defer idle.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-h.wake:
			if atomic.CompareAndSwapUint32(&h.updateWanted, 1, 0) {
				h.persistState()
				h.arr.MetadataWritten()
			}
		case <-idle.C:
			h.maybeClean()
		}
	}
}

func (h *Host) persistState() {
	h.sbMu.Lock()
	h.sb.Devs = h.arr.DevMetas()
	h.sb.ReshapePos = h.arr.Status().ReshapeProgress
	h.sb.Reshaping = h.sb.ReshapePos != core.MaxSector
	err := h.store.Save(&h.sb)
	h.sbMu.Unlock()
	if err != core.NoError {
		log.Errorf("md: device state write failed: %s", err)
	}
	h.bitmap.Save()
}

// maybeClean drops the dirty bit once the array is write-idle and fully in
// sync. A write racing in simply re-dirties through WriteBegin.
func (h *Host) maybeClean() {
	if atomic.LoadInt64(&h.writes) != 0 || atomic.LoadUint32(&h.dirty) == 0 {
		return
	}
	if h.arr.Degraded() > 0 || h.rec.active() {
		h.bitmap.Save()
		return
	}
	h.bitmap.LazyClear()
	atomic.StoreUint32(&h.dirty, 0)
	h.sbMu.Lock()
	h.sb.Dirty = false
	h.store.Save(&h.sb)
	h.sbMu.Unlock()
	h.bitmap.Save()
}

// devDataSectors is the per-device data area size the engine settled on.
func devDataSectors(a *raid10.Array) int64 {
	for _, d := range a.Status().Devs {
		if d.Present {
			return d.Sectors
		}
	}
	return 0
}

func minDevSectors(devs []blockdev.Dev) int64 {
	min := int64(0)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if s := d.Sectors(); min == 0 || s < min {
			min = s
		}
	}
	return min
}
