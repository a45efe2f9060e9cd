// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package raid10 implements the core of a software RAID-10 block storage
// engine: a single logical block device striped over a set of physical
// devices with each logical chunk replicated according to a configurable
// near/far geometry. Foreground I/O, background resync/recover and online
// reshape are coordinated by a reader/writer barrier; a single housekeeping
// goroutine performs all blocking repair work.
package raid10

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/internal/server"
	"github.com/westerndigitalcorporation/raid10/pkg/blockdev"
)

// Bitmap is the dirty-region tracker consulted to skip clean resync regions.
// All ranges are virtual (logical) sectors.
type Bitmap interface {
	// StartWrite marks a region dirty before a write is issued.
	StartWrite(sector, nsectors int64)
	// EndWrite marks the write finished; the region stays dirty until a
	// sync pass clears it.
	EndWrite(sector, nsectors int64)
	// StartSync asks whether the region at 'sector' needs syncing and how
	// far the answer extends.
	StartSync(sector int64, degraded bool) (needed bool, blocks int64)
	// EndSync records that the region at 'sector' was synced.
	EndSync(sector int64)
	// CondEndSync opportunistically closes finished sync regions.
	CondEndSync(sector int64, force bool)
	// CloseSync ends a sync pass.
	CloseSync()
	// Resize adjusts the tracked range.
	Resize(sectors int64) core.Error
}

// Metadata is the engine's view of the superblock owner. The engine holds no
// persistent state of its own; it only asks the framework to persist.
type Metadata interface {
	// NeedUpdate requests an asynchronous metadata write (device state or
	// bad block tables changed). The framework acknowledges bad blocks by
	// calling Array.MetadataWritten when the write is stable.
	NeedUpdate()
	// SaveReshape persists the reshape checkpoint and returns once it is
	// stable.
	SaveReshape(pos int64) core.Error
	// WriteBegin marks the array dirty before foreground writes land;
	// WriteEnd is its balancing call. The framework uses the pair to keep
	// a crash-safe dirty bit.
	WriteBegin()
	WriteEnd()
}

// Cluster is the optional multi-node serialization module.
type Cluster interface {
	// AreaResyncing reports whether a peer is resyncing the given range.
	AreaResyncing(write bool, lo, hi int64) bool
	// ResyncInfoUpdate broadcasts our active resync window.
	ResyncInfoUpdate(lo, hi int64) core.Error
	// ResizeBitmaps tells peers to resize their bitmaps.
	ResizeBitmaps(sectors int64) core.Error
}

// Config carries operator-tunable policy for one array.
type Config struct {
	Layout Layout

	// DataOffset is the first data sector on every member device. Space
	// below the offset is reserved headroom; a forward reshape relocates
	// data into it.
	DataOffset int64

	// MaxReadErrors is the per-device corrected-read-error budget before
	// repair gives up on the device's range.
	MaxReadErrors int64

	// FailLastDev permits failing a device even when that leaves a block
	// with zero copies. The array is flagged broken either way.
	FailLastDev bool

	// BlockedTimeout bounds how long a write waits on a Blocked device
	// before the device is failed.
	BlockedTimeout time.Duration

	// IOWorkers bounds concurrent device I/O goroutines.
	IOWorkers int

	// PoolSize is the preallocated request pool size.
	PoolSize int
}

// DefaultConfig is a reasonable starting configuration; the Layout must
// still be filled in.
var DefaultConfig = Config{
	MaxReadErrors:  20,
	BlockedTimeout: 30 * time.Second,
	IOWorkers:      64,
	PoolSize:       256,
}

// Conf is the shared state of one array. The device lock 'mu' guards the
// mirrors table and geometry swaps; queues have their own lock; counters are
// atomic.
type Conf struct {
	cfg Config

	mu      sync.RWMutex
	geo     geom
	prev    geom // pre-reshape geometry; equal to geo when no reshape
	copies  int
	mirrors []mirror

	devSectors int64

	// Reshape cursor state. reshapeProgress is MaxSector when idle;
	// read atomically, written under mu.
	reshapeProgress  int64
	reshapeSafe      int64
	reshapeBackwards bool
	offsetDiff       int64

	degraded         int32
	broken           uint32
	fullsync         uint32
	haveReplacement  uint32
	recoveryDisabled uint64

	bar *barrier

	queueMu     sync.Mutex
	retryList   []*r10bio
	endIOList   []*r10bio
	pendingBios []*devBio

	wake       chan struct{}
	stopCh     chan struct{}
	daemonDone chan struct{}
	stopped    uint32

	reqPool  *bioPool
	syncPool *bioPool

	ioSem server.Semaphore

	bitmap    Bitmap
	hasBitmap bool
	meta      Metadata
	cluster   Cluster

	// metaPending is set while a requested metadata update has not been
	// confirmed stable. Error completions are held back until it clears
	// so a caller never sees a failure the superblock does not reflect.
	metaPending uint32

	mismatches      int64
	nrSyncPending   int64
	clusterSyncLow  int64
	clusterSyncHigh int64
}

// Array is the exported handle on an assembled array.
type Array struct {
	conf *Conf
}

var opm = server.NewOpMetric("raid10_ops", "op")

// Assemble builds an array over the given devices. Devices may be nil for
// empty slots. meta must be non-nil; bitmap and cluster may be nil, which
// disables sync skipping and multi-node awareness respectively.
func Assemble(cfg Config, devs []blockdev.Dev, meta Metadata, bitmap Bitmap, cluster Cluster) (*Array, core.Error) {
	g, err := newGeom(cfg.Layout)
	if err != core.NoError {
		return nil, err
	}
	if len(devs) != cfg.Layout.RaidDisks {
		return nil, core.ErrInvalidArgument
	}
	if meta == nil {
		return nil, core.ErrInvalidArgument
	}
	if cfg.IOWorkers <= 0 {
		cfg.IOWorkers = DefaultConfig.IOWorkers
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig.PoolSize
	}
	if cfg.MaxReadErrors <= 0 {
		cfg.MaxReadErrors = DefaultConfig.MaxReadErrors
	}
	if cfg.BlockedTimeout <= 0 {
		cfg.BlockedTimeout = DefaultConfig.BlockedTimeout
	}
	hasBitmap := bitmap != nil
	if bitmap == nil {
		bitmap = nullBitmap{}
	}
	if cluster == nil {
		cluster = nullCluster{}
	}

	// The smallest device bounds the per-device size.
	minSectors := core.MaxSector
	for _, d := range devs {
		if d != nil && d.Sectors() < minSectors {
			minSectors = d.Sectors()
		}
	}
	if minSectors == core.MaxSector {
		return nil, core.ErrInvalidArgument
	}
	if cfg.DataOffset < 0 || cfg.DataOffset >= minSectors {
		return nil, core.ErrInvalidArgument
	}
	minSectors -= cfg.DataOffset

	c := &Conf{
		cfg:             cfg,
		geo:             g,
		copies:          g.copies(),
		mirrors:         make([]mirror, cfg.Layout.RaidDisks),
		reshapeProgress: core.MaxSector,
		reshapeSafe:     core.MaxSector,
		bar:             newBarrier(),
		wake:            make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		daemonDone:      make(chan struct{}),
		reqPool:         newBioPool(cfg.PoolSize, g.copies()),
		syncPool:        newBioPool(resyncDepth, g.copies()),
		ioSem:           server.NewSemaphore(cfg.IOWorkers),
		bitmap:          bitmap,
		hasBitmap:       hasBitmap,
		meta:            meta,
		cluster:         cluster,
	}
	c.devSectors = c.geo.calcSectors(minSectors)
	c.prev = c.geo

	inSync := 0
	for i, d := range devs {
		if d == nil {
			continue
		}
		r := NewRDev(d)
		r.Num = i
		r.Sectors = c.devSectors
		r.DataOffset = cfg.DataOffset
		r.NewDataOffset = cfg.DataOffset
		r.Set(FlagInSync)
		r.SetRecoveryOffset(core.MaxSector)
		c.mirrors[i].rdev = r
		inSync++
	}
	atomic.StoreInt32(&c.degraded, int32(cfg.Layout.RaidDisks-inSync))
	if !c.enough(&c.geo, -1) {
		log.Errorf("raid10: not enough operational devices (%d/%d)", inSync, cfg.Layout.RaidDisks)
		return nil, core.ErrArrayBroken
	}

	a := &Array{conf: c}
	go c.daemonLoop()
	log.Infof("raid10: active with %d out of %d devices, %s", inSync, cfg.Layout.RaidDisks, c.geo.String())
	return a, core.NoError
}

// Stop quiesces and tears down the array. Outstanding requests complete
// first.
func (a *Array) Stop() {
	c := a.conf
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	// Exclude all new I/O, then let the barrier go so the daemon can
	// finish draining.
	c.bar.raise(false)
	c.bar.lower()
	close(c.stopCh)
	<-c.daemonDone
	c.mu.Lock()
	for i := range c.mirrors {
		if r := c.mirrors[i].rdev; r != nil {
			r.Dev.Close()
		}
		if r := c.mirrors[i].replacement; r != nil {
			r.Dev.Close()
		}
	}
	c.mu.Unlock()
}

// Sectors returns the logical capacity of the array. During a reshape this
// is still the pre-reshape size; the grown size commits in FinishReshape.
func (a *Array) Sectors() int64 {
	c := a.conf
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacityLocked()
}

// Size returns usable logical capacity for the given per-device sectors and
// width; zeroes mean "current".
func (a *Array) Size(sectors int64, raidDisks int) int64 {
	c := a.conf
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sectors == 0 {
		sectors = c.devSectors
	}
	if raidDisks == 0 {
		raidDisks = c.geo.raidDisks
	}
	return c.geo.raidSize(sectors, raidDisks)
}

// Degraded returns the count of mirrors not in sync.
func (a *Array) Degraded() int {
	return int(atomic.LoadInt32(&a.conf.degraded))
}

// Broken reports whether some block has zero copies.
func (a *Array) Broken() bool {
	return atomic.LoadUint32(&a.conf.broken) != 0
}

// Mismatches returns the count of mismatched sectors found by check passes.
func (a *Array) Mismatches() int64 {
	return atomic.LoadInt64(&a.conf.mismatches)
}

// Quiesce raises (on=true) or lowers the barrier, excluding foreground I/O
// while the framework manipulates the array.
func (a *Array) Quiesce(on bool) {
	if on {
		a.conf.bar.raise(false)
	} else {
		a.conf.bar.lower()
	}
}

// MetadataWritten is called by the framework when a metadata write has hit
// stable storage. Unacknowledged bad blocks become acknowledged and blocked
// devices are released.
func (a *Array) MetadataWritten() {
	c := a.conf
	c.mu.RLock()
	for i := range c.mirrors {
		for _, r := range []*RDev{c.mirrors[i].rdev, c.mirrors[i].replacement} {
			if r == nil {
				continue
			}
			r.BB.AckAll()
			r.Clear(FlagBlockedBadBlocks | FlagBlocked)
		}
	}
	c.mu.RUnlock()
	atomic.StoreUint32(&c.metaPending, 0)
	c.bar.cond.Broadcast()
	c.wakeDaemon()
}

// DevMetas snapshots the persistent per-device state for the superblock
// owner: slot assignment, sync state, recovery progress and bad block
// tables.
func (a *Array) DevMetas() []core.DevMeta {
	c := a.conf
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.DevMeta, 0, len(c.mirrors))
	for i := range c.mirrors {
		dm := core.DevMeta{Slot: i}
		if r := c.mirrors[i].rdev; r != nil {
			dm.Present = true
			dm.InSync = r.Test(FlagInSync)
			dm.Faulty = r.Test(FlagFaulty)
			dm.RecoveryOffset = r.RecoveryOffset()
			dm.DataOffset = r.DataOffset
			dm.BadRanges = r.BB.Ranges()
		}
		out = append(out, dm)
		if r := c.mirrors[i].replacement; r != nil {
			out = append(out, core.DevMeta{
				Slot:           i,
				Present:        true,
				Replacement:    true,
				InSync:         r.Test(FlagInSync),
				Faulty:         r.Test(FlagFaulty),
				RecoveryOffset: r.RecoveryOffset(),
				DataOffset:     r.DataOffset,
				BadRanges:      r.BB.Ranges(),
			})
		}
	}
	return out
}

// LoadDevMetas seeds persisted per-device state after Assemble and before
// any I/O is issued: devices recorded as out of sync or faulty lose InSync,
// recovery offsets and bad block tables are restored. Replacement records
// are ignored; replacements are re-added through HotAddDisk.
func (a *Array) LoadDevMetas(metas []core.DevMeta) core.Error {
	c := a.conf
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range metas {
		if m.Replacement || !m.Present || m.Slot < 0 || m.Slot >= len(c.mirrors) {
			continue
		}
		r := c.mirrors[m.Slot].rdev
		if r == nil {
			continue
		}
		r.DataOffset = m.DataOffset
		r.NewDataOffset = m.DataOffset
		if m.Faulty {
			r.Set(FlagFaulty)
			r.Clear(FlagInSync)
			continue
		}
		if !m.InSync {
			r.Clear(FlagInSync)
			r.SetRecoveryOffset(m.RecoveryOffset)
			if m.RecoveryOffset == 0 {
				atomic.StoreUint32(&c.fullsync, 1)
			}
		}
		for _, br := range m.BadRanges {
			r.BB.Record(br[0], br[1])
		}
		r.BB.AckAll()
	}
	inSync := 0
	for i := range c.mirrors {
		if r := c.mirrors[i].rdev; r != nil && r.Test(FlagInSync) && !r.Test(FlagFaulty) {
			inSync++
		}
	}
	atomic.StoreInt32(&c.degraded, int32(len(c.mirrors)-inSync))
	if !c.enough(&c.geo, -1) {
		atomic.StoreUint32(&c.broken, 1)
		return core.ErrArrayBroken
	}
	return core.NoError
}

// baseDataOffset is the data offset shared by the array's members, taken
// from the first populated slot. Callers must hold c.mu.
func (c *Conf) baseDataOffset() int64 {
	for i := range c.mirrors {
		if r := c.mirrors[i].rdev; r != nil {
			return r.DataOffset
		}
	}
	return c.cfg.DataOffset
}

// needMetaUpdate requests a metadata write and remembers that one is in
// flight until MetadataWritten confirms it.
func (c *Conf) needMetaUpdate() {
	atomic.StoreUint32(&c.metaPending, 1)
	c.meta.NeedUpdate()
}

// enough reports whether losing device 'ignore' (-1 for none) still leaves
// every block with at least one in-sync copy under geometry g.
// Callers must hold c.mu (read or write).
func (c *Conf) enough(g *geom, ignore int) bool {
	disks := g.raidDisks
	first := 0
	for {
		cnt := 0
		this := first
		for n := 0; n < c.copies; n++ {
			if this != ignore && this < len(c.mirrors) {
				if r := c.mirrors[this].rdev; r != nil && r.Test(FlagInSync) {
					cnt++
				}
			}
			this = (this + 1) % disks
		}
		if cnt == 0 {
			return false
		}
		first = (first + g.nearCopies) % disks
		if first == 0 {
			return true
		}
	}
}

// rdevAt returns the primary and replacement for a slot. Hold c.mu.
func (c *Conf) rdevAt(devnum int) (*RDev, *RDev) {
	m := &c.mirrors[devnum]
	return m.rdev, m.replacement
}

// runDevBio executes one per-copy I/O on a bounded worker goroutine. The
// completion handler runs in that goroutine and must not block.
func (c *Conf) runDevBio(d *devBio) {
	go func() {
		c.ioSem.Acquire()
		defer c.ioSem.Release()
		ctx := context.Background()
		var err core.Error
		switch d.op {
		case OpRead:
			err = d.rdev.Dev.ReadSectors(ctx, d.devSector, d.data)
		case OpWrite:
			err = d.rdev.Dev.WriteSectors(ctx, d.devSector, d.data)
		case OpDiscard:
			err = d.rdev.Dev.Discard(ctx, d.devSector, d.sectors())
		case OpFlush:
			err = d.rdev.Dev.Flush(ctx)
		}
		d.done(d, err)
	}()
}

// submitWrite routes a write through the caller's plug when present, else
// parks it on the pending list for the daemon to burst out.
func (c *Conf) submitWrite(ctx context.Context, d *devBio) {
	if p := plugFromContext(ctx); p != nil {
		p.add(d)
		return
	}
	c.queueMu.Lock()
	c.pendingBios = append(c.pendingBios, d)
	c.queueMu.Unlock()
	c.wakeDaemon()
}

func (c *Conf) wakeDaemon() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pushRetry parks a request for the housekeeping goroutine.
func (c *Conf) pushRetry(r *r10bio) {
	c.queueMu.Lock()
	c.retryList = append(c.retryList, r)
	c.queueMu.Unlock()
	c.bar.incQueued()
	c.wakeDaemon()
}

// pushEndIO parks a completed-off-thread request for finalization.
func (c *Conf) pushEndIO(r *r10bio) {
	c.queueMu.Lock()
	c.endIOList = append(c.endIOList, r)
	c.queueMu.Unlock()
	c.bar.incQueued()
	c.wakeDaemon()
}

// reshapeInProgress reports the current reshape cursor, MaxSector if idle.
func (c *Conf) reshapePos() int64 {
	return atomic.LoadInt64(&c.reshapeProgress)
}

// SyncString renders the classic per-device "[UU_U]" summary.
func (c *Conf) syncString() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var sb strings.Builder
	sb.WriteByte('[')
	for i := range c.mirrors {
		r := c.mirrors[i].rdev
		if r != nil && r.Test(FlagInSync) && !r.Test(FlagFaulty) {
			sb.WriteByte('U')
		} else {
			sb.WriteByte('_')
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// Status snapshots the array.
func (a *Array) Status() core.ArrayStatus {
	c := a.conf
	c.mu.RLock()
	st := core.ArrayStatus{
		RaidDisks:       c.geo.raidDisks,
		NearCopies:      c.geo.nearCopies,
		FarCopies:       c.geo.farCopies,
		FarOffset:       c.geo.farOffset,
		ChunkSectors:    c.geo.chunkSectors(),
		Sectors:         c.capacityLocked(),
		Degraded:        int(atomic.LoadInt32(&c.degraded)),
		Broken:          atomic.LoadUint32(&c.broken) != 0,
		ReshapeProgress: c.reshapePos(),
		MismatchCnt:     atomic.LoadInt64(&c.mismatches),
	}
	st.Reshaping = st.ReshapeProgress != core.MaxSector
	for i := range c.mirrors {
		var ds core.DevState
		if r := c.mirrors[i].rdev; r != nil {
			ds = r.state()
		}
		st.Devs = append(st.Devs, ds)
		if r := c.mirrors[i].replacement; r != nil {
			st.Devs = append(st.Devs, r.state())
		}
	}
	c.mu.RUnlock()
	st.SyncString = c.syncString()
	return st
}

// WriteStatus emits the human-readable one-line summary.
func (a *Array) WriteStatus(w io.Writer) {
	c := a.conf
	c.mu.RLock()
	g := c.geo
	c.mu.RUnlock()
	fmt.Fprintf(w, "raid10 chunk=%dK near=%d", g.chunkSectors()*core.SectorSize/1024, g.nearCopies)
	if g.farCopies > 1 {
		if g.farOffset {
			fmt.Fprintf(w, " offset=%d", g.farCopies)
		} else {
			fmt.Fprintf(w, " far=%d", g.farCopies)
		}
	}
	active := g.raidDisks - int(atomic.LoadInt32(&c.degraded))
	fmt.Fprintf(w, " [%d/%d] %s", g.raidDisks, active, c.syncString())
	if pos := c.reshapePos(); pos != core.MaxSector {
		fmt.Fprintf(w, " reshape=%d", pos)
	}
	fmt.Fprintln(w)
}

// nullBitmap disables sync skipping: every region reports dirty so a resync
// always runs in full.
type nullBitmap struct{}

func (nullBitmap) StartWrite(sector, nsectors int64) {}
func (nullBitmap) EndWrite(sector, nsectors int64)   {}
func (nullBitmap) StartSync(sector int64, degraded bool) (bool, int64) {
	return true, core.MaxSector
}
func (nullBitmap) EndSync(sector int64)                 {}
func (nullBitmap) CondEndSync(sector int64, force bool) {}
func (nullBitmap) CloseSync()                           {}
func (nullBitmap) Resize(sectors int64) core.Error      { return core.NoError }

// nullCluster is the single-node cluster module.
type nullCluster struct{}

func (nullCluster) AreaResyncing(write bool, lo, hi int64) bool { return false }
func (nullCluster) ResyncInfoUpdate(lo, hi int64) core.Error    { return core.NoError }
func (nullCluster) ResizeBitmaps(sectors int64) core.Error      { return core.NoError }
