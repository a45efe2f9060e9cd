// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package md

import (
	"encoding/binary"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// wiChunk tracks one bitmap chunk. A chunk is "set" on disk while it has
// in-flight writes or needs a resync.
type wiChunk struct {
	writers int32
	needed  bool // region must be resynced
	syncing bool // a sync round covers it this pass
	synced  bool // a round finished but writers held the bit
}

// WriteIntent is a chunk-granular write-intent bitmap over the array's
// virtual sectors. Bits are set before writes land and cleared lazily once
// the region is known in sync, so a crash leaves a superset of the regions
// that might differ between mirrors; the next resync pass visits only
// those.
type WriteIntent struct {
	mu         sync.Mutex
	chunkShift uint
	sectors    int64
	chunks     []wiChunk
	store      *Store
}

// NewWriteIntent builds a bitmap covering 'sectors' virtual sectors at
// 'chunkSectors' granularity (power of two). If the store holds a saved
// bitmap with matching geometry its set bits are restored as
// needs-resync.
func NewWriteIntent(sectors, chunkSectors int64, store *Store) (*WriteIntent, core.Error) {
	if sectors <= 0 || chunkSectors <= 0 || chunkSectors&(chunkSectors-1) != 0 {
		return nil, core.ErrInvalidArgument
	}
	shift := uint(0)
	for 1<<shift < chunkSectors {
		shift++
	}
	w := &WriteIntent{
		chunkShift: shift,
		sectors:    sectors,
		chunks:     make([]wiChunk, (sectors+chunkSectors-1)>>shift),
		store:      store,
	}
	if store != nil {
		if err := w.load(); err != core.NoError {
			return nil, err
		}
	}
	return w, core.NoError
}

// DirtyChunks counts chunks currently needing a resync.
func (w *WriteIntent) DirtyChunks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for i := range w.chunks {
		if w.chunks[i].needed {
			n++
		}
	}
	return n
}

// SetAll marks the whole device dirty, forcing a full resync.
func (w *WriteIntent) SetAll() {
	w.mu.Lock()
	for i := range w.chunks {
		w.chunks[i].needed = true
	}
	w.mu.Unlock()
}

// StartWrite marks the chunks under [sector, sector+nsectors) dirty.
func (w *WriteIntent) StartWrite(sector, nsectors int64) {
	w.mu.Lock()
	for i := w.index(sector); i <= w.index(sector+nsectors-1); i++ {
		w.chunks[i].writers++
		w.chunks[i].needed = true
		w.chunks[i].synced = false
	}
	w.mu.Unlock()
}

// EndWrite drops the in-flight count. The needed bit stays until a sync
// pass or LazyClear proves the region consistent.
func (w *WriteIntent) EndWrite(sector, nsectors int64) {
	w.mu.Lock()
	for i := w.index(sector); i <= w.index(sector+nsectors-1); i++ {
		if w.chunks[i].writers > 0 {
			w.chunks[i].writers--
		}
	}
	w.mu.Unlock()
}

// StartSync reports whether the chunk at sector needs syncing. When it
// does, the returned extent reaches the end of the chunk; when it does
// not, the extent is how far may be skipped.
func (w *WriteIntent) StartSync(sector int64, degraded bool) (bool, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := w.index(sector)
	end := (int64(i) + 1) << w.chunkShift
	if end > w.sectors {
		end = w.sectors
	}
	if w.chunks[i].needed || degraded {
		w.chunks[i].syncing = true
		return true, end - sector
	}
	// Extend the skip over consecutive clean chunks.
	for j := i + 1; j < len(w.chunks) && !w.chunks[j].needed; j++ {
		end += int64(1) << w.chunkShift
	}
	if end > w.sectors {
		end = w.sectors
	}
	return false, end - sector
}

// EndSync records a successfully synced chunk. The bit clears only once no
// writes are in flight against it; with writers still up the chunk is
// remembered as synced so CondEndSync can retire it later.
func (w *WriteIntent) EndSync(sector int64) {
	w.mu.Lock()
	i := w.index(sector)
	if w.chunks[i].syncing {
		if w.chunks[i].writers == 0 {
			w.chunks[i].needed = false
		} else {
			w.chunks[i].synced = true
		}
	}
	w.chunks[i].syncing = false
	w.mu.Unlock()
}

// CondEndSync retires chunks below the cursor whose round finished under
// writer pressure, once the writers have drained. A write landing after
// the round re-arms the bit, so only rounds the pass actually proved clean
// can clear this way. force additionally covers the chunk holding the
// cursor.
func (w *WriteIntent) CondEndSync(sector int64, force bool) {
	w.mu.Lock()
	end := int(sector >> w.chunkShift)
	if force {
		end++
	}
	if end > len(w.chunks) {
		end = len(w.chunks)
	}
	for i := 0; i < end; i++ {
		if w.chunks[i].synced && w.chunks[i].writers == 0 {
			w.chunks[i].needed = false
			w.chunks[i].synced = false
		}
	}
	w.mu.Unlock()
}

// CloseSync ends a sync pass, clearing every chunk the pass covered.
func (w *WriteIntent) CloseSync() {
	w.mu.Lock()
	for i := range w.chunks {
		if w.chunks[i].syncing || w.chunks[i].synced {
			if w.chunks[i].writers == 0 {
				w.chunks[i].needed = false
			}
			w.chunks[i].syncing = false
			w.chunks[i].synced = false
		}
	}
	w.mu.Unlock()
}

// LazyClear drops needed bits on idle chunks. Call only while the array is
// fully in sync; on a degraded array the bits are what recovery reads.
func (w *WriteIntent) LazyClear() {
	w.mu.Lock()
	for i := range w.chunks {
		if w.chunks[i].writers == 0 && !w.chunks[i].syncing {
			w.chunks[i].needed = false
		}
	}
	w.mu.Unlock()
}

// Resize grows or shrinks the tracked range. New chunks start dirty.
func (w *WriteIntent) Resize(sectors int64) core.Error {
	if sectors <= 0 {
		return core.ErrInvalidArgument
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := int((sectors + (1 << w.chunkShift) - 1) >> w.chunkShift)
	old := len(w.chunks)
	if n <= old {
		w.chunks = w.chunks[:n]
	} else {
		grown := make([]wiChunk, n)
		copy(grown, w.chunks)
		for i := old; i < n; i++ {
			grown[i].needed = true
		}
		w.chunks = grown
	}
	w.sectors = sectors
	return core.NoError
}

// Save persists the current bits. Called by the host's metadata writer.
func (w *WriteIntent) Save() core.Error {
	if w.store == nil {
		return core.NoError
	}
	w.mu.Lock()
	raw := make([]byte, 16+(len(w.chunks)+7)/8)
	binary.LittleEndian.PutUint64(raw[0:8], uint64(w.sectors))
	binary.LittleEndian.PutUint64(raw[8:16], uint64(w.chunkShift))
	for i := range w.chunks {
		if w.chunks[i].needed || w.chunks[i].writers > 0 {
			raw[16+i/8] |= 1 << uint(i%8)
		}
	}
	w.mu.Unlock()
	return w.store.SaveBitmap(raw)
}

func (w *WriteIntent) load() core.Error {
	raw, err := w.store.LoadBitmap()
	if err != core.NoError {
		return err
	}
	if raw == nil {
		return core.NoError
	}
	if len(raw) < 16 {
		return core.ErrCorruptData
	}
	sectors := int64(binary.LittleEndian.Uint64(raw[0:8]))
	shift := uint(binary.LittleEndian.Uint64(raw[8:16]))
	if sectors != w.sectors || shift != w.chunkShift {
		// Geometry changed under us; be safe and resync everything.
		log.Warningf("md: saved bitmap covers %d sectors shift %d, want %d/%d; forcing full resync",
			sectors, shift, w.sectors, w.chunkShift)
		for i := range w.chunks {
			w.chunks[i].needed = true
		}
		return core.NoError
	}
	if len(raw) < 16+(len(w.chunks)+7)/8 {
		return core.ErrCorruptData
	}
	for i := range w.chunks {
		if raw[16+i/8]&(1<<uint(i%8)) != 0 {
			w.chunks[i].needed = true
		}
	}
	return core.NoError
}

func (w *WriteIntent) index(sector int64) int {
	if sector < 0 {
		return 0
	}
	i := int(sector >> w.chunkShift)
	if i >= len(w.chunks) {
		i = len(w.chunks) - 1
	}
	return i
}
