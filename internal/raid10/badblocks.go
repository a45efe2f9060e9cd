// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"sort"
	"sync"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// MaxBadBlocks bounds the table; once full, recording fails and the caller
// has to fail the device instead.
const MaxBadBlocks = 512

// BadBlockState classifies a range lookup.
type BadBlockState int

const (
	// BadBlocksNone: the range has no recorded bad sectors.
	BadBlocksNone BadBlockState = 0
	// BadBlocksAcked: all overlapping bad ranges are acknowledged in the
	// on-disk metadata.
	BadBlocksAcked BadBlockState = 1
	// BadBlocksUnacked: at least one overlapping range is not yet
	// acknowledged; writers must hold off until it is persisted.
	BadBlocksUnacked BadBlockState = -1
)

type badRange struct {
	sector int64
	len    int64
	acked  bool
}

// BadBlocks is the per-device set of known-bad sector ranges. Lookups use a
// binary search over a sorted slice; the change counter lets read-side
// callers detect a concurrent mutation and retry, mirroring the versioned
// snapshot the dispatcher needs.
type BadBlocks struct {
	mu      sync.RWMutex
	ranges  []badRange // sorted by sector, non-overlapping
	changed uint64
}

// Empty reports whether no bad blocks are recorded.
func (b *BadBlocks) Empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ranges) == 0
}

// Count returns the number of recorded ranges.
func (b *BadBlocks) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ranges)
}

// Version returns the mutation counter.
func (b *BadBlocks) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// Check looks up [sector, sector+nsectors). When the range overlaps recorded
// bad blocks it returns the first bad sector at or after 'sector' and the
// length of bad data starting there.
func (b *BadBlocks) Check(sector, nsectors int64) (state BadBlockState, firstBad, badLen int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.ranges), func(i int) bool {
		return b.ranges[i].sector+b.ranges[i].len > sector
	})
	firstBad = core.MaxSector
	for ; i < len(b.ranges); i++ {
		r := &b.ranges[i]
		if r.sector >= sector+nsectors {
			break
		}
		if r.sector < firstBad {
			firstBad = r.sector
			if firstBad < sector {
				firstBad = sector
			}
			badLen = r.sector + r.len - firstBad
		}
		if r.acked {
			if state == BadBlocksNone {
				state = BadBlocksAcked
			}
		} else {
			state = BadBlocksUnacked
		}
	}
	if state == BadBlocksNone {
		return BadBlocksNone, 0, 0
	}
	return state, firstBad, badLen
}

// Record adds [sector, sector+nsectors) to the set, merging with neighbors.
// Returns false if the table is full and the range could not be recorded.
func (b *BadBlocks) Record(sector, nsectors int64) bool {
	if nsectors <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := append([]badRange(nil), b.ranges...)
	merged = append(merged, badRange{sector: sector, len: nsectors, acked: false})
	sort.Slice(merged, func(i, j int) bool { return merged[i].sector < merged[j].sector })

	out := merged[:1]
	for _, r := range merged[1:] {
		last := &out[len(out)-1]
		if r.sector <= last.sector+last.len {
			// Overlapping or adjacent: extend; the union is only "acked"
			// if both sides were.
			if end := r.sector + r.len; end > last.sector+last.len {
				last.len = end - last.sector
			}
			last.acked = last.acked && r.acked
		} else {
			out = append(out, r)
		}
	}
	if len(out) > MaxBadBlocks {
		return false
	}
	b.ranges = out
	b.changed++
	return true
}

// Clear removes [sector, sector+nsectors) from the set, splitting ranges
// that straddle the boundary. Called after a known-bad range was rewritten
// successfully.
func (b *BadBlocks) Clear(sector, nsectors int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := sector + nsectors
	var out []badRange
	for _, r := range b.ranges {
		if r.sector >= end || r.sector+r.len <= sector {
			out = append(out, r)
			continue
		}
		if r.sector < sector {
			out = append(out, badRange{sector: r.sector, len: sector - r.sector, acked: r.acked})
		}
		if r.sector+r.len > end {
			out = append(out, badRange{sector: end, len: r.sector + r.len - end, acked: r.acked})
		}
	}
	b.ranges = out
	b.changed++
}

// AckAll marks every recorded range as acknowledged. The metadata layer
// calls this after the table has been persisted. Returns true if anything
// was newly acknowledged.
func (b *BadBlocks) AckAll() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	any := false
	for i := range b.ranges {
		if !b.ranges[i].acked {
			b.ranges[i].acked = true
			any = true
		}
	}
	if any {
		b.changed++
	}
	return any
}

// Unacked reports whether any range awaits acknowledgement.
func (b *BadBlocks) Unacked() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.ranges {
		if !b.ranges[i].acked {
			return true
		}
	}
	return false
}

// Ranges returns a copy of the table for status reporting.
func (b *BadBlocks) Ranges() [][2]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][2]int64, 0, len(b.ranges))
	for _, r := range b.ranges {
		out = append(out, [2]int64{r.sector, r.len})
	}
	return out
}
