// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"fmt"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// FarSetMode selects how far-copy rotation is confined to device subgroups.
type FarSetMode int

const (
	// FarSetsNone is the original layout: far copies rotate over the whole
	// array. Simple but a single two-device failure can lose data.
	FarSetsNone FarSetMode = iota

	// FarSetsBuggy is a historic layout with an off-by-one in the set
	// rotation. Arrays written under it must be read back with the same
	// arithmetic, so we reproduce the bug exactly rather than correcting it.
	FarSetsBuggy

	// FarSetsFixed confines rotation to sets of near*far devices, which
	// tolerates more multi-device failures.
	FarSetsFixed
)

// Layout describes the replication geometry of an array as configured by the
// operator. It is validated and frozen into a geom at assembly time.
type Layout struct {
	RaidDisks  int
	NearCopies int
	FarCopies  int

	// FarOffset places far copies in adjacent stripes of each device
	// instead of separate device sections.
	FarOffset bool

	FarSets FarSetMode

	// ChunkSectors is the striping unit. Power of two, at least one page.
	ChunkSectors int64
}

// geom is the frozen arithmetic form of a Layout. Immutable once built;
// a reshape swaps in a whole new geom.
type geom struct {
	raidDisks  int
	nearCopies int
	farCopies  int
	farOffset  bool

	farSetSize      int
	lastFarSetStart int
	lastFarSetSize  int

	chunkShift uint
	chunkMask  int64

	// stride is the distance between far-section starts on one device.
	// Depends on the device size, so it is filled in by calcSectors.
	stride int64
}

// copyLoc is one physical location of a logical chunk.
type copyLoc struct {
	devnum int
	addr   int64
}

func isPow2(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

// newGeom validates a Layout and computes the derived constants. The stride
// is left zero until calcSectors is called with the device size.
func newGeom(l Layout) (geom, core.Error) {
	var g geom
	if l.RaidDisks < 2 || l.NearCopies < 1 || l.FarCopies < 1 {
		return g, core.ErrInvalidArgument
	}
	if l.NearCopies*l.FarCopies > l.RaidDisks {
		return g, core.ErrInvalidArgument
	}
	if !isPow2(l.ChunkSectors) || l.ChunkSectors < core.PageSectors {
		return g, core.ErrInvalidArgument
	}

	g.raidDisks = l.RaidDisks
	g.nearCopies = l.NearCopies
	g.farCopies = l.FarCopies
	g.farOffset = l.FarOffset

	switch l.FarSets {
	case FarSetsNone:
		g.farSetSize = l.RaidDisks
	case FarSetsBuggy:
		g.farSetSize = l.RaidDisks / l.FarCopies
	case FarSetsFixed:
		g.farSetSize = l.FarCopies * l.NearCopies
	default:
		return g, core.ErrInvalidArgument
	}
	if g.farSetSize < 1 {
		return g, core.ErrInvalidArgument
	}
	// The last set absorbs the remainder when the set size doesn't divide
	// the array width.
	g.lastFarSetStart = (g.raidDisks/g.farSetSize - 1) * g.farSetSize
	g.lastFarSetSize = g.farSetSize + g.raidDisks%g.farSetSize

	g.chunkMask = l.ChunkSectors - 1
	for 1<<g.chunkShift < l.ChunkSectors {
		g.chunkShift++
	}
	return g, core.NoError
}

// LogicalSectors computes the usable logical capacity of an array laid out
// per l over devices of devSectors each. The framework uses it to size
// bitmaps before the array is assembled.
func LogicalSectors(l Layout, devSectors int64) (int64, core.Error) {
	g, err := newGeom(l)
	if err != core.NoError {
		return 0, err
	}
	return g.raidSize(g.calcSectors(devSectors), g.raidDisks), core.NoError
}

// copies is the total replica count per logical chunk.
func (g *geom) copies() int {
	return g.nearCopies * g.farCopies
}

func (g *geom) chunkSectors() int64 {
	return g.chunkMask + 1
}

// layout reconstructs the operator-visible Layout.
func (g *geom) layout() Layout {
	fs := FarSetsNone
	switch g.farSetSize {
	case g.raidDisks:
		fs = FarSetsNone
	case g.farCopies * g.nearCopies:
		fs = FarSetsFixed
	case g.raidDisks / g.farCopies:
		fs = FarSetsBuggy
	}
	return Layout{
		RaidDisks:    g.raidDisks,
		NearCopies:   g.nearCopies,
		FarCopies:    g.farCopies,
		FarOffset:    g.farOffset,
		FarSets:      fs,
		ChunkSectors: g.chunkSectors(),
	}
}

func (g *geom) String() string {
	return fmt.Sprintf("disks=%d near=%d far=%d offset=%v chunk=%d stride=%d",
		g.raidDisks, g.nearCopies, g.farCopies, g.farOffset, g.chunkSectors(), g.stride)
}

// calcSectors computes the per-device sector count actually used for an
// array of the given total device size, and fills in the stride.
func (g *geom) calcSectors(size int64) (devSectors int64) {
	size >>= g.chunkShift
	size /= int64(g.farCopies)
	size *= int64(g.raidDisks)
	size /= int64(g.nearCopies)
	// size is now the number of chunks in the array.
	size *= int64(g.copies())
	// Round up to get chunks per device.
	size = (size + int64(g.raidDisks) - 1) / int64(g.raidDisks)
	devSectors = size << g.chunkShift

	if g.farOffset {
		g.stride = g.chunkSectors()
	} else {
		size /= int64(g.farCopies)
		g.stride = size << g.chunkShift
	}
	return devSectors
}

// raidSize returns the usable logical capacity for the given per-device size
// and width under this geometry.
func (g *geom) raidSize(sectors int64, raidDisks int) int64 {
	size := sectors >> g.chunkShift
	size /= int64(g.farCopies)
	size *= int64(raidDisks)
	size /= int64(g.nearCopies)
	return size << g.chunkShift
}

// findPhys maps a logical sector's chunk to all of its physical copy
// locations. out must have room for g.copies() entries. Every location is on
// a distinct device; the addr of each is the device sector of the start of
// the caller's sector within its chunk (the in-chunk offset is included).
func (g *geom) findPhys(sector int64, out []copyLoc) []copyLoc {
	out = out[:0]

	chunk := sector >> g.chunkShift
	offset := sector & g.chunkMask

	chunk *= int64(g.nearCopies)
	stripe := chunk / int64(g.raidDisks)
	dev := int(chunk % int64(g.raidDisks))
	if g.farOffset {
		stripe *= int64(g.farCopies)
	}

	devSector := offset + stripe<<g.chunkShift

	for n := 0; n < g.nearCopies; n++ {
		d := dev
		s := devSector
		out = append(out, copyLoc{devnum: d, addr: s})

		for f := 1; f < g.farCopies; f++ {
			set := d / g.farSetSize
			d += g.nearCopies
			if g.raidDisks%g.farSetSize != 0 && d > g.lastFarSetStart {
				d -= g.lastFarSetStart
				d %= g.lastFarSetSize
				d += g.lastFarSetStart
			} else {
				d %= g.farSetSize
				d += g.farSetSize * set
			}
			s += g.stride
			out = append(out, copyLoc{devnum: d, addr: s})
		}
		dev++
		if dev >= g.raidDisks {
			dev = 0
			devSector += g.chunkSectors()
		}
	}
	return out
}

// findVirt is the inverse of findPhys: it maps a device sector on a given
// device back to the logical sector. Only used by resync/recover, which scan
// device addresses.
func (g *geom) findVirt(devSector int64, devnum int) int64 {
	farSetStart := (devnum / g.farSetSize) * g.farSetSize
	farSetSize := g.farSetSize
	if g.raidDisks%g.farSetSize != 0 && devnum >= g.lastFarSetStart {
		farSetStart = g.lastFarSetStart
		farSetSize = g.lastFarSetSize
	}

	offset := devSector & g.chunkMask
	var chunk int64
	if g.farOffset {
		chunk = devSector >> g.chunkShift
		fc := chunk % int64(g.farCopies)
		chunk /= int64(g.farCopies)
		devnum -= int(fc) * g.nearCopies
		if devnum < farSetStart {
			devnum += farSetSize
		}
	} else {
		for devSector >= g.stride {
			devSector -= g.stride
			if devnum < farSetStart+g.nearCopies {
				devnum += farSetSize - g.nearCopies
			} else {
				devnum -= g.nearCopies
			}
		}
		chunk = devSector >> g.chunkShift
	}
	vchunk := chunk*int64(g.raidDisks) + int64(devnum)
	vchunk /= int64(g.nearCopies)
	return vchunk<<g.chunkShift + offset
}
