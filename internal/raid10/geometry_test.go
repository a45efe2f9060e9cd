// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"reflect"
	"testing"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

func TestFindPhysNearLayout(t *testing.T) {
	g, err := newGeom(Layout{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 1024})
	if err != core.NoError {
		t.Fatalf("newGeom: %s", err)
	}
	g.calcSectors(1024)

	cases := []struct {
		sector int64
		want   []copyLoc
	}{
		{0, []copyLoc{{0, 0}, {1, 0}}},
		{1024, []copyLoc{{2, 0}, {3, 0}}},
		{2048, []copyLoc{{0, 1024}, {1, 1024}}},
		{1500, []copyLoc{{2, 476}, {3, 476}}},
	}
	for _, c := range cases {
		got := g.findPhys(c.sector, nil)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("findPhys(%d) = %v, want %v", c.sector, got, c.want)
		}
	}
}

func TestFindPhysFarLayout(t *testing.T) {
	g, err := newGeom(Layout{RaidDisks: 6, NearCopies: 2, FarCopies: 2, ChunkSectors: 1024})
	if err != core.NoError {
		t.Fatalf("newGeom: %s", err)
	}
	g.calcSectors(4096)
	if g.stride != 2048 {
		t.Fatalf("stride = %d, want 2048", g.stride)
	}

	cases := []struct {
		sector int64
		want   []copyLoc
	}{
		{0, []copyLoc{{0, 0}, {2, 2048}, {1, 0}, {3, 2048}}},
		{1024, []copyLoc{{2, 0}, {4, 2048}, {3, 0}, {5, 2048}}},
	}
	for _, c := range cases {
		got := g.findPhys(c.sector, nil)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("findPhys(%d) = %v, want %v", c.sector, got, c.want)
		}
	}
}

// Arrays written under the off-by-one far-set rotation must map exactly the
// way that rotation did, or their data is unreadable. The maps agree on even
// chunks and disagree on odd ones.
func TestFindPhysBuggyFarSets(t *testing.T) {
	base := Layout{RaidDisks: 4, NearCopies: 1, FarCopies: 2, ChunkSectors: 1024}

	buggy := base
	buggy.FarSets = FarSetsBuggy
	gb, err := newGeom(buggy)
	if err != core.NoError {
		t.Fatalf("newGeom buggy: %s", err)
	}
	gb.calcSectors(4096)

	gn, err := newGeom(base)
	if err != core.NoError {
		t.Fatalf("newGeom: %s", err)
	}
	gn.calcSectors(4096)

	cases := []struct {
		sector    int64
		wantBuggy []copyLoc
		wantPlain []copyLoc
	}{
		{0, []copyLoc{{0, 0}, {1, 2048}}, []copyLoc{{0, 0}, {1, 2048}}},
		{1024, []copyLoc{{1, 0}, {0, 2048}}, []copyLoc{{1, 0}, {2, 2048}}},
		{2048, []copyLoc{{2, 0}, {3, 2048}}, []copyLoc{{2, 0}, {3, 2048}}},
		{3072, []copyLoc{{3, 0}, {2, 2048}}, []copyLoc{{3, 0}, {0, 2048}}},
	}
	for _, c := range cases {
		if got := gb.findPhys(c.sector, nil); !reflect.DeepEqual(got, c.wantBuggy) {
			t.Errorf("buggy findPhys(%d) = %v, want %v", c.sector, got, c.wantBuggy)
		}
		if got := gn.findPhys(c.sector, nil); !reflect.DeepEqual(got, c.wantPlain) {
			t.Errorf("plain findPhys(%d) = %v, want %v", c.sector, got, c.wantPlain)
		}
	}
}

// findVirt must invert findPhys for every copy location, across every
// layout family, including the remainder set of an uneven fixed-set split
// and the off-by-one rotation.
func TestFindVirtRoundTrip(t *testing.T) {
	layouts := []Layout{
		{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8},
		{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 8},
		{RaidDisks: 4, NearCopies: 1, FarCopies: 2, ChunkSectors: 8},
		{RaidDisks: 4, NearCopies: 1, FarCopies: 2, ChunkSectors: 8, FarSets: FarSetsBuggy},
		{RaidDisks: 4, NearCopies: 1, FarCopies: 2, ChunkSectors: 8, FarSets: FarSetsFixed},
		{RaidDisks: 5, NearCopies: 1, FarCopies: 2, ChunkSectors: 8, FarSets: FarSetsFixed},
		{RaidDisks: 6, NearCopies: 2, FarCopies: 2, ChunkSectors: 8},
		{RaidDisks: 4, NearCopies: 1, FarCopies: 2, FarOffset: true, ChunkSectors: 8},
		{RaidDisks: 6, NearCopies: 2, FarCopies: 2, FarOffset: true, ChunkSectors: 8},
	}
	for _, l := range layouts {
		g, err := newGeom(l)
		if err != core.NoError {
			t.Fatalf("newGeom(%+v): %s", l, err)
		}
		devSectors := g.calcSectors(256)
		max := g.raidSize(devSectors, g.raidDisks)
		for sector := int64(0); sector < max; sector += 3 {
			for _, loc := range g.findPhys(sector, nil) {
				if got := g.findVirt(loc.addr, loc.devnum); got != sector {
					t.Fatalf("layout %+v: findVirt(%d, %d) = %d, want %d",
						l, loc.addr, loc.devnum, got, sector)
				}
			}
		}
	}
}

func TestGeomValidation(t *testing.T) {
	bad := []Layout{
		{RaidDisks: 1, NearCopies: 1, FarCopies: 1, ChunkSectors: 8},
		{RaidDisks: 4, NearCopies: 0, FarCopies: 1, ChunkSectors: 8},
		{RaidDisks: 4, NearCopies: 3, FarCopies: 2, ChunkSectors: 8},
		{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 12},
		{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 4},
		{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 8, FarSets: FarSetMode(99)},
	}
	for _, l := range bad {
		if _, err := newGeom(l); err != core.ErrInvalidArgument {
			t.Errorf("newGeom(%+v) = %s, want %s", l, err, core.ErrInvalidArgument)
		}
		if _, err := LogicalSectors(l, 1024); err != core.ErrInvalidArgument {
			t.Errorf("LogicalSectors(%+v) = %s, want %s", l, err, core.ErrInvalidArgument)
		}
	}
}

func TestLogicalSectors(t *testing.T) {
	cases := []struct {
		l          Layout
		devSectors int64
		want       int64
	}{
		{Layout{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 1024}, 1024, 2048},
		{Layout{RaidDisks: 6, NearCopies: 2, FarCopies: 2, ChunkSectors: 1024}, 4096, 6144},
		{Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64, 64},
	}
	for _, c := range cases {
		got, err := LogicalSectors(c.l, c.devSectors)
		if err != core.NoError {
			t.Fatalf("LogicalSectors(%+v, %d): %s", c.l, c.devSectors, err)
		}
		if got != c.want {
			t.Errorf("LogicalSectors(%+v, %d) = %d, want %d", c.l, c.devSectors, got, c.want)
		}
	}
}
