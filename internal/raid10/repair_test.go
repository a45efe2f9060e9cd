// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"bytes"
	"testing"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

func TestReadFromSurvivingCopy(t *testing.T) {
	a, devs, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	data := pattern(0, 64)
	writeAt(t, a, 0, data)

	// Device 0 stops producing data entirely. Reads must come back from
	// the mirror, and the repair path should give up on device 0 after the
	// read-back verify fails.
	devs[0].FailReads(0, 64, core.ErrIO, -1)

	if got := readAt(t, a, 0, 64); !bytes.Equal(got, data) {
		t.Fatal("read through a failing device returned wrong data")
	}

	rdev := a.conf.mirrors[0].rdev
	if !rdev.Test(FlagWriteErrorSeen) {
		t.Error("unverifiable device not flagged")
	}
	if rdev.BB.Empty() {
		t.Error("no bad blocks recorded for the unverifiable range")
	}
}

func TestReadErrorCorrected(t *testing.T) {
	a, devs, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	data := pattern(0, 64)
	writeAt(t, a, 0, data)

	// Two transient failures: one for the foreground read, one for the
	// repair loop's source probe. The rewrite and its verify then succeed.
	devs[0].FailReads(8, 8, core.ErrIO, 2)

	if got := readAt(t, a, 8, 8); !bytes.Equal(got, data[8*core.SectorSize:16*core.SectorSize]) {
		t.Fatal("repaired read returned wrong data")
	}

	rdev := a.conf.mirrors[0].rdev
	waitFor(t, "corrected count", func() bool { return rdev.Corrected() == 8 })
	if !rdev.BB.Empty() {
		t.Errorf("transient error left bad blocks: %v", rdev.BB.Ranges())
	}
	if rdev.Test(FlagWriteErrorSeen) {
		t.Error("transient read error flagged the device")
	}
}

func TestNarrowWriteError(t *testing.T) {
	a, devs, meta := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 1024)

	// Device 1 refuses writes to 204..207, forever.
	devs[1].FailWrites(204, 4, core.ErrIO, -1)

	data := pattern(200, 8)
	writeAt(t, a, 200, data)

	// The write itself succeeds: device 0 holds all of it, and the failed
	// range on device 1 is narrowed to exactly the refusing sectors.
	rdev := a.conf.mirrors[1].rdev
	if got := rdev.BB.Ranges(); len(got) != 1 || got[0] != [2]int64{204, 4} {
		t.Fatalf("bad blocks on dev 1 = %v, want [[204 4]]", got)
	}
	if !rdev.Test(FlagWriteErrorSeen) || !rdev.Test(FlagWantReplacement) {
		t.Error("failing device not flagged for replacement")
	}
	waitFor(t, "metadata update", func() bool { return meta.updateCount() > 0 })

	if !bytes.Equal(devRead(t, devs[1], 200, 4), data[:4*core.SectorSize]) {
		t.Error("dev 1 missing the sectors its media accepted")
	}
	if !bytes.Equal(devRead(t, devs[1], 204, 4), make([]byte, 4*core.SectorSize)) {
		t.Error("dev 1 holds data inside the refused range")
	}
	if got := readAt(t, a, 200, 8); !bytes.Equal(got, data) {
		t.Fatal("read back after narrowed write differs")
	}
}

func TestFailFastRead(t *testing.T) {
	a, devs, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	data := pattern(0, 64)
	writeAt(t, a, 0, data)

	// Both mirrors opt out of slow in-place repair. When device 0 errors,
	// it is failed outright and the read is rerouted; no page-by-page
	// rewrite loop runs against it.
	a.conf.mirrors[0].rdev.Set(FlagFailFast)
	a.conf.mirrors[1].rdev.Set(FlagFailFast)
	devs[0].FailReads(0, 64, core.ErrIO, -1)

	if got := readAt(t, a, 0, 64); !bytes.Equal(got, data) {
		t.Fatal("rerouted read returned wrong data")
	}

	rdev := a.conf.mirrors[0].rdev
	if !rdev.Test(FlagFaulty) {
		t.Error("fast-fail device not failed on first error")
	}
	if got := a.Degraded(); got != 1 {
		t.Errorf("Degraded = %d, want 1", got)
	}
	// The slow path's side effects must be absent.
	if !rdev.BB.Empty() {
		t.Errorf("fast-fail left bad blocks: %v", rdev.BB.Ranges())
	}
	if rdev.Corrected() != 0 {
		t.Errorf("Corrected = %d, want no repair attempts", rdev.Corrected())
	}
}

func TestFailFastWrite(t *testing.T) {
	a, devs, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)

	a.conf.mirrors[1].rdev.Set(FlagFailFast)
	devs[1].FailWrites(8, 8, core.ErrIO, -1)

	data := pattern(8, 8)
	writeAt(t, a, 8, data)

	// The write lands on device 0; device 1 is failed on its first error
	// instead of going through bad-range narrowing.
	rdev := a.conf.mirrors[1].rdev
	if !rdev.Test(FlagFaulty) {
		t.Error("fast-fail device not failed on first write error")
	}
	if !rdev.BB.Empty() {
		t.Errorf("fast-fail write left bad blocks: %v", rdev.BB.Ranges())
	}
	if rdev.Test(FlagWantReplacement) {
		t.Error("failed device still marked for replacement")
	}
	if got := a.Degraded(); got != 1 {
		t.Errorf("Degraded = %d, want 1", got)
	}
	if got := readAt(t, a, 8, 8); !bytes.Equal(got, data) {
		t.Fatal("write lost despite a surviving copy")
	}
}
