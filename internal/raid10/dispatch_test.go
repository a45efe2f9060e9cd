// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

func TestWriteReadRoundTrip(t *testing.T) {
	a, devs, _ := mkArray(t, Layout{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	if got := a.Sectors(); got != 128 {
		t.Fatalf("Sectors = %d, want 128", got)
	}

	data := pattern(0, 128)
	writeAt(t, a, 0, data)
	if got := readAt(t, a, 0, 128); !bytes.Equal(got, data) {
		t.Fatal("read back differs from written data")
	}

	// Chunk 0 is mirrored on devices 0 and 1, chunk 1 on devices 2 and 3.
	chunk0 := data[:8*core.SectorSize]
	chunk1 := data[8*core.SectorSize : 16*core.SectorSize]
	for _, n := range []int{0, 1} {
		if !bytes.Equal(devRead(t, devs[n], 0, 8), chunk0) {
			t.Errorf("dev %d does not hold chunk 0", n)
		}
	}
	for _, n := range []int{2, 3} {
		if !bytes.Equal(devRead(t, devs[n], 0, 8), chunk1) {
			t.Errorf("dev %d does not hold chunk 1", n)
		}
	}
}

func TestUnalignedWrite(t *testing.T) {
	a, _, _ := mkArray(t, Layout{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)

	// Crosses the chunk boundary at sector 8; the dispatcher splits it.
	data := pattern(5, 10)
	writeAt(t, a, 5, data)

	got := readAt(t, a, 0, 24)
	zero := make([]byte, 5*core.SectorSize)
	if !bytes.Equal(got[:5*core.SectorSize], zero) {
		t.Error("sectors before the write are not zero")
	}
	if !bytes.Equal(got[5*core.SectorSize:15*core.SectorSize], data) {
		t.Error("written range does not read back")
	}
	if !bytes.Equal(got[15*core.SectorSize:], make([]byte, 9*core.SectorSize)) {
		t.Error("sectors after the write are not zero")
	}
}

func TestNowaitUnderQuiesce(t *testing.T) {
	a, _, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)

	a.Quiesce(true)
	err := doBio(t, a, &Bio{Op: OpWrite, Sector: 0, Data: pattern(0, 8), Nowait: true})
	if err != core.ErrWouldBlock {
		t.Fatalf("nowait write under quiesce = %s, want ErrWouldBlock", err)
	}
	a.Quiesce(false)

	if err := doBio(t, a, &Bio{Op: OpWrite, Sector: 0, Data: pattern(0, 8), Nowait: true}); err != core.NoError {
		t.Fatalf("nowait write after quiesce: %s", err)
	}
}

func TestFlush(t *testing.T) {
	a, _, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	if err := doBio(t, a, &Bio{Op: OpFlush}); err != core.NoError {
		t.Fatalf("flush: %s", err)
	}
	if err := doBio(t, a, &Bio{Op: OpWrite, Sector: 0, Data: pattern(0, 4), Preflush: true}); err != core.NoError {
		t.Fatalf("preflush write: %s", err)
	}
}

func TestRequestBounds(t *testing.T) {
	a, _, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	cap := a.Sectors()

	for _, sector := range []int64{-1, cap, cap - 4} {
		err := doBio(t, a, &Bio{Op: OpRead, Sector: sector, Data: make([]byte, 8*core.SectorSize)})
		if err != core.ErrInvalidArgument {
			t.Errorf("read at %d = %s, want ErrInvalidArgument", sector, err)
		}
	}
}

func TestStoppedArray(t *testing.T) {
	a, _, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	a.Stop()
	err := doBio(t, a, &Bio{Op: OpRead, Sector: 0, Data: make([]byte, core.SectorSize)})
	if err != core.ErrStopped {
		t.Fatalf("read after Stop = %s, want ErrStopped", err)
	}
}

func TestDiscard(t *testing.T) {
	a, _, _ := mkArray(t, Layout{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	data := pattern(0, 128)
	writeAt(t, a, 0, data)

	if err := doBio(t, a, &Bio{Op: OpDiscard, Sector: 16, NSectors: 64}); err != core.NoError {
		t.Fatalf("discard: %s", err)
	}

	got := readAt(t, a, 0, 128)
	if !bytes.Equal(got[:16*core.SectorSize], data[:16*core.SectorSize]) {
		t.Error("data before the discard window changed")
	}
	if !bytes.Equal(got[16*core.SectorSize:80*core.SectorSize], make([]byte, 64*core.SectorSize)) {
		t.Error("discarded range did not read back as zeros")
	}
	if !bytes.Equal(got[80*core.SectorSize:], data[80*core.SectorSize:]) {
		t.Error("data after the discard window changed")
	}
}

func TestDiscardTooSmall(t *testing.T) {
	a, _, _ := mkArray(t, Layout{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)
	err := doBio(t, a, &Bio{Op: OpDiscard, Sector: 0, NSectors: 16})
	if err != core.ErrDiscardTooSmall {
		t.Fatalf("one-stripe discard = %s, want ErrDiscardTooSmall", err)
	}
}

func TestAtomicWriteOverBadBlock(t *testing.T) {
	a, devs, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 1024)

	// Pretend device 1 already collected a bad range at 204..207, persisted
	// and acknowledged.
	rdev := a.conf.mirrors[1].rdev
	rdev.Set(FlagWriteErrorSeen)
	rdev.BB.Record(204, 4)
	rdev.BB.AckAll()

	err := doBio(t, a, &Bio{Op: OpWrite, Sector: 200, Data: pattern(200, 8), Atomic: true})
	if err != core.ErrAtomicity {
		t.Fatalf("atomic write over bad block = %s, want ErrAtomicity", err)
	}

	// The plain write narrows around the bad range: device 0 gets all of
	// it, device 1 only the leading good part.
	data := pattern(200, 8)
	writeAt(t, a, 200, data)
	if !bytes.Equal(devRead(t, devs[0], 200, 8), data) {
		t.Error("dev 0 missing part of the write")
	}
	if !bytes.Equal(devRead(t, devs[1], 200, 4), data[:4*core.SectorSize]) {
		t.Error("dev 1 missing the good leading sectors")
	}
	if !bytes.Equal(devRead(t, devs[1], 204, 4), make([]byte, 4*core.SectorSize)) {
		t.Error("dev 1 was written inside its bad range")
	}
}

func TestPlugHoldsWrites(t *testing.T) {
	a, _, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 64)

	ctx, plug := a.StartPlug(BG)
	ch := make(chan core.Error, 1)
	b := &Bio{Op: OpWrite, Sector: 0, Data: pattern(0, 8), Done: func(e core.Error) { ch <- e }}
	if err := a.MakeRequest(ctx, b); err != core.NoError {
		t.Fatalf("plugged write: %s", err)
	}

	select {
	case <-ch:
		t.Fatal("plugged write completed before Finish")
	case <-time.After(50 * time.Millisecond):
	}

	plug.Finish()
	select {
	case e := <-ch:
		if e != core.NoError {
			t.Fatalf("plugged write failed: %s", e)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("plugged write never completed")
	}

	if got := readAt(t, a, 0, 8); !bytes.Equal(got, pattern(0, 8)) {
		t.Fatal("plugged write did not land")
	}
}

func TestConcurrentReadBalance(t *testing.T) {
	a, devs, _ := mkArray(t, Layout{RaidDisks: 2, NearCopies: 2, FarCopies: 1, ChunkSectors: 8}, 1024)
	// Rotational members make the balancer track and compare head
	// positions on every read, from many readers at once.
	for _, d := range devs {
		d.SetRotational(true)
	}
	data := pattern(0, 1024)
	writeAt(t, a, 0, data)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sector := int64(0); sector < 1024; sector += 8 {
				buf := make([]byte, 8*core.SectorSize)
				done := make(chan core.Error, 1)
				bio := &Bio{Op: OpRead, Sector: sector, Data: buf, Done: func(e core.Error) { done <- e }}
				if err := a.MakeRequest(BG, bio); err != core.NoError {
					t.Errorf("read at sector %d: %s", sector, err)
					return
				}
				if err := <-done; err != core.NoError {
					t.Errorf("read at sector %d: %s", sector, err)
					return
				}
				if !bytes.Equal(buf, data[sector*core.SectorSize:(sector+8)*core.SectorSize]) {
					t.Errorf("wrong data at sector %d", sector)
					return
				}
			}
		}()
	}
	wg.Wait()
}
