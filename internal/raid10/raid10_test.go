// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/pkg/blockdev"
)

var BG = context.Background()

// testMeta is a Metadata implementation whose superblock writes always
// succeed. Update requests are acknowledged from a separate goroutine, the
// way the real metadata writer does; the engine may request updates while
// holding its device lock.
type testMeta struct {
	mu  sync.Mutex
	arr *Array

	updates int64
	saves   int64
	lastPos int64
}

func (m *testMeta) attach(a *Array) {
	m.mu.Lock()
	m.arr = a
	m.mu.Unlock()
}

func (m *testMeta) NeedUpdate() {
	atomic.AddInt64(&m.updates, 1)
	go func() {
		m.mu.Lock()
		a := m.arr
		m.mu.Unlock()
		if a != nil {
			a.MetadataWritten()
		}
	}()
}

func (m *testMeta) SaveReshape(pos int64) core.Error {
	atomic.AddInt64(&m.saves, 1)
	atomic.StoreInt64(&m.lastPos, pos)
	return core.NoError
}

func (m *testMeta) WriteBegin() {}
func (m *testMeta) WriteEnd()   {}

func (m *testMeta) updateCount() int64 { return atomic.LoadInt64(&m.updates) }
func (m *testMeta) saveCount() int64   { return atomic.LoadInt64(&m.saves) }

func mkDevs(n int, sectors int64) []*blockdev.MemDev {
	devs := make([]*blockdev.MemDev, n)
	for i := range devs {
		devs[i] = blockdev.NewMemDev(sectors)
	}
	return devs
}

func devSlice(devs []*blockdev.MemDev) []blockdev.Dev {
	out := make([]blockdev.Dev, len(devs))
	for i, d := range devs {
		out[i] = d
	}
	return out
}

func mkArray(t *testing.T, l Layout, devSectors int64) (*Array, []*blockdev.MemDev, *testMeta) {
	t.Helper()
	devs := mkDevs(l.RaidDisks, devSectors)
	meta := &testMeta{}
	a, err := Assemble(Config{Layout: l}, devSlice(devs), meta, nil, nil)
	if err != core.NoError {
		t.Fatalf("Assemble: %s", err)
	}
	meta.attach(a)
	t.Cleanup(a.Stop)
	return a, devs, meta
}

// mkArrayAt is mkArray with the data area starting at offset sectors into
// each device, leaving headroom a forward reshape can relocate into.
func mkArrayAt(t *testing.T, l Layout, devSectors, offset int64) (*Array, []*blockdev.MemDev, *testMeta) {
	t.Helper()
	devs := mkDevs(l.RaidDisks, devSectors)
	meta := &testMeta{}
	a, err := Assemble(Config{Layout: l, DataOffset: offset}, devSlice(devs), meta, nil, nil)
	if err != core.NoError {
		t.Fatalf("Assemble: %s", err)
	}
	meta.attach(a)
	t.Cleanup(a.Stop)
	return a, devs, meta
}

// doBio submits one request and waits for its completion callback. Requests
// refused before submission never invoke Done; their error comes back from
// MakeRequest directly.
func doBio(t *testing.T, a *Array, b *Bio) core.Error {
	t.Helper()
	ch := make(chan core.Error, 1)
	b.Done = func(e core.Error) { ch <- e }
	if err := a.MakeRequest(BG, b); err != core.NoError {
		select {
		case e := <-ch:
			return e
		default:
			return err
		}
	}
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Second):
		t.Fatalf("%s at sector %d did not complete", b.Op, b.Sector)
	}
	return core.NoError
}

func writeAt(t *testing.T, a *Array, sector int64, data []byte) {
	t.Helper()
	if err := doBio(t, a, &Bio{Op: OpWrite, Sector: sector, Data: data}); err != core.NoError {
		t.Fatalf("write at sector %d: %s", sector, err)
	}
}

func readAt(t *testing.T, a *Array, sector, nsectors int64) []byte {
	t.Helper()
	data := make([]byte, nsectors*core.SectorSize)
	if err := doBio(t, a, &Bio{Op: OpRead, Sector: sector, Data: data}); err != core.NoError {
		t.Fatalf("read at sector %d: %s", sector, err)
	}
	return data
}

// pattern fills each sector with a byte derived from its logical sector
// number, so misplaced data is caught, not just corrupted data.
func pattern(sector, nsectors int64) []byte {
	data := make([]byte, nsectors*core.SectorSize)
	for i := range data {
		data[i] = byte(int64(i)>>core.SectorShift + sector + 1)
	}
	return data
}

func devRead(t *testing.T, d *blockdev.MemDev, sector, nsectors int64) []byte {
	t.Helper()
	data := make([]byte, nsectors*core.SectorSize)
	if err := d.ReadSectors(BG, sector, data); err != core.NoError {
		t.Fatalf("device read at sector %d: %s", sector, err)
	}
	return data
}

// runSync drives one full background pass the way the framework's recovery
// goroutine does.
func runSync(t *testing.T, a *Array, mode SyncMode) {
	t.Helper()
	pos := int64(0)
	for i := 0; ; i++ {
		if i > 1<<20 {
			t.Fatalf("%s pass did not terminate (cursor at %d)", mode, pos)
		}
		advanced, _, err := a.SyncRequest(pos, mode)
		if err != core.NoError {
			t.Fatalf("%s at sector %d: %s", mode, pos, err)
		}
		if advanced == 0 {
			return
		}
		pos += advanced
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
