// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockdev

import (
	"bytes"
	"context"
	"testing"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

var BG = context.Background()

func TestMemDevReadWrite(t *testing.T) {
	m := NewMemDev(64)
	data := bytes.Repeat([]byte{0xab}, 8*core.SectorSize)
	if err := m.WriteSectors(BG, 8, data); err != core.NoError {
		t.Fatalf("write: %s", err)
	}
	got := make([]byte, 8*core.SectorSize)
	if err := m.ReadSectors(BG, 8, got); err != core.NoError {
		t.Fatalf("read: %s", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back differs")
	}
	if err := m.ReadSectors(BG, 60, make([]byte, 8*core.SectorSize)); err != core.ErrInvalidArgument {
		t.Fatalf("out-of-range read = %s, want ErrInvalidArgument", err)
	}
}

func TestMemDevFaults(t *testing.T) {
	m := NewMemDev(64)
	m.FailReads(10, 2, core.ErrIO, 1)

	buf := make([]byte, 4*core.SectorSize)
	if err := m.ReadSectors(BG, 9, buf); err != core.ErrIO {
		t.Fatalf("faulted read = %s, want ErrIO", err)
	}
	// The fault was one-shot.
	if err := m.ReadSectors(BG, 9, buf); err != core.NoError {
		t.Fatalf("read after fault expired: %s", err)
	}
	// Reads outside the fault range never failed.
	if err := m.ReadSectors(BG, 20, buf); err != core.NoError {
		t.Fatalf("read off the fault range: %s", err)
	}
}

func TestMemDevPartialWriteFault(t *testing.T) {
	m := NewMemDev(64)
	m.FailWrites(4, 2, core.ErrIO, -1)

	data := bytes.Repeat([]byte{0x7f}, 8*core.SectorSize)
	if err := m.WriteSectors(BG, 0, data); err != core.ErrIO {
		t.Fatalf("faulted write = %s, want ErrIO", err)
	}
	// The prefix before the bad range was applied, the rest was not.
	got := make([]byte, 8*core.SectorSize)
	if err := m.ReadSectors(BG, 0, got); err != core.NoError {
		t.Fatalf("read: %s", err)
	}
	if !bytes.Equal(got[:4*core.SectorSize], data[:4*core.SectorSize]) {
		t.Fatal("prefix before the fault not applied")
	}
	if !bytes.Equal(got[4*core.SectorSize:], make([]byte, 4*core.SectorSize)) {
		t.Fatal("data landed past the failing sector")
	}
}

func TestMemDevDiscardAndClose(t *testing.T) {
	m := NewMemDev(64)
	data := bytes.Repeat([]byte{0x11}, 16*core.SectorSize)
	if err := m.WriteSectors(BG, 0, data); err != core.NoError {
		t.Fatalf("write: %s", err)
	}
	if err := m.Discard(BG, 4, 8); err != core.NoError {
		t.Fatalf("discard: %s", err)
	}
	got := make([]byte, 16*core.SectorSize)
	if err := m.ReadSectors(BG, 0, got); err != core.NoError {
		t.Fatalf("read: %s", err)
	}
	if !bytes.Equal(got[4*core.SectorSize:12*core.SectorSize], make([]byte, 8*core.SectorSize)) {
		t.Fatal("discarded range not zeroed")
	}
	if !bytes.Equal(got[:4*core.SectorSize], data[:4*core.SectorSize]) {
		t.Fatal("discard touched data before the range")
	}

	m.Close()
	if err := m.ReadSectors(BG, 0, got); err != core.ErrStopped {
		t.Fatalf("read after close = %s, want ErrStopped", err)
	}
}
