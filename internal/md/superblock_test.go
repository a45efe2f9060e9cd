// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package md

import (
	"bytes"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/boltdb/bolt"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/internal/raid10"
	test "github.com/westerndigitalcorporation/raid10/pkg/testutil"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(test.TempDir(), t.Name()+".db"))
	if err != core.NoError {
		t.Fatalf("OpenStore: %s", err)
	}
	t.Cleanup(s.Close)
	return s
}

func sampleSuperblock() *Superblock {
	return &Superblock{
		Dirty:      true,
		Layout:     raid10.Layout{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 1024},
		DevSectors: 1 << 20,
		ReshapePos: core.MaxSector,
		OldLayout:  raid10.Layout{RaidDisks: 4, NearCopies: 2, FarCopies: 1, ChunkSectors: 1024},
		Devs: []core.DevMeta{
			{Slot: 0, Present: true, InSync: true, RecoveryOffset: core.MaxSector, DataOffset: 2048},
			{Slot: 1, Present: true, InSync: true, RecoveryOffset: core.MaxSector, DataOffset: 2048,
				BadRanges: [][2]int64{{100, 8}, {5000, 1}}},
			{Slot: 2, Present: true, Faulty: true},
			{Slot: 3, Present: true, RecoveryOffset: 4096, DataOffset: 2048},
		},
	}
}

func TestSuperblockRoundtrip(t *testing.T) {
	path := filepath.Join(test.TempDir(), t.Name()+".db")
	s, err := OpenStore(path)
	if err != core.NoError {
		t.Fatalf("OpenStore: %s", err)
	}

	// A fresh store holds no record.
	if sb, err := s.Load(); err != core.NoError || sb != nil {
		t.Fatalf("empty Load = %v, %s", sb, err)
	}

	want := sampleSuperblock()
	if err := s.Save(want); err != core.NoError {
		t.Fatalf("Save: %s", err)
	}
	if want.Events != 1 {
		t.Fatalf("Events = %d after first save, want 1", want.Events)
	}
	got, err := s.Load()
	if err != core.NoError {
		t.Fatalf("Load: %s", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}

	if err := s.Save(want); err != core.NoError {
		t.Fatalf("second Save: %s", err)
	}
	s.Close()

	// Survives reopening the file.
	s2, err := OpenStore(path)
	if err != core.NoError {
		t.Fatalf("reopen: %s", err)
	}
	defer s2.Close()
	got, err = s2.Load()
	if err != core.NoError {
		t.Fatalf("Load after reopen: %s", err)
	}
	if got.Events != 2 {
		t.Fatalf("Events = %d after reopen, want 2", got.Events)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatal("superblock changed across reopen")
	}
}

func TestSuperblockCorruption(t *testing.T) {
	s := openStore(t)
	if err := s.Save(sampleSuperblock()); err != core.NoError {
		t.Fatalf("Save: %s", err)
	}

	// Overwrite the record with garbage behind the store's back.
	corrupt := func(raw []byte) {
		t.Helper()
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(superBucket).Put(superKey, raw)
		})
		if err != nil {
			t.Fatalf("injecting corruption: %v", err)
		}
	}

	corrupt([]byte("not a superblock, not even close"))
	if _, err := s.Load(); err != core.ErrCorruptData {
		t.Fatalf("garbage Load = %s, want ErrCorruptData", err)
	}

	// A valid record with one flipped byte must fail the checksum.
	valid := encodeSuperblock(sampleSuperblock())
	valid[12] ^= 0xff
	corrupt(valid)
	if _, err := s.Load(); err != core.ErrCorruptData {
		t.Fatalf("bit-flipped Load = %s, want ErrCorruptData", err)
	}

	// Truncation fails too.
	valid = encodeSuperblock(sampleSuperblock())
	corrupt(valid[:len(valid)-9])
	if _, err := s.Load(); err != core.ErrCorruptData {
		t.Fatalf("truncated Load = %s, want ErrCorruptData", err)
	}
}

func TestBitmapStoreRoundtrip(t *testing.T) {
	s := openStore(t)

	if raw, err := s.LoadBitmap(); err != core.NoError || raw != nil {
		t.Fatalf("empty LoadBitmap = %v, %s", raw, err)
	}

	// Bitmap pages are mostly runs of identical bytes; the compressed
	// record should round-trip exactly.
	page := make([]byte, 4096)
	for i := 100; i < 140; i++ {
		page[i] = 0xff
	}
	if err := s.SaveBitmap(page); err != core.NoError {
		t.Fatalf("SaveBitmap: %s", err)
	}
	got, err := s.LoadBitmap()
	if err != core.NoError {
		t.Fatalf("LoadBitmap: %s", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatal("bitmap page did not round-trip")
	}
}
