// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package md

import (
	"testing"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// mkIntent builds an 8-chunk bitmap (1024 sectors at 128-sector chunks)
// with no backing store.
func mkIntent(t *testing.T) *WriteIntent {
	t.Helper()
	w, err := NewWriteIntent(1024, 128, nil)
	if err != core.NoError {
		t.Fatalf("NewWriteIntent: %s", err)
	}
	return w
}

func TestWriteIntentValidation(t *testing.T) {
	if _, err := NewWriteIntent(0, 128, nil); err != core.ErrInvalidArgument {
		t.Errorf("zero sectors = %s", err)
	}
	if _, err := NewWriteIntent(1024, 0, nil); err != core.ErrInvalidArgument {
		t.Errorf("zero chunk = %s", err)
	}
	if _, err := NewWriteIntent(1024, 100, nil); err != core.ErrInvalidArgument {
		t.Errorf("non-power-of-two chunk = %s", err)
	}
}

func TestWriteIntentWriteLifecycle(t *testing.T) {
	w := mkIntent(t)
	if got := w.DirtyChunks(); got != 0 {
		t.Fatalf("fresh bitmap has %d dirty chunks", got)
	}

	w.StartWrite(0, 10)
	if got := w.DirtyChunks(); got != 1 {
		t.Fatalf("DirtyChunks = %d after one write, want 1", got)
	}
	// Spans the chunk boundary at sector 128.
	w.StartWrite(100, 100)
	if got := w.DirtyChunks(); got != 2 {
		t.Fatalf("DirtyChunks = %d after boundary write, want 2", got)
	}
	w.EndWrite(0, 10)
	w.EndWrite(100, 100)
	// Bits stay set until a sync pass or LazyClear proves the region.
	if got := w.DirtyChunks(); got != 2 {
		t.Fatalf("DirtyChunks = %d after EndWrite, want 2", got)
	}

	w.LazyClear()
	if got := w.DirtyChunks(); got != 0 {
		t.Fatalf("DirtyChunks = %d after LazyClear, want 0", got)
	}
}

func TestWriteIntentSync(t *testing.T) {
	w := mkIntent(t)
	w.StartWrite(0, 1)
	w.EndWrite(0, 1)
	w.StartWrite(300, 1)
	w.EndWrite(300, 1)

	// Dirty chunk: must sync, extent runs to the chunk end.
	needed, ext := w.StartSync(0, false)
	if !needed || ext != 128 {
		t.Fatalf("StartSync(0) = %v, %d, want true, 128", needed, ext)
	}
	w.EndSync(0)

	// Clean chunk: skip extent covers the consecutive clean run up to the
	// next dirty chunk (sector 300 lives in chunk 2).
	needed, ext = w.StartSync(128, false)
	if needed || ext != 128 {
		t.Fatalf("StartSync(128) = %v, %d, want false, 128", needed, ext)
	}
	// On a degraded array even clean chunks are scanned.
	needed, _ = w.StartSync(128, true)
	if !needed {
		t.Fatal("StartSync on degraded array skipped a chunk")
	}
	w.EndSync(128)

	needed, _ = w.StartSync(256, false)
	if !needed {
		t.Fatal("chunk 2 should need a sync")
	}
	w.EndSync(256)
	if got := w.DirtyChunks(); got != 0 {
		t.Fatalf("DirtyChunks = %d after full pass, want 0", got)
	}
}

func TestWriteIntentWriterHoldsBit(t *testing.T) {
	w := mkIntent(t)
	w.StartWrite(0, 1)

	needed, _ := w.StartSync(0, false)
	if !needed {
		t.Fatal("chunk with in-flight write not dirty")
	}
	// The in-flight write keeps the bit set through EndSync.
	w.EndSync(0)
	if got := w.DirtyChunks(); got != 1 {
		t.Fatalf("DirtyChunks = %d with writer in flight, want 1", got)
	}
	w.EndWrite(0, 1)

	needed, _ = w.StartSync(0, false)
	if !needed {
		t.Fatal("chunk still dirty, must sync again")
	}
	w.EndSync(0)
	if got := w.DirtyChunks(); got != 0 {
		t.Fatalf("DirtyChunks = %d after writer drained, want 0", got)
	}
}

func TestWriteIntentCloseSync(t *testing.T) {
	w := mkIntent(t)
	w.SetAll()
	if got := w.DirtyChunks(); got != 8 {
		t.Fatalf("DirtyChunks = %d after SetAll, want 8", got)
	}
	for s := int64(0); s < 1024; s += 128 {
		if needed, _ := w.StartSync(s, false); !needed {
			t.Fatalf("chunk at %d unexpectedly clean", s)
		}
	}
	w.CloseSync()
	if got := w.DirtyChunks(); got != 0 {
		t.Fatalf("DirtyChunks = %d after CloseSync, want 0", got)
	}
}

func TestWriteIntentResize(t *testing.T) {
	w := mkIntent(t)
	if err := w.Resize(2048); err != core.NoError {
		t.Fatalf("Resize: %s", err)
	}
	// The grown region starts dirty; the original chunks stay clean.
	if got := w.DirtyChunks(); got != 8 {
		t.Fatalf("DirtyChunks = %d after grow, want 8 new chunks", got)
	}
	if err := w.Resize(1024); err != core.NoError {
		t.Fatalf("shrink: %s", err)
	}
	if got := w.DirtyChunks(); got != 0 {
		t.Fatalf("DirtyChunks = %d after shrink back, want 0", got)
	}
	if err := w.Resize(0); err != core.ErrInvalidArgument {
		t.Fatalf("Resize(0) = %s, want ErrInvalidArgument", err)
	}
}

func TestWriteIntentPersistence(t *testing.T) {
	s := openStore(t)

	w, err := NewWriteIntent(1024, 128, s)
	if err != core.NoError {
		t.Fatalf("NewWriteIntent: %s", err)
	}
	w.StartWrite(0, 1)
	w.StartWrite(500, 1)
	if err := w.Save(); err != core.NoError {
		t.Fatalf("Save: %s", err)
	}

	// A reload with matching geometry restores the set bits as
	// needs-resync.
	w2, err := NewWriteIntent(1024, 128, s)
	if err != core.NoError {
		t.Fatalf("reload: %s", err)
	}
	if got := w2.DirtyChunks(); got != 2 {
		t.Fatalf("DirtyChunks = %d after reload, want 2", got)
	}
	if needed, _ := w2.StartSync(0, false); !needed {
		t.Fatal("chunk 0 lost its bit across reload")
	}
	if needed, _ := w2.StartSync(384, false); !needed {
		t.Fatal("chunk 3 lost its bit across reload")
	}

	// A geometry change cannot trust the saved bits: everything is dirty.
	w3, err := NewWriteIntent(2048, 128, s)
	if err != core.NoError {
		t.Fatalf("mismatched reload: %s", err)
	}
	if got := w3.DirtyChunks(); got != 16 {
		t.Fatalf("DirtyChunks = %d after geometry change, want all 16", got)
	}
}

func TestWriteIntentCondEndSync(t *testing.T) {
	w := mkIntent(t)

	// remember marks a chunk synced-under-writer-pressure: the sync round
	// finishes while a write is still in flight, then the write drains.
	remember := func(sector int64) {
		w.StartWrite(sector, 1)
		w.StartSync(sector, false)
		w.EndSync(sector)
		w.EndWrite(sector, 1)
	}

	remember(0)
	if got := w.DirtyChunks(); got != 1 {
		t.Fatalf("DirtyChunks = %d, want 1", got)
	}

	// A cursor at the chunk's own start does not cover it.
	w.CondEndSync(0, false)
	if got := w.DirtyChunks(); got != 1 {
		t.Errorf("retired a chunk the cursor had not passed, DirtyChunks = %d", got)
	}

	// Once the cursor moves past, the remembered chunk retires.
	w.CondEndSync(128, false)
	if got := w.DirtyChunks(); got != 0 {
		t.Errorf("DirtyChunks = %d after cursor passed, want 0", got)
	}

	// force covers the chunk holding the cursor, for the end of the pass.
	remember(256)
	w.CondEndSync(256, true)
	if got := w.DirtyChunks(); got != 0 {
		t.Errorf("DirtyChunks = %d after forced retire, want 0", got)
	}

	// A write landing after the round re-arms the bit; the pass no longer
	// proved the chunk clean and CondEndSync must leave it set.
	remember(512)
	w.StartWrite(512, 1)
	w.EndWrite(512, 1)
	w.CondEndSync(1024, false)
	if got := w.DirtyChunks(); got != 1 {
		t.Errorf("re-dirtied chunk retired, DirtyChunks = %d, want 1", got)
	}
}
