// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"testing"
	"time"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

func TestBarrierRaiseBlocksForeground(t *testing.T) {
	bar := newBarrier()
	bar.raise(false)

	entered := make(chan struct{})
	go func() {
		if err := bar.wait(BG, false); err != core.NoError {
			t.Errorf("wait: %s", err)
		}
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("foreground got past a raised barrier")
	case <-time.After(50 * time.Millisecond):
	}

	bar.lower()
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("foreground still blocked after lower")
	}
	bar.allow()
}

func TestBarrierNowait(t *testing.T) {
	bar := newBarrier()
	bar.raise(false)
	if err := bar.wait(BG, true); err != core.ErrWouldBlock {
		t.Fatalf("wait(nowait) under barrier = %s, want ErrWouldBlock", err)
	}
	bar.lower()
	if err := bar.wait(BG, true); err != core.NoError {
		t.Fatalf("wait(nowait) on idle barrier = %s", err)
	}
	bar.allow()
}

func TestBarrierRaiseWaitsForPending(t *testing.T) {
	bar := newBarrier()
	if err := bar.wait(BG, false); err != core.NoError {
		t.Fatalf("wait: %s", err)
	}

	raised := make(chan struct{})
	go func() {
		bar.raise(false)
		close(raised)
	}()

	select {
	case <-raised:
		t.Fatal("raise completed with a foreground request inside")
	case <-time.After(50 * time.Millisecond):
	}

	bar.allow()
	select {
	case <-raised:
	case <-time.After(10 * time.Second):
		t.Fatal("raise still blocked after the last allow")
	}
	bar.lower()
}

func TestBarrierDaemonReentry(t *testing.T) {
	bar := newBarrier()
	bar.raise(false)
	// The housekeeping goroutine must get through a raised barrier, or it
	// could never drain the queues the barrier holder is waiting on.
	if err := bar.wait(daemonContext(BG), false); err != core.NoError {
		t.Fatalf("daemon wait: %s", err)
	}
	bar.allow()
	bar.lower()
}

func TestBarrierFreeze(t *testing.T) {
	bar := newBarrier()
	bar.wait(BG, false)
	bar.wait(BG, false)

	frozen := make(chan struct{})
	go func() {
		bar.freeze(0, func() {})
		close(frozen)
	}()

	select {
	case <-frozen:
		t.Fatal("freeze completed with unqueued pending requests")
	case <-time.After(50 * time.Millisecond):
	}

	// Park both requests; once every pending request is accounted for on a
	// queue the freeze may complete.
	bar.incQueued()
	select {
	case <-frozen:
		t.Fatal("freeze completed with one request unaccounted for")
	case <-time.After(50 * time.Millisecond):
	}
	bar.incQueued()
	select {
	case <-frozen:
	case <-time.After(10 * time.Second):
		t.Fatal("freeze never completed")
	}

	bar.unfreeze()
	bar.decQueued(2)
	bar.allow()
	bar.allow()
}

func TestBarrierFreezeExtra(t *testing.T) {
	bar := newBarrier()
	bar.wait(BG, false)
	// The caller owns the one pending request itself, so freeze(1, ...) has
	// nothing to wait for.
	done := make(chan struct{})
	go func() {
		bar.freeze(1, func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("freeze(1) blocked with a single self-owned request")
	}
	bar.unfreeze()
	bar.allow()
}

func TestBarrierDepthBound(t *testing.T) {
	bar := newBarrier()
	for i := 0; i < resyncDepth-1; i++ {
		bar.raise(false)
	}

	// The next raise would exceed the depth bound and must block until a
	// holder lowers.
	raised := make(chan struct{})
	go func() {
		bar.raise(false)
		close(raised)
	}()

	select {
	case <-raised:
		t.Fatal("raise succeeded past the depth bound")
	case <-time.After(50 * time.Millisecond):
	}

	bar.lower()
	select {
	case <-raised:
	case <-time.After(10 * time.Second):
		t.Fatal("raise still blocked after a lower")
	}

	for i := 0; i < resyncDepth-1; i++ {
		bar.lower()
	}
}
