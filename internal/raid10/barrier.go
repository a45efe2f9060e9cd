// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"context"
	"sync"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// resyncDepth bounds how many barrier raises (outstanding sync rounds) may
// stack before background work has to wait for foreground drain.
const resyncDepth = 32

// barrier is the fair counting rw-lock between foreground request flow
// (readers) and background sync/recover/reshape/freeze flow (writers).
//
// Invariants: while count > 0, new foreground requests block; while
// nrPending > 0, new raises block. The one allowed re-enterer is the
// housekeeping goroutine, identified by a context token, so it can never
// deadlock against the barrier it is draining.
type barrier struct {
	mu   sync.Mutex
	cond *sync.Cond

	count         int // raised barriers
	nrPending     int // foreground requests inside
	nrWaiting     int // foreground requests blocked at the gate
	nrQueued      int // requests parked on retry/end-io queues
	freezePending int
}

func newBarrier() *barrier {
	b := &barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// stopWaiting is the predicate a blocked foreground caller waits on.
func (b *barrier) stopWaiting(ctx context.Context) bool {
	if b.count == 0 {
		return true
	}
	// The housekeeping goroutine must never block here: it is the one
	// draining the queues the barrier holder may be waiting on.
	if isDaemonContext(ctx) {
		return true
	}
	// If the caller is holding plugged bios and there is still pending
	// I/O, let it through so it can flush them; otherwise the barrier
	// holder waits on writes that will never be submitted.
	if b.nrPending > 0 && plugHasQueued(ctx) {
		return true
	}
	return false
}

// wait is the foreground entry gate. With nowait set it fails with
// ErrWouldBlock instead of sleeping. On NoError the caller holds one
// pending reference and must release it with allow.
func (b *barrier) wait(ctx context.Context, nowait bool) core.Error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count > 0 {
		if nowait {
			return core.ErrWouldBlock
		}
		b.nrWaiting++
		for !b.stopWaiting(ctx) {
			b.cond.Wait()
		}
		b.nrWaiting--
		if b.nrWaiting == 0 {
			b.cond.Broadcast()
		}
	}
	b.nrPending++
	return core.NoError
}

// allow releases the pending reference taken by wait.
func (b *barrier) allow() {
	b.mu.Lock()
	b.nrPending--
	if b.nrPending == 0 || b.freezePending > 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// raise excludes foreground I/O. Fairness: it queues behind already-waiting
// foreground requests unless force is set (used when a barrier is nested for
// internal reasons and waiting on foreground would deadlock).
func (b *barrier) raise(force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if force && b.count == 0 {
		// Forcing only makes sense on top of an existing raise.
		force = false
	}
	for !force && b.nrWaiting > 0 {
		b.cond.Wait()
	}
	b.count++
	for b.nrPending > 0 || b.count >= resyncDepth {
		b.cond.Wait()
	}
}

// lower drops one barrier raise.
func (b *barrier) lower() {
	b.mu.Lock()
	b.count--
	b.cond.Broadcast()
	b.mu.Unlock()
}

// freeze quiesces all foreground I/O: it raises the barrier and waits until
// every pending request is accounted for on the internal queues, plus
// 'extra' for requests the caller itself still holds. flush is invoked while
// waiting so writes parked on the pending list can drain.
func (b *barrier) freeze(extra int, flush func()) {
	b.mu.Lock()
	b.freezePending++
	b.count++
	b.nrWaiting++
	for b.nrPending != b.nrQueued+extra {
		b.mu.Unlock()
		flush()
		b.mu.Lock()
		if b.nrPending != b.nrQueued+extra {
			b.cond.Wait()
		}
	}
	b.freezePending--
	b.mu.Unlock()
}

// unfreeze reverses freeze.
func (b *barrier) unfreeze() {
	b.mu.Lock()
	b.count--
	b.nrWaiting--
	b.cond.Broadcast()
	b.mu.Unlock()
}

// incQueued notes a request parked on a retry/end-io queue. Such requests
// still hold pending references; freeze needs to know they are stable.
func (b *barrier) incQueued() {
	b.mu.Lock()
	b.nrQueued++
	b.cond.Broadcast()
	b.mu.Unlock()
}

// decQueued notes a parked request leaving its queue.
func (b *barrier) decQueued(n int) {
	b.mu.Lock()
	b.nrQueued -= n
	b.mu.Unlock()
}

// pending returns the current foreground count.
func (b *barrier) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nrPending
}

// raised reports whether any barrier is up.
func (b *barrier) raised() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count > 0
}
