// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import "context"

// Semaphore implementation using a Go channel. The engine uses one to bound
// the number of device I/O goroutines in flight per array.
type Semaphore chan struct{}

// NewSemaphore creates a new semaphore with 'max' number of permits.
func NewSemaphore(max int) Semaphore {
	return make(Semaphore, max)
}

// Acquire takes a permit, blocking until one becomes available.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// AcquireCtx takes a permit, giving up if the context is cancelled first.
// Returns false on cancellation.
func (s Semaphore) AcquireCtx(ctx context.Context) bool {
	select {
	case s <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// TryAcquire takes a permit if and only if one is available right now.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit to the semaphore.
func (s Semaphore) Release() {
	<-s
}
