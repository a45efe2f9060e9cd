// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"sync/atomic"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// Op is the kind of a Bio.
type Op int

// Bio operations.
const (
	OpRead Op = iota
	OpWrite
	OpDiscard
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDiscard:
		return "discard"
	case OpFlush:
		return "flush"
	}
	return "unknown"
}

// Bio is one logical I/O submitted to the array. The engine may split it
// into several fragments internally; Done is called exactly once, after all
// fragments have completed, with the first error seen (NoError on success).
type Bio struct {
	Op     Op
	Sector int64
	Data   []byte

	// Nowait makes the request fail with ErrWouldBlock instead of
	// sleeping at any suspension point.
	Nowait bool

	// Preflush forwards a flush to every device before the operation
	// itself is issued.
	Preflush bool

	// Atomic requires the write to be all-or-nothing with respect to bad
	// block narrowing: if any selected copy would have to be narrowed
	// around a bad block, the request fails with ErrAtomicity.
	Atomic bool

	// NSectors is the length for data-less ops (discard). Ignored when
	// Data is set.
	NSectors int64

	// Done is the completion callback. It runs in a completion context
	// and must not block.
	Done func(core.Error)

	remaining int32
	err       uint32 // sticky first core.Error
}

// Sectors returns the length of the request in sectors.
func (b *Bio) Sectors() int64 {
	if b.Data == nil {
		return b.NSectors
	}
	return int64(len(b.Data) >> core.SectorShift)
}

// hold adds one fragment reference.
func (b *Bio) hold() {
	atomic.AddInt32(&b.remaining, 1)
}

// fail records a fragment failure. The first error sticks.
func (b *Bio) fail(err core.Error) {
	atomic.CompareAndSwapUint32(&b.err, 0, uint32(err))
}

// put drops one fragment reference; the last one completes the Bio.
func (b *Bio) put() {
	if atomic.AddInt32(&b.remaining, -1) == 0 && b.Done != nil {
		b.Done(core.Error(atomic.LoadUint32(&b.err)))
	}
}

// devBio is one per-copy I/O bound for a single device. It is the engine's
// unit of submission: cheap to clone, carries its slice of the master's data
// and a completion handler that may only flip flags, bump counters and
// enqueue.
type devBio struct {
	op        Op
	rdev      *RDev
	devSector int64 // absolute device sector, data offset applied
	data      []byte
	nsectors  int64 // for data-less ops

	failFast bool

	r10  *r10bio
	slot int
	repl bool

	// Outcome, recorded by the completion handler for the housekeeping
	// pass: a failed copy or one that overwrote a known-bad range.
	result   core.Error
	madeGood bool

	done func(d *devBio, result core.Error)
}

func (d *devBio) sectors() int64 {
	if d.data == nil {
		return d.nsectors
	}
	return int64(len(d.data) >> core.SectorShift)
}
