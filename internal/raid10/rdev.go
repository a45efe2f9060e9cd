// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"sync/atomic"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/pkg/blockdev"
)

// DevFlag is one bit of RDev state. All mutations go through compare-and-set
// so monotonic transitions (Faulty) can't be undone by a racing clear.
type DevFlag uint32

const (
	// FlagInSync: the device holds current data for its whole range.
	FlagInSync DevFlag = 1 << iota
	// FlagFaulty: the device has been failed out. Monotonic until removal.
	FlagFaulty
	// FlagWriteErrorSeen: a write failed once; consult bad blocks before
	// writing again.
	FlagWriteErrorSeen
	// FlagWantReplacement: operator should attach a replacement.
	FlagWantReplacement
	// FlagBlocked: new I/O must wait until the flag clears.
	FlagBlocked
	// FlagBlockedBadBlocks: blocked specifically on unacknowledged bad
	// block metadata.
	FlagBlockedBadBlocks
	// FlagFailFast: give up on this device after a single failure rather
	// than retrying, as long as redundancy remains.
	FlagFailFast
	// FlagReplacement: this device is a rebuild target shadowing a primary.
	FlagReplacement
)

// RDev is the engine's handle on one physical device.
type RDev struct {
	Dev blockdev.Dev

	// Slot in the mirrors table. Replacements share the slot of their
	// primary.
	Num int

	// Sectors usable on this device.
	Sectors int64

	// DataOffset is the base device sector under the current geometry;
	// NewDataOffset under the post-reshape geometry. Equal when no reshape
	// is pending.
	DataOffset    int64
	NewDataOffset int64

	// RecoveryOffset is the highest sector for which this device's data is
	// trustworthy. MaxSector once fully recovered. Guarded by the array's
	// device lock for writes; reads are atomic.
	recoveryOffset int64

	flags     uint32
	nrPending int64

	correctedErrors int64

	// saved read error count for the repair threshold
	readErrors int64

	BB BadBlocks
}

// NewRDev wraps a block device for use in an array.
func NewRDev(dev blockdev.Dev) *RDev {
	return &RDev{Dev: dev, Sectors: dev.Sectors(), recoveryOffset: 0}
}

// Test reports whether all given flag bits are set.
func (r *RDev) Test(f DevFlag) bool {
	return DevFlag(atomic.LoadUint32(&r.flags))&f == f
}

// Set sets flag bits. Returns true if any bit was newly set.
func (r *RDev) Set(f DevFlag) bool {
	for {
		old := atomic.LoadUint32(&r.flags)
		if DevFlag(old)&f == f {
			return false
		}
		if atomic.CompareAndSwapUint32(&r.flags, old, old|uint32(f)) {
			return true
		}
	}
}

// Clear clears flag bits. Faulty is deliberately not clearable here; a
// faulty device only returns via re-add, which rebuilds the RDev.
func (r *RDev) Clear(f DevFlag) {
	f &^= FlagFaulty
	for {
		old := atomic.LoadUint32(&r.flags)
		if DevFlag(old)&f == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&r.flags, old, old&^uint32(f)) {
			return
		}
	}
}

// IncPending takes an I/O reference on the device. A device cannot be
// released while references are held.
func (r *RDev) IncPending() {
	atomic.AddInt64(&r.nrPending, 1)
}

// DecPending drops an I/O reference.
func (r *RDev) DecPending() {
	if atomic.AddInt64(&r.nrPending, -1) < 0 {
		panic("rdev pending count went negative")
	}
}

// Pending returns the outstanding I/O count.
func (r *RDev) Pending() int64 {
	return atomic.LoadInt64(&r.nrPending)
}

// RecoveryOffset returns the recovery high-water mark.
func (r *RDev) RecoveryOffset() int64 {
	return atomic.LoadInt64(&r.recoveryOffset)
}

// SetRecoveryOffset advances (or resets) the recovery high-water mark.
func (r *RDev) SetRecoveryOffset(s int64) {
	atomic.StoreInt64(&r.recoveryOffset, s)
}

// FullySynced reports whether the device needs no recovery.
func (r *RDev) FullySynced() bool {
	return r.RecoveryOffset() == core.MaxSector
}

// AddCorrected bumps the corrected-read-errors counter.
func (r *RDev) AddCorrected(n int64) {
	atomic.AddInt64(&r.correctedErrors, n)
}

// Corrected returns the corrected-read-errors counter.
func (r *RDev) Corrected() int64 {
	return atomic.LoadInt64(&r.correctedErrors)
}

func (r *RDev) addReadError() int64 {
	return atomic.AddInt64(&r.readErrors, 1)
}

func (r *RDev) resetReadErrors() {
	atomic.StoreInt64(&r.readErrors, 0)
}

// state snapshots the device for status reporting.
func (r *RDev) state() core.DevState {
	return core.DevState{
		Present:         true,
		InSync:          r.Test(FlagInSync),
		Faulty:          r.Test(FlagFaulty),
		Replacement:     r.Test(FlagReplacement),
		RecoveryOffset:  r.RecoveryOffset(),
		Sectors:         r.Sectors,
		Pending:         r.Pending(),
		CorrectedErrors: r.Corrected(),
		BadBlocks:       r.BB.Count(),
	}
}

// mirror is one slot of the array: a primary device, an optional rebuild
// target, and book-keeping for the read balancer and recovery.
type mirror struct {
	rdev        *RDev
	replacement *RDev

	// headPosition is the last device sector serviced, used to estimate
	// seek distance on rotational devices. Accessed atomically: the
	// balancer runs under the read lock, so stores race other readers.
	headPosition int64

	// recoveryDisabled tags a recovery generation that failed for this
	// mirror, so the same generation doesn't retry it.
	recoveryDisabled uint64
}
