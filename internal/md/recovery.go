// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package md

import (
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/internal/raid10"
)

// RecoveryFlag names one background maintenance goal. At most one runs at
// a time; the engine serializes the rest through its barrier.
type RecoveryFlag uint32

const (
	// SyncFlag resynchronizes mirrors marked dirty in the bitmap.
	SyncFlag RecoveryFlag = 1 << iota
	// CheckFlag scrubs without writing, counting mismatches.
	CheckFlag
	// RepairFlag scrubs and rewrites mismatched copies.
	RepairFlag
	// RecoverFlag rebuilds out-of-sync devices and replacements.
	RecoverFlag
	// ReshapeFlag drives an active geometry change.
	ReshapeFlag
	// InterruptFlag asks the active goal to stop at the next round.
	InterruptFlag
	// DoneFlag marks a goal that ran to completion.
	DoneFlag
)

func (f RecoveryFlag) String() string {
	switch f {
	case SyncFlag:
		return "sync"
	case CheckFlag:
		return "check"
	case RepairFlag:
		return "repair"
	case RecoverFlag:
		return "recover"
	case ReshapeFlag:
		return "reshape"
	}
	return "idle"
}

type recoveryState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current RecoveryFlag
	running bool
	flags   uint32 // InterruptFlag | DoneFlag, atomic
}

func (r *recoveryState) init() {
	r.cond = sync.NewCond(&r.mu)
}

func (r *recoveryState) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *recoveryState) interrupted() bool {
	return RecoveryFlag(atomic.LoadUint32(&r.flags))&InterruptFlag != 0
}

// Recovering reports the currently running goal, or 0 when idle.
func (h *Host) Recovering() RecoveryFlag {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if !h.rec.running {
		return 0
	}
	return h.rec.current
}

// StartRecovery launches a background maintenance goal. Only one may run
// at a time.
func (h *Host) StartRecovery(f RecoveryFlag) core.Error {
	switch f {
	case SyncFlag, CheckFlag, RepairFlag, RecoverFlag, ReshapeFlag:
	default:
		return core.ErrInvalidArgument
	}
	h.rec.mu.Lock()
	if h.rec.running {
		h.rec.mu.Unlock()
		return core.ErrWouldBlock
	}
	h.rec.running = true
	h.rec.current = f
	atomic.StoreUint32(&h.rec.flags, 0)
	h.rec.mu.Unlock()
	go h.runRecovery(f)
	return core.NoError
}

// goal is StartRecovery for internal callers that tolerate an active run.
func (h *Host) goal(f RecoveryFlag) {
	if err := h.StartRecovery(f); err != core.NoError {
		log.V(1).Infof("md: %s goal not started: %s", f, err)
	}
}

// InterruptRecovery asks the active goal to stop after the current round.
func (h *Host) InterruptRecovery() {
	atomic.StoreUint32(&h.rec.flags, uint32(InterruptFlag))
}

// WaitRecovery blocks until no goal is running.
func (h *Host) WaitRecovery() {
	h.rec.mu.Lock()
	for h.rec.running {
		h.rec.cond.Wait()
	}
	h.rec.mu.Unlock()
}

func (h *Host) runRecovery(f RecoveryFlag) {
	log.Infof("md: %s started", f)
	switch f {
	case SyncFlag:
		h.syncLoop(raid10.SyncResync)
	case CheckFlag:
		h.syncLoop(raid10.SyncCheck)
		log.Infof("md: check found %d mismatched sectors", h.arr.Mismatches())
	case RepairFlag:
		h.syncLoop(raid10.SyncRepair)
	case RecoverFlag:
		h.syncLoop(raid10.SyncRecover)
		if n := h.arr.SpareActive(); n > 0 {
			log.Infof("md: %d device(s) recovered", n)
		}
		h.NeedUpdate()
	case ReshapeFlag:
		h.reshapeLoop()
	}
	h.rec.mu.Lock()
	h.rec.running = false
	atomic.StoreUint32(&h.rec.flags, uint32(DoneFlag))
	h.rec.cond.Broadcast()
	h.rec.mu.Unlock()
	log.Infof("md: %s finished", f)
}

func (h *Host) syncLoop(mode raid10.SyncMode) {
	pos := int64(0)
	for !h.rec.interrupted() {
		advanced, _, err := h.arr.SyncRequest(pos, mode)
		if err != core.NoError {
			if err != core.ErrStopped {
				log.Errorf("md: %s aborted at sector %d: %s", mode, pos, err)
			}
			return
		}
		if advanced == 0 {
			return
		}
		pos += advanced
	}
}

func (h *Host) reshapeLoop() {
	for !h.rec.interrupted() {
		moved, err := h.arr.ReshapeRequest()
		if err != core.NoError {
			if err != core.ErrStopped {
				log.Errorf("md: reshape interrupted: %s", err)
			}
			return
		}
		if moved == 0 {
			if err := h.arr.FinishReshape(); err != core.NoError {
				log.Errorf("md: reshape commit failed: %s", err)
				return
			}
			h.commitReshapeSB()
			return
		}
	}
}

// commitReshapeSB makes the new geometry the persistent one.
func (h *Host) commitReshapeSB() {
	h.sbMu.Lock()
	h.sb.Reshaping = false
	h.sb.ReshapePos = core.MaxSector
	h.sb.OldLayout = h.sb.Layout
	h.sb.Devs = h.arr.DevMetas()
	err := h.store.Save(&h.sb)
	h.sbMu.Unlock()
	if err != core.NoError {
		log.Errorf("md: reshape superblock write failed: %s", err)
	}
	h.bitmap.Resize(h.arr.Sectors())
	h.bitmap.Save()
}
