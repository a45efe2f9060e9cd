// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"sync/atomic"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// r10state is the per-request state bitset. Flags are sticky within one
// request lifetime.
type r10state uint32

const (
	stateUptodate r10state = 1 << iota
	stateReadError
	stateWriteError
	stateMadeGood
	stateIsSync
	stateIsRecover
	stateIsReshape
	statePrevious // address under the pre-reshape geometry
	stateFailFast
	stateDiscard
	stateCheckOnly // compare-only resync: count mismatches, never write
)

// r10dev is one copy slot of a request.
type r10dev struct {
	devnum int
	addr   int64 // device sector, data offset not applied

	bio     *devBio // primary submission, nil if this copy is skipped
	replBio *devBio // replacement submission

	// data and result are used by sync/recover/reshape requests, whose
	// buffers belong to the engine.
	data   []byte
	result core.Error
}

// r10bio is one logical I/O in flight: the origin Bio (nil for background
// requests), the logical range, a state bitset, and one record per copy.
// remaining counts outstanding per-copy completions; the request moves to
// completion handling when it hits zero.
type r10bio struct {
	conf *Conf

	master  *Bio
	sector  int64
	sectors int64

	state     uint32
	remaining int32

	// readSlot is the copy chosen by the read balancer, or the source
	// slot of a sync read. targetSlot is the slot a recover round is
	// rebuilding; -1 otherwise.
	readSlot   int
	targetSlot int

	devs []r10dev
}

func (r *r10bio) test(s r10state) bool {
	return r10state(atomic.LoadUint32(&r.state))&s != 0
}

func (r *r10bio) set(s r10state) {
	for {
		old := atomic.LoadUint32(&r.state)
		if old&uint32(s) == uint32(s) {
			return
		}
		if atomic.CompareAndSwapUint32(&r.state, old, old|uint32(s)) {
			return
		}
	}
}

func (r *r10bio) clear(s r10state) {
	for {
		old := atomic.LoadUint32(&r.state)
		if old&uint32(s) == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&r.state, old, old&^uint32(s)) {
			return
		}
	}
}

func (r *r10bio) hold() {
	atomic.AddInt32(&r.remaining, 1)
}

// putDone drops one reference and reports whether this was the last.
func (r *r10bio) putDone() bool {
	n := atomic.AddInt32(&r.remaining, -1)
	if n < 0 {
		panic("r10bio remaining went negative")
	}
	return n == 0
}

// reset prepares a pooled request for reuse.
func (r *r10bio) reset(copies int) {
	r.master = nil
	r.sector = 0
	r.sectors = 0
	r.state = 0
	r.remaining = 0
	r.readSlot = -1
	r.targetSlot = -1
	if cap(r.devs) < copies {
		r.devs = make([]r10dev, copies)
	}
	r.devs = r.devs[:copies]
	for i := range r.devs {
		data := r.devs[i].data
		r.devs[i] = r10dev{devnum: -1, addr: -1, data: data}
	}
}

// bioPool is a bounded preallocated pool of request objects. Get blocks on
// exhaustion rather than failing, which is what keeps allocation from
// failing under sustained pressure. tryGet serves nowait callers.
type bioPool struct {
	ch chan *r10bio
}

func newBioPool(size, copies int) *bioPool {
	p := &bioPool{ch: make(chan *r10bio, size)}
	for i := 0; i < size; i++ {
		r := &r10bio{}
		r.reset(copies)
		p.ch <- r
	}
	return p
}

func (p *bioPool) get(copies int) *r10bio {
	r := <-p.ch
	r.reset(copies)
	return r
}

func (p *bioPool) tryGet(copies int) *r10bio {
	select {
	case r := <-p.ch:
		r.reset(copies)
		return r
	default:
		return nil
	}
}

func (p *bioPool) put(r *r10bio) {
	p.ch <- r
}

// syncData returns the slot's engine-owned buffer, growing it as needed.
func (d *r10dev) syncData(nsectors int64) []byte {
	need := int(nsectors) * core.SectorSize
	if cap(d.data) < need {
		d.data = make([]byte, need)
	}
	d.data = d.data[:need]
	return d.data
}
