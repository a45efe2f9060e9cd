// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"context"
	"sync/atomic"

	log "github.com/golang/glog"
)

// daemonLoop is the single housekeeping goroutine. It performs every
// blocking repair operation: retries, bad-block bookkeeping, sync and
// reshape completions. Foreground and completion contexts only park work
// here; nothing else may block on the engine's behalf.
func (c *Conf) daemonLoop() {
	defer close(c.daemonDone)
	for {
		select {
		case <-c.stopCh:
			c.drainQueues()
			return
		case <-c.wake:
			c.drainQueues()
		}
	}
}

func (c *Conf) drainQueues() {
	for {
		c.queueMu.Lock()
		pending := c.pendingBios
		c.pendingBios = nil
		retry := c.retryList
		c.retryList = nil
		var endIO []*r10bio
		// Held-back completions only release once the metadata they
		// depend on is durable.
		if atomic.LoadUint32(&c.metaPending) == 0 {
			endIO = c.endIOList
			c.endIOList = nil
		}
		c.queueMu.Unlock()

		if len(pending) == 0 && len(retry) == 0 && len(endIO) == 0 {
			return
		}

		for _, r := range endIO {
			c.bar.decQueued(1)
			c.finishWrite(r)
		}

		// Burst parked writes out in one pass.
		for _, d := range pending {
			c.runDevBio(d)
		}

		for _, r := range retry {
			c.bar.decQueued(1)
			c.dispatchRetry(r)
		}
	}
}

// dispatchRetry routes one parked request by its state bits.
func (c *Conf) dispatchRetry(r *r10bio) {
	background := r.test(stateIsSync) || r.test(stateIsRecover) || r.test(stateIsReshape)
	switch {
	case !background && (r.test(stateMadeGood) || r.test(stateWriteError)):
		c.handleWriteCompleted(r)
	case r.test(stateIsReshape):
		c.reshapeRequestWrite(r)
	case r.test(stateIsSync):
		c.syncRequestWrite(r)
	case r.test(stateIsRecover):
		c.recoveryRequestWrite(r)
	case r.test(stateReadError):
		c.handleReadError(r)
	default:
		// Nothing should land here; drop the request rather than leak
		// its barrier reference.
		log.Errorf("raid10: retry with unexpected state %#x at sector %d", atomic.LoadUint32(&r.state), r.sector)
		c.endRequest(r)
	}
}

// daemonCtx returns the context identifying the housekeeping goroutine to
// the barrier.
func (c *Conf) daemonCtx() context.Context {
	return daemonContext(context.Background())
}
