// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import "context"

type contextKey int

const (
	plugKey contextKey = iota
	daemonKey
)

// Plug accumulates per-copy writes across one high-level call and flushes
// them in a single submission burst. Create one with StartPlug, pass the
// returned context to MakeRequest, and call Finish when done. A Plug is not
// safe for concurrent use; it is scoped to one submitting goroutine.
type Plug struct {
	conf *Conf
	bios []*devBio
}

// StartPlug returns a context carrying a new Plug for this array.
func (a *Array) StartPlug(ctx context.Context) (context.Context, *Plug) {
	p := &Plug{conf: a.conf}
	return context.WithValue(ctx, plugKey, p), p
}

// Finish submits everything batched on the plug.
func (p *Plug) Finish() {
	bios := p.bios
	p.bios = nil
	for _, d := range bios {
		p.conf.runDevBio(d)
	}
}

func (p *Plug) add(d *devBio) {
	p.bios = append(p.bios, d)
}

func plugFromContext(ctx context.Context) *Plug {
	p, _ := ctx.Value(plugKey).(*Plug)
	return p
}

// plugHasQueued reports whether the caller is sitting on unsubmitted bios.
// The barrier lets such callers through so they can flush rather than
// deadlock a raiser waiting on those writes.
func plugHasQueued(ctx context.Context) bool {
	p := plugFromContext(ctx)
	return p != nil && len(p.bios) > 0
}

// daemonContext marks ctx as belonging to the housekeeping goroutine, the
// one caller allowed to re-enter past a raised barrier.
func daemonContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, daemonKey, true)
}

func isDaemonContext(ctx context.Context) bool {
	v, _ := ctx.Value(daemonKey).(bool)
	return v
}
