// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package dispatch implements the Blocked-Command Dispatcher, spec.md §4.B:
// it detaches a host command's client, deep-copies its arguments, and hands
// execution to a named worker pool.
package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/couchbase/goutils/logging"

	"github.com/couchbase/ftsexec/common"
	"github.com/couchbase/ftsexec/host"
	"github.com/couchbase/ftsexec/pool"
	"github.com/couchbase/ftsexec/stats"
)

// Options is the options set drawn from {KEEP_HOST_CONTEXT, NO_HOST_LOCK}
// in spec.md §3.
type Options uint8

const (
	// KeepHostContext skips releasing the thread-safe host context after
	// the handler returns; some handler hands it to a downstream owner
	// (e.g. a streaming reply) that takes over release. Opt-in from
	// inside the handler via Record.KeepHostContext.
	KeepHostContext Options = 1 << iota

	// NoHostLock skips acquiring the host lock before invoking the
	// handler. Used by handlers that do not touch host-managed data
	// structures, or that manage their own locking (e.g. via
	// searchctx.Context).
	NoHostLock
)

func (o Options) has(flag Options) bool { return o&flag != 0 }

// HandlerFunc is the blocking command handler run on a worker thread. It
// receives the thread-safe host context and an owned copy of the argument
// vector, and reports errors by writing a reply through ctx — per spec §4.B
// the dispatcher itself only ever reports allocation/host-API failures
// synchronously, never handler errors.
//
// rec is passed so the handler can opt into KeepHostContext from the
// inside, as spec §4.B requires ("The option is opt-in from inside the
// handler via a setter exposed on the record").
type HandlerFunc func(rec *Record, ctx host.Context, args []string)

// Record is the blocked-command record of spec.md §3: owned by exactly one
// worker thread from creation to completion.
type Record struct {
	id      uuid.UUID
	client  host.BlockedClient
	ctx     host.Context
	handler HandlerFunc
	args    []string
	opts    Options

	keepCtx bool
}

// KeepHostContext is the setter a handler calls to request that its
// thread-safe host context outlive the handler's own return (spec §4.B).
func (r *Record) KeepHostContext() {
	r.keepCtx = true
}

// ID is a generated correlation id for tracing one dispatch through logs,
// from submission to client unblock.
func (r *Record) ID() uuid.UUID { return r.id }

// Dispatcher wraps a pool.Registry with the command-handoff contract of
// spec §4.B.
type Dispatcher struct {
	registry *pool.Registry
	host     host.Host
	st       stats.DispatchStats
}

func New(registry *pool.Registry, h host.Host, st stats.DispatchStats) *Dispatcher {
	return &Dispatcher{registry: registry, host: h, st: st}
}

// Handle implements "handle a host command asynchronously" from spec §4.B.
// It must be called from the host's event-loop thread, while the host lock
// is held for srcArgs's lifetime guarantee to hold.
//
// srcArgs is deep-copied before Handle returns: the caller is free to
// destroy it immediately afterward (spec §8 invariant #1). poolID selects
// which named pool runs the handler.
//
// Handle returns a non-nil *common.Error only for an allocation/host-API
// failure encountered while assembling the record (spec §4.B "Error
// semantics": "the dispatcher itself reports only allocation/host-API
// failures synchronously ... otherwise always returns success"). Handler
// errors are never reported through this return value — the handler
// reports its own errors by writing a reply through the host context.
func (d *Dispatcher) Handle(ctx context.Context, poolID pool.ID, opts Options, handler HandlerFunc, srcArgs []string) error {
	common.Assert(handler != nil, "dispatch: nil handler")

	// Deep-copy every argument into a vector independent of the caller's
	// lifetime (spec §4.B contract 1).
	args := make([]string, len(srcArgs))
	for i, a := range srcArgs {
		b := make([]byte, len(a))
		copy(b, a)
		args[i] = string(b)
	}

	hctx, err := d.host.NewContext()
	if err != nil {
		logging.Errorf("dispatch: NewContext failed: %v", err)
		if d.st.Failed != nil {
			d.st.Failed.Inc()
		}
		return common.NewError(common.DISPATCH, common.FATAL, err)
	}

	client, err := d.host.BlockClient(ctx)
	if err != nil {
		hctx.Free()
		logging.Errorf("dispatch: BlockClient failed: %v", err)
		if d.st.Failed != nil {
			d.st.Failed.Inc()
		}
		return common.NewError(common.DISPATCH, common.FATAL, err)
	}

	rec := &Record{
		id:      uuid.New(),
		client:  client,
		ctx:     hctx,
		handler: handler,
		args:    args,
		opts:    opts,
	}

	if d.st.Dispatched != nil {
		d.st.Dispatched.Inc()
	}

	d.registry.Submit(poolID, func() { d.run(rec) })
	return nil
}

func (d *Dispatcher) run(rec *Record) {
	defer func() {
		if p := recover(); p != nil {
			logging.Errorf("dispatch %s: handler panicked: %v", rec.id, p)
			if d.st.HandlerErrors != nil {
				d.st.HandlerErrors.Inc()
			}
		}
		// Release the context unless the handler opted to keep it, then
		// unblock the client irrespective of handler success (spec §4.B
		// contract 4).
		if !rec.opts.has(KeepHostContext) && !rec.keepCtx {
			rec.ctx.Free()
		}
		rec.client.Unblock()
	}()

	if !rec.opts.has(NoHostLock) {
		rec.ctx.Lock()
		defer rec.ctx.Unlock()
	}

	rec.handler(rec, rec.ctx, rec.args)
}
