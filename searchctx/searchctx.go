// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package searchctx implements SearchContext, spec.md §4.C: the
// cooperative lock-yielding protocol a background task uses to hold the
// host lock, periodically release it so the event loop can progress, and
// safely reacquire it by closing and reopening every tracked host handle.
//
// Per spec §9's modeling guidance, tracked handles are never exposed to
// caller code as raw values that could be dereferenced across a yield;
// callers present a HandleRef token and call Context.Handle to dereference
// the current handle on demand, and each entry's lifecycle is a tagged
// variant (entryState) rather than an imperative boolean flag.
package searchctx

import (
	"time"

	"github.com/couchbase/goutils/logging"

	"github.com/couchbase/ftsexec/common"
	"github.com/couchbase/ftsexec/host"
)

// EntryOptions are the per-entry options from spec.md §3.
type EntryOptions uint8

const (
	// SharedHandle marks an entry this context does not own: Unlock must
	// not close it, but Lock's reopen still replaces it with a freshly
	// owned handle (spec §4.C "Shared-handle semantics").
	SharedHandle EntryOptions = 1 << iota
	// SharedKeyName marks an entry whose key-name string is owned
	// elsewhere and must not be released on teardown.
	SharedKeyName
)

// entryState is the tagged variant spec §9 recommends in place of the
// imperative "clear SHARED_HANDLE on reopen" step: Lock takes
// Borrowed|Closed -> Owned, Unlock takes Owned -> Closed and leaves
// Borrowed alone.
type entryState int

const (
	stateClosed entryState = iota
	stateOwned
	stateBorrowed
)

// HandleRef is the opaque token user code holds across a yield instead of
// a raw host.Handle, making "handle is null while unlocked" unrepresentable
// to misuse (spec §9).
type HandleRef int

type trackedEntry struct {
	handle  host.Handle
	name    string
	flags   host.OpenFlags
	reopen  host.ReopenFunc
	private interface{}
	destroy func(interface{})

	state      entryState
	sharedName bool
}

// Context is SearchContext: owned by exactly one worker thread at a time,
// never shared across threads.
type Context struct {
	hostCtx host.Context
	budget  time.Duration

	locked   bool
	entries  []trackedEntry
	lastLock time.Time
	ticks    int
}

// New initializes a SearchContext against hostCtx. State becomes unlocked,
// with an empty tracked-handles list and the clock set to now (spec §4.C
// "Initialize").
func New(hostCtx host.Context, budget time.Duration) *Context {
	return &Context{
		hostCtx:  hostCtx,
		budget:   budget,
		lastLock: time.Now(),
	}
}

// Track registers a freshly opened handle for close-yield-reopen handling.
// Must be called while the lock is held (spec §4.C invariant).
func (c *Context) Track(h host.Handle, flags host.OpenFlags, name string, reopen host.ReopenFunc, private interface{}, destroy func(interface{}), opts EntryOptions) HandleRef {
	common.Assert(c.locked, "searchctx: Track called while unlocked")

	state := stateOwned
	if opts&SharedHandle != 0 {
		state = stateBorrowed
	}

	c.entries = append(c.entries, trackedEntry{
		handle:     h,
		name:       name,
		flags:      flags,
		reopen:     reopen,
		private:    private,
		destroy:    destroy,
		state:      state,
		sharedName: opts&SharedKeyName != 0,
	})
	return HandleRef(len(c.entries) - 1)
}

// Handle dereferences ref against the context's current handle set. It
// returns nil if the underlying key no longer exists (discovered on the
// most recent reopen). Only meaningful while locked; per spec §4.C it is
// user error to dereference a tracked handle while unlocked, so callers
// must gate their own access on Locked().
func (c *Context) Handle(ref HandleRef) host.Handle {
	common.Assert(int(ref) >= 0 && int(ref) < len(c.entries), "searchctx: HandleRef %d out of range", ref)
	return c.entries[ref].handle
}

// Locked reports whether the host lock is currently held by this context.
func (c *Context) Locked() bool { return c.locked }

// Lock acquires the host lock, then reopens every tracked handle: for each
// entry, it calls the host's open-key operation with the stored name and
// flags, stores the resulting handle, transitions the entry to Owned
// (clearing any Borrowed marking — the reopened handle is freshly owned by
// this context), and invokes the reopen callback so iterators/cursors can
// refresh cached pointers (spec §4.C "Lock").
//
// It is an assertion failure to call Lock while already locked.
func (c *Context) Lock() {
	common.Assert(!c.locked, "searchctx: Lock called while already locked")

	c.hostCtx.Lock()
	c.locked = true

	for i := range c.entries {
		e := &c.entries[i]
		h, err := c.hostCtx.OpenKey(e.name, e.flags)
		if err != nil {
			// The key was deleted or is otherwise unavailable: the
			// callback's job is to detect this ("my underlying key is
			// gone") and abort its own work, per spec §4.C rationale.
			logging.Warnf("searchctx: reopen of %q failed: %v", e.name, err)
			h = nil
		}
		e.handle = h
		e.state = stateOwned
		if e.reopen != nil {
			e.reopen(h, e.private)
		}
	}
}

// Unlock closes every tracked handle whose state is Owned (Borrowed
// entries are left alone — their other owner will close them), then
// releases the host lock.
func (c *Context) Unlock() {
	common.Assert(c.locked, "searchctx: Unlock called while not locked")

	for i := range c.entries {
		e := &c.entries[i]
		if e.state == stateOwned {
			if e.handle != nil {
				c.hostCtx.CloseKey(e.handle)
			}
			e.handle = nil
			e.state = stateClosed
		}
	}

	c.hostCtx.Unlock()
	c.locked = false
}

// ResetClock records the current monotonic time and zeroes the tick
// counter.
func (c *Context) ResetClock() {
	c.lastLock = time.Now()
	c.ticks = 0
}

// Ticks returns the number of CheckTimer calls since the last ResetClock,
// for diagnostics.
func (c *Context) Ticks() int { return c.ticks }

// CheckTimer computes elapsed time since the last reset. If it reaches or
// exceeds the configured budget (design value 100ms), it unlocks then immediately
// relocks — including the full reopen sequence — resets the clock, and
// returns yielded=true; otherwise it returns yielded=false. Must only be
// called while locked (spec §4.C).
//
// The immediate re-lock (rather than a sleep or explicit yield syscall)
// lets the scheduler hand the host lock to a waiting thread under
// contention; absent contention the re-acquisition is cheap.
func (c *Context) CheckTimer() (yielded bool) {
	common.Assert(c.locked, "searchctx: CheckTimer called while unlocked")

	c.ticks++
	elapsed := time.Since(c.lastLock)
	if elapsed < c.budget {
		return false
	}

	c.Unlock()
	c.Lock()
	c.ResetClock()
	return true
}

// Close tears down the SearchContext: if locked, closes any still-open
// non-shared handles, then invokes every entry's private-data destructor.
// Key-name strings are plain Go strings and are reclaimed by the garbage
// collector regardless of SharedKeyName; that flag only ever gated an
// explicit free in the original C host and has no analogue here.
func (c *Context) Close() {
	if c.locked {
		c.Unlock()
	}
	for i := range c.entries {
		e := &c.entries[i]
		if e.destroy != nil {
			e.destroy(e.private)
		}
	}
	c.entries = nil
}
