// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package host declares the abstract surface spec.md §6 names as "Host API
// consumed": the embedding database server's command dispatch, blocked
// client, key-handle, and string-ownership primitives. These are external
// collaborators, not part of the core — the core only ever talks to them
// through this interface, so any embedding host (or, in tests, hostsim)
// can satisfy it.
package host

import "context"

// OpenFlags mirrors the read/write mode a key is opened with.
type OpenFlags int

const (
	ReadOnly OpenFlags = 1 << iota
	ReadWrite
)

// Handle is an opaque reference to an open host key. It is only valid while
// the context that opened it holds the host lock.
type Handle interface {
	// Name returns the key name this handle was opened against, for
	// diagnostics only.
	Name() string
}

// BlockedClient is the opaque token returned by Host.BlockClient, used to
// resume a client whose reply has been deferred to a worker.
type BlockedClient interface {
	// Unblock resumes the client. Safe to call exactly once.
	Unblock()
}

// Context is the thread-safe host context a worker thread uses to touch
// host state. It corresponds to spec.md's "thread-safe host context"
// derived from a blocked client, or passed directly to a synchronous
// command handler.
type Context interface {
	// Lock acquires the host's coarse mutual-exclusion lock.
	Lock()
	// Unlock releases it.
	Unlock()

	// OpenKey opens name under flags, returning a fresh Handle. Must be
	// called while the lock is held.
	OpenKey(name string, flags OpenFlags) (Handle, error)
	// CloseKey closes a handle previously returned by OpenKey.
	CloseKey(h Handle)

	// Free releases the context itself. Idempotent.
	Free()
}

// Host is the minimal set of entry points the core needs from the embedding
// server: the ability to derive a fresh thread-safe context, and to detach
// a client from the event loop. Both can fail under resource exhaustion on
// the host side (allocating a native context, registering a blocked
// client); spec §4.B calls these "allocation/host-API failures" and
// requires the dispatcher to report them synchronously as a distinguished
// return code rather than crash or silently proceed.
type Host interface {
	// NewContext returns a fresh thread-safe Context, independent of the
	// caller's own context lifetime.
	NewContext() (Context, error)

	// BlockClient detaches the given context's client from the event
	// loop, returning a token used to resume it later. ctx identifies the
	// in-flight command being blocked.
	BlockClient(ctx context.Context) (BlockedClient, error)
}

// ReopenFunc is invoked by SearchContext.Lock immediately after a tracked
// handle has been reopened, so iterators/cursors can refresh any pointers
// they cached into the old handle. newHandle is nil if the key no longer
// exists.
type ReopenFunc func(newHandle Handle, privateData interface{})
