// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package hostsim is a minimal in-process fake of the embedding database
// server (spec.md §6's "Host API consumed"), used by tests and by
// cmd/ftsexecdemo. It is not part of the core: it exists only to exercise
// ftsexec the way a real host would, the way the teacher's
// secondary/tests/framework package fakes cluster services for its own
// functional tests.
package hostsim

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchbase/ftsexec/host"
)

// Key is one named, in-memory value the simulated host tracks. Deleting or
// replacing a key while unlocked is exactly the mutation SearchContext's
// reopen protocol (spec §4.C) is designed to survive.
type Key struct {
	Name    string
	Deleted bool
	Value   interface{}
}

// Host is a fake embedding server: a single coarse lock guards a map of
// named keys, mirroring spec.md's "single mutual-exclusion lock" model.
type Host struct {
	mu   sync.Mutex
	keys map[string]*Key

	failNewContext  error
	failBlockClient error
}

func New() *Host {
	return &Host{keys: make(map[string]*Key)}
}

// FailNewContext makes every subsequent NewContext call return err instead
// of a usable Context, simulating the host-API/allocation failure spec
// §4.B requires the dispatcher to report synchronously. Pass nil to clear
// it.
func (h *Host) FailNewContext(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNewContext = err
}

// FailBlockClient is FailNewContext's counterpart for BlockClient.
func (h *Host) FailBlockClient(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failBlockClient = err
}

// Put installs or replaces a key. Intended for test setup and for
// simulating concurrent mutation while a SearchContext is unlocked.
func (h *Host) Put(name string, value interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[name] = &Key{Name: name, Value: value}
}

// Delete removes a key, simulating a concurrent mutation observed on
// reopen.
func (h *Host) Delete(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.keys, name)
}

// NewContext implements host.Host.
func (h *Host) NewContext() (host.Context, error) {
	h.mu.Lock()
	err := h.failNewContext
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &hostContext{h: h}, nil
}

// BlockClient implements host.Host. The simulated client is considered
// unblocked once Unblock is called; tests can wait on the returned client's
// Done() channel.
func (h *Host) BlockClient(_ context.Context) (host.BlockedClient, error) {
	h.mu.Lock()
	err := h.failBlockClient
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &blockedClient{done: make(chan struct{})}, nil
}

type blockedClient struct {
	once sync.Once
	done chan struct{}
}

func (c *blockedClient) Unblock() {
	c.once.Do(func() { close(c.done) })
}

// Done returns a channel closed once Unblock has been called, so tests can
// synchronize without sleeping.
func (c *blockedClient) Done() <-chan struct{} { return c.done }

type hostContext struct {
	h    *Host
	freed bool
}

func (c *hostContext) Lock()   { c.h.mu.Lock() }
func (c *hostContext) Unlock() { c.h.mu.Unlock() }

func (c *hostContext) OpenKey(name string, flags host.OpenFlags) (host.Handle, error) {
	k, ok := c.h.keys[name]
	if !ok || k.Deleted {
		return nil, fmt.Errorf("hostsim: key %q does not exist", name)
	}
	return &handle{key: k, name: name}, nil
}

func (c *hostContext) CloseKey(h host.Handle) {
	// No resource to release in the simulator; real hosts would release a
	// native handle here.
}

func (c *hostContext) Free() {
	c.freed = true
}

// Freed reports whether Free has been called, for test assertions.
func (c *hostContext) Freed() bool { return c.freed }

type handle struct {
	key  *Key
	name string
}

func (h *handle) Name() string { return h.name }

// Value returns the live value behind this handle. Only valid while the
// context that opened it holds the host lock.
func (h *handle) Value() interface{} { return h.key.Value }
