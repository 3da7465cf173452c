// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package ftsexec wires the concurrent execution core described in
// spec.md: the ThreadPool Registry, the Blocked-Command Dispatcher, and
// the AsyncIndexQueue singleton, as one explicitly-constructed value
// rather than as ad hoc package-level globals (spec §9 "Global mutable
// state": "Model as a single 'runtime' value constructed at startup and
// passed explicitly").
package ftsexec

import (
	"github.com/couchbase/ftsexec/asyncindex"
	"github.com/couchbase/ftsexec/config"
	"github.com/couchbase/ftsexec/dispatch"
	"github.com/couchbase/ftsexec/host"
	"github.com/couchbase/ftsexec/pool"
	"github.com/couchbase/ftsexec/stats"
)

// Runtime bundles the process-wide pieces of the core. There is exactly
// one of these per embedding process in production; tests construct as
// many as they need against a hostsim.Host.
type Runtime struct {
	Config     config.Config
	Stats      *stats.Registry
	Pools      *pool.Registry
	Dispatcher *dispatch.Dispatcher
	AsyncIndex *asyncindex.Queue
}

// New constructs the runtime: the pool registry (with its two well-known
// pools sized per cfg, spec §4.A "Startup contract"), the dispatcher, and
// the AsyncIndexQueue.
func New(cfg config.Config, h host.Host, indexer asyncindex.Indexer) *Runtime {
	st := stats.NewRegistry()

	pools := pool.NewRegistry(cfg.SearchPoolSize, cfg.ResolvedIndexPoolSize(), st)
	d := dispatch.New(pools, h, st.Dispatch)
	q := asyncindex.New(cfg.AsyncIndexInterval, cfg.IndexBatchSize, indexer, h, st.AsyncIndex)

	return &Runtime{
		Config:     cfg,
		Stats:      st,
		Pools:      pools,
		Dispatcher: d,
		AsyncIndex: q,
	}
}

// Close tears the runtime down in the order spec §9 calls for: the
// AsyncIndexQueue before the pools, since the queue uses no pool but its
// worker must be joined first, and pool teardown has no graceful-drain API
// to race against.
func (r *Runtime) Close() {
	r.AsyncIndex.Close()
	r.Pools.Close()
}
