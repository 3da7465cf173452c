// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package stats instruments the pool registry, dispatcher, and
// AsyncIndexQueue with Prometheus metrics. The teacher's own
// secondary/indexer/stats_manager.go builds typed stat structs
// (BucketStats, IndexTimingStats) per subsystem and serves them over
// net/http; this package keeps that per-subsystem-struct shape but backs it
// with github.com/prometheus/client_golang instead of the teacher's
// in-tree stats package (whose source wasn't part of this retrieval), and
// serves it the idiomatic way via promhttp.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolStats tracks one named worker pool (the search pool or the index
// pool).
type PoolStats struct {
	Submitted prometheus.Counter
	Completed prometheus.Counter
	QueueSize prometheus.Gauge
}

// DispatchStats tracks the blocked-command dispatcher.
type DispatchStats struct {
	Dispatched    prometheus.Counter
	HandlerErrors prometheus.Counter
	Failed        prometheus.Counter
}

// AsyncIndexStats tracks the AsyncIndexQueue.
type AsyncIndexStats struct {
	PendingSpecs  prometheus.Gauge
	DocsSubmitted prometheus.Counter
	DocsDropped   prometheus.Counter
	BatchesDrain  prometheus.Counter
	DrainLatency  prometheus.Histogram
}

// Registry is the process-wide metric set, constructed once at startup
// alongside the pool registry and AsyncIndexQueue singleton (see §9 "Global
// mutable state").
type Registry struct {
	reg *prometheus.Registry

	Search     PoolStats
	Index      PoolStats
	Dispatch   DispatchStats
	AsyncIndex AsyncIndexStats
}

// NewRegistry builds a fresh metric set registered against its own
// prometheus.Registry (not the global default registerer), so multiple
// ftsexec runtimes in the same process — e.g. in tests — don't collide.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{reg: reg}

	r.Search = PoolStats{
		Submitted: factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_search_pool_submitted_total"}),
		Completed: factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_search_pool_completed_total"}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{Name: "ftsexec_search_pool_queue_size"}),
	}
	r.Index = PoolStats{
		Submitted: factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_index_pool_submitted_total"}),
		Completed: factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_index_pool_completed_total"}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{Name: "ftsexec_index_pool_queue_size"}),
	}
	r.Dispatch = DispatchStats{
		Dispatched:    factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_dispatch_total"}),
		HandlerErrors: factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_dispatch_handler_errors_total"}),
		Failed:        factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_dispatch_failed_total"}),
	}
	r.AsyncIndex = AsyncIndexStats{
		PendingSpecs:  factory.NewGauge(prometheus.GaugeOpts{Name: "ftsexec_asyncindex_pending_specs"}),
		DocsSubmitted: factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_asyncindex_docs_submitted_total"}),
		DocsDropped:   factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_asyncindex_docs_dropped_total"}),
		BatchesDrain:  factory.NewCounter(prometheus.CounterOpts{Name: "ftsexec_asyncindex_batches_drained_total"}),
		DrainLatency:  factory.NewHistogram(prometheus.HistogramOpts{Name: "ftsexec_asyncindex_drain_latency_seconds"}),
	}

	return r
}

// Handler exposes the registry over HTTP the way the teacher's settings
// manager exposes /settings in secondary/indexer/settings.go.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
