// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package config holds the tunables listed in spec.md §6 ("Configuration
// inputs") in one place with their defaults, rather than as hardcoded
// literals scattered through the codebase. It is a plain typed struct, a
// simplified form of the teacher's secondary/indexer/settings.go settings
// map; there is no key/value map or accessor layer.
package config

import (
	"runtime"
	"time"
)

const (
	// DefaultSearchPoolSize is the fixed thread count of the search pool
	// when not overridden.
	DefaultSearchPoolSize = 6

	// DefaultIndexPoolSizeFallback is used when PoolSizeNoAuto is set, or
	// when runtime.NumCPU() cannot be trusted.
	DefaultIndexPoolSizeFallback = 8

	// DefaultAsyncIndexInterval is the AsyncIndexQueue worker's timed-wait
	// interval, per spec §4.D.
	DefaultAsyncIndexInterval = 500 * time.Millisecond

	// DefaultIndexBatchSize is the per-spec dict size that triggers an
	// immediate wake of the indexing worker.
	DefaultIndexBatchSize = 1000

	// YieldBudget is the SearchContext time-budget in §4.C / §6: 100ms,
	// design value, monotonic clock.
	YieldBudget = 100 * time.Millisecond
)

// Config is the process-wide set of tunables consumed at startup by the
// pool registry and the AsyncIndexQueue. It is intentionally a plain struct
// rather than a generic key/value map: spec.md enumerates a small, fixed set
// of knobs (§6), so the teacher's dynamic-settings machinery (metakv
// watching, HTTP /settings endpoint, compaction scheduling) is out of scope
// here — those exist to serve config surfaces this core doesn't own
// (on-disk compaction, cluster-wide settings propagation).
type Config struct {
	// SearchPoolSize is the fixed thread count for the search pool.
	SearchPoolSize int

	// IndexPoolSize is the fallback thread count for the index pool when
	// PoolSizeNoAuto is true or CPU auto-detection fails.
	IndexPoolSize int

	// PoolSizeNoAuto disables CPU-count auto-sizing of the index pool.
	PoolSizeNoAuto bool

	// AsyncIndexInterval is the AsyncIndexQueue worker's timed-wait period.
	AsyncIndexInterval time.Duration

	// IndexBatchSize is the per-spec dict size that triggers an immediate
	// drain signal.
	IndexBatchSize int

	// YieldBudget is the SearchContext time budget before a check-timer
	// call yields the host lock.
	YieldBudget time.Duration
}

// Default returns the configuration spec.md describes as "default
// implementation-defined", using this implementation's defaults.
func Default() Config {
	return Config{
		SearchPoolSize:      DefaultSearchPoolSize,
		IndexPoolSize:       DefaultIndexPoolSizeFallback,
		PoolSizeNoAuto:      false,
		AsyncIndexInterval:  DefaultAsyncIndexInterval,
		IndexBatchSize:      DefaultIndexBatchSize,
		YieldBudget:         YieldBudget,
	}
}

// ResolvedIndexPoolSize applies the auto-sizing rule from spec §4.A: sized
// to the number of online processors unless configuration forbids
// auto-sizing, in which case the configured fallback is used. Grounded on
// the teacher's use of runtime.NumCPU() at init time in
// secondary/indexer/stats_manager.go.
func (c Config) ResolvedIndexPoolSize() int {
	if c.PoolSizeNoAuto {
		return c.fallback()
	}
	n := runtime.NumCPU()
	if n <= 0 {
		return c.fallback()
	}
	return n
}

func (c Config) fallback() int {
	if c.IndexPoolSize > 0 {
		return c.IndexPoolSize
	}
	return DefaultIndexPoolSizeFallback
}
