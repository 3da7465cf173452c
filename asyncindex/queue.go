// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package asyncindex implements the AsyncIndexQueue, spec.md §4.D: a single
// dedicated worker thread that batches per-index document mutations,
// drains them under backpressure, and re-appends an index's queue to the
// pending list when new documents arrived while its batch was draining,
// prioritizing the deepest queue.
//
// The worker's wait/wake mechanism is a buffered "wake" channel used as a
// timed condition variable, the same channel-as-condvar idiom the
// teacher's secondary/indexer/queue.go rotating buffer uses (notifyEnq /
// notifyDeq via buffered channels and select), rather than sync.Cond (which
// has no native timed wait in Go).
package asyncindex

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/goutils/logging"
	"golang.org/x/time/rate"

	"github.com/couchbase/ftsexec/common"
	"github.com/couchbase/ftsexec/host"
	"github.com/couchbase/ftsexec/stats"
)

// pendingWarnThreshold is the pending-list length past which Submit starts
// logging (rate-limited) that the worker is falling behind submitters.
const pendingWarnThreshold = 100

// specState is the state set from spec.md §3, drawn from {PENDING,
// PROCESSING}. Both bits can be set simultaneously: a worker may be
// draining a previously swapped-out dict while new items accumulate in the
// live dict, which re-queues the spec as PENDING again.
type specState uint8

const (
	statePending specState = 1 << iota
	stateProcessing
)

// specDocQueue is one per-index sub-queue, keyed by document key.
//
// Its fields are protected by the owning Queue's single mutex rather than a
// separate per-entry lock: spec.md §3/§5 describe the per-spec dict as
// "protected by the queue's mutex" verbatim, and with the pending list
// bounded by the number of indexes (spec §9), a single mutex is simpler and
// deadlock-free without sacrificing the documented behavior.
type specDocQueue struct {
	spec    IndexSpec
	live    map[string]RuleIndexableDocument
	state   specState
	nactive int
}

func newSpecDocQueue(spec IndexSpec) *specDocQueue {
	return &specDocQueue{spec: spec, live: make(map[string]RuleIndexableDocument)}
}

// Queue is the AsyncIndexQueue: configuration, the pending list, and the
// dedicated worker goroutine.
type Queue struct {
	interval  time.Duration
	batchSize int

	mu      sync.Mutex
	specs   map[string]*specDocQueue
	pending []*specDocQueue

	cancelled int32 // atomic bool
	wake      chan struct{}
	doneCh    chan struct{}

	indexer Indexer
	host    host.Host
	st      stats.AsyncIndexStats
	warnLim rate.Sometimes
}

// New constructs an AsyncIndexQueue and spawns its dedicated worker
// goroutine (spec §4.D "Lifecycle: Construction spawns the worker
// detached-style but with a joinable handle").
func New(interval time.Duration, batchSize int, indexer Indexer, h host.Host, st stats.AsyncIndexStats) *Queue {
	common.Assert(batchSize > 0, "asyncindex: batchSize must be positive, got %d", batchSize)
	common.Assert(interval > 0, "asyncindex: interval must be positive, got %v", interval)

	q := &Queue{
		interval:  interval,
		batchSize: batchSize,
		specs:     make(map[string]*specDocQueue),
		wake:      make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		indexer:   indexer,
		host:      h,
		st:        st,
		warnLim:   rate.Sometimes{Interval: time.Second},
	}
	go q.workerLoop()
	return q
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit enqueues a match-result for spec/key, typically called from the
// host's event-loop thread under the host lock (spec §4.D "Submit").
// Duplicate keys before the next drain are silently collapsed: the later
// submission simply overwrites the dict entry, so "the last observed
// attribute set wins at indexing time" (spec §5).
func (q *Queue) Submit(spec IndexSpec, key string, attrs map[string]interface{}) {
	doc := RuleIndexableDocument{Key: key, Attributes: attrs}

	q.mu.Lock()
	sdq, ok := q.specs[spec.Name()]
	if !ok {
		sdq = newSpecDocQueue(spec)
		q.specs[spec.Name()] = sdq
	}

	_, duplicate := sdq.live[key]
	sdq.live[key] = doc

	if sdq.state&(statePending|stateProcessing) == 0 {
		q.pending = append(q.pending, sdq)
		sdq.state |= statePending
	}

	shouldSignal := sdq.state&stateProcessing == 0 && len(sdq.live) >= q.batchSize
	pendingLen := len(q.pending)
	q.mu.Unlock()

	if q.st.PendingSpecs != nil {
		q.st.PendingSpecs.Set(float64(pendingLen))
	}
	if duplicate {
		if q.st.DocsDropped != nil {
			q.st.DocsDropped.Inc()
		}
	} else if q.st.DocsSubmitted != nil {
		q.st.DocsSubmitted.Inc()
	}

	if pendingLen > pendingWarnThreshold {
		q.warnLim.Do(func() {
			logging.Warnf("asyncindex: pending list length %d exceeds %d, the worker is falling behind submitters", pendingLen, pendingWarnThreshold)
		})
	}

	if shouldSignal {
		q.signal()
	}
}

// GetPendingCount returns nactive + size(live dict) for spec, or -1 if the
// spec has no queue (spec §4.D "Pending-count query").
func (q *Queue) GetPendingCount(specName string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	sdq, ok := q.specs[specName]
	if !ok {
		return -1
	}
	return int64(sdq.nactive) + int64(len(sdq.live))
}

// popDeepest sorts the pending list ascending by live-dict size and removes
// the last (largest) entry, swapping its dict for a fresh empty one and
// marking it PROCESSING. It returns nil if the pending list is empty.
func (q *Queue) popDeepest() (*specDocQueue, map[string]RuleIndexableDocument) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, nil
	}

	sort.Slice(q.pending, func(i, j int) bool {
		return len(q.pending[i].live) < len(q.pending[j].live)
	})
	last := len(q.pending) - 1
	sdq := q.pending[last]
	q.pending = q.pending[:last]

	old := sdq.live
	sdq.live = make(map[string]RuleIndexableDocument)
	sdq.nactive = len(old)
	sdq.state = (sdq.state &^ statePending) | stateProcessing

	if q.st.PendingSpecs != nil {
		q.st.PendingSpecs.Set(float64(len(q.pending)))
	}

	return sdq, old
}

// finishDrain clears PROCESSING and, if new entries accumulated in the live
// dict while draining, re-appends the queue to the pending list.
func (q *Queue) finishDrain(sdq *specDocQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sdq.nactive = 0
	sdq.state &^= stateProcessing

	if len(sdq.live) > 0 {
		sdq.state |= statePending
		q.pending = append(q.pending, sdq)
	}

	if q.st.PendingSpecs != nil {
		q.st.PendingSpecs.Set(float64(len(q.pending)))
	}
}

// workerLoop is the dedicated indexing worker (spec §4.D "Worker loop").
func (q *Queue) workerLoop() {
	defer close(q.doneCh)

	for {
		sdq, batch := q.popDeepest()
		if sdq == nil {
			if atomic.LoadInt32(&q.cancelled) != 0 {
				// Cancellation is cooperative and re-checked on every
				// wakeup, including spurious ones (spec §9's "strict
				// implementation" resolution of the open question about
				// the original's missed re-check).
				return
			}
			select {
			case <-q.wake:
			case <-time.After(q.interval):
			}
			continue
		}

		q.drain(sdq, batch)
	}
}

// drain processes one batch: spec §4.D "Draining a batch".
func (q *Queue) drain(sdq *specDocQueue, batch map[string]RuleIndexableDocument) {
	start := time.Now()
	defer q.finishDrain(sdq)

	hctx, err := q.host.NewContext()
	if err != nil {
		logging.Errorf("asyncindex: NewContext failed draining %q, batch dropped: %v", sdq.spec.Name(), err)
		return
	}
	defer hctx.Free()

	hctx.Lock()
	b, err := q.indexer.NewBatch(sdq.spec)
	hctx.Unlock()
	if err != nil {
		logging.Errorf("asyncindex: failed to start batch for %q: %v", sdq.spec.Name(), err)
		return
	}

	for key, doc := range batch {
		if sdq.spec.Deleted() {
			break
		}

		hctx.Lock()
		actx, err := b.NewAddDocumentCtx(key)
		hctx.Unlock()
		if err != nil {
			logging.Errorf("asyncindex: NewAddDocumentCtx(%q, %q) failed: %v", sdq.spec.Name(), key, err)
			continue
		}

		if err := b.Add(actx, doc); err != nil {
			actx.Close()
			logging.Errorf("asyncindex: indexing %q in %q failed: %v", key, sdq.spec.Name(), err)
		}
	}

	hctx.Lock()
	if sdq.spec.Deleted() {
		if err := b.Discard(); err != nil {
			logging.Warnf("asyncindex: discard for deleted spec %q failed: %v", sdq.spec.Name(), err)
		}
	} else if err := b.Commit(); err != nil {
		logging.Errorf("asyncindex: commit for %q failed: %v", sdq.spec.Name(), err)
	}
	b.Close()
	hctx.Unlock()

	if q.st.BatchesDrain != nil {
		q.st.BatchesDrain.Inc()
	}
	if q.st.DrainLatency != nil {
		q.st.DrainLatency.Observe(time.Since(start).Seconds())
	}
}

// RemoveDoc is declared but intentionally unimplemented. Spec.md §9 leaves
// its intended semantics (cancel a pending submission on key deletion) as
// an explicit open question ("must be clarified before implementation") —
// guessing at it risks silently dropping documents a caller expects to
// still be indexed, so this stays a documented no-op rather than a guess.
func (q *Queue) RemoveDoc(spec IndexSpec, key string) {
	_ = spec
	_ = key
}

// Close implements the cancellation lifecycle of spec §4.D: it sets state
// to CANCELLED, signals the worker, and joins it. Per this implementation's
// resolution of the open question in spec §9 ("decide whether to
// drain-then-exit or drop-and-exit"), the worker finishes draining whatever
// is already in flight and any batches still in the pending list before
// exiting — no queued document is silently discarded by cancellation
// itself — it only stops accepting the *next* empty-queue wait.
func (q *Queue) Close() {
	atomic.StoreInt32(&q.cancelled, 1)
	q.signal()
	<-q.doneCh
}
