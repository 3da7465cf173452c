// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// ftsexecdemo wires the concurrent execution core against hostsim, a fake
// embedding server, and drives the scenarios of spec.md §8 end to end as a
// runnable program rather than as table tests, the way the teacher's
// cmd/cbindexperf drives the scan path against a real cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/goutils/logging"

	"github.com/couchbase/ftsexec"
	"github.com/couchbase/ftsexec/asyncindex"
	"github.com/couchbase/ftsexec/config"
	"github.com/couchbase/ftsexec/dispatch"
	"github.com/couchbase/ftsexec/host"
	"github.com/couchbase/ftsexec/hostsim"
	"github.com/couchbase/ftsexec/pool"
	"github.com/couchbase/ftsexec/searchctx"
)

// demoSpec is a minimal asyncindex.IndexSpec: a named index that can be
// marked deleted to exercise the mid-drain discard path.
type demoSpec struct {
	name string

	mu      sync.Mutex
	deleted bool
}

func (s *demoSpec) Name() string { return s.name }
func (s *demoSpec) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}
func (s *demoSpec) markDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
}

// demoAddDocCtx and demoBatch are a trivial in-memory Indexer that just logs
// what it would have committed, standing in for the real document-analysis
// pipeline spec.md §1 puts out of scope.
type demoAddDocCtx struct{ key string }

func (demoAddDocCtx) Close() {}

type demoBatch struct {
	spec      string
	committed []string
}

func (b *demoBatch) NewAddDocumentCtx(key string) (asyncindex.AddDocumentCtx, error) {
	return demoAddDocCtx{key: key}, nil
}

func (b *demoBatch) Add(ctx asyncindex.AddDocumentCtx, doc asyncindex.RuleIndexableDocument) error {
	b.committed = append(b.committed, doc.Key)
	return nil
}

func (b *demoBatch) Commit() error {
	logging.Infof("ftsexecdemo: committed %d document(s) to index %q: %v", len(b.committed), b.spec, b.committed)
	return nil
}

func (b *demoBatch) Discard() error {
	logging.Infof("ftsexecdemo: discarded %d in-flight document(s) for deleted index %q", len(b.committed), b.spec)
	return nil
}

func (b *demoBatch) Close() {}

type demoIndexer struct{}

func (demoIndexer) NewBatch(spec asyncindex.IndexSpec) (asyncindex.Batch, error) {
	return &demoBatch{spec: spec.Name()}, nil
}

func main() {
	metricsAddr := flag.String("metricsAddr", "", "if set, serve Prometheus metrics on this address (e.g. :9114)")
	flag.Parse()

	h := hostsim.New()
	h.Put("doc:1", "initial value")

	cfg := config.Default()
	cfg.SearchPoolSize = 4
	cfg.IndexBatchSize = 3
	cfg.AsyncIndexInterval = 200 * time.Millisecond

	rt := ftsexec.New(cfg, h, demoIndexer{})
	defer rt.Close()

	if *metricsAddr != "" {
		go func() {
			logging.Infof("ftsexecdemo: serving metrics on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, rt.Stats.Handler()); err != nil {
				logging.Warnf("ftsexecdemo: metrics server exited: %v", err)
			}
		}()
	}

	runSearchScenario(rt)
	runSearchContextScenario(h)
	runAsyncIndexScenario(rt)

	logging.Infof("ftsexecdemo: done")
}

// runSearchScenario is spec §8 scenario 1: dispatch a batch of blocking
// commands to the search pool and wait for every handler to run.
func runSearchScenario(rt *ftsexec.Runtime) {
	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		err := rt.Dispatcher.Handle(context.Background(), pool.SearchPoolID, 0,
			func(rec *dispatch.Record, ctx host.Context, args []string) {
				defer wg.Done()
				time.Sleep(20 * time.Millisecond)
				logging.Infof("ftsexecdemo: search job %d (%s) ran with args %v", i, rec.ID(), args)
			}, []string{"SEARCH", fmt.Sprintf("query-%d", i)})
		if err != nil {
			logging.Errorf("ftsexecdemo: dispatch failed: %v", err)
		}
	}

	wg.Wait()
	logging.Infof("ftsexecdemo: search scenario complete")
}

// runSearchContextScenario is spec §8 scenario 2: hold a handle across a
// CheckTimer-forced yield and observe the reopen callback fire.
func runSearchContextScenario(h *hostsim.Host) {
	hctx, err := h.NewContext()
	if err != nil {
		logging.Errorf("ftsexecdemo: NewContext failed: %v", err)
		return
	}
	defer hctx.Free()

	sc := searchctx.New(hctx, 30*time.Millisecond)
	defer sc.Close()

	sc.Lock()
	k, err := hctx.OpenKey("doc:1", host.ReadOnly)
	if err != nil {
		logging.Errorf("ftsexecdemo: OpenKey failed: %v", err)
		sc.Unlock()
		return
	}
	ref := sc.Track(k, host.ReadOnly, "doc:1", func(newHandle host.Handle, _ interface{}) {
		if newHandle == nil {
			logging.Warnf("ftsexecdemo: doc:1 vanished across a yield")
		} else {
			logging.Infof("ftsexecdemo: doc:1 reopened after a yield")
		}
	}, nil, nil, 0)

	time.Sleep(40 * time.Millisecond)
	if sc.CheckTimer() {
		logging.Infof("ftsexecdemo: SearchContext yielded the host lock and reacquired it")
	}
	_ = sc.Handle(ref)
	sc.Unlock()

	logging.Infof("ftsexecdemo: search context scenario complete")
}

// runAsyncIndexScenario drives the AsyncIndexQueue: batch-size-triggered
// drains across indexes of different depths, and an index deleted before
// its batch drains. No key is submitted twice, so duplicate collapsing is
// not exercised here.
func runAsyncIndexScenario(rt *ftsexec.Runtime) {
	busy := &demoSpec{name: "busy-index"}
	quiet := &demoSpec{name: "quiet-index"}
	doomed := &demoSpec{name: "doomed-index"}

	for i := 0; i < 5; i++ {
		rt.AsyncIndex.Submit(busy, fmt.Sprintf("busy-doc-%d", i), map[string]interface{}{"n": i})
	}
	rt.AsyncIndex.Submit(quiet, "quiet-doc-0", nil)

	rt.AsyncIndex.Submit(doomed, "doomed-doc-0", nil)
	rt.AsyncIndex.Submit(doomed, "doomed-doc-1", nil)
	doomed.markDeleted()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rt.AsyncIndex.GetPendingCount("busy-index") == 0 &&
			rt.AsyncIndex.GetPendingCount("quiet-index") == 0 &&
			rt.AsyncIndex.GetPendingCount("doomed-index") == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	logging.Infof("ftsexecdemo: async index scenario complete")
}
