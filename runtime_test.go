package ftsexec

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/ftsexec/asyncindex"
	"github.com/couchbase/ftsexec/config"
	"github.com/couchbase/ftsexec/dispatch"
	"github.com/couchbase/ftsexec/host"
	"github.com/couchbase/ftsexec/hostsim"
	"github.com/couchbase/ftsexec/pool"
)

type noopSpec struct{ name string }

func (s noopSpec) Name() string  { return s.name }
func (s noopSpec) Deleted() bool { return false }

type noopAddDocCtx struct{}

func (noopAddDocCtx) Close() {}

type noopBatch struct{ committed int }

func (b *noopBatch) NewAddDocumentCtx(key string) (asyncindex.AddDocumentCtx, error) {
	return noopAddDocCtx{}, nil
}
func (b *noopBatch) Add(ctx asyncindex.AddDocumentCtx, doc asyncindex.RuleIndexableDocument) error {
	b.committed++
	return nil
}
func (b *noopBatch) Commit() error  { return nil }
func (b *noopBatch) Discard() error { return nil }
func (b *noopBatch) Close()         {}

type noopIndexer struct{}

func (noopIndexer) NewBatch(spec asyncindex.IndexSpec) (asyncindex.Batch, error) {
	return &noopBatch{}, nil
}

// TestEndToEndScenario1 is spec §8 scenario 1: a search pool of size 2
// runs 10 dispatched handlers that each sleep 50ms, and all 10 finish
// within a second. Start order within a pool is checked by the pool
// package's TestFIFOWithinPool, not here.
func TestEndToEndScenario1(t *testing.T) {
	h := hostsim.New()
	cfg := config.Default()
	cfg.SearchPoolSize = 2
	rt := New(cfg, h, noopIndexer{})
	defer rt.Close()

	const n = 10
	unblocked := make(chan int, n)

	for i := 0; i < n; i++ {
		i := i
		err := rt.Dispatcher.Handle(context.Background(), pool.SearchPoolID, 0,
			func(rec *dispatch.Record, ctx host.Context, args []string) {
				time.Sleep(50 * time.Millisecond)
				unblocked <- i
			}, []string{fmt.Sprintf("cmd-%d", i)})
		require.NoError(t, err)
	}

	seen := 0
	deadline := time.After(time.Second)
	for seen < n {
		select {
		case <-unblocked:
			seen++
		case <-deadline:
			t.Fatalf("only %d/%d clients unblocked in time", seen, n)
		}
	}
}

func TestRuntimeWiresAsyncIndex(t *testing.T) {
	h := hostsim.New()
	cfg := config.Default()
	cfg.IndexBatchSize = 1
	cfg.AsyncIndexInterval = time.Hour
	rt := New(cfg, h, noopIndexer{})
	defer rt.Close()

	rt.AsyncIndex.Submit(noopSpec{name: "s1"}, "k1", nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rt.AsyncIndex.GetPendingCount("s1") == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("document never drained")
}
