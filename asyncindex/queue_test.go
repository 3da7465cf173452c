package asyncindex

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/ftsexec/hostsim"
	"github.com/couchbase/ftsexec/stats"
)

type fakeSpec struct {
	name    string
	mu      sync.Mutex
	deleted bool
}

func (s *fakeSpec) Name() string { return s.name }
func (s *fakeSpec) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}
func (s *fakeSpec) markDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
}

type fakeAddDocCtx struct{ key string }

func (c *fakeAddDocCtx) Close() {}

type fakeBatch struct {
	mu        sync.Mutex
	committed []string
	discarded bool
	failKey   string
}

func (b *fakeBatch) NewAddDocumentCtx(key string) (AddDocumentCtx, error) {
	if key == "" {
		return nil, fmt.Errorf("empty key")
	}
	return &fakeAddDocCtx{key: key}, nil
}

func (b *fakeBatch) Add(ctx AddDocumentCtx, doc RuleIndexableDocument) error {
	c := ctx.(*fakeAddDocCtx)
	if c.key == b.failKey {
		return fmt.Errorf("simulated indexing failure for %q", c.key)
	}
	b.mu.Lock()
	b.committed = append(b.committed, c.key)
	b.mu.Unlock()
	return nil
}

func (b *fakeBatch) Commit() error {
	return nil
}

func (b *fakeBatch) Discard() error {
	b.mu.Lock()
	b.discarded = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBatch) Close() {}

type fakeIndexer struct {
	mu      sync.Mutex
	batches []*fakeBatch
	failKey string // copied into every batch this indexer mints
}

func (i *fakeIndexer) NewBatch(spec IndexSpec) (Batch, error) {
	b := &fakeBatch{failKey: i.failKey}
	i.mu.Lock()
	i.batches = append(i.batches, b)
	i.mu.Unlock()
	return b, nil
}

func newTestQueue(t *testing.T, interval time.Duration, batchSize int) (*Queue, *fakeIndexer) {
	t.Helper()
	h := hostsim.New()
	idx := &fakeIndexer{}
	st := stats.NewRegistry()
	q := New(interval, batchSize, idx, h, st.AsyncIndex)
	t.Cleanup(q.Close)
	return q, idx
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestDuplicateSubmitCollapses is spec §8 invariant #6 / scenario 4.
func TestDuplicateSubmitCollapses(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour, 1000)
	spec := &fakeSpec{name: "s1"}

	q.Submit(spec, "k1", map[string]interface{}{"v": 1})
	q.Submit(spec, "k1", map[string]interface{}{"v": 2})

	q.mu.Lock()
	sdq := q.specs["s1"]
	size := len(sdq.live)
	got := sdq.live["k1"]
	q.mu.Unlock()

	require.Equal(t, 1, size)
	require.Equal(t, 2, got.Attributes["v"])
}

// TestBatchSizeTriggersImmediateWake is spec §8 invariant #7 / scenario 3.
func TestBatchSizeTriggersImmediateWake(t *testing.T) {
	q, idx := newTestQueue(t, time.Hour, 3)
	spec := &fakeSpec{name: "s1"}

	q.Submit(spec, "k1", nil)
	q.Submit(spec, "k2", nil)

	// Below batch size: the worker must not wake on its own within a
	// short window (interval is an hour, so only the batch-size signal
	// could wake it).
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 2, func() int {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.specs["s1"].live)
	}())

	q.Submit(spec, "k3", nil)

	waitFor(t, time.Second, func() bool {
		return q.GetPendingCount("s1") == 0
	})

	idx.mu.Lock()
	n := len(idx.batches)
	idx.mu.Unlock()
	require.Equal(t, 1, n)
}

// TestPendingCountFormula is spec §8 invariant #8.
func TestPendingCountFormula(t *testing.T) {
	q, _ := newTestQueue(t, 20*time.Millisecond, 100)
	spec := &fakeSpec{name: "s1"}

	require.EqualValues(t, -1, q.GetPendingCount("unknown"))

	q.Submit(spec, "k1", nil)
	q.Submit(spec, "k2", nil)
	require.EqualValues(t, 2, q.GetPendingCount("s1"))
}

// TestDeepestQueueDrainsFirst is spec §8 scenario 6.
func TestDeepestQueueDrainsFirst(t *testing.T) {
	q, idx := newTestQueue(t, 10*time.Millisecond, 1000)
	s1 := &fakeSpec{name: "s1"}
	s2 := &fakeSpec{name: "s2"}

	for i := 0; i < 5; i++ {
		q.Submit(s1, fmt.Sprintf("k%d", i), nil)
	}
	q.Submit(s2, "only", nil)

	waitFor(t, time.Second, func() bool {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		return len(idx.batches) >= 1
	})

	idx.mu.Lock()
	first := idx.batches[0]
	idx.mu.Unlock()

	first.mu.Lock()
	n := len(first.committed)
	first.mu.Unlock()
	require.Equal(t, 5, n, "the deeper spec (5 pending) must drain before the shallower one (1 pending)")
}

// TestDeletedSpecDiscardsMidDrain is spec §8 scenario 5.
func TestDeletedSpecDiscardsMidDrain(t *testing.T) {
	q, idx := newTestQueue(t, 10*time.Millisecond, 1000)
	spec := &fakeSpec{name: "s1"}

	for i := 0; i < 10; i++ {
		q.Submit(spec, fmt.Sprintf("k%d", i), nil)
	}
	spec.markDeleted()

	waitFor(t, time.Second, func() bool {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		return len(idx.batches) >= 1 && idx.batches[0].discarded
	})

	idx.mu.Lock()
	b := idx.batches[0]
	idx.mu.Unlock()
	require.Empty(t, b.committed, "no document should be committed once the spec is marked deleted")
}

// TestPerItemFailureContinuesDrain covers spec §7's "per-item indexing
// failure... item dropped, drain continues".
func TestPerItemFailureContinuesDrain(t *testing.T) {
	h := hostsim.New()
	st := stats.NewRegistry()
	// Mark one key to fail inside Add; the indexer hands the knob to the
	// batch the worker creates, before any item is drained.
	idx := &fakeIndexer{failKey: "k2"}
	q := New(10*time.Millisecond, 1000, idx, h, st.AsyncIndex)
	defer q.Close()

	spec := &fakeSpec{name: "s1"}
	for i := 0; i < 5; i++ {
		q.Submit(spec, fmt.Sprintf("k%d", i), nil)
	}

	waitFor(t, time.Second, func() bool {
		return q.GetPendingCount("s1") == 0
	})

	idx.mu.Lock()
	b := idx.batches[0]
	idx.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotContains(t, b.committed, "k2")
	require.Len(t, b.committed, 4, "the other items must still be indexed after k2 fails")
}

func TestCloseDrainsPendingBeforeExit(t *testing.T) {
	h := hostsim.New()
	st := stats.NewRegistry()
	idx := &fakeIndexer{}
	q := New(time.Hour, 1000, idx, h, st.AsyncIndex)

	spec := &fakeSpec{name: "s1"}
	for i := 0; i < 5; i++ {
		q.Submit(spec, fmt.Sprintf("k%d", i), nil)
	}

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.batches, 1)
	require.Len(t, idx.batches[0].committed, 5, "Close must drain already-pending work before exiting")
}
