package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/metrics"
	"github.com/silverleaf-dev/automerge/internal/pipeline"
)

// fakePipeline is a dry test double for Pipeline, grounded in the
// teacher's DryGithubClient pattern: canned, queued outcomes instead of
// running the real state machine.
type fakePipeline struct {
	mu      sync.Mutex
	results map[int]pipeline.Result
	calls   []dqs.WorkItem
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{results: make(map[int]pipeline.Result)}
}

func (f *fakePipeline) Run(_ context.Context, item dqs.WorkItem, _ string) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, item)

	if result, ok := f.results[item.PRNumber]; ok {
		result.Item = item
		return result
	}

	return pipeline.Result{Outcome: pipeline.OutcomeDone, Reason: "merged", Item: item}
}

func (f *fakePipeline) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testRepo() dqs.RepoKey {
	return dqs.RepoKey{InstallationID: 1, Owner: "acme", Repo: "widgets"}
}

func testItem(repo dqs.RepoKey, pr int) dqs.WorkItem {
	now := time.Now()
	return dqs.WorkItem{
		InstallationID: repo.InstallationID,
		Owner:          repo.Owner,
		Repo:           repo.Repo,
		PRNumber:       pr,
		EnqueuedAt:     now,
		FirstSeenAt:    now,
	}
}

func newTestScheduler(t *testing.T, store dqs.Store, pl Pipeline) *Scheduler {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	m := metrics.New(prometheus.NewRegistry())
	return New(store, pl, m, Config{WorkerCount: 2, LeaseTTL: time.Minute})
}

func TestSchedulerDrainsAndCompletesItem(t *testing.T) {
	ctx := context.Background()
	store := dqs.NewMemStore()
	repo := testRepo()

	_, err := store.Enqueue(ctx, testItem(repo, 7))
	require.NoError(t, err)

	pl := newFakePipeline()
	s := newTestScheduler(t, store, pl)

	s.Start(ctx)
	require.Eventually(t, func() bool { return pl.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	depth, err := store.QueueDepth(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	_, err = store.Enqueue(ctx, testItem(repo, 7))
	require.NoError(t, err)
	depth, err = store.QueueDepth(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "completed item's dedup key must be cleared")
}

func TestSchedulerPushesDLQ(t *testing.T) {
	ctx := context.Background()
	store := dqs.NewMemStore()
	repo := testRepo()

	_, err := store.Enqueue(ctx, testItem(repo, 9))
	require.NoError(t, err)

	pl := newFakePipeline()
	pl.results[9] = pipeline.Result{Outcome: pipeline.OutcomeDLQ, Reason: "checks_timeout"}

	s := newTestScheduler(t, store, pl)
	s.Start(ctx)
	require.Eventually(t, func() bool { return pl.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	entries, err := store.ListDLQ(ctx, repo)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checks_timeout", entries[0].Reason)
}

func TestSchedulerRequeuesTail(t *testing.T) {
	ctx := context.Background()
	store := dqs.NewMemStore()
	repo := testRepo()

	_, err := store.Enqueue(ctx, testItem(repo, 3))
	require.NoError(t, err)

	pl := newFakePipeline()
	pl.results[3] = pipeline.Result{Outcome: pipeline.OutcomeRequeue, Reason: "throttled"}

	s := newTestScheduler(t, store, pl)
	s.Start(ctx)
	require.Eventually(t, func() bool { return pl.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	depth, err := store.QueueDepth(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "requeued item stays in the list, still dedup'd")
}

func TestSchedulerSkipsThrottledInstallation(t *testing.T) {
	ctx := context.Background()
	store := dqs.NewMemStore()
	repo := testRepo()

	_, err := store.Enqueue(ctx, testItem(repo, 1))
	require.NoError(t, err)
	require.NoError(t, store.SetThrottle(ctx, repo.InstallationID, dqs.Throttle{Until: time.Now().Add(50 * time.Millisecond), Reason: "rate_limit"}))

	pl := newFakePipeline()
	s := newTestScheduler(t, store, pl)

	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, pl.callCount(), "throttled installation must not be drained")

	require.Eventually(t, func() bool { return pl.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

// TestLeaseLostItemIsReclaimedByNextHolder is a regression test for P6:
// an item left in the store's inflight holder by a lease-losing pipeline
// run must be recovered by whichever worker next acquires the lease.
func TestLeaseLostItemIsReclaimedByNextHolder(t *testing.T) {
	ctx := context.Background()
	store := dqs.NewMemStore()
	repo := testRepo()

	_, err := store.Enqueue(ctx, testItem(repo, 42))
	require.NoError(t, err)

	pl := newFakePipeline()
	pl.results[42] = pipeline.Result{Outcome: pipeline.OutcomeLeaseLost}

	s := newTestScheduler(t, store, pl)
	s.Start(ctx)
	// The next lease holder reclaims the item and runs it again, so the
	// pipeline sees it at least twice.
	require.Eventually(t, func() bool { return pl.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	// The item was never completed/requeued, so a fresh lease must
	// reclaim it rather than lose it.
	token, err := store.AcquireLease(ctx, repo, time.Minute)
	require.NoError(t, err)
	item, ok, err := store.PopHead(ctx, repo)
	require.NoError(t, err)
	require.True(t, ok, "item must be recoverable after lease loss")
	assert.Equal(t, 42, item.PRNumber)
	require.NoError(t, store.ReleaseLease(ctx, repo, token))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
