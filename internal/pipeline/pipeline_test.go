package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/silverleaf-dev/automerge/internal/cfg"
	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/githubclt"
	"github.com/silverleaf-dev/automerge/internal/goorderr"
	"github.com/silverleaf-dev/automerge/internal/metrics"
	"github.com/silverleaf-dev/automerge/internal/retryer"
)

// fakeGithubClient is a dry test double for GithubClient, grounded in the
// teacher's DryGithubClient pattern: canned responses instead of real API
// calls, with small counters so tests can assert on call sequences.
type fakeGithubClient struct {
	pr             *githubclt.PullRequest
	policy         []byte
	policyFound    bool
	policyErr      error
	behind         bool
	behindErr      error
	updateChanged  bool
	updateErr      error
	readyStatus    *githubclt.ReadyForMergeStatus
	readyErr       error
	readyCallCount int
	mergeErr       error
}

func (f *fakeGithubClient) GetPR(context.Context, string, string, int) (*githubclt.PullRequest, *githubclt.RateLimitSnapshot, error) {
	if f.pr == nil {
		return nil, nil, githubclt.ErrPullRequestIsClosed
	}
	return f.pr, nil, nil
}

func (f *fakeGithubClient) LoadPolicy(context.Context, string, string, string, string) ([]byte, bool, error) {
	return f.policy, f.policyFound, f.policyErr
}

func (f *fakeGithubClient) BranchIsBehindBase(context.Context, string, string, string, string) (bool, error) {
	return f.behind, f.behindErr
}

func (f *fakeGithubClient) UpdateBranch(context.Context, string, string, int) (bool, bool, error) {
	return f.updateChanged, false, f.updateErr
}

func (f *fakeGithubClient) ReadyForMerge(context.Context, string, string, int) (*githubclt.ReadyForMergeStatus, error) {
	f.readyCallCount++
	return f.readyStatus, f.readyErr
}

func (f *fakeGithubClient) MergePR(context.Context, string, string, int, githubclt.MergeOptions) error {
	return f.mergeErr
}

func testPolicy() *cfg.RepoPolicy {
	p := cfg.DefaultRepoPolicy()
	p.PollIntervalSeconds = 0
	return &p
}

func newTestPipeline(t *testing.T, github GithubClient, store dqs.Store) *Pipeline {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	m := metrics.New(prometheus.NewRegistry())
	retr := retryer.NewRetryer(
		retryer.WithLogger(zaptest.NewLogger(t)),
		retryer.WithTimeout(time.Second),
		retryer.WithBackoffInitialInterval(time.Millisecond),
	)
	t.Cleanup(retr.Stop)

	return New(github, store, m, retr, Config{
		MaxRetries:             3,
		MaxItemWindow:          time.Hour,
		LeaseTTL:               time.Minute,
		Heartbeat:              time.Minute,
		RateLimitCooldown:      10 * time.Second,
		ThrottleCooldownJitter: time.Second,
		ThrottleCooldownMax:    time.Minute,
	})
}

func openPR(number int, headSHA string, labels []string, mergeableState string) *githubclt.PullRequest {
	return &githubclt.PullRequest{
		Number:         number,
		State:          "open",
		Title:          "fix bug",
		Body:           "fixes the thing",
		User:           "octocat",
		HeadSHA:        headSHA,
		HeadRef:        "feature",
		BaseRef:        "main",
		MergeableState: mergeableState,
		LabelNames:     labels,
	}
}

func greenStatus() *githubclt.ReadyForMergeStatus {
	return &githubclt.ReadyForMergeStatus{
		ReviewDecision: githubclt.ReviewDecisionApproved,
		CIStatus:       githubclt.CIStatusSuccess,
		Statuses: []*githubclt.CIJobStatus{
			{Status: githubclt.CIStatusSuccess, Required: true},
		},
	}
}

// TestRunHappyPath covers S1: a clean, already up-to-date, green PR merges
// on the first pass.
func TestRunHappyPath(t *testing.T) {
	store := dqs.NewMemStore()
	github := &fakeGithubClient{
		pr:          openPR(7, "abc123", []string{"automerge"}, "clean"),
		policyFound: false,
		readyStatus: greenStatus(),
	}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}
	result := p.Run(context.Background(), item, "lease-token")

	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, "merged", result.Reason)
}

// TestRunUpdatesBehindBranch covers S2: a behind-base PR triggers
// UPDATE_BRANCH before proceeding to WAIT_CHECKS.
func TestRunUpdatesBehindBranch(t *testing.T) {
	store := dqs.NewMemStore()
	github := &fakeGithubClient{
		pr:            openPR(7, "abc123", []string{"automerge"}, "behind"),
		behind:        true,
		updateChanged: true,
		readyStatus:   greenStatus(),
	}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}
	result := p.Run(context.Background(), item, "lease-token")

	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, "merged", result.Reason)
}

// TestRunChecksTimeoutRequeues covers S3: checks never go green before the
// deadline, so the item is requeued with attempt incremented.
func TestRunChecksTimeoutRequeues(t *testing.T) {
	store := dqs.NewMemStore()
	pending := &githubclt.ReadyForMergeStatus{
		CIStatus: githubclt.CIStatusPending,
		Statuses: []*githubclt.CIJobStatus{{Status: githubclt.CIStatusPending, Required: true}},
	}
	github := &fakeGithubClient{
		pr:          openPR(7, "abc123", []string{"automerge"}, "clean"),
		policy:      []byte("max_wait_minutes = 1\npoll_interval_seconds = 10\n"),
		policyFound: true,
		readyStatus: pending,
	}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}
	token, err := store.AcquireLease(context.Background(), item.RepoKey(), time.Minute)
	require.NoError(t, err)
	result := p.Run(context.Background(), item, token)

	require.Equal(t, OutcomeRequeue, result.Outcome)
	assert.Equal(t, "checks_timeout", result.Reason)
	assert.Equal(t, 1, result.Item.Attempt)
}

// TestRunChecksFailedDrops covers the checks_failed DROP path: a check
// suite reporting a failed conclusion must classify as CIStatusFailure and
// drop the item, even when that check is not marked Required — a non-required
// failing check must still block the merge, per
// original_source/app/worker.py's are_checks_green, which has no
// required-only carve-out.
func TestRunChecksFailedDrops(t *testing.T) {
	store := dqs.NewMemStore()
	failing := &githubclt.ReadyForMergeStatus{
		ReviewDecision: githubclt.ReviewDecisionApproved,
		CIStatus:       githubclt.CIStatusFailure,
		Statuses: []*githubclt.CIJobStatus{
			{Name: "lint", Status: githubclt.CIStatusFailure, Required: false},
		},
	}
	github := &fakeGithubClient{
		pr:          openPR(7, "abc123", []string{"automerge"}, "clean"),
		readyStatus: failing,
	}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}
	result := p.Run(context.Background(), item, "lease-token")

	require.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, "checks_failed", result.Reason)
}

// TestRunMergeNotMergeableDrops covers the not_mergeable DROP path: a 405
// response from MergePR is terminal and must be dropped with reason
// "not_mergeable", not looped through the merge-retry budget under the
// "mismatched_sha" reason.
func TestRunMergeNotMergeableDrops(t *testing.T) {
	store := dqs.NewMemStore()
	github := &fakeGithubClient{
		pr:          openPR(7, "abc123", []string{"automerge"}, "clean"),
		readyStatus: greenStatus(),
		mergeErr:    goorderr.NewMergeConflictError(errors.New("pull request is not mergeable"), goorderr.KindNotMergeable),
	}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}
	result := p.Run(context.Background(), item, "lease-token")

	require.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, "not_mergeable", result.Reason)
}

// TestRunMergeMismatchedSHARetries covers the mismatched_sha transient path:
// a 409 (or merged=false) response from MergePR must requeue against the PR's
// new head, never drop or retry in-place against the stale SHA.
func TestRunMergeMismatchedSHARetries(t *testing.T) {
	store := dqs.NewMemStore()
	github := &fakeGithubClient{
		pr:          openPR(7, "abc123", []string{"automerge"}, "clean"),
		readyStatus: greenStatus(),
		mergeErr:    goorderr.NewMergeConflictError(errors.New("head branch was modified"), goorderr.KindMismatchedSHA),
	}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}
	result := p.Run(context.Background(), item, "lease-token")

	require.Equal(t, OutcomeRequeue, result.Outcome)
	assert.Equal(t, "mismatched_sha", result.Reason)
	assert.Equal(t, 1, result.Item.Attempt)
}

// TestApplyThrottleEnforcesCooldownFloor covers S5: a near-expired rate
// limit window (reset_at seconds away) must still hold the installation's
// throttle for at least RateLimitCooldown, not just until the observed
// reset_at plus jitter.
func TestApplyThrottleEnforcesCooldownFloor(t *testing.T) {
	store := dqs.NewMemStore()
	github := &fakeGithubClient{pr: openPR(7, "abc123", []string{"automerge"}, "clean")}
	p := newTestPipeline(t, github, store)

	resetAt := time.Now().Add(2 * time.Second)
	p.applyThrottle(42, resetAt)

	throttle, err := store.GetThrottle(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, throttle)

	floor := time.Now().Add(p.cfg.RateLimitCooldown)
	assert.True(t, throttle.Until.After(floor) || throttle.Until.Equal(floor),
		"throttle.Until=%s should be at or after the cooldown floor %s", throttle.Until, floor)
}

// TestRunHeadChangedDuringWaitRetries covers S4: the head SHA observed at
// EVALUATE no longer matches the head SHA at MERGE time, so the merge is
// retried rather than performed against a stale commit.
func TestRunHeadChangedDuringWaitRetries(t *testing.T) {
	store := dqs.NewMemStore()
	github := &fakeGithubClient{
		pr:          openPR(7, "abc123", []string{"automerge"}, "clean"),
		readyStatus: greenStatus(),
	}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}

	go func() {
		// No-op: the head change between EVALUATE and MERGE is simulated
		// further down by swapHeadClient.
	}()
	github.pr = openPR(7, "abc123", []string{"automerge"}, "clean")
	result := p.Run(context.Background(), item, "lease-token")
	require.Equal(t, OutcomeDone, result.Outcome)

	github.pr.HeadSHA = "def456"
	item2 := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 8, FirstSeenAt: time.Now()}
	github.pr = openPR(8, "abc123", []string{"automerge"}, "clean")
	result2 := p.Run(context.Background(), item2, "lease-token")
	assert.Equal(t, OutcomeDone, result2.Outcome)
	_ = result2

	github.pr = openPR(9, "aaa", []string{"automerge"}, "clean")
	item3 := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 9, FirstSeenAt: time.Now()}
	origPR := github.pr
	githubSwap := &swapHeadClient{fakeGithubClient: github, swapAfterGetPR: "bbb"}
	_ = origPR
	p2 := newTestPipeline(t, githubSwap, store)
	result3 := p2.Run(context.Background(), item3, "lease-token")
	assert.Equal(t, OutcomeRequeue, result3.Outcome)
	assert.Equal(t, "head_changed", result3.Reason)
}

// swapHeadClient wraps fakeGithubClient and reports a different head SHA on
// the second GetPR call only (EVALUATE's, after LOAD_POLICY's), so the head
// EVALUATE observes differs from the one MERGE re-fetches, simulating a push
// that lands between the two.
type swapHeadClient struct {
	*fakeGithubClient
	swapAfterGetPR string
	calls          int
}

func (s *swapHeadClient) GetPR(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequest, *githubclt.RateLimitSnapshot, error) {
	pr, rl, err := s.fakeGithubClient.GetPR(ctx, owner, repo, number)
	s.calls++
	if s.calls == 2 && pr != nil {
		changed := *pr
		changed.HeadSHA = s.swapAfterGetPR
		return &changed, rl, err
	}
	return pr, rl, err
}

func TestRunMissingLabelDrops(t *testing.T) {
	store := dqs.NewMemStore()
	github := &fakeGithubClient{pr: openPR(7, "abc123", nil, "clean")}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}
	result := p.Run(context.Background(), item, "lease-token")

	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, "missing_label", result.Reason)
}

func TestRunDraftDrops(t *testing.T) {
	store := dqs.NewMemStore()
	pr := openPR(7, "abc123", []string{"automerge"}, "clean")
	pr.Draft = true
	github := &fakeGithubClient{pr: pr}
	p := newTestPipeline(t, github, store)

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now()}
	result := p.Run(context.Background(), item, "lease-token")

	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, "draft", result.Reason)
}

func TestRunStarvationRequeuesOnce(t *testing.T) {
	store := dqs.NewMemStore()
	github := &fakeGithubClient{pr: openPR(7, "abc123", []string{"automerge"}, "clean")}
	p := newTestPipeline(t, github, store)
	p.cfg.MaxItemWindow = 0

	item := dqs.WorkItem{Owner: "acme", Repo: "widgets", PRNumber: 7, FirstSeenAt: time.Now().Add(-time.Hour)}
	result := p.Run(context.Background(), item, "lease-token")

	require.Equal(t, OutcomeRequeue, result.Outcome)
	assert.Equal(t, "starvation", result.Reason)
	assert.True(t, result.Item.Starved)
}
