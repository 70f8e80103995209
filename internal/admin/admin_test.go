package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/githubclt"
)

// fakeChecksInspector is a dry test double for ChecksInspector.
type fakeChecksInspector struct {
	pr       *githubclt.PullRequest
	combined *githubclt.CombinedStatus
	suites   []*githubclt.CheckSuiteStatus
}

func (f *fakeChecksInspector) GetPR(context.Context, string, string, int) (*githubclt.PullRequest, *githubclt.RateLimitSnapshot, error) {
	return f.pr, nil, nil
}

func (f *fakeChecksInspector) GetCombinedStatus(context.Context, string, string, string) (*githubclt.CombinedStatus, error) {
	return f.combined, nil
}

func (f *fakeChecksInspector) GetCheckSuites(context.Context, string, string, string) ([]*githubclt.CheckSuiteStatus, error) {
	return f.suites, nil
}

func testItem(installationID int64, owner, repo string, pr int) dqs.WorkItem {
	now := time.Now()
	return dqs.WorkItem{
		InstallationID: installationID,
		Owner:          owner,
		Repo:           repo,
		PRNumber:       pr,
		EnqueuedAt:     now,
		FirstSeenAt:    now,
	}
}

func TestHandleListQueuesReportsDepthAndDLQ(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	ctx := context.Background()
	store := dqs.NewMemStore()

	dlqItem := testItem(1, "acme", "widgets", 9)
	_, err := store.Enqueue(ctx, dlqItem)
	require.NoError(t, err)
	popped, ok, err := store.PopHead(ctx, dlqItem.RepoKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.PushDLQ(ctx, popped, "checks_failed"))

	item := testItem(1, "acme", "widgets", 7)
	_, err = store.Enqueue(ctx, item)
	require.NoError(t, err)

	h := NewHandler(store, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	rec := httptest.NewRecorder()

	h.handleListQueues(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "queue_depth=1")
	assert.Contains(t, body, "dlq[0] pr=#9")
	assert.Contains(t, body, "reason=checks_failed")
}

func TestHandleListQueuesReportsFailingCheckBreakdown(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	ctx := context.Background()
	store := dqs.NewMemStore()

	dlqItem := testItem(1, "acme", "widgets", 9)
	_, err := store.Enqueue(ctx, dlqItem)
	require.NoError(t, err)
	popped, ok, err := store.PopHead(ctx, dlqItem.RepoKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.PushDLQ(ctx, popped, "checks_failed"))

	checks := &fakeChecksInspector{
		pr:       &githubclt.PullRequest{Number: 9, HeadSHA: "abc123"},
		combined: &githubclt.CombinedStatus{State: githubclt.CombinedStatusFailure, Contexts: []string{"ci/lint"}},
		suites:   []*githubclt.CheckSuiteStatus{{App: "ci", Conclusion: "failure"}},
	}

	h := NewHandler(store, checks)
	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	rec := httptest.NewRecorder()

	h.handleListQueues(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "combined status is failing, contexts=ci/lint")
	assert.Contains(t, body, "ci suite failed, conclusion=failure")
}

func TestHandleListQueuesReportsEmpty(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	store := dqs.NewMemStore()
	h := NewHandler(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	rec := httptest.NewRecorder()

	h.handleListQueues(rec, req)

	assert.Contains(t, rec.Body.String(), "no repositories have pending work")
}

func TestHandleReplayDLQResetsAttemptAndRequeues(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	ctx := context.Background()
	store := dqs.NewMemStore()

	item := testItem(1, "acme", "widgets", 9)
	item.Attempt = 4
	_, err := store.Enqueue(ctx, item)
	require.NoError(t, err)
	popped, ok, err := store.PopHead(ctx, item.RepoKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.PushDLQ(ctx, popped, "timeout"))

	h := NewHandler(store, nil)

	form := url.Values{
		"installation_id": {"1"},
		"owner":           {"acme"},
		"repo":            {"widgets"},
		"index":           {strconv.Itoa(0)},
	}
	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/replay", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.handleReplayDLQ(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	replayed, ok, err := store.PopHead(ctx, item.RepoKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, replayed.Attempt)
}

func TestHandleReplayDLQRejectsWrongMethod(t *testing.T) {
	h := NewHandler(dqs.NewMemStore(), nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq/replay", nil)
	rec := httptest.NewRecorder()

	h.handleReplayDLQ(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleReplayDLQRejectsMissingRepo(t *testing.T) {
	h := NewHandler(dqs.NewMemStore(), nil)

	form := url.Values{"installation_id": {"1"}, "index": {"0"}}
	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/replay", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.handleReplayDLQ(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
