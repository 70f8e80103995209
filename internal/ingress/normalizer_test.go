package ingress

import (
	"context"
	"testing"

	"github.com/google/go-github/v59/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/githubclt"
	"github.com/silverleaf-dev/automerge/internal/metrics"
)

// fakeLister is a dry test double for CommitPRLister, grounded in the
// teacher's DryGithubClient pattern of forwarding to canned responses
// instead of making real API calls.
type fakeLister struct {
	prs []*githubclt.PullRequest
	err error
}

func (f *fakeLister) ListPullRequestsWithCommit(context.Context, string, string, string) ([]*githubclt.PullRequest, error) {
	return f.prs, f.err
}

func newTestNormalizer(t *testing.T, lister CommitPRLister) (*Normalizer, dqs.Store) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	store := dqs.NewMemStore()
	m := metrics.New(prometheus.NewRegistry())

	return NewNormalizer(store, lister, m), store
}

func pullRequestEvent(action string, number int, draft bool, labels []string, owner, repo string) *github.PullRequestEvent {
	labelPtrs := make([]*github.Label, len(labels))
	for i, l := range labels {
		name := l
		labelPtrs[i] = &github.Label{Name: &name}
	}

	return &github.PullRequestEvent{
		Action: github.String(action),
		PullRequest: &github.PullRequest{
			Number: github.Int(number),
			Draft:  github.Bool(draft),
			State:  github.String("open"),
			Labels: labelPtrs,
		},
		Repo: &github.Repository{
			Name:  github.String(repo),
			Owner: &github.User{Login: github.String(owner)},
		},
		Installation: &github.Installation{ID: github.Int64(42)},
	}
}

func TestHandlePullRequestEventEnqueues(t *testing.T) {
	n, store := newTestNormalizer(t, &fakeLister{})

	ev := &Event{EventType: "pull_request", Payload: pullRequestEvent("synchronize", 7, false, []string{"automerge"}, "acme", "widgets")}
	require.NoError(t, n.Handle(context.Background(), ev))

	depth, err := store.QueueDepth(context.Background(), dqs.RepoKey{InstallationID: 42, Owner: "acme", Repo: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestHandlePullRequestEventSkipsDraft(t *testing.T) {
	n, store := newTestNormalizer(t, &fakeLister{})

	ev := &Event{EventType: "pull_request", Payload: pullRequestEvent("synchronize", 7, true, []string{"automerge"}, "acme", "widgets")}
	require.NoError(t, n.Handle(context.Background(), ev))

	depth, err := store.QueueDepth(context.Background(), dqs.RepoKey{InstallationID: 42, Owner: "acme", Repo: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestHandlePullRequestEventSkipsUnlabeled(t *testing.T) {
	n, store := newTestNormalizer(t, &fakeLister{})

	ev := &Event{EventType: "pull_request", Payload: pullRequestEvent("synchronize", 7, false, nil, "acme", "widgets")}
	require.NoError(t, n.Handle(context.Background(), ev))

	depth, err := store.QueueDepth(context.Background(), dqs.RepoKey{InstallationID: 42, Owner: "acme", Repo: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestHandlePullRequestEventSkipsIrrelevantAction(t *testing.T) {
	n, store := newTestNormalizer(t, &fakeLister{})

	ev := &Event{EventType: "pull_request", Payload: pullRequestEvent("closed", 7, false, []string{"automerge"}, "acme", "widgets")}
	require.NoError(t, n.Handle(context.Background(), ev))

	depth, err := store.QueueDepth(context.Background(), dqs.RepoKey{InstallationID: 42, Owner: "acme", Repo: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestHandleCheckSuiteEventResolvesPRs(t *testing.T) {
	lister := &fakeLister{prs: []*githubclt.PullRequest{{Number: 3}, {Number: 9}}}
	n, store := newTestNormalizer(t, lister)

	ev := &Event{
		EventType: "check_suite",
		Payload: &github.CheckSuiteEvent{
			Action: github.String("completed"),
			CheckSuite: &github.CheckSuite{
				HeadSHA: github.String("a1b2c3"),
			},
			Repo: &github.Repository{
				Name:  github.String("widgets"),
				Owner: &github.User{Login: github.String("acme")},
			},
			Installation: &github.Installation{ID: github.Int64(42)},
		},
	}
	require.NoError(t, n.Handle(context.Background(), ev))

	depth, err := store.QueueDepth(context.Background(), dqs.RepoKey{InstallationID: 42, Owner: "acme", Repo: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestHandleCheckSuiteEventIgnoresInProgress(t *testing.T) {
	lister := &fakeLister{prs: []*githubclt.PullRequest{{Number: 3}}}
	n, store := newTestNormalizer(t, lister)

	ev := &Event{
		EventType: "check_suite",
		Payload: &github.CheckSuiteEvent{
			Action: github.String("requested"),
			CheckSuite: &github.CheckSuite{
				HeadSHA: github.String("a1b2c3"),
			},
			Repo: &github.Repository{
				Name:  github.String("widgets"),
				Owner: &github.User{Login: github.String("acme")},
			},
			Installation: &github.Installation{ID: github.Int64(42)},
		},
	}
	require.NoError(t, n.Handle(context.Background(), ev))

	depth, err := store.QueueDepth(context.Background(), dqs.RepoKey{InstallationID: 42, Owner: "acme", Repo: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}
