package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/githubclt"
	"github.com/silverleaf-dev/automerge/internal/logfields"
	"github.com/silverleaf-dev/automerge/internal/metrics"
)

// CommitPRLister resolves the open pull requests associated with a commit
// SHA, needed to map check_suite and status events (which carry a commit,
// not a PR number) back to work items. Implemented by *githubclt.Client.
type CommitPRLister interface {
	ListPullRequestsWithCommit(ctx context.Context, owner, repo, sha string) ([]*githubclt.PullRequest, error)
}

var relevantPullRequestActions = map[string]bool{
	"opened":           true,
	"reopened":         true,
	"synchronize":      true,
	"labeled":          true,
	"unlabeled":        true,
	"ready_for_review": true,
}

// Normalizer maps validated webhook events into dqs.WorkItem enqueue
// calls, per the mapping rules of the event-to-item table.
type Normalizer struct {
	logger  *zap.Logger
	store   dqs.Store
	lister  CommitPRLister
	metrics *metrics.Collector
}

func NewNormalizer(store dqs.Store, lister CommitPRLister, m *metrics.Collector) *Normalizer {
	return &Normalizer{
		logger:  zap.L().Named("ingress_normalizer"),
		store:   store,
		lister:  lister,
		metrics: m,
	}
}

// Handle normalizes ev and enqueues zero or more work items.
func (n *Normalizer) Handle(ctx context.Context, ev *Event) error {
	switch payload := ev.Payload.(type) {
	case *github.PullRequestEvent:
		return n.handlePullRequestEvent(ctx, payload)

	case *github.CheckSuiteEvent:
		if payload.GetAction() != "completed" {
			return nil
		}
		return n.handleCommitEvent(ctx,
			payload.GetRepo().GetOwner().GetLogin(),
			payload.GetRepo().GetName(),
			payload.GetInstallation().GetID(),
			payload.GetCheckSuite().GetHeadSHA(),
		)

	case *github.StatusEvent:
		return n.handleCommitEvent(ctx,
			payload.GetRepo().GetOwner().GetLogin(),
			payload.GetRepo().GetName(),
			payload.GetInstallation().GetID(),
			payload.GetSHA(),
		)

	default:
		return nil
	}
}

func (n *Normalizer) handlePullRequestEvent(ctx context.Context, payload *github.PullRequestEvent) error {
	if !relevantPullRequestActions[payload.GetAction()] {
		return nil
	}

	pr := payload.GetPullRequest()
	if pr.GetDraft() || pr.GetState() == "closed" {
		return nil
	}

	if len(pr.Labels) == 0 {
		return nil
	}

	owner := payload.GetRepo().GetOwner().GetLogin()
	repo := payload.GetRepo().GetName()

	return n.enqueue(ctx, dqs.RepoKey{
		InstallationID: payload.GetInstallation().GetID(),
		Owner:          owner,
		Repo:           repo,
	}, pr.GetNumber())
}

func (n *Normalizer) handleCommitEvent(ctx context.Context, owner, repo string, installationID int64, sha string) error {
	if sha == "" {
		return nil
	}

	prs, err := n.lister.ListPullRequestsWithCommit(ctx, owner, repo, sha)
	if err != nil {
		return fmt.Errorf("resolving pull requests for commit %s failed: %w", sha, err)
	}

	repoKey := dqs.RepoKey{InstallationID: installationID, Owner: owner, Repo: repo}

	for _, pr := range prs {
		if err := n.enqueue(ctx, repoKey, pr.Number); err != nil {
			return err
		}
	}

	return nil
}

func (n *Normalizer) enqueue(ctx context.Context, repo dqs.RepoKey, prNumber int) error {
	now := time.Now()
	item := dqs.WorkItem{
		InstallationID: repo.InstallationID,
		Owner:          repo.Owner,
		Repo:           repo.Repo,
		PRNumber:       prNumber,
		EnqueuedAt:     now,
		FirstSeenAt:    now,
	}

	result, err := n.store.Enqueue(ctx, item)
	if err != nil {
		return fmt.Errorf("enqueueing work item failed: %w", err)
	}

	logger := n.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Repo),
		logfields.PullRequest(prNumber),
	)

	if result == dqs.Deduped {
		n.metrics.EventsDedupedTotal.WithLabelValues(repo.Owner, repo.Repo).Inc()
		logger.Debug("event deduped against queued or in-flight item", logfields.Event("event_deduped"))
		return nil
	}

	n.metrics.EventsEnqueuedTotal.WithLabelValues(repo.Owner, repo.Repo).Inc()
	logger.Debug("work item enqueued", logfields.Event("work_item_enqueued"))

	n.refreshQueueGauges(ctx, repo)

	return nil
}

// refreshQueueGauges sets queue_depth and queue_oldest_age_seconds to the
// store's current view for repo, rather than incrementing/decrementing a
// local counter, so the gauges stay correct across process restarts: they
// are derived from the live queue rather than from an in-memory delta.
func (n *Normalizer) refreshQueueGauges(ctx context.Context, repo dqs.RepoKey) {
	depth, err := n.store.QueueDepth(ctx, repo)
	if err != nil {
		n.logger.Error("reading queue depth for metrics failed", zap.Error(err))
		return
	}
	n.metrics.QueueDepth.WithLabelValues(repo.Owner, repo.Repo).Set(float64(depth))

	oldest, err := n.store.OldestEnqueuedAt(ctx, repo)
	if err != nil {
		n.logger.Error("reading oldest enqueued time for metrics failed", zap.Error(err))
		return
	}

	age := 0.0
	if !oldest.IsZero() {
		age = time.Since(oldest).Seconds()
	}
	n.metrics.QueueOldestAgeSeconds.WithLabelValues(repo.Owner, repo.Repo).Set(age)
}
