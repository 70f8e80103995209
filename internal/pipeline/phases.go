package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/silverleaf-dev/automerge/internal/cfg"
	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/githubclt"
	"github.com/silverleaf-dev/automerge/internal/goorderr"
	"github.com/silverleaf-dev/automerge/internal/logfields"
)

// evaluate fetches the PR snapshot and classifies eligibility. A non-empty
// outcome string means the item should be dropped with that reason; pr is
// nil in that case.
func (p *Pipeline) evaluate(ctx context.Context, item dqs.WorkItem, policy *cfg.RepoPolicy) (*githubclt.PullRequest, string, error) {
	var pr *githubclt.PullRequest
	var rateLimit *githubclt.RateLimitSnapshot
	err := p.retryIdempotent(ctx, evalLogFields(item), func() error {
		var innerErr error
		pr, rateLimit, innerErr = p.github.GetPR(ctx, item.Owner, item.Repo, item.PRNumber)
		return innerErr
	})
	p.observeRateLimit(item.InstallationID, rateLimit)
	if err != nil {
		if errors.Is(err, githubclt.ErrPullRequestIsClosed) {
			return nil, "closed", nil
		}
		return nil, "", err
	}

	if pr.State == "closed" {
		return nil, "closed", nil
	}

	if pr.Draft {
		return nil, "draft", nil
	}

	if pr.Locked {
		return nil, "locked", nil
	}

	if !hasLabel(pr, policy.Label) {
		return nil, "missing_label", nil
	}

	switch pr.MergeableState {
	case "dirty":
		return nil, "merge_conflict", nil
	case "blocked":
		return nil, "blocked_by_policy", nil
	}

	return pr, "", nil
}

func hasLabel(pr *githubclt.PullRequest, label string) bool {
	for _, l := range pr.LabelNames {
		if l == label {
			return true
		}
	}
	return false
}

func evalLogFields(item dqs.WorkItem) []zap.Field {
	return []zap.Field{logfields.RepositoryOwner(item.Owner), logfields.Repository(item.Repo), logfields.PullRequest(item.PRNumber)}
}

func (p *Pipeline) isBehind(ctx context.Context, item dqs.WorkItem, pr *githubclt.PullRequest) (behind bool, err error) {
	if pr.MergeableState == "behind" {
		return true, nil
	}

	err = p.retryIdempotent(ctx, evalLogFields(item), func() error {
		var innerErr error
		behind, innerErr = p.github.BranchIsBehindBase(ctx, item.Owner, item.Repo, pr.BaseRef, pr.HeadRef)
		return innerErr
	})

	return behind, err
}

func (p *Pipeline) updateBranch(ctx context.Context, item dqs.WorkItem) (result string, err error) {
	var changed, scheduled bool
	err = p.retryIdempotent(ctx, evalLogFields(item), func() error {
		var innerErr error
		changed, scheduled, innerErr = p.github.UpdateBranch(ctx, item.Owner, item.Repo, item.PRNumber)
		return innerErr
	})
	if err != nil {
		return "", err
	}

	if !changed {
		return "not_behind", nil
	}
	if scheduled {
		return "ok", nil
	}

	return "ok", nil
}

type waitStatus int

const (
	waitGreen waitStatus = iota
	waitFailing
	waitTimeout
	waitLeaseLost
	waitErr
)

type waitOutcome struct {
	status waitStatus
	err    error
}

// waitForChecks polls the combined review/CI status every
// policy.PollInterval until checks go green, fail, the lease is lost, or
// max_wait_minutes elapses. After each poll interval's sleep it refreshes
// the lease if at least heartbeatEvery (half the poll interval, capped to
// the pipeline's configured heartbeat interval) has passed since the last
// refresh, so the lease is refreshed at most once per poll interval and
// never during the sleep itself.
func (p *Pipeline) waitForChecks(ctx context.Context, item dqs.WorkItem, repo dqs.RepoKey, policy *cfg.RepoPolicy, leaseToken string) waitOutcome {
	deadline := time.Now().Add(policy.MaxWait())
	heartbeatEvery := p.cfg.Heartbeat
	if pollHalf := policy.PollInterval() / 2; pollHalf > 0 && pollHalf < heartbeatEvery {
		heartbeatEvery = pollHalf
	}

	lastHeartbeat := time.Now()
	started := time.Now()

	for {
		if time.Now().After(deadline) {
			p.metrics.ChecksWaitSeconds.WithLabelValues(repo.Owner, repo.Repo).Observe(time.Since(started).Seconds())
			return waitOutcome{status: waitTimeout}
		}

		status, err := p.github.ReadyForMerge(ctx, item.Owner, item.Repo, item.PRNumber)
		if err != nil {
			return waitOutcome{status: waitErr, err: err}
		}

		switch status.CIStatus {
		case githubclt.CIStatusSuccess:
			if len(status.Statuses) == 0 && !policy.AllowMergeWhenNoChecks {
				break
			}
			if status.ReviewDecision == githubclt.ReviewDecisionChangesRequested {
				return waitOutcome{status: waitFailing}
			}
			p.metrics.ChecksWaitSeconds.WithLabelValues(repo.Owner, repo.Repo).Observe(time.Since(started).Seconds())
			return waitOutcome{status: waitGreen}

		case githubclt.CIStatusFailure:
			p.metrics.ChecksWaitSeconds.WithLabelValues(repo.Owner, repo.Repo).Observe(time.Since(started).Seconds())
			return waitOutcome{status: waitFailing}
		}

		if len(status.Statuses) == 0 && policy.AllowMergeWhenNoChecks {
			p.metrics.ChecksWaitSeconds.WithLabelValues(repo.Owner, repo.Repo).Observe(time.Since(started).Seconds())
			return waitOutcome{status: waitGreen}
		}

		select {
		case <-ctx.Done():
			return waitOutcome{status: waitErr, err: ctx.Err()}
		case <-time.After(policy.PollInterval()):
		}

		if time.Since(lastHeartbeat) >= heartbeatEvery {
			if err := p.store.RefreshLease(ctx, repo, leaseToken, p.cfg.LeaseTTL); err != nil {
				if errors.Is(err, dqs.ErrLeaseLost) {
					p.logger.Info("lease lost while waiting for checks", logfields.RepositoryOwner(repo.Owner), logfields.Repository(repo.Repo))
					return waitOutcome{status: waitLeaseLost}
				}
				return waitOutcome{status: waitErr, err: err}
			}
			lastHeartbeat = time.Now()
		}
	}
}

type mergeKind int

const (
	mergeDone mergeKind = iota
	mergeDropped
	mergeRetry
	mergeLeaseLost
	mergeErr
)

type mergeOutcome struct {
	kind   mergeKind
	reason string
	err    error
}

func (p *Pipeline) merge(ctx context.Context, item dqs.WorkItem, policy *cfg.RepoPolicy, observedHeadSHA string) mergeOutcome {
	var pr *githubclt.PullRequest
	var rateLimit *githubclt.RateLimitSnapshot
	err := p.retryIdempotent(ctx, evalLogFields(item), func() error {
		var innerErr error
		pr, rateLimit, innerErr = p.github.GetPR(ctx, item.Owner, item.Repo, item.PRNumber)
		return innerErr
	})
	p.observeRateLimit(item.InstallationID, rateLimit)
	if err != nil {
		if errors.Is(err, githubclt.ErrPullRequestIsClosed) {
			return mergeOutcome{kind: mergeDropped, reason: "closed"}
		}
		return mergeOutcome{kind: mergeErr, err: err}
	}

	if !hasLabel(pr, policy.Label) || pr.MergeableState == "dirty" {
		return mergeOutcome{kind: mergeDropped, reason: "no_longer_eligible"}
	}

	if pr.HeadSHA != observedHeadSHA {
		return mergeOutcome{kind: mergeRetry, reason: "head_changed"}
	}

	p.metrics.MergeAttemptsTotal.WithLabelValues(item.Owner, item.Repo).Inc()

	title := renderTemplate(policy.TitleTemplate, pr)
	body := renderTemplate(policy.BodyTemplate, pr)

	err = p.github.MergePR(ctx, item.Owner, item.Repo, item.PRNumber, githubclt.MergeOptions{
		Method:          policy.MergeMethod,
		CommitTitle:     title,
		CommitMessage:   body,
		ExpectedHeadSHA: observedHeadSHA,
	})
	if err != nil {
		var conflict *goorderr.MergeConflictError
		if errors.As(err, &conflict) {
			switch conflict.Kind {
			case goorderr.KindNotMergeable:
				return mergeOutcome{kind: mergeDropped, reason: "not_mergeable"}
			case goorderr.KindMismatchedSHA:
				return mergeOutcome{kind: mergeRetry, reason: "mismatched_sha"}
			}
		}

		return mergeOutcome{kind: mergeErr, err: err}
	}

	return mergeOutcome{kind: mergeDone}
}
