// Package pipeline implements the merge state machine: load policy,
// evaluate, update branch if behind, wait for checks, merge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/silverleaf-dev/automerge/internal/cfg"
	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/githubclt"
	"github.com/silverleaf-dev/automerge/internal/goorderr"
	"github.com/silverleaf-dev/automerge/internal/logfields"
	"github.com/silverleaf-dev/automerge/internal/metrics"
	"github.com/silverleaf-dev/automerge/internal/retryer"
)

// GithubClient is the subset of githubclt.Client the pipeline depends on,
// narrowed to an interface so tests can supply a fake, the same way the
// teacher's autoupdate queue depends on an interface instead of a
// concrete client.
type GithubClient interface {
	GetPR(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequest, *githubclt.RateLimitSnapshot, error)
	LoadPolicy(ctx context.Context, owner, repo, ref, path string) ([]byte, bool, error)
	BranchIsBehindBase(ctx context.Context, owner, repo, baseBranch, branch string) (bool, error)
	UpdateBranch(ctx context.Context, owner, repo string, number int) (changed, scheduled bool, err error)
	ReadyForMerge(ctx context.Context, owner, repo string, number int) (*githubclt.ReadyForMergeStatus, error)
	MergePR(ctx context.Context, owner, repo string, number int, opts githubclt.MergeOptions) error
}

// LeaseHeartbeater refreshes the lease the caller currently holds on a
// repo. It returns dqs.ErrLeaseLost when the lease was stolen or expired.
type LeaseHeartbeater interface {
	RefreshLease(ctx context.Context, repo dqs.RepoKey, token string, ttl time.Duration) error
}

// Outcome is the terminal disposition the Scheduler applies to DQS after
// a pipeline run completes.
type Outcome int

const (
	// OutcomeDone merges or drops the item; the scheduler calls Complete.
	OutcomeDone Outcome = iota
	// OutcomeDLQ pushes the item to the dead-letter queue.
	OutcomeDLQ
	// OutcomeRequeue appends the item to the tail of its repo's list.
	OutcomeRequeue
	// OutcomeLeaseLost aborts without any DQS mutation; the item stays
	// at the head for the next lease holder.
	OutcomeLeaseLost
)

// Result is the outcome of one pipeline run plus bookkeeping the
// scheduler needs to apply it.
type Result struct {
	Outcome Outcome
	Reason  string
	Item    dqs.WorkItem // possibly mutated (attempt incremented, Starved set)
}

// Config carries the tunables of the state machine that live outside the
// per-repo policy file.
type Config struct {
	MaxRetries    int
	MaxItemWindow time.Duration
	LeaseTTL      time.Duration
	Heartbeat     time.Duration

	RateLimitMinRemaining  int
	RateLimitCooldown      time.Duration
	ThrottleCooldownJitter time.Duration
	ThrottleCooldownMax    time.Duration
}

type Pipeline struct {
	logger  *zap.Logger
	github  GithubClient
	store   dqs.Store
	metrics *metrics.Collector
	cfg     Config
	retryer *retryer.Retryer
}

// New builds a Pipeline. retr retries the facade's idempotent reads and
// UpdateBranch on *goorderr.RetryableError with exponential backoff,
// capped by retr's own timeout, before the error ever reaches the
// pipeline's own attempt counter; merge_pr is never passed through retr,
// mirroring the teacher's queue.updatePRWithBase wrapping only the
// branch-update call in q.retryer.Run and leaving the merge call bare.
func New(github GithubClient, store dqs.Store, m *metrics.Collector, retr *retryer.Retryer, config Config) *Pipeline {
	return &Pipeline{
		logger:  zap.L().Named("pipeline"),
		github:  github,
		store:   store,
		metrics: m,
		cfg:     config,
		retryer: retr,
	}
}

// retryIdempotent runs fn through p.retryer, retrying it on
// *goorderr.RetryableError until it succeeds, fails with a different
// error, or the retryer's own timeout elapses. Errors other than
// RetryableError (ThrottledError, MergeConflictError, ...) pass through
// on the first attempt so the pipeline's normal error handling sees them
// without delay.
func (p *Pipeline) retryIdempotent(ctx context.Context, logF []zap.Field, fn func() error) error {
	return p.retryer.Run(ctx, fn, logF)
}

// Run drives item through LOAD_POLICY -> EVALUATE -> (UPDATE_BRANCH |
// WAIT_CHECKS) -> MERGE. item's repo identifies the lease the caller holds;
// leaseToken/heartbeat let Run keep the lease alive during long waits. Run
// never mutates DQS itself; the caller (the Scheduler) applies Result to
// complete, push_dlq, or requeue_tail based on the returned Outcome.
func (p *Pipeline) Run(ctx context.Context, item dqs.WorkItem, leaseToken string) Result {
	repo := item.RepoKey()
	logger := p.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Repo),
		logfields.PullRequest(item.PRNumber),
		logfields.Attempt(item.Attempt),
	)

	if starved, requeued := p.checkStarvation(&item); starved {
		p.metrics.StarvationRequeueTotal.WithLabelValues(repo.Owner, repo.Repo).Inc()
		logger.Info("starvation window exceeded, requeuing once", logfields.Event("starvation_requeue"))
		if requeued {
			return Result{Outcome: OutcomeRequeue, Reason: "starvation", Item: item}
		}
	}

	policy, loadErr := p.loadPolicy(ctx, item)
	if loadErr != nil {
		var lost *leaseLostSignal
		if errors.As(loadErr, &lost) {
			return Result{Outcome: OutcomeLeaseLost, Reason: "lease_lost", Item: item}
		}

		var cfgErr *goorderr.ConfigError
		if errors.As(loadErr, &cfgErr) {
			logger.Info("repository policy is invalid, sending to DLQ", zap.Error(loadErr), logfields.Event("config_invalid"))
			return Result{Outcome: OutcomeDLQ, Reason: "config_invalid", Item: item}
		}

		return p.handleTransient(&item, loadErr, logger, "load_policy_failed")
	}

	pr, evalOutcome, evalErr := p.evaluate(ctx, item, policy)
	if evalErr != nil {
		return p.handleTransient(&item, evalErr, logger, "evaluate_failed")
	}
	if evalOutcome != "" {
		if evalOutcome == "blocked_by_policy" {
			p.metrics.MergeBlockedTotal.WithLabelValues(repo.Owner, repo.Repo).Inc()
		}
		logger.Info("pull request is not eligible for automerge, dropping", logfields.Reason(evalOutcome), logfields.Event("evaluate_drop"))
		return Result{Outcome: OutcomeDone, Reason: evalOutcome, Item: item}
	}

	observedHeadSHA := pr.HeadSHA

	if policy.RequireUpToDate && policy.UpdateBranch {
		behind, err := p.isBehind(ctx, item, pr)
		if err != nil {
			return p.handleTransient(&item, err, logger, "behind_check_failed")
		}

		if behind {
			outcome, err := p.updateBranch(ctx, item)
			if err != nil {
				var conflict *goorderr.MergeConflictError
				if errors.As(err, &conflict) {
					logger.Info("branch update failed with a merge conflict, sending to DLQ", logfields.Event("branch_update_conflict"))
					p.metrics.BranchUpdatesTotal.WithLabelValues(repo.Owner, repo.Repo, "conflict").Inc()
					return Result{Outcome: OutcomeDLQ, Reason: "branch_update_failed", Item: item}
				}

				return p.handleTransient(&item, err, logger, "update_branch_failed")
			}

			p.metrics.BranchUpdatesTotal.WithLabelValues(repo.Owner, repo.Repo, outcome).Inc()
			time.Sleep(policy.PollInterval())
		}
	}

	waitResult := p.waitForChecks(ctx, item, repo, policy, leaseToken)
	switch waitResult.status {
	case waitGreen:
		// fall through to MERGE below

	case waitFailing:
		logger.Info("required checks failed, dropping", logfields.Event("checks_failed"))
		return Result{Outcome: OutcomeDone, Reason: "checks_failed", Item: item}

	case waitLeaseLost:
		return Result{Outcome: OutcomeLeaseLost, Reason: "lease_lost", Item: item}

	case waitTimeout:
		item.Attempt++
		p.metrics.RetriesTotal.WithLabelValues(repo.Owner, repo.Repo, "checks_timeout").Inc()
		if item.Attempt > p.cfg.MaxRetries {
			logger.Info("checks never went green, retry budget exhausted, sending to DLQ", logfields.Event("checks_timeout_dlq"))
			return Result{Outcome: OutcomeDLQ, Reason: "checks_timeout", Item: item}
		}
		logger.Info("checks did not go green before the deadline, requeuing", logfields.Event("checks_timeout_requeue"))
		return Result{Outcome: OutcomeRequeue, Reason: "checks_timeout", Item: item}

	case waitErr:
		return p.handleTransient(&item, waitResult.err, logger, "wait_checks_failed")
	}

	mergeResult := p.merge(ctx, item, policy, observedHeadSHA)
	switch mergeResult.kind {
	case mergeDone:
		p.metrics.MergesSuccessTotal.WithLabelValues(repo.Owner, repo.Repo, policy.MergeMethod).Inc()
		logger.Info("pull request merged", logfields.Event("merge_success"))
		return Result{Outcome: OutcomeDone, Reason: "merged", Item: item}

	case mergeDropped:
		p.metrics.MergesFailedTotal.WithLabelValues(repo.Owner, repo.Repo, mergeResult.reason).Inc()
		logger.Info("pull request can no longer be merged, dropping", logfields.Reason(mergeResult.reason), logfields.Event("merge_dropped"))
		return Result{Outcome: OutcomeDone, Reason: mergeResult.reason, Item: item}

	case mergeRetry:
		item.Attempt++
		p.metrics.RetriesTotal.WithLabelValues(repo.Owner, repo.Repo, mergeResult.reason).Inc()
		if item.Attempt > p.cfg.MaxRetries {
			logger.Info("merge retry budget exhausted, sending to DLQ", logfields.Event("merge_retry_exhausted"))
			return Result{Outcome: OutcomeDLQ, Reason: mergeResult.reason, Item: item}
		}
		logger.Info("merge requires a retry, requeuing", logfields.Reason(mergeResult.reason), logfields.Event("merge_retry"))
		return Result{Outcome: OutcomeRequeue, Reason: mergeResult.reason, Item: item}

	case mergeLeaseLost:
		return Result{Outcome: OutcomeLeaseLost, Reason: "lease_lost", Item: item}

	default:
		return p.handleTransient(&item, mergeResult.err, logger, "merge_failed")
	}
}

func (p *Pipeline) checkStarvation(item *dqs.WorkItem) (starved, shouldRequeue bool) {
	if item.Starved {
		return false, false
	}

	if time.Since(item.FirstSeenAt) <= p.cfg.MaxItemWindow {
		return false, false
	}

	item.Starved = true
	item.FirstSeenAt = time.Now()
	return true, true
}

// leaseLostSignal wraps a dqs.ErrLeaseLost so callers can distinguish it
// from ordinary transient errors without a type assertion on the sentinel.
// loadPolicy does not touch the lease and never returns one, so Run's check
// for it after LOAD_POLICY does not match.
type leaseLostSignal struct{ err error }

func (l *leaseLostSignal) Error() string { return l.err.Error() }
func (l *leaseLostSignal) Unwrap() error { return l.err }

func (p *Pipeline) loadPolicy(ctx context.Context, item dqs.WorkItem) (*cfg.RepoPolicy, error) {
	var pr *githubclt.PullRequest
	var rateLimit *githubclt.RateLimitSnapshot
	logF := []zap.Field{logfields.RepositoryOwner(item.Owner), logfields.Repository(item.Repo), logfields.PullRequest(item.PRNumber)}

	err := p.retryIdempotent(ctx, logF, func() error {
		var innerErr error
		pr, rateLimit, innerErr = p.github.GetPR(ctx, item.Owner, item.Repo, item.PRNumber)
		return innerErr
	})
	p.observeRateLimit(item.InstallationID, rateLimit)
	if err != nil {
		if errors.Is(err, githubclt.ErrPullRequestIsClosed) {
			return nil, fmt.Errorf("closed before policy could be loaded: %w", err)
		}
		return nil, err
	}

	var data []byte
	var found bool
	err = p.retryIdempotent(ctx, logF, func() error {
		var innerErr error
		data, found, innerErr = p.github.LoadPolicy(ctx, item.Owner, item.Repo, pr.BaseRef, cfg.PolicyFilePath)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	if !found {
		policy := cfg.DefaultRepoPolicy()
		return &policy, nil
	}

	policy, err := cfg.ParsePolicy(data)
	if err != nil {
		return nil, goorderr.NewConfigError(err)
	}

	return policy, nil
}

func (p *Pipeline) handleTransient(item *dqs.WorkItem, err error, logger *zap.Logger, reason string) Result {
	repo := item.RepoKey()

	var retryable *goorderr.RetryableError
	var throttled *goorderr.ThrottledError

	switch {
	case errors.As(err, &throttled):
		p.applyThrottle(item.InstallationID, throttled.CooldownUntil)
		logger.Info("github throttled the installation, requeuing", zap.Error(err), logfields.Event("throttled"))
		return Result{Outcome: OutcomeRequeue, Reason: "throttled", Item: *item}

	case errors.As(err, &retryable):
		item.Attempt++
		p.metrics.RetriesTotal.WithLabelValues(repo.Owner, repo.Repo, reason).Inc()
		if item.Attempt > p.cfg.MaxRetries {
			logger.Info("retry budget exhausted, sending to DLQ", zap.Error(err), logfields.Event(reason))
			return Result{Outcome: OutcomeDLQ, Reason: reason, Item: *item}
		}
		logger.Info("transient error, requeuing", zap.Error(err), logfields.Event(reason))
		return Result{Outcome: OutcomeRequeue, Reason: reason, Item: *item}

	default:
		item.Attempt++
		p.metrics.RetriesTotal.WithLabelValues(repo.Owner, repo.Repo, "internal_error").Inc()
		logger.Error("unexpected error, treating as transient", zap.Error(err), logfields.Event("internal_error"))
		if item.Attempt > p.cfg.MaxRetries {
			return Result{Outcome: OutcomeDLQ, Reason: "internal_error", Item: *item}
		}
		return Result{Outcome: OutcomeRequeue, Reason: "internal_error", Item: *item}
	}
}

// observeRateLimit records the quota snapshot returned by the most recent
// GetPR call and, per spec.md's proactive backpressure rule, throttles the
// installation before GitHub ever returns a 429/abuse response if the
// observed remaining quota has fallen to or below RateLimitMinRemaining.
// snapshot is nil when the call failed before a response was received.
func (p *Pipeline) observeRateLimit(installationID int64, snapshot *githubclt.RateLimitSnapshot) {
	if snapshot == nil {
		return
	}

	label := fmt.Sprint(installationID)
	p.metrics.GithubRateLimitRemaining.WithLabelValues(label).Set(float64(snapshot.Remaining))
	p.metrics.GithubRateLimitReset.WithLabelValues(label).Set(float64(snapshot.ResetAt.Unix()))

	if snapshot.Remaining <= p.cfg.RateLimitMinRemaining {
		p.applyThrottle(installationID, snapshot.ResetAt)
	}
}

func (p *Pipeline) applyThrottle(installationID int64, cooldownUntil time.Time) {
	floor := time.Now().Add(p.cfg.RateLimitCooldown)
	if floor.After(cooldownUntil) {
		cooldownUntil = floor
	}

	jitter := time.Duration(rand.Int63n(int64(p.cfg.ThrottleCooldownJitter) + 1))
	until := cooldownUntil.Add(jitter)

	maxUntil := time.Now().Add(p.cfg.ThrottleCooldownMax)
	if until.After(maxUntil) {
		until = maxUntil
	}

	_ = p.store.SetThrottle(context.Background(), installationID, dqs.Throttle{Until: until, Reason: "rate_limit"})
	p.metrics.ThrottlesTotal.WithLabelValues(fmt.Sprint(installationID)).Inc()
	p.metrics.BackpressureActive.WithLabelValues(fmt.Sprint(installationID)).Set(1)
}
