package goorderr

import (
	"fmt"
	"time"
)

type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earlierst point in time that the opertion can be retried
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}

// ThrottledError signals that the remote API rejected a request because a
// rate-limit or secondary rate-limit was exceeded. Unlike RetryableError, a
// ThrottledError does not count against a pipeline's retry budget, it only
// causes the installation to be throttled.
type ThrottledError struct {
	Err      error
	CooldownUntil time.Time
}

func NewThrottledError(originalErr error, cooldownUntil time.Time) *ThrottledError {
	return &ThrottledError{Err: originalErr, CooldownUntil: cooldownUntil}
}

func (e *ThrottledError) Unwrap() error { return e.Err }

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled until %s: %s", e.CooldownUntil, e.Err)
}

// MergeConflictKind distinguishes the GitHub response that produced a
// MergeConflictError, since the three responses folded into this one error
// type require different pipeline handling: NotMergeable is terminal,
// MismatchedSHA is transient (requeue on the new head).
type MergeConflictKind string

const (
	// KindNotMergeable is a 405 response: GitHub reports the PR can no
	// longer be merged automatically (conflicts, failing required status,
	// blocked by branch protection). Retrying will not help; the item must
	// be dropped.
	KindNotMergeable MergeConflictKind = "not_mergeable"
	// KindMismatchedSHA is a 409 response, or a 200 with merged=false: the
	// expected head SHA supplied with the merge request no longer matches
	// the PR's current head. The PR must be re-observed and retried against
	// its new head, never retried in-place against the stale SHA.
	KindMismatchedSHA MergeConflictKind = "mismatched_sha"
)

// MergeConflictError signals a conflict reported by GitHub: a mismatched
// expected head SHA, a merge conflict, or a rejected update-branch call.
// Kind tells whether it is terminal (KindNotMergeable) or requires the PR
// to be re-observed on its new head (KindMismatchedSHA). The same head
// commit is never retried in place.
type MergeConflictError struct {
	Err  error
	Kind MergeConflictKind
}

func NewMergeConflictError(originalErr error, kind MergeConflictKind) *MergeConflictError {
	return &MergeConflictError{Err: originalErr, Kind: kind}
}

func (e *MergeConflictError) Unwrap() error { return e.Err }
func (e *MergeConflictError) Error() string { return fmt.Sprintf("merge conflict (%s): %s", e.Kind, e.Err) }

// PolicyBlockedError signals that the remote platform reports the pull
// request as blocked by branch protection or required reviews.
type PolicyBlockedError struct{ Err error }

func NewPolicyBlockedError(originalErr error) *PolicyBlockedError {
	return &PolicyBlockedError{Err: originalErr}
}

func (e *PolicyBlockedError) Unwrap() error { return e.Err }
func (e *PolicyBlockedError) Error() string { return fmt.Sprintf("blocked by policy: %s", e.Err) }

// ConfigError signals that the repository's policy file could not be
// parsed. It is always terminal: the item is sent to the dead-letter queue.
type ConfigError struct{ Err error }

func NewConfigError(originalErr error) *ConfigError {
	return &ConfigError{Err: originalErr}
}

func (e *ConfigError) Unwrap() error { return e.Err }
func (e *ConfigError) Error() string { return fmt.Sprintf("invalid repo policy: %s", e.Err) }

// LeaseLostError signals that a worker's lease on a repo expired or was
// stolen while a pipeline run was in progress. The pipeline must abort
// without mutating the queue store; the item remains at the head for the
// next lease holder.
type LeaseLostError struct{ Err error }

func NewLeaseLostError(originalErr error) *LeaseLostError {
	return &LeaseLostError{Err: originalErr}
}

func (e *LeaseLostError) Unwrap() error { return e.Err }
func (e *LeaseLostError) Error() string { return fmt.Sprintf("lease lost: %s", e.Err) }
