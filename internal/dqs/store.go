// Package dqs implements the Durable Queue Store: per-repository FIFO
// lists, a dedup set, a lease key, an installation throttle key, and a
// dead-letter list, expressed against an abstract Store interface so the
// scheduler and pipeline never depend on the backing key-value store.
package dqs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBusy is returned by AcquireLease when another worker already holds
// the lease.
var ErrBusy = errors.New("lease is held by another worker")

// ErrLeaseLost is returned by RefreshLease and ReleaseLease when the
// caller's token no longer matches the stored lease owner.
var ErrLeaseLost = errors.New("lease token does not match current owner")

// RepoKey identifies a repository's queue state.
type RepoKey struct {
	InstallationID int64
	Owner          string
	Repo           string
}

func (k RepoKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.InstallationID, k.Owner, k.Repo)
}

// DedupKey identifies a work item for deduplication purposes, per spec:
// installation_id:owner/repo#pr_number.
type DedupKey string

func NewDedupKey(k RepoKey, prNumber int) DedupKey {
	return DedupKey(fmt.Sprintf("%d:%s/%s#%d", k.InstallationID, k.Owner, k.Repo, prNumber))
}

// WorkItem is the unit of scheduling.
type WorkItem struct {
	InstallationID int64     `json:"installation_id"`
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	PRNumber       int       `json:"pr_number"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempt        int       `json:"attempt"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	Starved        bool      `json:"starved"`
}

func (wi WorkItem) RepoKey() RepoKey {
	return RepoKey{InstallationID: wi.InstallationID, Owner: wi.Owner, Repo: wi.Repo}
}

func (wi WorkItem) DedupKey() DedupKey {
	return NewDedupKey(wi.RepoKey(), wi.PRNumber)
}

// Throttle is a per-installation cooldown window.
type Throttle struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// DLQEntry is a terminally-failed work item retained for manual triage.
type DLQEntry struct {
	Item   WorkItem  `json:"item"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// EnqueueResult reports whether enqueue appended a new item or deduped an
// existing one.
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	Deduped
)

// Store is the Durable Queue Store abstraction. All methods are atomic
// with respect to concurrent callers across processes sharing the same
// backing store.
type Store interface {
	// Enqueue appends item to the tail of its repo's list unless its
	// dedup key is already present, in which case it reports Deduped.
	Enqueue(ctx context.Context, item WorkItem) (EnqueueResult, error)

	// PopHead atomically removes and returns the head of repo's list.
	// It does not clear the dedup set entry: the item is now in-flight.
	// ok is false if the list is empty.
	PopHead(ctx context.Context, repo RepoKey) (item WorkItem, ok bool, err error)

	// Complete removes item's dedup key. Called on success, DLQ, or
	// explicit drop.
	Complete(ctx context.Context, item WorkItem) error

	// RequeueTail appends item to the tail of its repo's list without
	// touching the dedup set.
	RequeueTail(ctx context.Context, item WorkItem) error

	// AcquireLease sets a fresh lease token for repo with the given TTL
	// if none is currently held. Returns ErrBusy otherwise.
	AcquireLease(ctx context.Context, repo RepoKey, ttl time.Duration) (token string, err error)

	// RefreshLease extends the TTL of repo's lease if token still
	// matches the stored owner. Returns ErrLeaseLost otherwise.
	RefreshLease(ctx context.Context, repo RepoKey, token string, ttl time.Duration) error

	// ReleaseLease deletes repo's lease if token still matches.
	ReleaseLease(ctx context.Context, repo RepoKey, token string) error

	// SetThrottle sets an installation-wide cooldown window.
	SetThrottle(ctx context.Context, installationID int64, t Throttle) error

	// GetThrottle returns the active throttle for installationID, if any.
	GetThrottle(ctx context.Context, installationID int64) (*Throttle, error)

	// PushDLQ appends item with reason to the repo's dead-letter list
	// and removes its dedup key (Invariant 4).
	PushDLQ(ctx context.Context, item WorkItem, reason string) error

	// ListDLQ returns the dead-letter entries for repo.
	ListDLQ(ctx context.Context, repo RepoKey) ([]DLQEntry, error)

	// ReplayDLQ removes entry index idx from repo's DLQ and re-enqueues
	// its item at the tail with attempt reset to 0.
	ReplayDLQ(ctx context.Context, repo RepoKey, idx int) error

	// ListReposWithWork returns repos that currently have at least one
	// queued item or an item still held in flight, for the scheduler's
	// discovery step. Repos whose only entries are in the DLQ are not
	// returned.
	ListReposWithWork(ctx context.Context) ([]RepoKey, error)

	// QueueDepth returns the current length of repo's list, for metrics
	// and the admin endpoint.
	QueueDepth(ctx context.Context, repo RepoKey) (int, error)

	// OldestEnqueuedAt returns the EnqueuedAt of repo's head item, or the
	// zero time if the list is empty.
	OldestEnqueuedAt(ctx context.Context, repo RepoKey) (time.Time, error)

	// Ping verifies connectivity to the backing store, used by the
	// readiness probe.
	Ping(ctx context.Context) error
}
