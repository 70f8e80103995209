package dqs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type repoState struct {
	list    []WorkItem
	dedup   map[DedupKey]struct{}
	dlq     []DLQEntry
	lease   *memLease
	// inflight holds the item a lease holder popped but has not yet
	// completed, requeued, or DLQ'd. It is reclaimed to the head of
	// list the next time AcquireLease succeeds after this repo's
	// previous lease expired, so a crashed worker never loses an item
	// it had already popped (invariant 3 / property P6).
	inflight *WorkItem
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// MemStore is an in-process, mutex-guarded Store implementation used by
// tests. It plays the role the teacher's drygithubclient.go plays for the
// github client: a fake that is fast, deterministic, and exercises the
// same interface as production.
type MemStore struct {
	mu        sync.Mutex
	repos     map[RepoKey]*repoState
	throttles map[int64]Throttle
}

func NewMemStore() *MemStore {
	return &MemStore{
		repos:     make(map[RepoKey]*repoState),
		throttles: make(map[int64]Throttle),
	}
}

func (s *MemStore) stateFor(repo RepoKey) *repoState {
	st, ok := s.repos[repo]
	if !ok {
		st = &repoState{dedup: make(map[DedupKey]struct{})}
		s.repos[repo] = st
	}
	return st
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) Enqueue(_ context.Context, item WorkItem) (EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(item.RepoKey())
	key := item.DedupKey()
	if _, exists := st.dedup[key]; exists {
		return Deduped, nil
	}

	st.dedup[key] = struct{}{}
	st.list = append(st.list, item)

	return Enqueued, nil
}

func (s *MemStore) PopHead(_ context.Context, repo RepoKey) (WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(repo)
	if len(st.list) == 0 {
		return WorkItem{}, false, nil
	}

	item := st.list[0]
	st.list = st.list[1:]
	st.inflight = &item

	return item, true, nil
}

func clearInflight(st *repoState, item WorkItem) {
	if st.inflight != nil && st.inflight.DedupKey() == item.DedupKey() {
		st.inflight = nil
	}
}

func (s *MemStore) Complete(_ context.Context, item WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(item.RepoKey())
	clearInflight(st, item)
	delete(st.dedup, item.DedupKey())
	return nil
}

func (s *MemStore) RequeueTail(_ context.Context, item WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(item.RepoKey())
	clearInflight(st, item)
	st.list = append(st.list, item)

	return nil
}

func newMemLeaseToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *MemStore) AcquireLease(_ context.Context, repo RepoKey, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(repo)
	now := time.Now()

	if st.lease != nil && st.lease.expiresAt.After(now) {
		return "", ErrBusy
	}

	token := newMemLeaseToken()
	st.lease = &memLease{token: token, expiresAt: now.Add(ttl)}

	// The previous lease holder either never existed or let its lease
	// expire without completing, requeuing, or DLQ'ing the item it had
	// popped. Restore it to the head so this new holder drains it
	// first, preserving FIFO order and invariant 3.
	if st.inflight != nil {
		st.list = append([]WorkItem{*st.inflight}, st.list...)
		st.inflight = nil
	}

	return token, nil
}

func (s *MemStore) RefreshLease(_ context.Context, repo RepoKey, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(repo)
	if st.lease == nil || st.lease.token != token {
		return ErrLeaseLost
	}

	st.lease.expiresAt = time.Now().Add(ttl)
	return nil
}

func (s *MemStore) ReleaseLease(_ context.Context, repo RepoKey, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(repo)
	if st.lease == nil || st.lease.token != token {
		return ErrLeaseLost
	}

	st.lease = nil
	return nil
}

func (s *MemStore) SetThrottle(_ context.Context, installationID int64, t Throttle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.throttles[installationID] = t
	return nil
}

func (s *MemStore) GetThrottle(_ context.Context, installationID int64) (*Throttle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.throttles[installationID]
	if !ok || time.Now().After(t.Until) {
		return nil, nil
	}

	return &t, nil
}

func (s *MemStore) PushDLQ(_ context.Context, item WorkItem, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(item.RepoKey())
	clearInflight(st, item)
	st.dlq = append(st.dlq, DLQEntry{Item: item, Reason: reason, At: time.Now()})
	delete(st.dedup, item.DedupKey())

	return nil
}

func (s *MemStore) ListDLQ(_ context.Context, repo RepoKey) ([]DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(repo)
	out := make([]DLQEntry, len(st.dlq))
	copy(out, st.dlq)

	return out, nil
}

func (s *MemStore) ReplayDLQ(ctx context.Context, repo RepoKey, idx int) error {
	s.mu.Lock()
	st := s.stateFor(repo)
	if idx < 0 || idx >= len(st.dlq) {
		s.mu.Unlock()
		return fmt.Errorf("dqs: dlq index %d out of range", idx)
	}

	entry := st.dlq[idx]
	st.dlq = append(st.dlq[:idx], st.dlq[idx+1:]...)
	s.mu.Unlock()

	entry.Item.Attempt = 0
	entry.Item.FirstSeenAt = time.Now()

	_, err := s.Enqueue(ctx, entry.Item)
	return err
}

// ListReposWithWork returns every repo with a queued item or with an item
// stranded in the inflight holder by a worker that died before completing,
// requeuing, or DLQ'ing it. A repo whose list just emptied into the
// inflight holder must keep being returned here, otherwise no worker ever
// calls AcquireLease for it again and the reclaim in AcquireLease never
// runs.
func (s *MemStore) ListReposWithWork(_ context.Context) ([]RepoKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var repos []RepoKey
	for repo, st := range s.repos {
		if len(st.list) > 0 || st.inflight != nil {
			repos = append(repos, repo)
		}
	}

	return repos, nil
}

func (s *MemStore) QueueDepth(_ context.Context, repo RepoKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.stateFor(repo).list), nil
}

func (s *MemStore) OldestEnqueuedAt(_ context.Context, repo RepoKey) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(repo)
	if len(st.list) == 0 {
		return time.Time{}, nil
	}

	return st.list[0].EnqueuedAt, nil
}
