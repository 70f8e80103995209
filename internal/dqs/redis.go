package dqs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Durable Queue Store backing, ported from
// the reference implementation's queue module: Redis lists for the FIFO,
// a Redis set for dedup, SET NX EX for the lease, and Lua scripts for
// token-gated lease refresh/release.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "automerge"
	}
	return &RedisStore{rdb: rdb, namespace: namespace}
}

func (s *RedisStore) key(kind string, parts ...string) string {
	k := s.namespace + ":" + kind
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) repoID(repo RepoKey) string {
	return fmt.Sprintf("%d/%s/%s", repo.InstallationID, repo.Owner, repo.Repo)
}

func (s *RedisStore) queueKey(repo RepoKey) string    { return s.key("q", s.repoID(repo)) }
func (s *RedisStore) dedupKey(repo RepoKey) string    { return s.key("d", s.repoID(repo)) }
func (s *RedisStore) leaseKey(repo RepoKey) string    { return s.key("lock", s.repoID(repo)) }
func (s *RedisStore) dlqKey(repo RepoKey) string      { return s.key("dlq", s.repoID(repo)) }
func (s *RedisStore) inflightKey(repo RepoKey) string { return s.key("inflight", s.repoID(repo)) }
func (s *RedisStore) activeReposKey() string          { return s.key("active") }
func (s *RedisStore) throttleKey(inst int64) string   { return s.key("throttle", strconv.FormatInt(inst, 10)) }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// enqueueScript atomically claims the dedup key and, only if it was
// previously unclaimed, pushes the item and marks the repo active in the
// same round trip. Splitting this into separate commands would let a
// connection drop between the SADD and the RPUSH orphan the dedup entry:
// the item would be neither queued nor in-flight, and since only Complete
// and PushDLQ ever SREM it, that (installation, owner/repo, pr_number)
// would become permanently un-enqueueable.
var enqueueScript = redis.NewScript(`
if redis.call('sadd', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('rpush', KEYS[2], ARGV[2])
redis.call('sadd', KEYS[3], ARGV[3])
return 1
`)

func (s *RedisStore) Enqueue(ctx context.Context, item WorkItem) (EnqueueResult, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return Deduped, fmt.Errorf("dqs: marshalling work item failed: %w", err)
	}

	repo := item.RepoKey()
	res, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.dedupKey(repo), s.queueKey(repo), s.activeReposKey()},
		string(item.DedupKey()), data, s.repoID(repo),
	).Int()
	if err != nil {
		return Deduped, fmt.Errorf("dqs: enqueue failed: %w", err)
	}
	if res == 0 {
		return Deduped, nil
	}

	return Enqueued, nil
}

// PopHead moves the head item from the list into the repo's inflight
// holder (a single-item key, since at-most-one-item-in-flight-per-repo is
// enforced by the lease) instead of discarding it. If the current lease
// holder crashes without calling Complete/RequeueTail/PushDLQ, the item
// waits there until the next AcquireLease reclaims it to the head.
func (s *RedisStore) PopHead(ctx context.Context, repo RepoKey) (WorkItem, bool, error) {
	data, err := s.rdb.LPop(ctx, s.queueKey(repo)).Result()
	if err == redis.Nil {
		return WorkItem{}, false, nil
	}
	if err != nil {
		return WorkItem{}, false, fmt.Errorf("dqs: pop_head lpop failed: %w", err)
	}

	var item WorkItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return WorkItem{}, false, fmt.Errorf("dqs: unmarshalling work item failed: %w", err)
	}

	if err := s.rdb.Set(ctx, s.inflightKey(repo), data, 0).Err(); err != nil {
		return WorkItem{}, false, fmt.Errorf("dqs: pop_head recording inflight item failed: %w", err)
	}

	return item, true, nil
}

var clearInflightScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

func (s *RedisStore) clearInflight(ctx context.Context, item WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("dqs: marshalling work item failed: %w", err)
	}

	return clearInflightScript.Run(ctx, s.rdb, []string{s.inflightKey(item.RepoKey())}, data).Err()
}

func (s *RedisStore) Complete(ctx context.Context, item WorkItem) error {
	if err := s.clearInflight(ctx, item); err != nil {
		return fmt.Errorf("dqs: complete clearing inflight item failed: %w", err)
	}

	if err := s.rdb.SRem(ctx, s.dedupKey(item.RepoKey()), string(item.DedupKey())).Err(); err != nil {
		return fmt.Errorf("dqs: complete srem failed: %w", err)
	}
	return nil
}

func (s *RedisStore) RequeueTail(ctx context.Context, item WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("dqs: marshalling work item failed: %w", err)
	}

	if err := s.clearInflight(ctx, item); err != nil {
		return fmt.Errorf("dqs: requeue_tail clearing inflight item failed: %w", err)
	}

	if err := s.rdb.RPush(ctx, s.queueKey(item.RepoKey()), data).Err(); err != nil {
		return fmt.Errorf("dqs: requeue_tail rpush failed: %w", err)
	}

	return nil
}

func newLeaseToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

var reclaimInflightScript = redis.NewScript(`
local item = redis.call('get', KEYS[1])
if item then
	redis.call('lpush', KEYS[2], item)
	redis.call('del', KEYS[1])
end
return 1
`)

func (s *RedisStore) AcquireLease(ctx context.Context, repo RepoKey, ttl time.Duration) (string, error) {
	token := newLeaseToken()

	ok, err := s.rdb.SetNX(ctx, s.leaseKey(repo), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("dqs: acquire_lease failed: %w", err)
	}
	if !ok {
		return "", ErrBusy
	}

	// The previous lease holder either never existed or let its lease
	// expire without completing, requeuing, or DLQ'ing the item it had
	// popped. Restore it to the head so this new holder drains it
	// first, preserving FIFO order and invariant 3.
	if err := reclaimInflightScript.Run(ctx, s.rdb, []string{s.inflightKey(repo), s.queueKey(repo)}).Err(); err != nil {
		return "", fmt.Errorf("dqs: acquire_lease reclaiming inflight item failed: %w", err)
	}

	return token, nil
}

var refreshLeaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
else
	return 0
end
`)

func (s *RedisStore) RefreshLease(ctx context.Context, repo RepoKey, token string, ttl time.Duration) error {
	res, err := refreshLeaseScript.Run(ctx, s.rdb, []string{s.leaseKey(repo)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("dqs: refresh_lease failed: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}

	return nil
}

var releaseLeaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
else
	return 0
end
`)

func (s *RedisStore) ReleaseLease(ctx context.Context, repo RepoKey, token string) error {
	res, err := releaseLeaseScript.Run(ctx, s.rdb, []string{s.leaseKey(repo)}, token).Int()
	if err != nil {
		return fmt.Errorf("dqs: release_lease failed: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}

	return nil
}

func (s *RedisStore) SetThrottle(ctx context.Context, installationID int64, t Throttle) error {
	ttl := time.Until(t.Until)
	if ttl <= 0 {
		ttl = time.Second
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("dqs: marshalling throttle failed: %w", err)
	}

	if err := s.rdb.Set(ctx, s.throttleKey(installationID), data, ttl).Err(); err != nil {
		return fmt.Errorf("dqs: set_throttle failed: %w", err)
	}

	return nil
}

func (s *RedisStore) GetThrottle(ctx context.Context, installationID int64) (*Throttle, error) {
	data, err := s.rdb.Get(ctx, s.throttleKey(installationID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dqs: get_throttle failed: %w", err)
	}

	var t Throttle
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("dqs: unmarshalling throttle failed: %w", err)
	}

	return &t, nil
}

func (s *RedisStore) PushDLQ(ctx context.Context, item WorkItem, reason string) error {
	if err := s.clearInflight(ctx, item); err != nil {
		return fmt.Errorf("dqs: push_dlq clearing inflight item failed: %w", err)
	}

	entry := DLQEntry{Item: item, Reason: reason, At: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dqs: marshalling dlq entry failed: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.dlqKey(item.RepoKey()), data)
	pipe.SRem(ctx, s.dedupKey(item.RepoKey()), string(item.DedupKey()))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dqs: push_dlq failed: %w", err)
	}

	return nil
}

func (s *RedisStore) ListDLQ(ctx context.Context, repo RepoKey) ([]DLQEntry, error) {
	raw, err := s.rdb.LRange(ctx, s.dlqKey(repo), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dqs: list_dlq failed: %w", err)
	}

	entries := make([]DLQEntry, 0, len(raw))
	for _, data := range raw {
		var entry DLQEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("dqs: unmarshalling dlq entry failed: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *RedisStore) ReplayDLQ(ctx context.Context, repo RepoKey, idx int) error {
	entries, err := s.ListDLQ(ctx, repo)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(entries) {
		return fmt.Errorf("dqs: dlq index %d out of range", idx)
	}

	entry := entries[idx]

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dqs: marshalling dlq entry failed: %w", err)
	}

	entry.Item.Attempt = 0
	entry.Item.FirstSeenAt = time.Now()

	if err := s.rdb.LRem(ctx, s.dlqKey(repo), 1, data).Err(); err != nil {
		return fmt.Errorf("dqs: replay_dlq lrem failed: %w", err)
	}

	if _, err := s.Enqueue(ctx, entry.Item); err != nil {
		return err
	}

	return nil
}

// ListReposWithWork returns every repo with a queued item or with an item
// stranded in the inflight holder by a worker that died before completing,
// requeuing, or DLQ'ing it. A repo whose list just emptied into the
// inflight holder must keep being returned here, otherwise no worker ever
// calls AcquireLease for it again and reclaimInflightScript never runs.
func (s *RedisStore) ListReposWithWork(ctx context.Context) ([]RepoKey, error) {
	ids, err := s.rdb.SMembers(ctx, s.activeReposKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("dqs: list_repos_with_work failed: %w", err)
	}

	result := make([]RepoKey, 0, len(ids))
	for _, id := range ids {
		repo, err := parseRepoID(id)
		if err != nil {
			continue
		}

		depth, err := s.rdb.LLen(ctx, s.queueKey(repo)).Result()
		if err != nil {
			continue
		}
		if depth > 0 {
			result = append(result, repo)
			continue
		}

		hasInflight, err := s.rdb.Exists(ctx, s.inflightKey(repo)).Result()
		if err != nil {
			continue
		}
		if hasInflight > 0 {
			result = append(result, repo)
		}
	}

	return result, nil
}

func parseRepoID(id string) (RepoKey, error) {
	parts := strings.SplitN(id, "/", 3)
	if len(parts) != 3 {
		return RepoKey{}, fmt.Errorf("dqs: malformed repo id %q", id)
	}

	inst, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return RepoKey{}, fmt.Errorf("dqs: malformed repo id %q: %w", id, err)
	}

	return RepoKey{InstallationID: inst, Owner: parts[1], Repo: parts[2]}, nil
}

func (s *RedisStore) QueueDepth(ctx context.Context, repo RepoKey) (int, error) {
	n, err := s.rdb.LLen(ctx, s.queueKey(repo)).Result()
	if err != nil {
		return 0, fmt.Errorf("dqs: queue_depth failed: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) OldestEnqueuedAt(ctx context.Context, repo RepoKey) (time.Time, error) {
	data, err := s.rdb.LIndex(ctx, s.queueKey(repo), 0).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("dqs: oldest_enqueued_at failed: %w", err)
	}

	var item WorkItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return time.Time{}, fmt.Errorf("dqs: unmarshalling work item failed: %w", err)
	}

	return item.EnqueuedAt, nil
}
