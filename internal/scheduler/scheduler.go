// Package scheduler runs the pool of worker loops that drain the Durable
// Queue Store: discover a repo with pending work, acquire its lease, pop
// and run one item through the Merge Pipeline, apply the pipeline's
// outcome, then release the lease.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/logfields"
	"github.com/silverleaf-dev/automerge/internal/metrics"
	"github.com/silverleaf-dev/automerge/internal/pipeline"
)

// idleSleepBase and idleSleepJitter bound how long a worker loop sleeps
// after a pass that found no work, per spec.md §4.4 step 8.
const (
	idleSleepBase   = 500 * time.Millisecond
	idleSleepJitter = 500 * time.Millisecond
)

// Pipeline is the subset of pipeline.Pipeline the scheduler depends on,
// narrowed to an interface so tests can supply a fake the same way
// pipeline.Pipeline itself depends on an interface for its github client.
type Pipeline interface {
	Run(ctx context.Context, item dqs.WorkItem, leaseToken string) pipeline.Result
}

// Config carries the worker pool's tunables.
type Config struct {
	WorkerCount int
	LeaseTTL    time.Duration

	// PeriodicTriggerInterval, if positive, runs an extra tick outside the
	// worker pool's own idle-sleep cadence, grounded in the teacher's
	// Autoupdater.periodicTriggerIntv ticker in autoupdate.go. It exists
	// to recover repos whose only work is a stranded inflight item from a
	// worker that died without ever letting another AcquireLease run
	// against that repo's lease key, not to replace the worker pool.
	PeriodicTriggerInterval time.Duration
}

// Scheduler owns the pool of worker loops sharing a dqs.Store.
type Scheduler struct {
	logger   *zap.Logger
	store    dqs.Store
	pipeline Pipeline
	metrics  *metrics.Collector
	cfg      Config

	cancel context.CancelFunc
	done   chan struct{}
}

func New(store dqs.Store, pl Pipeline, m *metrics.Collector, cfg Config) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}

	return &Scheduler{
		logger:   zap.L().Named("scheduler"),
		store:    store,
		pipeline: pl,
		metrics:  m,
		cfg:      cfg,
	}
}

// Start launches cfg.WorkerCount worker loops. It returns immediately;
// call Stop to request a graceful shutdown and wait for the loops to
// drain their current item.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.WorkerCount; i++ {
		workerID := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx, workerID)
		}()
	}

	if s.cfg.PeriodicTriggerInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.triggerLoop(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// triggerLoop runs an extra tick every PeriodicTriggerInterval, independent
// of the worker pool's idle-sleep cadence.
func (s *Scheduler) triggerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PeriodicTriggerInterval)
	defer ticker.Stop()

	logger := s.logger.Named("periodic_trigger")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.tick(ctx, logger); err != nil {
				logger.Error("periodic trigger tick failed", zap.Error(err))
			}
		}
	}
}

// Stop requests every worker loop to exit after its current iteration and
// blocks until they have.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID int) {
	logger := s.logger.With(zap.Int("automerge.worker_id", workerID))
	logger.Info("worker loop started", logfields.Event("worker_started"))

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker loop stopping", logfields.Event("worker_stopped"))
			return
		default:
		}

		worked, err := s.tick(ctx, logger)
		if err != nil {
			logger.Error("worker tick failed", zap.Error(err), logfields.Event("worker_tick_failed"))
		}

		if !worked {
			sleep := idleSleepBase + time.Duration(rand.Int63n(int64(idleSleepJitter)+1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
	}
}

// tick performs one discover -> lease -> pop -> run -> release cycle. It
// returns worked=true if a work item was actually processed, so the
// caller can skip the idle sleep.
func (s *Scheduler) tick(ctx context.Context, logger *zap.Logger) (worked bool, err error) {
	repos, err := s.store.ListReposWithWork(ctx)
	if err != nil {
		return false, fmt.Errorf("listing repos with pending work failed: %w", err)
	}

	for _, repo := range shuffled(repos) {
		throttle, err := s.store.GetThrottle(ctx, repo.InstallationID)
		if err != nil {
			logger.Error("checking installation throttle failed", zap.Error(err))
			continue
		}
		if throttle != nil {
			continue
		}
		s.metrics.BackpressureActive.WithLabelValues(fmt.Sprint(repo.InstallationID)).Set(0)

		token, err := s.store.AcquireLease(ctx, repo, s.cfg.LeaseTTL)
		if err != nil {
			if err == dqs.ErrBusy {
				s.metrics.WorkerLockFailedTotal.WithLabelValues(repo.Owner, repo.Repo).Inc()
				continue
			}
			logger.Error("acquiring lease failed", zap.Error(err))
			continue
		}

		s.metrics.WorkerLockAcquiredTotal.WithLabelValues(repo.Owner, repo.Repo).Inc()
		s.metrics.WorkerActive.WithLabelValues(repo.Owner, repo.Repo).Set(1)

		worked, err = s.drainOne(ctx, repo, token, logger)

		s.metrics.WorkerActive.WithLabelValues(repo.Owner, repo.Repo).Set(0)
		if relErr := s.store.ReleaseLease(ctx, repo, token); relErr != nil && relErr != dqs.ErrLeaseLost {
			logger.Error("releasing lease failed", zap.Error(relErr))
		}

		if worked {
			return true, err
		}
	}

	return false, nil
}

// drainOne pops the head of repo's list and runs the pipeline against it,
// applying the returned Outcome to the store.
func (s *Scheduler) drainOne(ctx context.Context, repo dqs.RepoKey, token string, logger *zap.Logger) (bool, error) {
	item, ok, err := s.store.PopHead(ctx, repo)
	if err != nil {
		return false, fmt.Errorf("popping head of %s failed: %w", repo, err)
	}
	if !ok {
		return false, nil
	}

	start := time.Now()
	result := s.pipeline.Run(ctx, item, token)
	s.metrics.WorkerProcessingSeconds.WithLabelValues(repo.Owner, repo.Repo).Observe(time.Since(start).Seconds())

	switch result.Outcome {
	case pipeline.OutcomeDone:
		if err := s.store.Complete(ctx, result.Item); err != nil {
			return true, fmt.Errorf("completing item failed: %w", err)
		}

	case pipeline.OutcomeDLQ:
		s.metrics.DLQPushesTotal.WithLabelValues(repo.Owner, repo.Repo, result.Reason).Inc()
		if err := s.store.PushDLQ(ctx, result.Item, result.Reason); err != nil {
			return true, fmt.Errorf("pushing item to dlq failed: %w", err)
		}
		logger.Info("work item sent to dead-letter queue", logfields.Reason(result.Reason), logfields.Event("dlq_push"))

	case pipeline.OutcomeRequeue:
		if err := s.store.RequeueTail(ctx, result.Item); err != nil {
			return true, fmt.Errorf("requeuing item failed: %w", err)
		}

	case pipeline.OutcomeLeaseLost:
		s.metrics.WorkerLockLostTotal.WithLabelValues(repo.Owner, repo.Repo).Inc()
		logger.Info("lease lost mid-pipeline, leaving item for the next lease holder to reclaim", logfields.Event("worker_lock_lost"))
		// No DQS mutation here: the item stays in the store's inflight
		// holder for repo until whichever worker next acquires the
		// lease reclaims it to the head (dqs.Store.AcquireLease).

	default:
		return true, fmt.Errorf("pipeline returned unknown outcome %d", result.Outcome)
	}

	s.refreshQueueGauges(ctx, repo, logger)

	return true, nil
}

// refreshQueueGauges sets queue_depth and queue_oldest_age_seconds to the
// store's current view for repo after a drain mutated it, the same
// store-derived-gauge approach the ingress normalizer uses after Enqueue.
func (s *Scheduler) refreshQueueGauges(ctx context.Context, repo dqs.RepoKey, logger *zap.Logger) {
	depth, err := s.store.QueueDepth(ctx, repo)
	if err != nil {
		logger.Error("reading queue depth for metrics failed", zap.Error(err))
		return
	}
	s.metrics.QueueDepth.WithLabelValues(repo.Owner, repo.Repo).Set(float64(depth))

	oldest, err := s.store.OldestEnqueuedAt(ctx, repo)
	if err != nil {
		logger.Error("reading oldest enqueued time for metrics failed", zap.Error(err))
		return
	}

	age := 0.0
	if !oldest.IsZero() {
		age = time.Since(oldest).Seconds()
	}
	s.metrics.QueueOldestAgeSeconds.WithLabelValues(repo.Owner, repo.Repo).Set(age)
}

func shuffled(repos []dqs.RepoKey) []dqs.RepoKey {
	out := make([]dqs.RepoKey, len(repos))
	copy(out, repos)

	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })

	return out
}
