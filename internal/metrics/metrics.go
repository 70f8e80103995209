// Package metrics registers the prometheus collectors shared by every
// automerge component, named after the stable metric family contract.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles every metric family the service exposes at /metrics.
// It is constructed once at process startup and passed by reference to
// the components that emit each family.
type Collector struct {
	WebhookRequestsTotal          *prometheus.CounterVec
	WebhookInvalidSignaturesTotal prometheus.Counter
	EventsEnqueuedTotal           *prometheus.CounterVec
	EventsDedupedTotal            *prometheus.CounterVec
	QueueDepth                    *prometheus.GaugeVec
	QueueOldestAgeSeconds         *prometheus.GaugeVec
	WorkerLockAcquiredTotal       *prometheus.CounterVec
	WorkerLockFailedTotal         *prometheus.CounterVec
	WorkerLockLostTotal           *prometheus.CounterVec
	WorkerActive                  *prometheus.GaugeVec
	WorkerProcessingSeconds       *prometheus.HistogramVec
	RetriesTotal                  *prometheus.CounterVec
	GithubAPIRequestsTotal        *prometheus.CounterVec
	GithubAPILatencySeconds       *prometheus.HistogramVec
	GithubRateLimitRemaining      *prometheus.GaugeVec
	GithubRateLimitReset          *prometheus.GaugeVec
	ThrottlesTotal                *prometheus.CounterVec
	BackpressureActive            *prometheus.GaugeVec
	BranchUpdatesTotal            *prometheus.CounterVec
	ChecksWaitSeconds             *prometheus.HistogramVec
	MergeAttemptsTotal            *prometheus.CounterVec
	MergesSuccessTotal            *prometheus.CounterVec
	MergesFailedTotal             *prometheus.CounterVec
	MergeBlockedTotal             *prometheus.CounterVec
	StarvationRequeueTotal        *prometheus.CounterVec
	DLQPushesTotal                *prometheus.CounterVec
}

// New registers every family against reg and returns the bundle. The
// process and the tests each pass a fresh prometheus.NewRegistry(), so
// registrations never collide with the default registry or each other.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		WebhookRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total number of webhook deliveries received, by outcome.",
		}, []string{"outcome"}),

		WebhookInvalidSignaturesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "webhook_invalid_signatures_total",
			Help: "Total number of webhook deliveries rejected for an invalid HMAC signature.",
		}),

		EventsEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_enqueued_total",
			Help: "Total number of work items enqueued, by repository.",
		}, []string{"owner", "repo"}),

		EventsDedupedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_deduped_total",
			Help: "Total number of events that deduped against an existing queued or in-flight item.",
		}, []string{"owner", "repo"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of queued work items, by repository.",
		}, []string{"owner", "repo"}),

		QueueOldestAgeSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_oldest_age_seconds",
			Help: "Age of the oldest queued work item, by repository.",
		}, []string{"owner", "repo"}),

		WorkerLockAcquiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_lock_acquired_total",
			Help: "Total number of successful lease acquisitions, by repository.",
		}, []string{"owner", "repo"}),

		WorkerLockFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_lock_failed_total",
			Help: "Total number of lease acquisition attempts that found the repo busy.",
		}, []string{"owner", "repo"}),

		WorkerLockLostTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_lock_lost_total",
			Help: "Total number of in-flight pipelines aborted because their lease was lost.",
		}, []string{"owner", "repo"}),

		WorkerActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "1 while a worker holds the lease for a repository.",
		}, []string{"owner", "repo"}),

		WorkerProcessingSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worker_processing_seconds",
			Help:    "Wall-clock time a pipeline run spent processing one work item.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"owner", "repo"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retries_total",
			Help: "Total number of work items requeued for a retryable reason.",
		}, []string{"owner", "repo", "reason"}),

		GithubAPIRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "github_api_requests_total",
			Help: "Total number of GitHub API calls, by operation and outcome.",
		}, []string{"operation", "outcome"}),

		GithubAPILatencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "github_api_latency_seconds",
			Help:    "Latency of GitHub API calls, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		GithubRateLimitRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "github_rate_limit_remaining",
			Help: "Remaining GitHub API quota observed on the last call, by installation.",
		}, []string{"installation"}),

		GithubRateLimitReset: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "github_rate_limit_reset",
			Help: "Unix timestamp the GitHub API quota resets at, by installation.",
		}, []string{"installation"}),

		ThrottlesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttles_total",
			Help: "Total number of times an installation was throttled.",
		}, []string{"installation"}),

		BackpressureActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backpressure_active",
			Help: "1 while an installation is throttled.",
		}, []string{"installation"}),

		BranchUpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "branch_updates_total",
			Help: "Total number of update-branch calls, by result.",
		}, []string{"owner", "repo", "result"}),

		ChecksWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checks_wait_seconds",
			Help:    "Wall-clock time spent waiting for checks to go green.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"owner", "repo"}),

		MergeAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "merge_attempts_total",
			Help: "Total number of merge_pr calls attempted.",
		}, []string{"owner", "repo"}),

		MergesSuccessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "merges_success_total",
			Help: "Total number of successful merges, by merge method.",
		}, []string{"owner", "repo", "method"}),

		MergesFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "merges_failed_total",
			Help: "Total number of terminally failed merges, by reason.",
		}, []string{"owner", "repo", "reason"}),

		MergeBlockedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "merge_blocked_total",
			Help: "Total number of pull requests dropped as blocked by policy.",
		}, []string{"owner", "repo"}),

		StarvationRequeueTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "starvation_requeue_total",
			Help: "Total number of starvation requeues.",
		}, []string{"owner", "repo"}),

		DLQPushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dlq_pushes_total",
			Help: "Total number of work items pushed to the dead-letter queue, by reason.",
		}, []string{"owner", "repo", "reason"}),
	}
}
