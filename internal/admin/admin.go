// Package admin implements the operator-facing HTTP endpoints: a text
// dump of per-repository queue/DLQ depth, and a DLQ replay action,
// grounded in the teacher's autoupdate.HTTPHandlerList/httplistdata.go
// pattern but rendered as a flat text report instead of an HTML template,
// since the operator here is triaging a dead-letter queue, not browsing
// a live branch-update list.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/githubclt"
	"github.com/silverleaf-dev/automerge/internal/routines"
)

// maxReportWorkers bounds how many repositories' queue/DLQ reports
// handleListQueues fetches from the store concurrently, so an installation
// with hundreds of repos pending work doesn't serialize behind one
// round-trip per repo.
const maxReportWorkers = 8

// ChecksInspector resolves the live, current check status of a pull
// request, so a DLQ'd checks_failed entry's report line can name the
// check(s) that actually failed instead of just the drop reason, using
// spec.md §4.2's named get_combined_status/get_check_suites operations
// directly rather than the pipeline's folded GraphQL rollup.
type ChecksInspector interface {
	GetPR(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequest, *githubclt.RateLimitSnapshot, error)
	GetCombinedStatus(ctx context.Context, owner, repo, ref string) (*githubclt.CombinedStatus, error)
	GetCheckSuites(ctx context.Context, owner, repo, ref string) ([]*githubclt.CheckSuiteStatus, error)
}

// Handler serves GET /admin/queues and POST /admin/dlq/replay.
type Handler struct {
	logger *zap.Logger
	store  dqs.Store
	checks ChecksInspector
}

// NewHandler builds a Handler. checks may be nil, in which case DLQ report
// lines omit the live check breakdown (tests build a Handler without a
// real githubclt.Client the same way githubclt.Client itself tolerates a
// nil metrics.Collector).
func NewHandler(store dqs.Store, checks ChecksInspector) *Handler {
	return &Handler{
		logger: zap.L().Named("admin"),
		store:  store,
		checks: checks,
	}
}

func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/admin/queues", h.handleListQueues)
	mux.HandleFunc("/admin/dlq/replay", h.handleReplayDLQ)
}

// handleListQueues dumps, for every repository that currently has
// queued, in-flight, or dead-lettered work, its queue depth, the age of
// its oldest queued item, and its DLQ entries by index (the index a
// replay request must name).
func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	repos, err := h.store.ListReposWithWork(ctx)
	if err != nil {
		http.Error(w, "listing repos with work failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if len(repos) == 0 {
		fmt.Fprintln(w, "no repositories have pending work")
		return
	}

	workers := len(repos)
	if workers > maxReportWorkers {
		workers = maxReportWorkers
	}

	reports := make([]string, len(repos))
	pool := routines.NewPool(workers)
	for i, repo := range repos {
		i, repo := i, repo
		pool.Queue(func() {
			reports[i] = h.repoReport(ctx, repo)
		})
	}
	pool.Wait()

	for _, report := range reports {
		fmt.Fprint(w, report)
	}
}

func (h *Handler) repoReport(ctx context.Context, repo dqs.RepoKey) string {
	var b strings.Builder

	depth, err := h.store.QueueDepth(ctx, repo)
	if err != nil {
		fmt.Fprintf(&b, "%s: queue_depth error: %s\n", repo, err)
		return b.String()
	}

	oldest, err := h.store.OldestEnqueuedAt(ctx, repo)
	if err != nil {
		fmt.Fprintf(&b, "%s: oldest_enqueued_at error: %s\n", repo, err)
		return b.String()
	}

	fmt.Fprintf(&b, "%s\n  queue_depth=%d", repo, depth)
	if !oldest.IsZero() {
		fmt.Fprintf(&b, " oldest_age=%s", time.Since(oldest).Round(time.Second))
	}
	fmt.Fprintln(&b)

	entries, err := h.store.ListDLQ(ctx, repo)
	if err != nil {
		fmt.Fprintf(&b, "  dlq: error: %s\n", err)
		return b.String()
	}

	for i, entry := range entries {
		fmt.Fprintf(&b, "  dlq[%d] pr=#%d attempt=%d reason=%s at=%s\n",
			i, entry.Item.PRNumber, entry.Item.Attempt, entry.Reason, entry.At.Format(time.RFC3339))

		if entry.Reason == "checks_failed" {
			h.appendChecksBreakdown(ctx, &b, repo, entry.Item.PRNumber)
		}
	}

	return b.String()
}

// appendChecksBreakdown resolves pr's current head commit and reports
// which combined-status contexts or check suites are failing against it,
// so an operator triaging a checks_failed DLQ entry doesn't have to leave
// the report to find out which check is blocking the merge. It is a
// best-effort diagnostic: any error is reported inline rather than failing
// the whole report.
func (h *Handler) appendChecksBreakdown(ctx context.Context, b *strings.Builder, repo dqs.RepoKey, prNumber int) {
	if h.checks == nil {
		return
	}

	pr, _, err := h.checks.GetPR(ctx, repo.Owner, repo.Repo, prNumber)
	if err != nil {
		fmt.Fprintf(b, "    checks: could not resolve head commit: %s\n", err)
		return
	}

	combined, err := h.checks.GetCombinedStatus(ctx, repo.Owner, repo.Repo, pr.HeadSHA)
	if err != nil {
		fmt.Fprintf(b, "    checks: combined status lookup failed: %s\n", err)
		return
	}
	if combined.State == githubclt.CombinedStatusFailure {
		fmt.Fprintf(b, "    checks: combined status is failing, contexts=%s\n", strings.Join(combined.Contexts, ","))
	}

	suites, err := h.checks.GetCheckSuites(ctx, repo.Owner, repo.Repo, pr.HeadSHA)
	if err != nil {
		fmt.Fprintf(b, "    checks: check suite lookup failed: %s\n", err)
		return
	}
	for _, suite := range suites {
		switch suite.Conclusion {
		case "failure", "timed_out", "cancelled", "stale", "startup_failure":
			fmt.Fprintf(b, "    checks: %s suite failed, conclusion=%s\n", suite.App, suite.Conclusion)
		}
	}
}

// handleReplayDLQ re-enqueues a named DLQ entry with its attempt counter
// reset. Form fields: installation_id, owner, repo, index.
func (h *Handler) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	installationID, err := strconv.ParseInt(r.FormValue("installation_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid installation_id", http.StatusBadRequest)
		return
	}

	idx, err := strconv.Atoi(r.FormValue("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}

	repo := dqs.RepoKey{
		InstallationID: installationID,
		Owner:          r.FormValue("owner"),
		Repo:           r.FormValue("repo"),
	}

	if repo.Owner == "" || repo.Repo == "" {
		http.Error(w, "owner and repo are required", http.StatusBadRequest)
		return
	}

	if err := h.store.ReplayDLQ(r.Context(), repo, idx); err != nil {
		h.logger.Error("replaying dlq entry failed", zap.Error(err), zap.Stringer("automerge.repo", repo))
		http.Error(w, "replaying dlq entry failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("dlq entry replayed", zap.Stringer("automerge.repo", repo), zap.Int("automerge.dlq_index", idx))
	w.WriteHeader(http.StatusAccepted)
}
