// Package githubclt provides the GitHub API facade used by the ingress
// normalizer and the merge pipeline.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/silverleaf-dev/automerge/internal/goorderr"
	"github.com/silverleaf-dev/automerge/internal/logfields"
	"github.com/silverleaf-dev/automerge/internal/metrics"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// New returns a new github API client authenticated via tokenSource. A nil
// tokenSource yields an unauthenticated client, useful only for tests. m may
// be nil in tests; production callers pass the process-wide metrics.Collector
// so every call is recorded in github_api_requests_total and
// github_api_latency_seconds.
// automerge does not perform GitHub App JWT minting itself; that is left to
// the process wiring (see internal/githubapp), mirroring how the teacher's
// client takes a ready-to-use token rather than a set of App credentials.
func New(tokenSource oauth2.TokenSource, m *metrics.Collector) *Client {
	httpClient := newHTTPClient(tokenSource)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
		metrics:    m,
	}
}

// StaticToken wraps a fixed personal-access or pre-minted installation
// token in an oauth2.TokenSource, for deployments that run without a
// registered GitHub App.
func StaticToken(apiToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiToken})
}

func newHTTPClient(tokenSource oauth2.TokenSource) *http.Client {
	if tokenSource == nil {
		return &http.Client{Timeout: DefaultHTTPClientTimeout}
	}

	tc := oauth2.NewClient(context.Background(), tokenSource)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// All methods return a goorderr.RetryableError when an operation can be
// retried, for example because the API rate limit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// recordAPICall observes one completed GitHub API call against
// github_api_requests_total and github_api_latency_seconds. It is a no-op
// when clt.metrics is nil, which lets tests build a bare Client{} literal
// without wiring a collector.
func (clt *Client) recordAPICall(operation string, start time.Time, err error) {
	if clt.metrics == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	clt.metrics.GithubAPIRequestsTotal.WithLabelValues(operation, outcome).Inc()
	clt.metrics.GithubAPILatencySeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RateLimitSnapshot is the remote quota observed on the most recent API
// call. The merge pipeline feeds it to the Durable Queue Store's
// per-installation throttle.
type RateLimitSnapshot struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

func rateLimitFromResponse(resp *github.Response) *RateLimitSnapshot {
	if resp == nil {
		return nil
	}

	return &RateLimitSnapshot{
		Remaining: resp.Rate.Remaining,
		Limit:     resp.Rate.Limit,
		ResetAt:   resp.Rate.Reset.Time,
	}
}

// PullRequest is the subset of a GitHub pull request the merge pipeline
// needs to evaluate mergeability.
type PullRequest struct {
	Number         int
	State          string
	Draft          bool
	Locked         bool
	Title          string
	Body           string
	User           string
	HeadSHA        string
	HeadRef        string
	BaseRef        string
	Mergeable      *bool
	MergeableState string
	LabelNames     []string
}

func newPullRequest(pr *github.PullRequest) (*PullRequest, error) {
	head := pr.GetHead()
	if head.GetSHA() == "" {
		return nil, errors.New("got pull request object with empty head sha")
	}

	base := pr.GetBase()
	if base.GetRef() == "" {
		return nil, errors.New("got pull request object with empty base ref")
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return &PullRequest{
		Number:         pr.GetNumber(),
		State:          pr.GetState(),
		Draft:          pr.GetDraft(),
		Locked:         pr.GetLocked(),
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		User:           pr.GetUser().GetLogin(),
		HeadSHA:        head.GetSHA(),
		HeadRef:        head.GetRef(),
		BaseRef:        base.GetRef(),
		Mergeable:      pr.Mergeable,
		MergeableState: pr.GetMergeableState(),
		LabelNames:     labels,
	}, nil
}

// Ping verifies connectivity and authentication against the GitHub API
// without spending meaningful rate-limit quota, for the readiness probe.
func (clt *Client) Ping(ctx context.Context) error {
	start := time.Now()
	_, _, err := clt.restClt.RateLimit.Get(ctx)
	clt.recordAPICall("ping", start, err)
	if err != nil {
		return clt.wrapRetryableErrors(err)
	}
	return nil
}

// GetPR fetches a pull request. If the PR is closed, ErrPullRequestIsClosed
// is returned.
func (clt *Client) GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, *RateLimitSnapshot, error) {
	start := time.Now()
	pr, resp, err := clt.restClt.PullRequests.Get(ctx, owner, repo, number)
	clt.recordAPICall("get_pr", start, err)
	if err != nil {
		return nil, rateLimitFromResponse(resp), clt.wrapRetryableErrors(err)
	}

	if pr.GetState() == "closed" {
		return nil, rateLimitFromResponse(resp), ErrPullRequestIsClosed
	}

	domainPR, err := newPullRequest(pr)
	if err != nil {
		return nil, rateLimitFromResponse(resp), err
	}

	return domainPR, rateLimitFromResponse(resp), nil
}

// ListPullRequestsWithCommit returns the open pull requests that contain
// commit sha; sha need not be their head commit. It is used by the ingress normalizer to resolve
// check_suite and status events, which carry a commit SHA instead of a PR
// number, back to the pull requests they belong to.
func (clt *Client) ListPullRequestsWithCommit(ctx context.Context, owner, repo, sha string) ([]*PullRequest, error) {
	start := time.Now()
	prs, _, err := clt.restClt.PullRequests.ListPullRequestsWithCommit(ctx, owner, repo, sha, &github.ListOptions{PerPage: 100})
	clt.recordAPICall("list_pull_requests_with_commit", start, err)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	result := make([]*PullRequest, 0, len(prs))
	for _, pr := range prs {
		if pr.GetState() != "open" {
			continue
		}

		domainPR, err := newPullRequest(pr)
		if err != nil {
			continue
		}

		result = append(result, domainPR)
	}

	return result, nil
}

// BranchIsBehindBase returns true if branch is based on an old commit of baseBranch.
func (clt *Client) BranchIsBehindBase(ctx context.Context, owner, repo, baseBranch, branch string) (behind bool, err error) {
	start := time.Now()
	cmp, _, err := clt.restClt.Repositories.CompareCommits(ctx, owner, repo, baseBranch, branch, &github.ListOptions{PerPage: 1})
	clt.recordAPICall("compare_commits", start, err)
	if err != nil {
		return false, clt.wrapRetryableErrors(err)
	}

	if cmp.BehindBy == nil {
		return false, goorderr.NewRetryableAnytimeError(errors.New("github returned a nil BehindBy field"))
	}

	return *cmp.BehindBy > 0, nil
}

// PRIsUptodate returns true if the pull request is open and contains all
// changes from its base branch. It also returns the head commit SHA that
// was evaluated.
func (clt *Client) PRIsUptodate(ctx context.Context, owner, repo string, pullRequestNumber int) (isUptodate bool, headSHA string, err error) {
	pr, _, err := clt.GetPR(ctx, owner, repo, pullRequestNumber)
	if err != nil {
		return false, "", err
	}

	if pr.MergeableState == "behind" {
		return false, pr.HeadSHA, nil
	}

	isBehind, err := clt.BranchIsBehindBase(ctx, owner, repo, pr.BaseRef, pr.HeadRef)
	if err != nil {
		return false, "", fmt.Errorf("evaluating if branch is behind base failed: %w", err)
	}

	return !isBehind, pr.HeadSHA, nil
}

// CombinedStatusState is the aggregate state of the classic commit status
// API's rollup for a ref, named to match spec's get_combined_status
// operation.
type CombinedStatusState string

const (
	CombinedStatusSuccess CombinedStatusState = "success"
	CombinedStatusPending CombinedStatusState = "pending"
	CombinedStatusFailure CombinedStatusState = "failure"
	CombinedStatusNone    CombinedStatusState = "none"
)

// CombinedStatus is the classic status-API rollup for a ref: one state plus
// the context names that contributed to it.
type CombinedStatus struct {
	State    CombinedStatusState
	Contexts []string
}

// GetCombinedStatus returns the classic combined status rollup for ref,
// grounded in original_source/app/github.py's get_combined_status and
// exposed as its own facade operation per spec.md §4.2, alongside the
// GraphQL status-check rollup ReadyForMerge already folds into one round
// trip. The pipeline's polling loop uses only ReadyForMerge; this operation
// is used by the admin DLQ report.
func (clt *Client) GetCombinedStatus(ctx context.Context, owner, repo, ref string) (*CombinedStatus, error) {
	start := time.Now()
	status, _, err := clt.restClt.Repositories.GetCombinedStatus(ctx, owner, repo, ref, &github.ListOptions{PerPage: 100})
	clt.recordAPICall("get_combined_status", start, err)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	contexts := make([]string, 0, len(status.Statuses))
	for _, s := range status.Statuses {
		contexts = append(contexts, s.GetContext())
	}

	state := CombinedStatusNone
	switch status.GetState() {
	case "success":
		state = CombinedStatusSuccess
	case "pending":
		state = CombinedStatusPending
	case "failure", "error":
		state = CombinedStatusFailure
	}

	return &CombinedStatus{State: state, Contexts: contexts}, nil
}

// CheckSuiteStatus is one check suite's reported status/conclusion for a
// ref, named to match spec's get_check_suites operation.
type CheckSuiteStatus struct {
	App        string
	Status     string // queued, in_progress or completed
	Conclusion string // success, failure, neutral, cancelled, timed_out, action_required, stale or skipped
}

// GetCheckSuites returns every check suite reported against ref, grounded
// in original_source/app/github.py's list_check_suites.
func (clt *Client) GetCheckSuites(ctx context.Context, owner, repo, ref string) ([]*CheckSuiteStatus, error) {
	start := time.Now()
	result, _, err := clt.restClt.Checks.ListCheckSuitesForRef(ctx, owner, repo, ref, &github.ListCheckSuiteOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	clt.recordAPICall("get_check_suites", start, err)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	suites := make([]*CheckSuiteStatus, 0, len(result.CheckSuites))
	for _, suite := range result.CheckSuites {
		suites = append(suites, &CheckSuiteStatus{
			App:        suite.GetApp().GetName(),
			Status:     suite.GetStatus(),
			Conclusion: suite.GetConclusion(),
		})
	}

	return suites, nil
}

// CreateIssueComment creates a comment on an issue or pull request.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	start := time.Now()
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	clt.recordAPICall("create_issue_comment", start, err)
	return clt.wrapRetryableErrors(err)
}

// UpdateBranch schedules merging the base branch into a pull request branch.
// changed is false if the branch was already uptodate. scheduled is true if
// GitHub accepted the update and is applying it asynchronously.
// A *goorderr.MergeConflictError is returned if the update cannot complete
// because of a real merge conflict.
func (clt *Client) UpdateBranch(ctx context.Context, owner, repo string, pullRequestNumber int) (changed, scheduled bool, err error) {
	isUptodate, prHEADSHA, err := clt.PRIsUptodate(ctx, owner, repo, pullRequestNumber)
	if err != nil {
		return false, false, fmt.Errorf("evaluating if PR is uptodate with base branch failed: %w", err)
	}

	logger := clt.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(pullRequestNumber),
		logfields.Commit(prHEADSHA),
	)

	if isUptodate {
		logger.Debug("branch is uptodate with base branch, skipping update branch operation",
			logfields.Event("github_branch_uptodate_with_base"))
		return false, false, nil
	}

	start := time.Now()
	_, _, err = clt.restClt.PullRequests.UpdateBranch(ctx, owner, repo, pullRequestNumber, &github.PullRequestBranchUpdateOptions{ExpectedHeadSHA: &prHEADSHA})
	if _, ok := err.(*github.AcceptedError); ok {
		clt.recordAPICall("update_branch", start, nil)
	} else {
		clt.recordAPICall("update_branch", start, err)
	}
	if err != nil {
		if _, ok := err.(*github.AcceptedError); ok {
			logger.Debug("updating branch with base branch scheduled",
				logfields.Event("github_branch_update_with_base_scheduled"))
			return true, true, nil
		}

		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusUnprocessableEntity {
				if strings.Contains(respErr.Message, "merge conflict") {
					return false, false, goorderr.NewMergeConflictError(respErr, goorderr.KindNotMergeable)
				}

				if strings.Contains(respErr.Message, "expected head sha didn’t match current head ref") {
					logger.Debug("branch changed while trying to sync with base branch",
						logfields.Event("github_branch_update_failed_ref_outdated"))

					return false, false, goorderr.NewRetryableAnytimeError(err)
				}
			}
		}

		return false, false, clt.wrapRetryableErrors(err)
	}

	logger.Debug("branch was updated with base branch",
		logfields.Event("github_branch_update_with_base_triggered"))
	return true, false, nil
}

// MergeOptions controls how MergePR merges a pull request.
type MergeOptions struct {
	Method         string // "merge", "squash" or "rebase"
	CommitTitle    string
	CommitMessage  string
	ExpectedHeadSHA string
}

// MergePR merges a pull request. If the head commit changed since it was
// evaluated, or the PR can no longer be merged automatically, a
// *goorderr.MergeConflictError is returned.
func (clt *Client) MergePR(ctx context.Context, owner, repo string, number int, opts MergeOptions) error {
	start := time.Now()
	res, _, err := clt.restClt.PullRequests.Merge(ctx, owner, repo, number, opts.CommitMessage, &github.PullRequestOptions{
		CommitTitle: opts.CommitTitle,
		MergeMethod: opts.Method,
		SHA:         opts.ExpectedHeadSHA,
	})
	clt.recordAPICall("merge_pr", start, err)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			switch respErr.Response.StatusCode {
			case http.StatusMethodNotAllowed:
				// GitHub reports the PR can no longer be merged
				// automatically: conflicts, a failing required status check,
				// or branch protection. Retrying will not change the
				// outcome.
				return goorderr.NewMergeConflictError(respErr, goorderr.KindNotMergeable)
			case http.StatusConflict:
				// The head SHA supplied with the request no longer matches
				// the PR's current head; the caller must re-observe the PR
				// and retry against the new head.
				return goorderr.NewMergeConflictError(respErr, goorderr.KindMismatchedSHA)
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	if res != nil && !res.GetMerged() {
		return goorderr.NewMergeConflictError(fmt.Errorf("merge rejected: %s", res.GetMessage()), goorderr.KindMismatchedSHA)
	}

	return nil
}

// LoadPolicy fetches the raw content of the repository policy file at path
// on ref. A missing file is reported as os-style not-exist via the returned
// bool.
func (clt *Client) LoadPolicy(ctx context.Context, owner, repo, ref, path string) (content []byte, found bool, err error) {
	start := time.Now()
	fileContent, _, _, err := clt.restClt.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	clt.recordAPICall("load_policy", start, err)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}

		return nil, false, clt.wrapRetryableErrors(err)
	}

	decoded, err := fileContent.GetContent()
	if err != nil {
		return nil, false, fmt.Errorf("decoding policy file content failed: %w", err)
	}

	return []byte(decoded), true, nil
}

// AddLabel adds a label to a pull request or issue.
func (clt *Client) AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	if label == "" {
		return errors.New("provided label is empty")
	}
	start := time.Now()
	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, []string{label})
	clt.recordAPICall("add_label", start, err)
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a pull request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	start := time.Now()
	_, err := clt.restClt.Issues.RemoveLabelForIssue(ctx, owner, repo, pullRequestOrIssueNumber, label)
	clt.recordAPICall("remove_label", start, err)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusNotFound {
				clt.logger.Debug("removing label returned a not found response, interpreting it as success",
					logfields.RepositoryOwner(owner),
					logfields.Repository(repo),
					logfields.PullRequest(pullRequestOrIssueNumber),
					logfields.Label(label),
					logfields.Event("github_remove_label_returned_not_found"),
					zap.Error(err),
				)

				return nil
			}

			return clt.wrapRetryableErrors(err)
		}
	}

	return nil
}

type PRIterator interface {
	Next() (*github.PullRequest, error)
}

type PRIter struct {
	clt *Client

	ctx   context.Context
	owner string
	repo  string

	filterState   string
	sortOrder     string
	sortDirection string

	unseen []*github.PullRequest

	nextPage int
	finished bool
}

// Next returns the next pull request. When the last result was returned a
// nil pull request is returned.
func (it *PRIter) Next() (*github.PullRequest, error) {
	if len(it.unseen) > 0 {
		result := it.unseen[0]
		it.unseen = it.unseen[1:]

		return result, nil
	}

	if it.finished {
		return nil, nil
	}

	start := time.Now()
	prs, resp, err := it.clt.restClt.PullRequests.List(it.ctx, it.owner, it.repo, &github.PullRequestListOptions{
		State:     "open",
		Sort:      it.sortOrder,
		Direction: it.sortDirection,
		ListOptions: github.ListOptions{
			Page:    it.nextPage,
			PerPage: 100,
		},
	})
	it.clt.recordAPICall("list_pull_requests", start, err)
	if err != nil {
		return nil, it.clt.wrapRetryableErrors(err)
	}

	if resp.NextPage == 0 || resp.PrevPage+1 == resp.LastPage || len(prs) == 0 {
		it.finished = true
	} else {
		it.nextPage = resp.NextPage
	}

	it.unseen = prs

	return it.Next()
}

// ListPullRequests returns an iterator over all open pull requests.
func (clt *Client) ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) PRIterator {
	return &PRIter{
		clt:           clt,
		ctx:           ctx,
		owner:         owner,
		repo:          repo,
		sortOrder:     sort,
		sortDirection: sortDirection,
		filterState:   state,
		nextPage:      1,
	}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return goorderr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		retryAfter := time.Now().Add(time.Minute)
		if v.RetryAfter != nil {
			retryAfter = time.Now().Add(*v.RetryAfter)
		}

		clt.logger.Info(
			"secondary rate limit exceeded",
			logfields.Event("github_api_secondary_rate_limit_exceeded"),
			zap.Time("retry_after", retryAfter),
		)

		return goorderr.NewThrottledError(err, retryAfter)

	case *github.ErrorResponse:
		if v.Response.StatusCode == http.StatusTooManyRequests {
			return goorderr.NewThrottledError(err, time.Now().Add(time.Minute))
		}

		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return goorderr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode == http.StatusTooManyRequests {
		return goorderr.NewThrottledError(err, time.Now().Add(time.Minute))
	}

	if errcode >= 500 && errcode < 600 {
		return goorderr.NewRetryableAnytimeError(err)
	}

	return err
}
