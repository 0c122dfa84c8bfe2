package ingest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"

	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// defaultPageSize is the fixed page size for every listing call. Cursors
// carry page numbers, so the page size must never vary between runs.
const defaultPageSize = 100

// GitHubSource lists commits, pull requests, issues and documentation
// changes through the GitHub REST API. GitHub pagination is positional, so a
// cursor pins the page number together with the window the listing was
// opened with; page numbers are meaningless against a shifted window.
//
// The pull request and issue endpoints sort ascending by update time, but
// the commits endpoint has no sort option and lists newest first. The
// commit-backed streams therefore pin the window's upper bound and walk the
// pages from last to first, reversing each page, so that every stream hands
// the worker items in non-decreasing occurred_at order and watermarks only
// ever cover fully ingested pages.
type GitHubSource struct {
	client   *github.Client
	pageSize int
	now      func() time.Time
}

// NewGitHubSource builds a source authenticated with the given token. An
// empty token falls back to anonymous access with its lower rate limits.
func NewGitHubSource(ctx context.Context, token string) *GitHubSource {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	return NewGitHubSourceWithClient(github.NewClient(hc))
}

// NewGitHubSourceWithClient injects a prebuilt client; test use only.
func NewGitHubSourceWithClient(client *github.Client) *GitHubSource {
	return &GitHubSource{
		client:   client,
		pageSize: defaultPageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (g *GitHubSource) Name() string { return "github" }

func (g *GitHubSource) FetchPage(ctx context.Context, repo models.Repository, stream models.StreamKind, since time.Time, cursor string, limit int) (Page, error) {
	page, cursorSince, cursorUntil, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if !cursorSince.IsZero() {
		since = cursorSince
	}
	if page == 0 {
		page = 1
	}

	switch stream {
	case models.StreamCommits:
		return g.fetchCommits(ctx, repo, since, cursorUntil, page)
	case models.StreamPullRequests:
		return g.fetchPullRequests(ctx, repo, since, page)
	case models.StreamIssues:
		return g.fetchIssues(ctx, repo, since, page)
	case models.StreamDocChanges:
		return g.fetchDocChanges(ctx, repo, since, cursorUntil, page)
	default:
		return Page{}, faults.New(faults.UnsupportedPayloadType, "unknown stream %q", stream)
	}
}

func (g *GitHubSource) fetchCommits(ctx context.Context, repo models.Repository, since, until time.Time, page int) (Page, error) {
	return g.walkCommitsOldestFirst(ctx, repo, since, until, page, func(ctx context.Context, commits []*github.RepositoryCommit) ([]SourceItem, error) {
		var items []SourceItem
		for _, c := range commits {
			item, err := commitItem(c)
			if err != nil {
				return nil, err
			}
			if !item.OccurredAt.After(since) {
				continue
			}
			items = append(items, item)
		}
		return items, nil
	})
}

// fetchDocChanges re-lists commits and expands each into the documentation
// files it touched. Repositories without documentation paths yield nothing.
func (g *GitHubSource) fetchDocChanges(ctx context.Context, repo models.Repository, since, until time.Time, page int) (Page, error) {
	if len(repo.DocumentationPaths) == 0 {
		return Page{}, nil
	}
	return g.walkCommitsOldestFirst(ctx, repo, since, until, page, func(ctx context.Context, commits []*github.RepositoryCommit) ([]SourceItem, error) {
		var items []SourceItem
		for _, c := range commits {
			if c.SHA == nil {
				return nil, faults.New(faults.SchemaDrift, "commit missing sha")
			}
			occurred, err := commitTime(c)
			if err != nil {
				return nil, err
			}
			if !occurred.After(since) {
				continue
			}
			detail, _, err := g.client.Repositories.GetCommit(ctx, repo.Owner, repo.Name, *c.SHA, nil)
			if err != nil {
				return nil, classifyGitHub(err)
			}
			for _, f := range detail.Files {
				path := f.GetFilename()
				if !underDocumentationPath(path, repo.DocumentationPaths) {
					continue
				}
				items = append(items, SourceItem{
					EventType:     models.EventTypeDocChange,
					SourceEventID: *c.SHA + ":" + path,
					OccurredAt:    occurred,
					Payload: map[string]interface{}{
						"commit_sha":  *c.SHA,
						"path":        path,
						"change_type": f.GetStatus(),
					},
				})
			}
		}
		return items, nil
	})
}

type commitConvert func(ctx context.Context, commits []*github.RepositoryCommit) ([]SourceItem, error)

// walkCommitsOldestFirst pages branch commits in ascending occurred_at
// order. The first call of a listing pins until and locates the window's
// last page; cursor continuations walk the page numbers downward, reversing
// each page. A pinned until keeps the page boundaries stable while new
// commits land on the branch.
func (g *GitHubSource) walkCommitsOldestFirst(ctx context.Context, repo models.Repository, since, until time.Time, page int, convert commitConvert) (Page, error) {
	if until.IsZero() {
		until = g.now()
		commits, resp, err := g.listCommitPage(ctx, repo, since, until, 1)
		if err != nil {
			return Page{}, err
		}
		if resp.LastPage == 0 {
			// The window fits a single page.
			reverseCommits(commits)
			items, err := convert(ctx, commits)
			if err != nil {
				return Page{}, err
			}
			return Page{Items: items}, nil
		}
		page = resp.LastPage
	}

	for page >= 1 {
		commits, _, err := g.listCommitPage(ctx, repo, since, until, page)
		if err != nil {
			return Page{}, err
		}
		reverseCommits(commits)
		items, err := convert(ctx, commits)
		if err != nil {
			return Page{}, err
		}
		if len(items) > 0 || page == 1 {
			var next string
			if page > 1 {
				next = encodeWindowCursor(page-1, since, until)
			}
			return Page{Items: items, NextCursor: next}, nil
		}
		// The whole page was filtered out (since boundary, no documentation
		// files); keep walking so an empty page still means drained.
		page--
	}
	return Page{}, nil
}

func (g *GitHubSource) listCommitPage(ctx context.Context, repo models.Repository, since, until time.Time, page int) ([]*github.RepositoryCommit, *github.Response, error) {
	commits, resp, err := g.client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, &github.CommitsListOptions{
		SHA:         repo.DefaultBranch,
		Since:       since,
		Until:       until,
		ListOptions: github.ListOptions{Page: page, PerPage: g.pageSize},
	})
	if err != nil {
		return nil, nil, classifyGitHub(err)
	}
	return commits, resp, nil
}

// fetchPullRequests filters by updated_at client-side; the list endpoint has
// no since parameter. Pages older than since are skipped in place so that an
// empty page always means the stream is drained.
func (g *GitHubSource) fetchPullRequests(ctx context.Context, repo models.Repository, since time.Time, page int) (Page, error) {
	for {
		out, err := g.listPullRequestPage(ctx, repo, since, page)
		if err != nil {
			return Page{}, err
		}
		if len(out.Items) > 0 || out.NextCursor == "" {
			return out, nil
		}
		page, _, _, err = decodeCursor(out.NextCursor)
		if err != nil {
			return Page{}, err
		}
	}
}

func (g *GitHubSource) listPullRequestPage(ctx context.Context, repo models.Repository, since time.Time, page int) (Page, error) {
	pulls, resp, err := g.client.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{Page: page, PerPage: g.pageSize},
	})
	if err != nil {
		return Page{}, classifyGitHub(err)
	}

	var items []SourceItem
	for _, pr := range pulls {
		if pr.Number == nil || pr.UpdatedAt == nil {
			return Page{}, faults.New(faults.SchemaDrift, "pull request missing number or updated_at")
		}
		occurred := pr.UpdatedAt.Time.UTC()
		if !occurred.After(since) {
			continue
		}
		payload := map[string]interface{}{
			"number": *pr.Number,
			"title":  pr.GetTitle(),
			"state":  pr.GetState(),
			"author": pr.GetUser().GetLogin(),
			"labels": labelNames(pr.Labels),
		}
		if pr.CreatedAt != nil {
			payload["opened_at"] = pr.CreatedAt.Time.UTC()
		}
		if pr.MergedAt != nil {
			payload["merged_at"] = pr.MergedAt.Time.UTC()
		}
		if pr.ClosedAt != nil {
			payload["closed_at"] = pr.ClosedAt.Time.UTC()
		}
		items = append(items, SourceItem{
			EventType:     models.EventTypePullRequest,
			SourceEventID: strconv.Itoa(*pr.Number),
			OccurredAt:    occurred,
			Payload:       payload,
		})
	}
	return Page{Items: items, NextCursor: encodeCursor(resp.NextPage, since)}, nil
}

func (g *GitHubSource) fetchIssues(ctx context.Context, repo models.Repository, since time.Time, page int) (Page, error) {
	issues, resp, err := g.client.Issues.ListByRepo(ctx, repo.Owner, repo.Name, &github.IssueListByRepoOptions{
		State:       "all",
		Since:       since,
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{Page: page, PerPage: g.pageSize},
	})
	if err != nil {
		return Page{}, classifyGitHub(err)
	}

	var items []SourceItem
	for _, is := range issues {
		// The issues endpoint interleaves pull requests; those arrive via
		// the pull_requests stream instead.
		if is.IsPullRequest() {
			continue
		}
		if is.Number == nil || is.UpdatedAt == nil {
			return Page{}, faults.New(faults.SchemaDrift, "issue missing number or updated_at")
		}
		occurred := is.UpdatedAt.Time.UTC()
		if !occurred.After(since) {
			continue
		}
		payload := map[string]interface{}{
			"number": *is.Number,
			"title":  is.GetTitle(),
			"state":  is.GetState(),
			"author": is.GetUser().GetLogin(),
			"labels": labelNames(is.Labels),
		}
		if is.CreatedAt != nil {
			payload["opened_at"] = is.CreatedAt.Time.UTC()
		}
		if is.ClosedAt != nil {
			payload["closed_at"] = is.ClosedAt.Time.UTC()
		}
		items = append(items, SourceItem{
			EventType:     models.EventTypeIssue,
			SourceEventID: strconv.Itoa(*is.Number),
			OccurredAt:    occurred,
			Payload:       payload,
		})
	}
	return Page{Items: items, NextCursor: encodeCursor(resp.NextPage, since)}, nil
}

func commitItem(c *github.RepositoryCommit) (SourceItem, error) {
	if c.SHA == nil || c.Commit == nil {
		return SourceItem{}, faults.New(faults.SchemaDrift, "commit missing sha or detail")
	}
	occurred, err := commitTime(c)
	if err != nil {
		return SourceItem{}, err
	}
	return SourceItem{
		EventType:     models.EventTypeCommit,
		SourceEventID: *c.SHA,
		OccurredAt:    occurred,
		Payload: map[string]interface{}{
			"sha":     *c.SHA,
			"message": c.Commit.GetMessage(),
			"author":  c.GetAuthor().GetLogin(),
		},
	}, nil
}

func commitTime(c *github.RepositoryCommit) (time.Time, error) {
	if c.Commit == nil || c.Commit.Committer == nil || c.Commit.Committer.Date == nil {
		return time.Time{}, faults.New(faults.SchemaDrift, "commit missing committer date")
	}
	return c.Commit.Committer.Date.Time.UTC(), nil
}

func reverseCommits(commits []*github.RepositoryCommit) {
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
}

func labelNames(labels []*github.Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if name := l.GetName(); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func underDocumentationPath(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func encodeCursor(nextPage int, since time.Time) string {
	if nextPage == 0 {
		return ""
	}
	return strconv.Itoa(nextPage) + "|" + since.UTC().Format(time.RFC3339)
}

func encodeWindowCursor(page int, since, until time.Time) string {
	return strconv.Itoa(page) + "|" + since.UTC().Format(time.RFC3339) + "|" + until.UTC().Format(time.RFC3339)
}

func decodeCursor(cursor string) (int, time.Time, time.Time, error) {
	if cursor == "" {
		return 0, time.Time{}, time.Time{}, nil
	}
	parts := strings.Split(cursor, "|")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, time.Time{}, time.Time{}, faults.New(faults.SchemaDrift, "malformed cursor %q", cursor)
	}
	page, err := strconv.Atoi(parts[0])
	if err != nil || page < 1 {
		return 0, time.Time{}, time.Time{}, faults.New(faults.SchemaDrift, "malformed cursor %q", cursor)
	}
	since, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return 0, time.Time{}, time.Time{}, faults.New(faults.SchemaDrift, "malformed cursor %q", cursor)
	}
	var until time.Time
	if len(parts) == 3 {
		until, err = time.Parse(time.RFC3339, parts[2])
		if err != nil {
			return 0, time.Time{}, time.Time{}, faults.New(faults.SchemaDrift, "malformed cursor %q", cursor)
		}
	}
	return page, since, until, nil
}

// classifyGitHub maps API failures onto the faults taxonomy: 5xx and
// transport errors retry, 4xx surface, rate limits retry.
func classifyGitHub(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, err, "github request timed out")
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return faults.Wrap(faults.Remote5xx, err, "github rate limited until %s", rateErr.Rate.Reset.Time.Format(time.RFC3339))
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return faults.Wrap(faults.Remote5xx, err, "github secondary rate limit")
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		if code >= 500 {
			return faults.Wrap(faults.Remote5xx, err, "github responded %d", code)
		}
		if code >= 400 {
			return faults.Wrap(faults.Remote4xx, err, "github responded %d", code)
		}
	}
	return faults.Wrap(faults.Remote5xx, err, "github request failed")
}
