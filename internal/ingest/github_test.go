package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/repoledger/repoledger/internal/models"
)

type apiCommit struct {
	sha      string
	date     time.Time
	docFiles []string
}

func commitDetailJSON(c apiCommit) map[string]interface{} {
	return map[string]interface{}{
		"message":   "work on " + c.sha,
		"committer": map[string]interface{}{"date": c.date.Format(time.RFC3339)},
	}
}

// newCommitAPI serves the slice of the commits API the source touches: the
// branch listing (newest first, positional pages announced through Link
// headers, exactly as GitHub paginates) and the single-commit detail used to
// expand documentation changes. Every listing query is recorded so tests can
// inspect the window parameters.
func newCommitAPI(t *testing.T, newestFirst []apiCommit, pageSize int) (*httptest.Server, *[]url.Values) {
	t.Helper()
	queries := &[]url.Values{}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/reef/commits/", func(w http.ResponseWriter, r *http.Request) {
		sha := strings.TrimPrefix(r.URL.Path, "/repos/octo/reef/commits/")
		for _, c := range newestFirst {
			if c.sha != sha {
				continue
			}
			var files []map[string]string
			for _, f := range c.docFiles {
				files = append(files, map[string]string{"filename": f, "status": "modified"})
			}
			writeJSONBody(t, w, map[string]interface{}{
				"sha":    c.sha,
				"commit": commitDetailJSON(c),
				"files":  files,
			})
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/repos/octo/reef/commits", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		*queries = append(*queries, q)

		page := 1
		if v := q.Get("page"); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				page = p
			}
		}
		last := (len(newestFirst) + pageSize - 1) / pageSize
		start := (page - 1) * pageSize
		end := start + pageSize
		if end > len(newestFirst) {
			end = len(newestFirst)
		}

		body := []map[string]interface{}{}
		if start < len(newestFirst) {
			for _, c := range newestFirst[start:end] {
				body = append(body, map[string]interface{}{"sha": c.sha, "commit": commitDetailJSON(c)})
			}
		}
		if page < last {
			base := "http://" + r.Host + r.URL.Path
			w.Header().Set("Link", strings.Join([]string{
				fmt.Sprintf(`<%s?page=%d>; rel="next"`, base, page+1),
				fmt.Sprintf(`<%s?page=%d>; rel="last"`, base, last),
			}, ", "))
		}
		writeJSONBody(t, w, body)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, queries
}

func writeJSONBody(t *testing.T, w http.ResponseWriter, body interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func newCommitAPISource(t *testing.T, srvURL string, pageSize int, now time.Time) *GitHubSource {
	t.Helper()
	client := github.NewClient(nil)
	base, err := url.Parse(srvURL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	src := NewGitHubSourceWithClient(client)
	src.pageSize = pageSize
	src.now = func() time.Time { return now }
	return src
}

// The commits endpoint lists newest first and offers no sort option, so the
// source must invert the walk itself: bronze append order drives the
// watermark, and a stream delivered newest first would strand every page
// behind the first one if the cursor were ever lost.
func TestCommitsStreamDeliversOldestFirst(t *testing.T) {
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	commits := []apiCommit{
		{sha: "eee", date: base.Add(5 * time.Hour)},
		{sha: "ddd", date: base.Add(4 * time.Hour)},
		{sha: "ccc", date: base.Add(3 * time.Hour)},
		{sha: "bbb", date: base.Add(2 * time.Hour)},
		{sha: "aaa", date: base.Add(1 * time.Hour)},
	}
	srv, queries := newCommitAPI(t, commits, 2)
	src := newCommitAPISource(t, srv.URL, 2, base.Add(24*time.Hour))
	repo := models.Repository{ID: uuid.New(), Owner: "octo", Name: "reef", DefaultBranch: "main"}

	ctx := context.Background()
	var got []SourceItem
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := src.FetchPage(ctx, repo, models.StreamCommits, base, cursor, 100)
		require.NoError(t, err)
		got = append(got, page.Items...)
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	require.Len(t, got, 5)
	require.Equal(t, "aaa", got[0].SourceEventID)
	require.Equal(t, "eee", got[len(got)-1].SourceEventID)
	for i := 1; i < len(got); i++ {
		require.False(t, got[i].OccurredAt.Before(got[i-1].OccurredAt),
			"items must arrive in non-decreasing occurred_at order, got %s before %s",
			got[i].SourceEventID, got[i-1].SourceEventID)
	}

	// Every request of the walk pins the same upper bound, so page numbers
	// stay meaningful while new commits keep landing on the branch.
	require.GreaterOrEqual(t, len(*queries), 2)
	pinned := (*queries)[0].Get("until")
	require.NotEmpty(t, pinned)
	for _, q := range *queries {
		require.Equal(t, pinned, q.Get("until"))
	}
}

// A cursor resumes the walk mid-window without re-serving newer pages.
func TestCommitsCursorResumesWindow(t *testing.T) {
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	commits := []apiCommit{
		{sha: "ddd", date: base.Add(4 * time.Hour)},
		{sha: "ccc", date: base.Add(3 * time.Hour)},
		{sha: "bbb", date: base.Add(2 * time.Hour)},
		{sha: "aaa", date: base.Add(1 * time.Hour)},
	}
	srv, _ := newCommitAPI(t, commits, 2)
	src := newCommitAPISource(t, srv.URL, 2, base.Add(24*time.Hour))
	repo := models.Repository{ID: uuid.New(), Owner: "octo", Name: "reef", DefaultBranch: "main"}

	ctx := context.Background()
	first, err := src.FetchPage(ctx, repo, models.StreamCommits, base, "", 100)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.Equal(t, "aaa", first.Items[0].SourceEventID)
	require.NotEmpty(t, first.NextCursor)

	second, err := src.FetchPage(ctx, repo, models.StreamCommits, base, first.NextCursor, 100)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	require.Equal(t, "ccc", second.Items[0].SourceEventID)
	require.Equal(t, "ddd", second.Items[1].SourceEventID)
	require.Empty(t, second.NextCursor)
}

// A page whose commits touch no documentation must be skipped in place: the
// worker treats an empty page as a drained stream and would otherwise drop
// the cursor with pages still unread.
func TestDocChangesSkipPagesWithoutDocumentation(t *testing.T) {
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	commits := []apiCommit{
		{sha: "ddd", date: base.Add(4 * time.Hour)},
		{sha: "ccc", date: base.Add(3 * time.Hour), docFiles: []string{"docs/guide.md"}},
		{sha: "bbb", date: base.Add(2 * time.Hour)},
		{sha: "aaa", date: base.Add(1 * time.Hour)},
	}
	srv, _ := newCommitAPI(t, commits, 2)
	src := newCommitAPISource(t, srv.URL, 2, base.Add(24*time.Hour))
	repo := models.Repository{
		ID: uuid.New(), Owner: "octo", Name: "reef", DefaultBranch: "main",
		DocumentationPaths: []string{"docs/"},
	}

	page, err := src.FetchPage(context.Background(), repo, models.StreamDocChanges, base, "", 100)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "ccc:docs/guide.md", page.Items[0].SourceEventID)
	require.Empty(t, page.NextCursor)
}

func TestDecodeCursorWindowRoundTrip(t *testing.T) {
	since := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(48 * time.Hour)

	page, gotSince, gotUntil, err := decodeCursor(encodeWindowCursor(3, since, until))
	require.NoError(t, err)
	require.Equal(t, 3, page)
	require.True(t, gotSince.Equal(since))
	require.True(t, gotUntil.Equal(until))

	page, gotSince, gotUntil, err = decodeCursor(encodeCursor(2, since))
	require.NoError(t, err)
	require.Equal(t, 2, page)
	require.True(t, gotSince.Equal(since))
	require.True(t, gotUntil.IsZero())

	_, _, _, err = decodeCursor("not-a-cursor")
	require.Error(t, err)
}
