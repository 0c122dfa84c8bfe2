package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/health"
	"github.com/repoledger/repoledger/internal/ingest"
	"github.com/repoledger/repoledger/internal/models"
	"github.com/repoledger/repoledger/internal/registry"
	"github.com/repoledger/repoledger/internal/report"
)

type stubReporter struct {
	rep *models.Report
	err error
}

func (s *stubReporter) RunForName(ctx context.Context, owner, name string) (*models.Report, error) {
	return s.rep, s.err
}

func newTestServer(reporter Reporter) *httptest.Server {
	lag := health.NewService(ingest.NewMemoryOffsetStore(), registry.New(registry.NewMemoryStore(), nil, nil), time.Hour)
	srv := New(reporter, lag, nil, nil)
	return httptest.NewServer(srv.Router())
}

func postReport(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRunReportSuccess(t *testing.T) {
	repoID := uuid.New()
	latency := int64(240)
	rep := &models.Report{
		ID:             uuid.New(),
		Scope:          models.ScopeRepository,
		RepositoryID:   &repoID,
		WindowStart:    time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:      time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC),
		Model:          "heuristic",
		Status:         models.StatusOnTrack,
		ModelLatencyMS: &latency,
		Usage:          &models.ModelUsage{PromptTokens: 100, CompletionTokens: 60, TotalTokens: 160},
		GeneratedAt:    time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC),
	}
	ts := newTestServer(&stubReporter{rep: rep})
	defer ts.Close()

	resp := postReport(t, ts, "/reports/repositories/octo/reef")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body, "report_id")
	require.Contains(t, body, "window_start")

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	var decoded reportResponse
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, rep.ID.String(), decoded.ReportID)
	require.Equal(t, "octo/reef", decoded.Repository)
	require.Equal(t, models.StatusOnTrack, decoded.Status)
	require.NotNil(t, decoded.Metrics.ModelLatencyMS)
	require.Equal(t, int64(240), *decoded.Metrics.ModelLatencyMS)
	require.Equal(t, 160, decoded.Metrics.TotalTokens)
}

func TestRunReportNoEvidence(t *testing.T) {
	ts := newTestServer(&stubReporter{})
	defer ts.Close()

	resp := postReport(t, ts, "/reports/repositories/octo/reef")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRunReportUnknownRepository(t *testing.T) {
	ts := newTestServer(&stubReporter{err: faults.New(faults.UnknownRepository, "repository octo/nope not registered")})
	defer ts.Close()

	resp := postReport(t, ts, "/reports/repositories/octo/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunReportValidationFailure(t *testing.T) {
	review := models.ReportReview{
		ID:       uuid.New(),
		Attempts: 2,
		Issues:   []models.ReviewIssue{{Code: "implausible_highlights", Message: "too many highlights"}},
	}
	ts := newTestServer(&stubReporter{err: &report.ValidationError{Review: review}})
	defer ts.Close()

	resp := postReport(t, ts, "/reports/repositories/octo/reef")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body validationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, review.ID.String(), body.ReviewID)
	require.Len(t, body.Issues, 1)
	require.Equal(t, "implausible_highlights", body.Issues[0].Code)
}

func TestRunReportConflict(t *testing.T) {
	ts := newTestServer(&stubReporter{err: report.ErrRunInProgress})
	defer ts.Close()

	resp := postReport(t, ts, "/reports/repositories/octo/reef")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthAndLag(t *testing.T) {
	ts := newTestServer(&stubReporter{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])

	lagResp, err := http.Get(ts.URL + "/health/lag")
	require.NoError(t, err)
	defer lagResp.Body.Close()
	require.Equal(t, http.StatusOK, lagResp.StatusCode)
}
