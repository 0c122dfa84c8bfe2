package report_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repoledger/repoledger/internal/bronze"
	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/gold"
	"github.com/repoledger/repoledger/internal/models"
	"github.com/repoledger/repoledger/internal/report"
	"github.com/repoledger/repoledger/internal/silver"
)

// scriptedModel replays a fixed sequence of summaries; the last entry
// repeats once the script runs out.
type scriptedModel struct {
	outputs []models.StatusSummary
	calls   int
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) SummariseRepository(ctx context.Context, bundle evidence.Bundle) (models.StatusSummary, error) {
	idx := m.calls
	if idx >= len(m.outputs) {
		idx = len(m.outputs) - 1
	}
	m.calls++
	return m.outputs[idx], nil
}

type fixture struct {
	bronze    *bronze.MemoryStore
	silver    *silver.MemoryStore
	gold      *gold.MemoryStore
	projector *silver.Projector
	repo      models.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bronze.NewMemoryStore()
	s := silver.NewMemoryStore(b)
	fx := &fixture{
		bronze:    b,
		silver:    s,
		gold:      gold.NewMemoryStore(),
		projector: silver.NewProjector(b, s, nil),
	}
	fx.addCommit(t, "abc", "init", time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC))
	repo, err := s.GetRepositoryByName(context.Background(), "octo", "reef")
	require.NoError(t, err)
	fx.repo = repo
	return fx
}

func (fx *fixture) addCommit(t *testing.T, sha, message string, occurred time.Time) {
	t.Helper()
	ctx := context.Background()
	_, _, err := fx.bronze.Ingest(ctx, bronze.Envelope{
		SourceSystem:   "github",
		EventType:      models.EventTypeCommit,
		SourceEventID:  sha,
		RepoExternalID: "octo/reef",
		OccurredAt:     occurred,
		Payload:        map[string]interface{}{"sha": sha, "message": message},
	})
	require.NoError(t, err)
	_, err = fx.projector.ProcessPending(ctx, 100)
	require.NoError(t, err)
}

func (fx *fixture) orchestrator(model *scriptedModel, sink report.Sink, now time.Time) *report.Orchestrator {
	o := report.NewOrchestrator(fx.silver, fx.gold, evidence.NewBuilder(fx.silver, fx.gold),
		model, sink, nil, nil, report.Options{WindowDays: 7, MaxAttempts: 2})
	o.SetClock(func() time.Time { return now })
	return o
}

func validSummary() models.StatusSummary {
	return models.StatusSummary{
		Status:      models.StatusOnTrack,
		SummaryText: "one commit landed, repository healthy",
	}
}

func TestRunPersistsReportWithCoverage(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	now := time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)
	o := fx.orchestrator(&scriptedModel{outputs: []models.StatusSummary{validSummary()}}, nil, now)

	rep, err := o.RunForRepository(ctx, fx.repo.ID)
	require.NoError(t, err)
	require.NotNil(t, rep)
	require.Equal(t, models.ScopeRepository, rep.Scope)
	require.Equal(t, models.StatusOnTrack, rep.Status)
	require.True(t, rep.WindowStart.Equal(now.AddDate(0, 0, -7)))
	require.True(t, rep.WindowEnd.Equal(now))
	require.NotNil(t, rep.ModelLatencyMS)
	require.Len(t, fx.gold.CoverageFor(rep.ID), 1)
}

func TestWindowContinuityAcrossRuns(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	model := &scriptedModel{outputs: []models.StatusSummary{validSummary()}}

	firstNow := time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)
	first, err := fx.orchestrator(model, nil, firstNow).RunForRepository(ctx, fx.repo.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	fx.addCommit(t, "def", "follow-up work", time.Date(2024, 7, 10, 9, 0, 0, 0, time.UTC))

	secondNow := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)
	second, err := fx.orchestrator(model, nil, secondNow).RunForRepository(ctx, fx.repo.ID)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.True(t, second.WindowStart.Equal(first.WindowEnd), "windows must form a contiguous partition")
}

func TestEmptyEvidenceReturnsNothing(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	model := &scriptedModel{outputs: []models.StatusSummary{validSummary()}}

	// First run consumes the only fact; the second window has no evidence.
	firstNow := time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)
	_, err := fx.orchestrator(model, nil, firstNow).RunForRepository(ctx, fx.repo.ID)
	require.NoError(t, err)

	secondNow := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)
	rep, err := fx.orchestrator(model, nil, secondNow).RunForRepository(ctx, fx.repo.ID)
	require.NoError(t, err)
	require.Nil(t, rep)
	require.Equal(t, 0, fx.gold.ReviewCount())
}

func TestValidationRetrySucceedsSecondAttempt(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	model := &scriptedModel{outputs: []models.StatusSummary{
		{Status: models.StatusOnTrack, SummaryText: "   "},
		validSummary(),
	}}
	now := time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)

	rep, err := fx.orchestrator(model, nil, now).RunForRepository(ctx, fx.repo.ID)
	require.NoError(t, err)
	require.NotNil(t, rep)
	require.Equal(t, 2, model.calls)
	require.Equal(t, 0, fx.gold.ReviewCount(), "a recovered run must leave no review")
}

func TestValidationExhaustionCreatesReview(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	highlights := make([]string, 30)
	for i := range highlights {
		highlights[i] = "highlight"
	}
	model := &scriptedModel{outputs: []models.StatusSummary{{
		Status:      models.StatusOnTrack,
		SummaryText: "plausible text",
		Highlights:  highlights,
	}}}
	now := time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)

	rep, err := fx.orchestrator(model, nil, now).RunForRepository(ctx, fx.repo.ID)
	require.Nil(t, rep)
	require.Error(t, err)

	var verr *report.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, 2, verr.Review.Attempts)
	require.Len(t, verr.Review.Issues, 1)
	require.Equal(t, report.RuleImplausibleHighlights, verr.Review.Issues[0].Code)

	_, found, err := fx.gold.LatestRepositoryReport(ctx, fx.repo.ID)
	require.NoError(t, err)
	require.False(t, found, "no report may persist when validation fails")
}

func TestUnknownRepository(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	model := &scriptedModel{outputs: []models.StatusSummary{validSummary()}}
	o := fx.orchestrator(model, nil, time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC))

	_, err := o.RunForName(ctx, "octo", "nope")
	require.Error(t, err)
}

func TestSinkReceivesBothArtefacts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	base := t.TempDir()
	sink, err := report.NewFSSink(base)
	require.NoError(t, err)

	model := &scriptedModel{outputs: []models.StatusSummary{validSummary()}}
	now := time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)
	rep, err := fx.orchestrator(model, sink, now).RunForRepository(ctx, fx.repo.ID)
	require.NoError(t, err)
	require.NotNil(t, rep)

	dir := filepath.Join(base, "octo", "reef")
	latest, err := os.ReadFile(filepath.Join(dir, "latest.md"))
	require.NoError(t, err)
	require.Contains(t, string(latest), "# octo/reef — Status report (2024-07-01 to 2024-07-08)")
	require.Contains(t, string(latest), "**Status:** on_track")

	dated, err := os.ReadFile(filepath.Join(dir, "2024-07-08-"+rep.ID.String()+".md"))
	require.NoError(t, err)
	require.Equal(t, latest, dated)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".report-*"))
	require.NoError(t, err)
	require.Empty(t, leftovers, "no temp files may survive a write")
}

func TestRenderOmitsEmptySections(t *testing.T) {
	fx := newFixture(t)
	rep := models.Report{
		WindowStart: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC),
		Model:       "scripted",
		Status:      models.StatusOnTrack,
		HumanText:   "quiet week",
		MachineSummary: []byte(`{"status":"on_track","summaryText":"quiet week",` +
			`"highlights":["landed dashboard"]}`),
		GeneratedAt: time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC),
	}

	md := report.RenderMarkdown(fx.repo, rep)
	require.Contains(t, md, "## Summary")
	require.Contains(t, md, "## Highlights")
	require.Contains(t, md, "- landed dashboard")
	require.NotContains(t, md, "## Risks")
	require.NotContains(t, md, "## Next steps")
	require.True(t, strings.HasSuffix(strings.TrimSpace(md), "*"), "trailing italics line expected")
}
