package gold_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/repoledger/repoledger/internal/gold"
	"github.com/repoledger/repoledger/internal/models"
)

func repoReport(repoID uuid.UUID, start, end time.Time) models.Report {
	return models.Report{
		ID:             uuid.New(),
		Scope:          models.ScopeRepository,
		RepositoryID:   &repoID,
		WindowStart:    start,
		WindowEnd:      end,
		Model:          "mock",
		Status:         models.StatusOnTrack,
		HumanText:      "steady progress",
		MachineSummary: json.RawMessage(`{"status":"on_track"}`),
		GeneratedAt:    end,
	}
}

func TestLatestRepositoryReportByWindowEnd(t *testing.T) {
	ctx := context.Background()
	store := gold.NewMemoryStore()
	repoID := uuid.New()
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	older := repoReport(repoID, base, base.AddDate(0, 0, 7))
	newer := repoReport(repoID, base.AddDate(0, 0, 7), base.AddDate(0, 0, 14))
	require.NoError(t, store.CreateReportWithCoverage(ctx, newer, nil))
	require.NoError(t, store.CreateReportWithCoverage(ctx, older, nil))

	latest, found, err := store.LatestRepositoryReport(ctx, repoID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, newer.ID, latest.ID)

	_, found, err = store.LatestRepositoryReport(ctx, uuid.New())
	require.NoError(t, err)
	require.False(t, found)
}

func TestCoveredFactIDsOnlyRepositoryScope(t *testing.T) {
	ctx := context.Background()
	store := gold.NewMemoryStore()
	repoID := uuid.New()
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	factA, factB := uuid.New(), uuid.New()
	repoScoped := repoReport(repoID, base, base.AddDate(0, 0, 7))
	require.NoError(t, store.CreateReportWithCoverage(ctx, repoScoped, []uuid.UUID{factA}))

	projectID := "platform"
	estateScoped := models.Report{
		ID:             uuid.New(),
		Scope:          models.ScopeProject,
		ProjectID:      &projectID,
		RepositoryID:   &repoID,
		WindowStart:    base,
		WindowEnd:      base.AddDate(0, 0, 7),
		Model:          "mock",
		Status:         models.StatusOnTrack,
		MachineSummary: json.RawMessage(`{}`),
	}
	require.NoError(t, store.CreateReportWithCoverage(ctx, estateScoped, []uuid.UUID{factB}))

	covered, err := store.ListCoveredFactIDs(ctx, repoID)
	require.NoError(t, err)
	require.Contains(t, covered, factA)
	require.NotContains(t, covered, factB, "project coverage must not suppress repository evidence")
}

func TestUpsertReviewUniquePerWindow(t *testing.T) {
	ctx := context.Background()
	store := gold.NewMemoryStore()
	repoID := uuid.New()
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	first, err := store.UpsertReview(ctx, models.ReportReview{
		RepositoryID: repoID,
		WindowStart:  start,
		WindowEnd:    end,
		Attempts:     2,
		Issues:       []models.ReviewIssue{{Code: "empty_summary", Message: "summary is empty"}},
	})
	require.NoError(t, err)
	require.Equal(t, models.ReviewPending, first.State)

	second, err := store.UpsertReview(ctx, models.ReportReview{
		RepositoryID: repoID,
		WindowStart:  start,
		WindowEnd:    end,
		Attempts:     3,
		Issues:       []models.ReviewIssue{{Code: "truncated_summary", Message: "summary truncated"}},
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "same window must reuse the review row")
	require.Equal(t, 3, second.Attempts)
	require.Equal(t, 1, store.ReviewCount())

	require.NoError(t, store.ResolveReview(ctx, first.ID))
	resolved, err := store.GetReview(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReviewResolved, resolved.State)
}

func TestWindowForContinuity(t *testing.T) {
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

	start, end := gold.WindowFor(nil, now, 7)
	require.True(t, end.Equal(now))
	require.True(t, start.Equal(now.AddDate(0, 0, -7)))

	prev := repoReport(uuid.New(), now.AddDate(0, 0, -14), now.AddDate(0, 0, -7))
	start, end = gold.WindowFor(&prev, now, 7)
	require.True(t, start.Equal(prev.WindowEnd), "windows must abut with no gap")
	require.True(t, end.Equal(now))
}
