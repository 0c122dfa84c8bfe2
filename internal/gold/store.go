// Package gold stores generated reports, their evidence coverage and the
// review markers left behind by failed validation runs.
package gold

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/models"
)

// ErrNotFound is returned when a requested gold resource cannot be located.
var ErrNotFound = errors.New("not found")

// Store is the gold persistence contract.
type Store interface {
	// CreateReportWithCoverage persists a report and one coverage row per
	// evidence fact in a single transaction. A report either lands with its
	// full coverage or not at all.
	CreateReportWithCoverage(ctx context.Context, report models.Report, factIDs []uuid.UUID) error

	// LatestRepositoryReport returns the newest repository-scoped report by
	// window_end, reporting false when the repository has none.
	LatestRepositoryReport(ctx context.Context, repoID uuid.UUID) (models.Report, bool, error)

	// ListRecentRepositoryReports returns up to limit repository-scoped
	// reports ordered by window_end descending.
	ListRecentRepositoryReports(ctx context.Context, repoID uuid.UUID, limit int) ([]models.Report, error)

	// ListCoveredFactIDs returns the fact ids covered by repository-scoped
	// reports of the repository. Coverage attached to project or estate
	// reports is not included.
	ListCoveredFactIDs(ctx context.Context, repoID uuid.UUID) (map[uuid.UUID]struct{}, error)

	// UpsertReview records a failed-validation marker, unique per
	// (repository, window). Replays update attempts, issues and updated_at
	// and reset the state to pending.
	UpsertReview(ctx context.Context, review models.ReportReview) (models.ReportReview, error)

	GetReview(ctx context.Context, id uuid.UUID) (models.ReportReview, error)

	// ResolveReview marks a pending review resolved.
	ResolveReview(ctx context.Context, id uuid.UUID) error

	Ping(ctx context.Context) error
}

// WindowFor computes the half-open reporting window ending at now: the start
// is the previous report's window_end when one exists, otherwise now minus
// the configured window length.
func WindowFor(prev *models.Report, now time.Time, windowDays int) (start, end time.Time) {
	end = now.UTC()
	if prev != nil {
		return prev.WindowEnd.UTC(), end
	}
	return end.Add(-time.Duration(windowDays) * 24 * time.Hour), end
}
