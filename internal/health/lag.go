// Package health derives ingestion lag and stall state from the per-stream
// watermarks.
package health

import (
	"context"
	"time"

	"github.com/repoledger/repoledger/internal/ingest"
	"github.com/repoledger/repoledger/internal/metrics"
	"github.com/repoledger/repoledger/internal/models"
)

// DefaultStalledThreshold applies when no threshold is configured.
const DefaultStalledThreshold = time.Hour

// RepositoryLag is the lag view of one repository.
type RepositoryLag struct {
	Repository string `json:"repository"`

	// TimeSinceLastIngestionSeconds is now minus the newest watermark; nil
	// when the repository has never been ingested.
	TimeSinceLastIngestionSeconds *float64 `json:"timeSinceLastIngestionSeconds"`

	// OldestWatermarkAgeSeconds is now minus the oldest watermark across
	// streams; nil when never ingested.
	OldestWatermarkAgeSeconds *float64 `json:"oldestWatermarkAgeSeconds"`

	HasPendingCursors bool `json:"hasPendingCursors"`
	IsStalled         bool `json:"isStalled"`

	// LastRunState and LastRunFailureCategory reflect the most recent
	// ingestion run when a run source is attached; empty otherwise.
	LastRunState           string `json:"lastRunState,omitempty"`
	LastRunFailureCategory string `json:"lastRunFailureCategory,omitempty"`
}

// RunSource exposes the most recent ingestion run outcome per repository.
type RunSource interface {
	LastRun(repository string) (ingest.RunResult, bool)
}

// Service computes lag over the offset store for the active repositories.
type Service struct {
	offsets   ingest.OffsetStore
	repos     ingest.RepositoryLister
	threshold time.Duration
	runs      RunSource
	now       func() time.Time
}

func NewService(offsets ingest.OffsetStore, repos ingest.RepositoryLister, threshold time.Duration) *Service {
	if threshold <= 0 {
		threshold = DefaultStalledThreshold
	}
	return &Service{
		offsets:   offsets,
		repos:     repos,
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock; test use only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// AttachRunSource wires the ingestion worker's run history into the lag
// view. Deployments without a local worker leave it unset.
func (s *Service) AttachRunSource(runs RunSource) { s.runs = runs }

// LagFor computes the lag view of one repository and refreshes its gauge.
func (s *Service) LagFor(ctx context.Context, repo models.Repository) (RepositoryLag, error) {
	offsets, err := s.offsets.ListForRepository(ctx, repo.ID)
	if err != nil {
		return RepositoryLag{}, err
	}
	lag := s.compute(repo, offsets)
	if lag.TimeSinceLastIngestionSeconds != nil {
		metrics.IngestionLagSeconds.WithLabelValues(lag.Repository).Set(*lag.TimeSinceLastIngestionSeconds)
	}
	return lag, nil
}

// LagAll computes lag for every active repository.
func (s *Service) LagAll(ctx context.Context) ([]RepositoryLag, error) {
	const pageSize = 100
	var out []RepositoryLag
	for offset := 0; ; offset += pageSize {
		batch, err := s.repos.ListActive(ctx, pageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, repo := range batch {
			lag, err := s.LagFor(ctx, repo)
			if err != nil {
				return nil, err
			}
			out = append(out, lag)
		}
		if len(batch) < pageSize {
			return out, nil
		}
	}
}

// GetStalledRepositories returns the active repositories whose ingestion has
// stalled, including ones never ingested at all.
func (s *Service) GetStalledRepositories(ctx context.Context) ([]RepositoryLag, error) {
	all, err := s.LagAll(ctx)
	if err != nil {
		return nil, err
	}
	var stalled []RepositoryLag
	for _, lag := range all {
		if lag.IsStalled {
			stalled = append(stalled, lag)
		}
	}
	return stalled, nil
}

func (s *Service) compute(repo models.Repository, offsets []models.IngestionOffset) RepositoryLag {
	lag := RepositoryLag{Repository: repo.ExternalID()}
	if s.runs != nil {
		if run, ok := s.runs.LastRun(lag.Repository); ok {
			lag.LastRunState = string(run.State)
			lag.LastRunFailureCategory = run.FailureCategory
		}
	}
	if len(offsets) == 0 {
		lag.IsStalled = true
		return lag
	}

	now := s.now()
	newest, oldest := offsets[0].Watermark, offsets[0].Watermark
	for _, off := range offsets {
		if off.Watermark.After(newest) {
			newest = off.Watermark
		}
		if off.Watermark.Before(oldest) {
			oldest = off.Watermark
		}
		if off.Cursor != "" {
			lag.HasPendingCursors = true
		}
	}

	since := now.Sub(newest).Seconds()
	oldestAge := now.Sub(oldest).Seconds()
	lag.TimeSinceLastIngestionSeconds = &since
	lag.OldestWatermarkAgeSeconds = &oldestAge
	lag.IsStalled = now.Sub(newest) > s.threshold
	return lag
}
