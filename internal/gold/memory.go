package gold

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/models"
)

// MemoryStore provides an in-memory gold implementation useful for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	reports  map[uuid.UUID]models.Report
	coverage map[uuid.UUID][]uuid.UUID // report id -> fact ids
	reviews  map[uuid.UUID]models.ReportReview
	nowFunc  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:  map[uuid.UUID]models.Report{},
		coverage: map[uuid.UUID][]uuid.UUID{},
		reviews:  map[uuid.UUID]models.ReportReview{},
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock; test use only.
func (m *MemoryStore) SetClock(now func() time.Time) { m.nowFunc = now }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateReportWithCoverage(ctx context.Context, report models.Report, factIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.ID] = report
	m.coverage[report.ID] = append([]uuid.UUID(nil), factIDs...)
	return nil
}

func (m *MemoryStore) LatestRepositoryReport(ctx context.Context, repoID uuid.UUID) (models.Report, bool, error) {
	reports, err := m.ListRecentRepositoryReports(ctx, repoID, 1)
	if err != nil || len(reports) == 0 {
		return models.Report{}, false, err
	}
	return reports[0], true, nil
}

func (m *MemoryStore) ListRecentRepositoryReports(ctx context.Context, repoID uuid.UUID, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = 2
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Report
	for _, rep := range m.reports {
		if rep.Scope == models.ScopeRepository && rep.RepositoryID != nil && *rep.RepositoryID == repoID {
			out = append(out, rep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowEnd.Equal(out[j].WindowEnd) {
			return out[i].WindowEnd.After(out[j].WindowEnd)
		}
		return out[i].GeneratedAt.After(out[j].GeneratedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListCoveredFactIDs(ctx context.Context, repoID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	covered := map[uuid.UUID]struct{}{}
	for reportID, factIDs := range m.coverage {
		rep := m.reports[reportID]
		if rep.Scope != models.ScopeRepository || rep.RepositoryID == nil || *rep.RepositoryID != repoID {
			continue
		}
		for _, id := range factIDs {
			covered[id] = struct{}{}
		}
	}
	return covered, nil
}

func (m *MemoryStore) UpsertReview(ctx context.Context, review models.ReportReview) (models.ReportReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	for id, existing := range m.reviews {
		if existing.RepositoryID == review.RepositoryID &&
			existing.WindowStart.Equal(review.WindowStart) &&
			existing.WindowEnd.Equal(review.WindowEnd) {
			existing.Attempts = review.Attempts
			existing.Issues = review.Issues
			existing.State = models.ReviewPending
			existing.UpdatedAt = now
			m.reviews[id] = existing
			return existing, nil
		}
	}
	if review.ID == uuid.Nil {
		review.ID = uuid.New()
	}
	review.State = models.ReviewPending
	review.CreatedAt = now
	review.UpdatedAt = now
	m.reviews[review.ID] = review
	return review, nil
}

func (m *MemoryStore) GetReview(ctx context.Context, id uuid.UUID) (models.ReportReview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	review, ok := m.reviews[id]
	if !ok {
		return models.ReportReview{}, ErrNotFound
	}
	return review, nil
}

func (m *MemoryStore) ResolveReview(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	review, ok := m.reviews[id]
	if !ok {
		return ErrNotFound
	}
	review.State = models.ReviewResolved
	review.UpdatedAt = m.nowFunc()
	m.reviews[id] = review
	return nil
}

// CoverageFor returns the fact ids covered by a report; test helper.
func (m *MemoryStore) CoverageFor(reportID uuid.UUID) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uuid.UUID(nil), m.coverage[reportID]...)
}

// ReviewCount reports the number of review rows; test helper.
func (m *MemoryStore) ReviewCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reviews)
}
