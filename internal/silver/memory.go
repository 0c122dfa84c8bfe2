package silver

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/bronze"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// MemoryStore provides an in-memory silver implementation useful for tests.
// It marks bronze rows through the supplied bronze store so that Apply keeps
// the same observable contract as the Postgres implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	bronze bronze.Store

	repos      map[uuid.UUID]models.Repository
	reposByKey map[string]uuid.UUID
	commits    map[string]models.Commit
	pulls      map[string]models.PullRequest
	issues     map[string]models.Issue
	docChanges map[string]models.DocumentationChange
	factsByRaw map[uuid.UUID]models.EventFact
}

func NewMemoryStore(b bronze.Store) *MemoryStore {
	return &MemoryStore{
		bronze:     b,
		repos:      map[uuid.UUID]models.Repository{},
		reposByKey: map[string]uuid.UUID{},
		commits:    map[string]models.Commit{},
		pulls:      map[string]models.PullRequest{},
		issues:     map[string]models.Issue{},
		docChanges: map[string]models.DocumentationChange{},
		factsByRaw: map[uuid.UUID]models.EventFact{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Apply(ctx context.Context, raw models.RawEvent, proj Projection) (ApplyOutcome, error) {
	m.mu.Lock()

	if existing, ok := m.factsByRaw[raw.ID]; ok {
		drift := !bytes.Equal(existing.NormalisedPayload, proj.NormalisedPayload)
		m.mu.Unlock()
		if drift {
			return AppliedDrift, m.bronze.MarkFailed(ctx, raw.ID, string(faults.Drift))
		}
		return AppliedExisting, m.bronze.MarkProcessed(ctx, raw.ID)
	}

	repo := m.upsertRepositoryLocked(proj.RepoOwner, proj.RepoName, proj.DefaultBranch)
	m.upsertEntityLocked(repo.ID, proj)

	fact := models.EventFact{
		ID:                uuid.New(),
		RawEventID:        raw.ID,
		EventType:         proj.EventType,
		RepositoryID:      repo.ID,
		RepoExternalID:    proj.RepoExternalID,
		OccurredAt:        proj.OccurredAt.UTC(),
		NormalisedPayload: append([]byte(nil), proj.NormalisedPayload...),
	}
	m.factsByRaw[raw.ID] = fact
	m.mu.Unlock()

	return AppliedCreated, m.bronze.MarkProcessed(ctx, raw.ID)
}

func (m *MemoryStore) upsertRepositoryLocked(owner, name, branch string) models.Repository {
	key := owner + "/" + name
	now := time.Now().UTC()
	if id, ok := m.reposByKey[key]; ok {
		repo := m.repos[id]
		if branch != "" {
			repo.DefaultBranch = branch
		}
		repo.UpdatedAt = now
		m.repos[id] = repo
		return repo
	}
	if branch == "" {
		branch = "main"
	}
	repo := models.Repository{
		ID:            uuid.New(),
		Owner:         owner,
		Name:          name,
		DefaultBranch: branch,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.repos[repo.ID] = repo
	m.reposByKey[key] = repo.ID
	return repo
}

func (m *MemoryStore) upsertEntityLocked(repoID uuid.UUID, proj Projection) {
	switch {
	case proj.Commit != nil:
		c := *proj.Commit
		c.ID = uuid.New()
		c.RepositoryID = repoID
		m.commits[repoID.String()+"/"+c.SHA] = c
	case proj.PullRequest != nil:
		pr := *proj.PullRequest
		pr.ID = uuid.New()
		pr.RepositoryID = repoID
		m.pulls[prKey(repoID, pr.Number)] = pr
	case proj.Issue != nil:
		is := *proj.Issue
		is.ID = uuid.New()
		is.RepositoryID = repoID
		m.issues[prKey(repoID, is.Number)] = is
	case proj.DocChange != nil:
		dc := *proj.DocChange
		dc.ID = uuid.New()
		dc.RepositoryID = repoID
		m.docChanges[repoID.String()+"/"+dc.CommitSHA+"/"+dc.Path] = dc
	}
}

func prKey(repoID uuid.UUID, number int) string {
	return fmt.Sprintf("%s#%d", repoID, number)
}

func (m *MemoryStore) GetRepositoryByName(ctx context.Context, owner, name string) (models.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.reposByKey[owner+"/"+name]
	if !ok {
		return models.Repository{}, ErrNotFound
	}
	return m.repos[id], nil
}

func (m *MemoryStore) GetRepositoryByID(ctx context.Context, id uuid.UUID) (models.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repo, ok := m.repos[id]
	if !ok {
		return models.Repository{}, ErrNotFound
	}
	return repo, nil
}

func (m *MemoryStore) ListEventFacts(ctx context.Context, repoID uuid.UUID, start, end time.Time) ([]models.EventFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EventFact
	for _, fact := range m.factsByRaw {
		if fact.RepositoryID != repoID {
			continue
		}
		if fact.OccurredAt.Before(start) || !fact.OccurredAt.Before(end) {
			continue
		}
		out = append(out, fact)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Counts returns entity counts; test helper.
func (m *MemoryStore) Counts() (repos, commits, pulls, issues, docs, facts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.repos), len(m.commits), len(m.pulls), len(m.issues), len(m.docChanges), len(m.factsByRaw)
}

// CommitBySHA returns a stored commit; test helper.
func (m *MemoryStore) CommitBySHA(repoID uuid.UUID, sha string) (models.Commit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commits[repoID.String()+"/"+sha]
	return c, ok
}
