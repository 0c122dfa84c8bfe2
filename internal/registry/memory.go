package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/catalogue"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// MemoryStore provides an in-memory registry implementation useful for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	repos map[string]models.Repository // keyed by owner/name
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{repos: map[string]models.Repository{}}
}

// Seed inserts a repository directly; test helper.
func (m *MemoryStore) Seed(repo models.Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo.ID == uuid.Nil {
		repo.ID = uuid.New()
	}
	m.repos[repo.Owner+"/"+repo.Name] = repo
}

// Get returns a repository by owner/name; test helper.
func (m *MemoryStore) Get(owner, name string) (models.Repository, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repo, ok := m.repos[owner+"/"+name]
	return repo, ok
}

func (m *MemoryStore) UpsertFromCatalogue(ctx context.Context, entry catalogue.Repository, catalogueID string) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entry.Owner + "/" + entry.Name
	now := time.Now().UTC()
	if repo, ok := m.repos[key]; ok {
		repo.DefaultBranch = entry.DefaultBranch
		repo.DocumentationPaths = append([]string(nil), entry.DocumentationPaths...)
		repo.IngestionEnabled = true
		repo.CatalogueRepositoryID = &catalogueID
		repo.UpdatedAt = now
		m.repos[key] = repo
		return UpsertUpdated, nil
	}
	m.repos[key] = models.Repository{
		ID:                    uuid.New(),
		Owner:                 entry.Owner,
		Name:                  entry.Name,
		DefaultBranch:         entry.DefaultBranch,
		DocumentationPaths:    append([]string(nil), entry.DocumentationPaths...),
		IngestionEnabled:      true,
		CatalogueRepositoryID: &catalogueID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return UpsertCreated, nil
}

func (m *MemoryStore) DisableAbsent(ctx context.Context, estateKey string, keep []string) (int, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	disabled := 0
	for key, repo := range m.repos {
		if repo.CatalogueRepositoryID == nil {
			continue
		}
		if !strings.HasPrefix(*repo.CatalogueRepositoryID, estateKey+":") {
			continue
		}
		if _, ok := keepSet[*repo.CatalogueRepositoryID]; ok {
			continue
		}
		repo.IngestionEnabled = false
		repo.CatalogueRepositoryID = nil
		repo.UpdatedAt = time.Now().UTC()
		m.repos[key] = repo
		disabled++
	}
	return disabled, nil
}

func (m *MemoryStore) SetIngestion(ctx context.Context, owner, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := owner + "/" + name
	repo, ok := m.repos[key]
	if !ok {
		return faults.New(faults.UnknownRepository, "repository %s not registered", key)
	}
	repo.IngestionEnabled = enabled
	repo.UpdatedAt = time.Now().UTC()
	m.repos[key] = repo
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context, limit, offset int) ([]models.Repository, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Repository
	for _, repo := range m.repos {
		if repo.IngestionEnabled {
			out = append(out, repo)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
