package bronze

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/canonical"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// MemoryStore provides an in-memory bronze implementation useful for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	events  map[uuid.UUID]models.RawEvent
	byKey   map[string]uuid.UUID
	nowFunc func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  map[uuid.UUID]models.RawEvent{},
		byKey:   map[string]uuid.UUID{},
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the ingestion clock; test use only.
func (m *MemoryStore) SetClock(now func() time.Time) { m.nowFunc = now }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Ingest(ctx context.Context, env Envelope) (models.RawEvent, bool, error) {
	if err := validate(env); err != nil {
		return models.RawEvent{}, false, err
	}
	normPayload, err := canonical.NormalizeMap(env.Payload)
	if err != nil {
		return models.RawEvent{}, false, err
	}
	key, err := DedupeKey(env)
	if err != nil {
		return models.RawEvent{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[key]; ok {
		return m.events[id], false, nil
	}
	ev := models.RawEvent{
		ID:             uuid.New(),
		SourceSystem:   env.SourceSystem,
		EventType:      env.EventType,
		SourceEventID:  env.SourceEventID,
		RepoExternalID: env.RepoExternalID,
		OccurredAt:     env.OccurredAt.UTC(),
		IngestedAt:     m.nowFunc(),
		Payload:        normPayload,
		DedupeKey:      key,
		Status:         models.RawEventPending,
	}
	m.events[ev.ID] = ev
	m.byKey[key] = ev.ID
	return ev, true, nil
}

func (m *MemoryStore) ListUnprocessed(ctx context.Context, limit int) ([]models.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RawEvent
	for _, ev := range m.events {
		if ev.Status == models.RawEventPending {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return faults.New(faults.DataIntegrity, "raw event %s not found", id)
	}
	if ev.Status != models.RawEventPending {
		return nil
	}
	now := m.nowFunc()
	ev.Status = models.RawEventProcessed
	ev.ProcessedAt = &now
	m.events[id] = ev
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return faults.New(faults.DataIntegrity, "raw event %s not found", id)
	}
	now := m.nowFunc()
	ev.Status = models.RawEventProcessedFailed
	ev.FailureReason = reason
	ev.ProcessedAt = &now
	m.events[id] = ev
	return nil
}

// Get returns a raw event by id; test helper.
func (m *MemoryStore) Get(id uuid.UUID) (models.RawEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	return ev, ok
}

// Len reports the number of stored rows; test helper.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
