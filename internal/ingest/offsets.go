// Package ingest pulls repository activity from the remote source into the
// bronze store, one stream at a time, tracking progress with per-stream
// watermarks and pagination cursors.
package ingest

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// OffsetStore persists per-(repository, stream) ingestion progress.
type OffsetStore interface {
	// Get returns the offset row, reporting false when none exists yet.
	Get(ctx context.Context, repoID uuid.UUID, stream models.StreamKind) (models.IngestionOffset, bool, error)

	// Upsert writes the offset. Watermarks never move backwards: an upsert
	// with an older watermark keeps the stored one.
	Upsert(ctx context.Context, off models.IngestionOffset) error

	// List returns all offsets, ordered by repository then stream.
	List(ctx context.Context) ([]models.IngestionOffset, error)

	// ListForRepository returns the repository's offsets across streams.
	ListForRepository(ctx context.Context, repoID uuid.UUID) ([]models.IngestionOffset, error)
}

// PGOffsetStore is the Postgres implementation.
type PGOffsetStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGOffsetStore(db *sql.DB) *PGOffsetStore {
	return &PGOffsetStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (p *PGOffsetStore) Get(ctx context.Context, repoID uuid.UUID, stream models.StreamKind) (models.IngestionOffset, bool, error) {
	q := `
		SELECT repository_id, stream, watermark, cursor, updated_at
		FROM ingestion_offsets
		WHERE repository_id = $1 AND stream = $2
	`
	off, err := scanOffset(p.db.QueryRowContext(ctx, q, repoID, stream))
	if err == sql.ErrNoRows {
		return models.IngestionOffset{}, false, nil
	}
	if err != nil {
		return models.IngestionOffset{}, false, faults.ClassifyDB(err)
	}
	return off, true, nil
}

func (p *PGOffsetStore) Upsert(ctx context.Context, off models.IngestionOffset) error {
	q := `
		INSERT INTO ingestion_offsets (repository_id, stream, watermark, cursor, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (repository_id, stream) DO UPDATE SET
			watermark = GREATEST(ingestion_offsets.watermark, EXCLUDED.watermark),
			cursor = EXCLUDED.cursor,
			updated_at = EXCLUDED.updated_at
	`
	_, err := p.db.ExecContext(ctx, q,
		off.RepositoryID, off.Stream, off.Watermark.UTC(), nullCursor(off.Cursor), p.now())
	return faults.ClassifyDB(err)
}

func (p *PGOffsetStore) List(ctx context.Context) ([]models.IngestionOffset, error) {
	q := `
		SELECT repository_id, stream, watermark, cursor, updated_at
		FROM ingestion_offsets
		ORDER BY repository_id, stream
	`
	return p.queryOffsets(ctx, q)
}

func (p *PGOffsetStore) ListForRepository(ctx context.Context, repoID uuid.UUID) ([]models.IngestionOffset, error) {
	q := `
		SELECT repository_id, stream, watermark, cursor, updated_at
		FROM ingestion_offsets
		WHERE repository_id = $1
		ORDER BY stream
	`
	return p.queryOffsets(ctx, q, repoID)
}

func (p *PGOffsetStore) queryOffsets(ctx context.Context, q string, args ...interface{}) ([]models.IngestionOffset, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, faults.ClassifyDB(err)
	}
	defer rows.Close()

	var out []models.IngestionOffset
	for rows.Next() {
		off, err := scanOffset(rows)
		if err != nil {
			return nil, faults.ClassifyDB(err)
		}
		out = append(out, off)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.ClassifyDB(err)
	}
	return out, nil
}

func scanOffset(row interface{ Scan(...interface{}) error }) (models.IngestionOffset, error) {
	var (
		off    models.IngestionOffset
		cursor sql.NullString
		stream string
	)
	if err := row.Scan(&off.RepositoryID, &stream, &off.Watermark, &cursor, &off.UpdatedAt); err != nil {
		return models.IngestionOffset{}, err
	}
	off.Stream = models.StreamKind(stream)
	off.Cursor = cursor.String
	return off, nil
}

func nullCursor(c string) sql.NullString {
	return sql.NullString{String: c, Valid: c != ""}
}

// MemoryOffsetStore is the in-memory implementation used in tests.
type MemoryOffsetStore struct {
	mu      sync.RWMutex
	offsets map[string]models.IngestionOffset
	nowFunc func() time.Time
}

func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{
		offsets: map[string]models.IngestionOffset{},
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func offsetKey(repoID uuid.UUID, stream models.StreamKind) string {
	return repoID.String() + "/" + string(stream)
}

func (m *MemoryOffsetStore) Get(ctx context.Context, repoID uuid.UUID, stream models.StreamKind) (models.IngestionOffset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, ok := m.offsets[offsetKey(repoID, stream)]
	return off, ok, nil
}

func (m *MemoryOffsetStore) Upsert(ctx context.Context, off models.IngestionOffset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offsetKey(off.RepositoryID, off.Stream)
	if existing, ok := m.offsets[key]; ok && existing.Watermark.After(off.Watermark) {
		off.Watermark = existing.Watermark
	}
	off.UpdatedAt = m.nowFunc()
	m.offsets[key] = off
	return nil
}

func (m *MemoryOffsetStore) List(ctx context.Context) ([]models.IngestionOffset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IngestionOffset, 0, len(m.offsets))
	for _, off := range m.offsets {
		out = append(out, off)
	}
	return out, nil
}

func (m *MemoryOffsetStore) ListForRepository(ctx context.Context, repoID uuid.UUID) ([]models.IngestionOffset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.IngestionOffset
	for _, off := range m.offsets {
		if off.RepositoryID == repoID {
			out = append(out, off)
		}
	}
	return out, nil
}
