package bronze

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/canonical"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// PGStore persists raw events into Postgres.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPGStore constructs a Postgres-backed bronze store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return faults.ClassifyDB(p.db.PingContext(ctx))
}

const rawEventColumns = `id, source_system, event_type, source_event_id, repo_external_id,
	occurred_at, ingested_at, payload, dedupe_key, status, failure_reason, processed_at`

func (p *PGStore) Ingest(ctx context.Context, env Envelope) (models.RawEvent, bool, error) {
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

	payloadJSON, err := json.Marshal(normPayload)
	if err != nil {
		return models.RawEvent{}, false, faults.Wrap(faults.UnsupportedPayloadType, err, "marshal payload")
	}

	id := uuid.New()
	ingestedAt := p.now()

	q := `
		INSERT INTO raw_events
		  (id, source_system, event_type, source_event_id, repo_external_id,
		   occurred_at, ingested_at, payload, dedupe_key, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (dedupe_key) DO NOTHING
	`
	res, err := p.db.ExecContext(ctx, q,
		id, env.SourceSystem, env.EventType, nullString(env.SourceEventID), nullString(env.RepoExternalID),
		env.OccurredAt.UTC(), ingestedAt, payloadJSON, key, models.RawEventPending,
	)
	if err != nil {
		return models.RawEvent{}, false, faults.ClassifyDB(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Replayed delivery: return the existing row untouched.
		existing, err := p.getByDedupeKey(ctx, key)
		return existing, false, err
	}

	return models.RawEvent{
		ID:             id,
		SourceSystem:   env.SourceSystem,
		EventType:      env.EventType,
		SourceEventID:  env.SourceEventID,
		RepoExternalID: env.RepoExternalID,
		OccurredAt:     env.OccurredAt.UTC(),
		IngestedAt:     ingestedAt,
		Payload:        normPayload,
		DedupeKey:      key,
		Status:         models.RawEventPending,
	}, true, nil
}

func (p *PGStore) getByDedupeKey(ctx context.Context, key string) (models.RawEvent, error) {
	q := fmt.Sprintf(`SELECT %s FROM raw_events WHERE dedupe_key = $1`, rawEventColumns)
	return scanRawEvent(p.db.QueryRowContext(ctx, q, key))
}

func (p *PGStore) ListUnprocessed(ctx context.Context, limit int) ([]models.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`
		SELECT %s FROM raw_events
		WHERE status = $1
		ORDER BY occurred_at, id
		LIMIT $2
	`, rawEventColumns)
	rows, err := p.db.QueryContext(ctx, q, models.RawEventPending, limit)
	if err != nil {
		return nil, faults.ClassifyDB(err)
	}
	defer rows.Close()

	var out []models.RawEvent
	for rows.Next() {
		ev, err := scanRawEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.ClassifyDB(err)
	}
	return out, nil
}

func (p *PGStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	q := `UPDATE raw_events SET status = $1, processed_at = $2 WHERE id = $3 AND status = $4`
	_, err := p.db.ExecContext(ctx, q, models.RawEventProcessed, p.now(), id, models.RawEventPending)
	return faults.ClassifyDB(err)
}

func (p *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	q := `UPDATE raw_events SET status = $1, failure_reason = $2, processed_at = $3 WHERE id = $4`
	_, err := p.db.ExecContext(ctx, q, models.RawEventProcessedFailed, reason, p.now(), id)
	return faults.ClassifyDB(err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRawEvent(row rowScanner) (models.RawEvent, error) {
	var (
		ev            models.RawEvent
		sourceEventID sql.NullString
		repoExtID     sql.NullString
		failureReason sql.NullString
		processedAt   sql.NullTime
		payloadBytes  []byte
		status        string
	)
	err := row.Scan(&ev.ID, &ev.SourceSystem, &ev.EventType, &sourceEventID, &repoExtID,
		&ev.OccurredAt, &ev.IngestedAt, &payloadBytes, &ev.DedupeKey, &status, &failureReason, &processedAt)
	if err == sql.ErrNoRows {
		return models.RawEvent{}, faults.New(faults.DataIntegrity, "raw event vanished after dedupe conflict")
	}
	if err != nil {
		return models.RawEvent{}, faults.ClassifyDB(err)
	}
	ev.SourceEventID = sourceEventID.String
	ev.RepoExternalID = repoExtID.String
	ev.Status = models.RawEventStatus(status)
	ev.FailureReason = failureReason.String
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	if len(payloadBytes) > 0 {
		// UseNumber keeps integers as json.Number the way fresh ingests
		// carry them; a float64 round-trip would corrupt large integers and
		// break dedupe-key stability across stores.
		dec := json.NewDecoder(bytes.NewReader(payloadBytes))
		dec.UseNumber()
		if err := dec.Decode(&ev.Payload); err != nil {
			return models.RawEvent{}, faults.Wrap(faults.DataIntegrity, err, "unmarshal stored payload")
		}
	}
	return ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
