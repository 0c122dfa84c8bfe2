// Package bronze is the append-only raw event store. Rows are immutable once
// written; replays of the same source event are collapsed by a SHA-256 dedupe
// key over the event's normalised identity.
package bronze

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/canonical"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// Envelope is the input to Ingest: a raw event as delivered by the source.
type Envelope struct {
	SourceSystem   string
	EventType      string
	SourceEventID  string
	RepoExternalID string
	OccurredAt     time.Time
	Payload        map[string]interface{}
}

// Store is the bronze persistence contract.
type Store interface {
	// Ingest appends one raw event and reports whether a new row was
	// created. A dedupe conflict returns the existing row unchanged with
	// created=false; ingested_at is never updated on replay.
	Ingest(ctx context.Context, env Envelope) (models.RawEvent, bool, error)

	// ListUnprocessed returns pending rows ordered by (occurred_at, id).
	ListUnprocessed(ctx context.Context, limit int) ([]models.RawEvent, error)

	// MarkProcessed stamps processed_at on a pending row.
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a terminal processing failure (e.g. DRIFT).
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error

	Ping(ctx context.Context) error
}

// DedupeKey computes the stable fingerprint of an envelope. The payload is
// normalised (UTC datetimes, sorted keys) before hashing so that equivalent
// deliveries hash identically.
func DedupeKey(env Envelope) (string, error) {
	normPayload, err := canonical.NormalizeMap(env.Payload)
	if err != nil {
		return "", err
	}
	identity := map[string]interface{}{
		"source_system":    env.SourceSystem,
		"event_type":       env.EventType,
		"source_event_id":  env.SourceEventID,
		"repo_external_id": env.RepoExternalID,
		"occurred_at":      env.OccurredAt.UTC().Format(canonical.TimeLayout),
		"payload":          normPayload,
	}
	canon, err := canonical.MarshalCanonical(identity)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// validate rejects envelopes the store must not accept.
func validate(env Envelope) error {
	if env.SourceSystem == "" {
		return faults.New(faults.UnsupportedPayloadType, "source_system required")
	}
	if env.EventType == "" {
		return faults.New(faults.UnsupportedPayloadType, "event_type required")
	}
	if env.OccurredAt.IsZero() {
		return faults.New(faults.InvalidTimestamp, "occurred_at required and must carry a timezone")
	}
	return nil
}
