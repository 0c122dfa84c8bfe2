package bronze

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/repoledger/repoledger/internal/models"
)

func TestPGIngestInsertsNewRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO raw_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPGStore(db)
	ev, created, err := store.Ingest(context.Background(), Envelope{
		SourceSystem:   "github",
		EventType:      models.EventTypeCommit,
		SourceEventID:  "abc",
		RepoExternalID: "octo/reef",
		OccurredAt:     time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC),
		Payload:        map[string]interface{}{"sha": "abc"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true for fresh row")
	}
	if ev.DedupeKey == "" {
		t.Fatalf("expected dedupe key")
	}
	if ev.Status != models.RawEventPending {
		t.Fatalf("expected pending status, got %s", ev.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGIngestConflictReturnsExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	occurred := time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC)
	ingested := time.Date(2024, 7, 7, 12, 0, 5, 0, time.UTC)
	existingID := "9b8a3c1e-32a5-4bd1-8c0f-24c0be5d6b4f"

	mock.ExpectExec(`INSERT INTO raw_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM raw_events WHERE dedupe_key`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_system", "event_type", "source_event_id", "repo_external_id",
			"occurred_at", "ingested_at", "payload", "dedupe_key", "status", "failure_reason", "processed_at",
		}).AddRow(existingID, "github", "commit", "abc", "octo/reef",
			occurred, ingested, []byte(`{"sha":"abc"}`), "key", "pending", nil, nil))

	store := NewPGStore(db)
	ev, created, err := store.Ingest(context.Background(), Envelope{
		SourceSystem:   "github",
		EventType:      models.EventTypeCommit,
		SourceEventID:  "abc",
		RepoExternalID: "octo/reef",
		OccurredAt:     occurred,
		Payload:        map[string]interface{}{"sha": "abc"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if created {
		t.Fatalf("conflict must report created=false")
	}
	if ev.ID.String() != existingID {
		t.Fatalf("expected existing row id %s, got %s", existingID, ev.ID)
	}
	if !ev.IngestedAt.Equal(ingested) {
		t.Fatalf("expected original ingested_at preserved")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// Stored payloads must round-trip numerically intact: a float64 decode would
// corrupt integers beyond 2^53 and the dedupe key computed from a re-read
// row would no longer match the one computed at ingest time.
func TestPGScanPreservesLargeIntegers(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	occurred := time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO raw_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM raw_events WHERE dedupe_key`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_system", "event_type", "source_event_id", "repo_external_id",
			"occurred_at", "ingested_at", "payload", "dedupe_key", "status", "failure_reason", "processed_at",
		}).AddRow("9b8a3c1e-32a5-4bd1-8c0f-24c0be5d6b4f", "github", "commit", "abc", "octo/reef",
			occurred, occurred, []byte(`{"run_id":9007199254740993,"sha":"abc"}`), "key", "pending", nil, nil))

	store := NewPGStore(db)
	ev, _, err := store.Ingest(context.Background(), Envelope{
		SourceSystem:   "github",
		EventType:      models.EventTypeCommit,
		SourceEventID:  "abc",
		RepoExternalID: "octo/reef",
		OccurredAt:     occurred,
		Payload:        map[string]interface{}{"sha": "abc", "run_id": json.Number("9007199254740993")},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, ok := ev.Payload["run_id"].(json.Number)
	if !ok {
		t.Fatalf("expected run_id to scan as json.Number, got %T", ev.Payload["run_id"])
	}
	if got.String() != "9007199254740993" {
		t.Fatalf("large integer corrupted on re-read: %s", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
