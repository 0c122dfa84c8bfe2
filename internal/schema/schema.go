// Package schema owns the Postgres DDL. Statements are idempotent so Migrate
// can run at every startup.
package schema

import (
	"context"
	"database/sql"

	"github.com/repoledger/repoledger/internal/faults"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS raw_events (
		id UUID PRIMARY KEY,
		source_system TEXT NOT NULL,
		event_type TEXT NOT NULL,
		source_event_id TEXT,
		repo_external_id TEXT,
		occurred_at TIMESTAMPTZ NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		failure_reason TEXT,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS raw_events_pending_idx
		ON raw_events (occurred_at, id) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS repositories (
		id UUID PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT 'main',
		documentation_paths TEXT[],
		ingestion_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		catalogue_repository_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (owner, name)
	)`,

	`CREATE TABLE IF NOT EXISTS commits (
		id UUID PRIMARY KEY,
		repository_id UUID NOT NULL REFERENCES repositories(id),
		sha TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		author_login TEXT,
		committed_at TIMESTAMPTZ NOT NULL,
		UNIQUE (repository_id, sha)
	)`,

	`CREATE TABLE IF NOT EXISTS pull_requests (
		id UUID PRIMARY KEY,
		repository_id UUID NOT NULL REFERENCES repositories(id),
		number INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'open',
		author_login TEXT,
		labels TEXT[],
		opened_at TIMESTAMPTZ NOT NULL,
		merged_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ,
		UNIQUE (repository_id, number)
	)`,

	`CREATE TABLE IF NOT EXISTS issues (
		id UUID PRIMARY KEY,
		repository_id UUID NOT NULL REFERENCES repositories(id),
		number INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'open',
		author_login TEXT,
		labels TEXT[],
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		UNIQUE (repository_id, number)
	)`,

	`CREATE TABLE IF NOT EXISTS documentation_changes (
		id UUID PRIMARY KEY,
		repository_id UUID NOT NULL REFERENCES repositories(id),
		commit_sha TEXT NOT NULL,
		path TEXT NOT NULL,
		change_type TEXT,
		changed_at TIMESTAMPTZ NOT NULL,
		UNIQUE (repository_id, commit_sha, path)
	)`,

	`CREATE TABLE IF NOT EXISTS event_facts (
		id UUID PRIMARY KEY,
		raw_event_id UUID NOT NULL UNIQUE REFERENCES raw_events(id),
		event_type TEXT NOT NULL,
		repository_id UUID NOT NULL REFERENCES repositories(id),
		repo_external_id TEXT,
		occurred_at TIMESTAMPTZ NOT NULL,
		normalised_payload BYTEA NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS event_facts_window_idx
		ON event_facts (repository_id, occurred_at, id)`,

	`CREATE TABLE IF NOT EXISTS ingestion_offsets (
		repository_id UUID NOT NULL REFERENCES repositories(id),
		stream TEXT NOT NULL,
		watermark TIMESTAMPTZ NOT NULL,
		cursor TEXT,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (repository_id, stream)
	)`,

	`CREATE TABLE IF NOT EXISTS reports (
		id UUID PRIMARY KEY,
		scope TEXT NOT NULL,
		repository_id UUID REFERENCES repositories(id),
		project_id TEXT,
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		model TEXT NOT NULL,
		status TEXT NOT NULL,
		human_text TEXT NOT NULL DEFAULT '',
		machine_summary JSONB NOT NULL,
		model_latency_ms BIGINT,
		usage JSONB,
		generated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS reports_repo_window_idx
		ON reports (repository_id, window_end DESC) WHERE scope = 'repository'`,

	`CREATE TABLE IF NOT EXISTS report_coverage (
		report_id UUID NOT NULL REFERENCES reports(id),
		event_fact_id UUID NOT NULL REFERENCES event_facts(id),
		PRIMARY KEY (report_id, event_fact_id)
	)`,

	`CREATE TABLE IF NOT EXISTS report_reviews (
		id UUID PRIMARY KEY,
		repository_id UUID NOT NULL REFERENCES repositories(id),
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		attempts INTEGER NOT NULL,
		issues JSONB NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (repository_id, window_start, window_end)
	)`,
}

// Migrate applies the schema. Every statement is IF NOT EXISTS so repeated
// runs are no-ops.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return faults.ClassifyDB(err)
		}
	}
	return nil
}
