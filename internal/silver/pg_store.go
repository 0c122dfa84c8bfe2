package silver

import (
	"bytes"
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// PGStore persists silver entities into Postgres.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (p *PGStore) Ping(ctx context.Context) error {
	return faults.ClassifyDB(p.db.PingContext(ctx))
}

func (p *PGStore) Apply(ctx context.Context, raw models.RawEvent, proj Projection) (ApplyOutcome, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return AppliedExisting, faults.ClassifyDB(err)
	}
	defer tx.Rollback()

	// Drift check comes first: an existing differing fact must leave silver
	// untouched.
	existing, found, err := factByRawEventTx(ctx, tx, raw.ID)
	if err != nil {
		return AppliedExisting, err
	}
	if found {
		if !bytes.Equal(existing.NormalisedPayload, proj.NormalisedPayload) {
			if err := markRawTx(ctx, tx, raw.ID, models.RawEventProcessedFailed, string(faults.Drift), p.now()); err != nil {
				return AppliedDrift, err
			}
			return AppliedDrift, tx.Commit()
		}
		if err := markRawTx(ctx, tx, raw.ID, models.RawEventProcessed, "", p.now()); err != nil {
			return AppliedExisting, err
		}
		return AppliedExisting, tx.Commit()
	}

	repo, err := upsertRepositoryTx(ctx, tx, proj.RepoOwner, proj.RepoName, proj.DefaultBranch, p.now())
	if err != nil {
		return AppliedExisting, err
	}

	if err := upsertEntityTx(ctx, tx, repo.ID, proj); err != nil {
		return AppliedExisting, err
	}

	fact := models.EventFact{
		ID:                uuid.New(),
		RawEventID:        raw.ID,
		EventType:         proj.EventType,
		RepositoryID:      repo.ID,
		RepoExternalID:    proj.RepoExternalID,
		OccurredAt:        proj.OccurredAt.UTC(),
		NormalisedPayload: proj.NormalisedPayload,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_facts (id, raw_event_id, event_type, repository_id, repo_external_id, occurred_at, normalised_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (raw_event_id) DO NOTHING
	`, fact.ID, fact.RawEventID, fact.EventType, fact.RepositoryID, nullString(fact.RepoExternalID), fact.OccurredAt, fact.NormalisedPayload)
	if err != nil {
		return AppliedExisting, faults.ClassifyDB(err)
	}

	outcome := AppliedCreated
	if n, _ := res.RowsAffected(); n == 0 {
		// A concurrent worker inserted the fact; re-read and verify.
		concurrent, found, err := factByRawEventTx(ctx, tx, raw.ID)
		if err != nil {
			return AppliedExisting, err
		}
		if found && !bytes.Equal(concurrent.NormalisedPayload, proj.NormalisedPayload) {
			if err := markRawTx(ctx, tx, raw.ID, models.RawEventProcessedFailed, string(faults.Drift), p.now()); err != nil {
				return AppliedDrift, err
			}
			return AppliedDrift, tx.Commit()
		}
		outcome = AppliedExisting
	}

	if err := markRawTx(ctx, tx, raw.ID, models.RawEventProcessed, "", p.now()); err != nil {
		return outcome, err
	}
	return outcome, tx.Commit()
}

func upsertRepositoryTx(ctx context.Context, tx *sql.Tx, owner, name, branch string, now time.Time) (models.Repository, error) {
	// New rows default to main and start with ingestion disabled; a supplied
	// branch overrides the stored one.
	q := `
		INSERT INTO repositories (id, owner, name, default_branch, documentation_paths, ingestion_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'main'), '{}', FALSE, $5, $5)
		ON CONFLICT (owner, name) DO UPDATE
		SET default_branch = COALESCE(NULLIF($4, ''), repositories.default_branch),
		    updated_at = $5
		RETURNING id, owner, name, default_branch, documentation_paths, ingestion_enabled, catalogue_repository_id, created_at, updated_at
	`
	return scanRepository(tx.QueryRowContext(ctx, q, uuid.New(), owner, name, branch, now))
}

func upsertEntityTx(ctx context.Context, tx *sql.Tx, repoID uuid.UUID, proj Projection) error {
	var err error
	switch {
	case proj.Commit != nil:
		c := proj.Commit
		_, err = tx.ExecContext(ctx, `
			INSERT INTO commits (id, repository_id, sha, message, author_login, committed_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (repository_id, sha) DO UPDATE
			SET message = EXCLUDED.message, author_login = EXCLUDED.author_login, committed_at = EXCLUDED.committed_at
		`, uuid.New(), repoID, c.SHA, c.Message, nullString(c.AuthorLogin), c.CommittedAt.UTC())
	case proj.PullRequest != nil:
		pr := proj.PullRequest
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pull_requests (id, repository_id, number, title, state, author_login, labels, opened_at, merged_at, closed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (repository_id, number) DO UPDATE
			SET title = EXCLUDED.title, state = EXCLUDED.state, author_login = EXCLUDED.author_login,
			    labels = EXCLUDED.labels, merged_at = EXCLUDED.merged_at, closed_at = EXCLUDED.closed_at
		`, uuid.New(), repoID, pr.Number, pr.Title, pr.State, nullString(pr.AuthorLogin),
			pq.Array(pr.Labels), pr.OpenedAt.UTC(), nullTime(pr.MergedAt), nullTime(pr.ClosedAt))
	case proj.Issue != nil:
		is := proj.Issue
		_, err = tx.ExecContext(ctx, `
			INSERT INTO issues (id, repository_id, number, title, state, author_login, labels, opened_at, closed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (repository_id, number) DO UPDATE
			SET title = EXCLUDED.title, state = EXCLUDED.state, author_login = EXCLUDED.author_login,
			    labels = EXCLUDED.labels, closed_at = EXCLUDED.closed_at
		`, uuid.New(), repoID, is.Number, is.Title, is.State, nullString(is.AuthorLogin),
			pq.Array(is.Labels), is.OpenedAt.UTC(), nullTime(is.ClosedAt))
	case proj.DocChange != nil:
		dc := proj.DocChange
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documentation_changes (id, repository_id, commit_sha, path, change_type, changed_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (repository_id, commit_sha, path) DO UPDATE
			SET change_type = EXCLUDED.change_type, changed_at = EXCLUDED.changed_at
		`, uuid.New(), repoID, dc.CommitSHA, dc.Path, nullString(dc.ChangeType), dc.ChangedAt.UTC())
	}
	return faults.ClassifyDB(err)
}

func factByRawEventTx(ctx context.Context, tx *sql.Tx, rawID uuid.UUID) (models.EventFact, bool, error) {
	var (
		fact      models.EventFact
		repoExtID sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, raw_event_id, event_type, repository_id, repo_external_id, occurred_at, normalised_payload
		FROM event_facts WHERE raw_event_id = $1
	`, rawID).Scan(&fact.ID, &fact.RawEventID, &fact.EventType, &fact.RepositoryID, &repoExtID, &fact.OccurredAt, &fact.NormalisedPayload)
	if err == sql.ErrNoRows {
		return models.EventFact{}, false, nil
	}
	if err != nil {
		return models.EventFact{}, false, faults.ClassifyDB(err)
	}
	fact.RepoExternalID = repoExtID.String
	return fact, true, nil
}

func markRawTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, status models.RawEventStatus, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE raw_events SET status = $1, failure_reason = NULLIF($2, ''), processed_at = $3 WHERE id = $4
	`, status, reason, now, id)
	return faults.ClassifyDB(err)
}

func (p *PGStore) GetRepositoryByName(ctx context.Context, owner, name string) (models.Repository, error) {
	q := `
		SELECT id, owner, name, default_branch, documentation_paths, ingestion_enabled, catalogue_repository_id, created_at, updated_at
		FROM repositories WHERE owner = $1 AND name = $2
	`
	repo, err := scanRepository(p.db.QueryRowContext(ctx, q, owner, name))
	if err != nil {
		return models.Repository{}, err
	}
	return repo, nil
}

func (p *PGStore) GetRepositoryByID(ctx context.Context, id uuid.UUID) (models.Repository, error) {
	q := `
		SELECT id, owner, name, default_branch, documentation_paths, ingestion_enabled, catalogue_repository_id, created_at, updated_at
		FROM repositories WHERE id = $1
	`
	return scanRepository(p.db.QueryRowContext(ctx, q, id))
}

func (p *PGStore) ListEventFacts(ctx context.Context, repoID uuid.UUID, start, end time.Time) ([]models.EventFact, error) {
	q := `
		SELECT id, raw_event_id, event_type, repository_id, repo_external_id, occurred_at, normalised_payload
		FROM event_facts
		WHERE repository_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id
	`
	rows, err := p.db.QueryContext(ctx, q, repoID, start.UTC(), end.UTC())
	if err != nil {
		return nil, faults.ClassifyDB(err)
	}
	defer rows.Close()

	var out []models.EventFact
	for rows.Next() {
		var (
			fact      models.EventFact
			repoExtID sql.NullString
		)
		if err := rows.Scan(&fact.ID, &fact.RawEventID, &fact.EventType, &fact.RepositoryID, &repoExtID, &fact.OccurredAt, &fact.NormalisedPayload); err != nil {
			return nil, faults.ClassifyDB(err)
		}
		fact.RepoExternalID = repoExtID.String
		out = append(out, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.ClassifyDB(err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(row rowScanner) (models.Repository, error) {
	var (
		repo    models.Repository
		catID   sql.NullString
		docRaw  pq.StringArray
	)
	err := row.Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.DefaultBranch, &docRaw,
		&repo.IngestionEnabled, &catID, &repo.CreatedAt, &repo.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Repository{}, ErrNotFound
	}
	if err != nil {
		return models.Repository{}, faults.ClassifyDB(err)
	}
	repo.DocumentationPaths = []string(docRaw)
	if catID.Valid {
		v := catID.String
		repo.CatalogueRepositoryID = &v
	}
	return repo, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
