package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/repoledger/repoledger/internal/catalogue"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// PGStore implements the registry over the shared repositories table.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (p *PGStore) UpsertFromCatalogue(ctx context.Context, entry catalogue.Repository, catalogueID string) (UpsertResult, error) {
	q := `
		INSERT INTO repositories
		  (id, owner, name, default_branch, documentation_paths, ingestion_enabled, catalogue_repository_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $7)
		ON CONFLICT (owner, name) DO UPDATE
		SET default_branch = EXCLUDED.default_branch,
		    documentation_paths = EXCLUDED.documentation_paths,
		    ingestion_enabled = TRUE,
		    catalogue_repository_id = EXCLUDED.catalogue_repository_id,
		    updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted
	`
	var inserted bool
	err := p.db.QueryRowContext(ctx, q, uuid.New(), entry.Owner, entry.Name, entry.DefaultBranch,
		pq.Array(entry.DocumentationPaths), catalogueID, p.now()).Scan(&inserted)
	if err != nil {
		return UpsertUpdated, faults.ClassifyDB(err)
	}
	if inserted {
		return UpsertCreated, nil
	}
	return UpsertUpdated, nil
}

func (p *PGStore) DisableAbsent(ctx context.Context, estateKey string, keep []string) (int, error) {
	q := `
		UPDATE repositories
		SET ingestion_enabled = FALSE, catalogue_repository_id = NULL, updated_at = $3
		WHERE catalogue_repository_id LIKE $1 || ':%'
		  AND NOT (catalogue_repository_id = ANY($2))
	`
	res, err := p.db.ExecContext(ctx, q, estateKey, pq.Array(keep), p.now())
	if err != nil {
		return 0, faults.ClassifyDB(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PGStore) SetIngestion(ctx context.Context, owner, name string, enabled bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE repositories SET ingestion_enabled = $1, updated_at = $2 WHERE owner = $3 AND name = $4
	`, enabled, p.now(), owner, name)
	if err != nil {
		return faults.ClassifyDB(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.New(faults.UnknownRepository, "repository %s/%s not registered", owner, name)
	}
	return nil
}

func (p *PGStore) ListActive(ctx context.Context, limit, offset int) ([]models.Repository, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT id, owner, name, default_branch, documentation_paths, ingestion_enabled, catalogue_repository_id, created_at, updated_at
		FROM repositories
		WHERE ingestion_enabled
		ORDER BY owner, name
		LIMIT $1 OFFSET $2
	`
	rows, err := p.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, faults.ClassifyDB(err)
	}
	defer rows.Close()

	var out []models.Repository
	for rows.Next() {
		var (
			repo   models.Repository
			catID  sql.NullString
			docRaw pq.StringArray
		)
		if err := rows.Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.DefaultBranch, &docRaw,
			&repo.IngestionEnabled, &catID, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
			return nil, faults.ClassifyDB(err)
		}
		repo.DocumentationPaths = []string(docRaw)
		if catID.Valid {
			v := catID.String
			repo.CatalogueRepositoryID = &v
		}
		out = append(out, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.ClassifyDB(err)
	}
	return out, nil
}
