package gold

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// PGStore persists gold rows into Postgres.
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

const reportColumns = `id, scope, repository_id, project_id, window_start, window_end,
	model, status, human_text, machine_summary, model_latency_ms, usage, generated_at`

func (p *PGStore) CreateReportWithCoverage(ctx context.Context, report models.Report, factIDs []uuid.UUID) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.ClassifyDB(err)
	}
	defer tx.Rollback()

	var usageJSON []byte
	if report.Usage != nil {
		if usageJSON, err = json.Marshal(report.Usage); err != nil {
			return faults.Wrap(faults.DataIntegrity, err, "marshal usage")
		}
	}

	q := `
		INSERT INTO reports
		  (id, scope, repository_id, project_id, window_start, window_end,
		   model, status, human_text, machine_summary, model_latency_ms, usage, generated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err = tx.ExecContext(ctx, q,
		report.ID, report.Scope, report.RepositoryID, report.ProjectID,
		report.WindowStart.UTC(), report.WindowEnd.UTC(),
		report.Model, report.Status, report.HumanText, []byte(report.MachineSummary),
		report.ModelLatencyMS, nullBytes(usageJSON), report.GeneratedAt.UTC(),
	)
	if err != nil {
		return faults.ClassifyDB(err)
	}

	for _, factID := range factIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO report_coverage (report_id, event_fact_id) VALUES ($1,$2)`,
			report.ID, factID)
		if err != nil {
			return faults.ClassifyDB(err)
		}
	}

	return faults.ClassifyDB(tx.Commit())
}

func (p *PGStore) LatestRepositoryReport(ctx context.Context, repoID uuid.UUID) (models.Report, bool, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM reports
		WHERE scope = $1 AND repository_id = $2
		ORDER BY window_end DESC, generated_at DESC
		LIMIT 1
	`, reportColumns)
	rep, err := scanReport(p.db.QueryRowContext(ctx, q, models.ScopeRepository, repoID))
	if err == sql.ErrNoRows {
		return models.Report{}, false, nil
	}
	if err != nil {
		return models.Report{}, false, faults.ClassifyDB(err)
	}
	return rep, true, nil
}

func (p *PGStore) ListRecentRepositoryReports(ctx context.Context, repoID uuid.UUID, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = 2
	}
	q := fmt.Sprintf(`
		SELECT %s FROM reports
		WHERE scope = $1 AND repository_id = $2
		ORDER BY window_end DESC, generated_at DESC
		LIMIT $3
	`, reportColumns)
	rows, err := p.db.QueryContext(ctx, q, models.ScopeRepository, repoID, limit)
	if err != nil {
		return nil, faults.ClassifyDB(err)
	}
	defer rows.Close()

	var out []models.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, faults.ClassifyDB(err)
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.ClassifyDB(err)
	}
	return out, nil
}

func (p *PGStore) ListCoveredFactIDs(ctx context.Context, repoID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	q := `
		SELECT rc.event_fact_id
		FROM report_coverage rc
		JOIN reports r ON r.id = rc.report_id
		WHERE r.scope = $1 AND r.repository_id = $2
	`
	rows, err := p.db.QueryContext(ctx, q, models.ScopeRepository, repoID)
	if err != nil {
		return nil, faults.ClassifyDB(err)
	}
	defer rows.Close()

	covered := map[uuid.UUID]struct{}{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, faults.ClassifyDB(err)
		}
		covered[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, faults.ClassifyDB(err)
	}
	return covered, nil
}

func (p *PGStore) UpsertReview(ctx context.Context, review models.ReportReview) (models.ReportReview, error) {
	issuesJSON, err := json.Marshal(review.Issues)
	if err != nil {
		return models.ReportReview{}, faults.Wrap(faults.DataIntegrity, err, "marshal issues")
	}
	if review.ID == uuid.Nil {
		review.ID = uuid.New()
	}
	now := p.now()

	q := `
		INSERT INTO report_reviews
		  (id, repository_id, window_start, window_end, attempts, issues, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (repository_id, window_start, window_end) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			issues = EXCLUDED.issues,
			state = $7,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`
	err = p.db.QueryRowContext(ctx, q,
		review.ID, review.RepositoryID, review.WindowStart.UTC(), review.WindowEnd.UTC(),
		review.Attempts, issuesJSON, models.ReviewPending, now,
	).Scan(&review.ID, &review.CreatedAt)
	if err != nil {
		return models.ReportReview{}, faults.ClassifyDB(err)
	}
	review.State = models.ReviewPending
	review.UpdatedAt = now
	return review, nil
}

func (p *PGStore) GetReview(ctx context.Context, id uuid.UUID) (models.ReportReview, error) {
	q := `
		SELECT id, repository_id, window_start, window_end, attempts, issues, state, created_at, updated_at
		FROM report_reviews WHERE id = $1
	`
	var (
		review     models.ReportReview
		issuesJSON []byte
		state      string
	)
	err := p.db.QueryRowContext(ctx, q, id).Scan(
		&review.ID, &review.RepositoryID, &review.WindowStart, &review.WindowEnd,
		&review.Attempts, &issuesJSON, &state, &review.CreatedAt, &review.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return models.ReportReview{}, ErrNotFound
	}
	if err != nil {
		return models.ReportReview{}, faults.ClassifyDB(err)
	}
	review.State = models.ReviewState(state)
	if len(issuesJSON) > 0 {
		if err := json.Unmarshal(issuesJSON, &review.Issues); err != nil {
			return models.ReportReview{}, faults.Wrap(faults.DataIntegrity, err, "unmarshal issues")
		}
	}
	return review, nil
}

func (p *PGStore) ResolveReview(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE report_reviews SET state = $1, updated_at = $2 WHERE id = $3`,
		models.ReviewResolved, p.now(), id)
	if err != nil {
		return faults.ClassifyDB(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanReport(row interface{ Scan(...interface{}) error }) (models.Report, error) {
	var (
		rep       models.Report
		repoID    uuid.NullUUID
		projectID sql.NullString
		latency   sql.NullInt64
		scope     string
		status    string
		summary   []byte
		usageJSON []byte
	)
	err := row.Scan(&rep.ID, &scope, &repoID, &projectID, &rep.WindowStart, &rep.WindowEnd,
		&rep.Model, &status, &rep.HumanText, &summary, &latency, &usageJSON, &rep.GeneratedAt)
	if err != nil {
		return models.Report{}, err
	}
	rep.Scope = models.ReportScope(scope)
	rep.Status = models.StatusValue(status)
	rep.MachineSummary = json.RawMessage(summary)
	if repoID.Valid {
		id := repoID.UUID
		rep.RepositoryID = &id
	}
	if projectID.Valid {
		v := projectID.String
		rep.ProjectID = &v
	}
	if latency.Valid {
		v := latency.Int64
		rep.ModelLatencyMS = &v
	}
	if len(usageJSON) > 0 {
		var usage models.ModelUsage
		if err := json.Unmarshal(usageJSON, &usage); err != nil {
			return models.Report{}, faults.Wrap(faults.DataIntegrity, err, "unmarshal usage")
		}
		rep.Usage = &usage
	}
	return rep, nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
