package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

// batchRunRepo implements BatchRunRepo for PostgreSQL
type batchRunRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBatchRunRepo creates a new PostgreSQL batch run repository
func NewBatchRunRepo(db *sqlx.DB, timeout time.Duration) persistence.BatchRunRepo {
	return &batchRunRepo{db: db, timeout: timeout}
}

func (r *batchRunRepo) Upsert(ctx context.Context, run persistence.BatchRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO batch_runs
		(id, portfolio_id, status, started_at, finished_at, current_stage, job_index, job_count, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			current_stage = EXCLUDED.current_stage,
			job_index = EXCLUDED.job_index,
			job_count = EXCLUDED.job_count,
			error = EXCLUDED.error`

	if _, err := r.db.ExecContext(ctx, query,
		run.ID, run.PortfolioID, run.Status, run.StartedAt, run.FinishedAt,
		run.CurrentStage, run.JobIndex, run.JobCount, run.Error); err != nil {
		return fmt.Errorf("failed to upsert batch run: %w", err)
	}
	return nil
}

func (r *batchRunRepo) Get(ctx context.Context, id uuid.UUID) (*persistence.BatchRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, portfolio_id, status, started_at, finished_at,
		       current_stage, job_index, job_count, COALESCE(error, '') AS error
		FROM batch_runs
		WHERE id = $1`

	var run persistence.BatchRun
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch run: %w", err)
	}
	return &run, nil
}

func (r *batchRunRepo) Latest(ctx context.Context, portfolioID int64) (*persistence.BatchRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, portfolio_id, status, started_at, finished_at,
		       current_stage, job_index, job_count, COALESCE(error, '') AS error
		FROM batch_runs
		WHERE portfolio_id = $1
		ORDER BY started_at DESC
		LIMIT 1`

	var run persistence.BatchRun
	if err := r.db.GetContext(ctx, &run, query, portfolioID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest batch run: %w", err)
	}
	return &run, nil
}
