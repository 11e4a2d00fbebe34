package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const jobColumns = `
	id, run_id, attempt, user_id, kind, source_url, prompt, negative_prompt,
	preset_key, params, status, progress, cost, ledger_request_id,
	provider_job_id, strategy, strategy_params, result_url, error_code,
	error_message, worker_id, created_at, updated_at`

// PostgresJobStore is the sqlx backed job store.
type PostgresJobStore struct {
	pg     *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresJobStore creates a job store on an open client
func NewPostgresJobStore(pg *postgresql.Client, logger *slog.Logger) *PostgresJobStore {
	return &PostgresJobStore{
		pg:     pg,
		db:     pg.GetDB(),
		logger: logger,
	}
}

// Create inserts a new job. The unique run_id index turns a concurrent
// submission of the same run into domain.ErrDuplicateRunID.
func (s *PostgresJobStore) Create(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, s.db, job)
}

// Supersede atomically replaces the record oldID with job, which must carry
// the same run id. domain.ErrJobNotFound means another caller replaced it first.
func (s *PostgresJobStore) Supersede(ctx context.Context, oldID string, job *domain.Job) error {
	err := s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM generation_jobs WHERE id = $1 AND run_id = $2`, oldID, job.RunID)
		if err != nil {
			return fmt.Errorf("failed to delete superseded job: %w", err)
		}
		if err := expectOne(res, domain.ErrJobNotFound); err != nil {
			return err
		}
		return insertJob(ctx, tx, job)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job superseded",
		slog.String("old_job_id", oldID),
		slog.String("job_id", job.ID),
		slog.String("run_id", job.RunID),
		slog.Int("attempt", job.Attempt),
	)
	return nil
}

func insertJob(ctx context.Context, q sqlx.QueryerContext, job *domain.Job) error {
	query := `
		INSERT INTO generation_jobs (
			id, run_id, attempt, user_id, kind, source_url, prompt, negative_prompt,
			preset_key, params, status, progress, cost, ledger_request_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14
		)
		RETURNING created_at, updated_at
	`

	err := q.QueryRowxContext(
		ctx,
		query,
		job.ID,
		job.RunID,
		job.Attempt,
		job.UserID,
		job.Kind,
		job.SourceURL,
		job.Prompt,
		job.NegativePrompt,
		job.PresetKey,
		job.Params,
		job.Status,
		job.Progress,
		job.Cost,
		job.LedgerRequest,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateRunID
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetByID loads a job by primary key
func (s *PostgresJobStore) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
}

// GetByRunID loads the job holding a run id
func (s *PostgresJobStore) GetByRunID(ctx context.Context, runID string) (*domain.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE run_id = $1`, runID)
}

func (s *PostgresJobStore) getOne(ctx context.Context, query string, arg string) (*domain.Job, error) {
	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Delete removes a job record. Ledger entries are kept.
func (s *PostgresJobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM generation_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return expectOne(res, domain.ErrJobNotFound)
}

// Claim moves a queued job to processing using optimistic locking.
// Returns domain.ErrJobAlreadyClaimed when another worker got there first.
func (s *PostgresJobStore) Claim(ctx context.Context, id, workerID string) (*domain.Job, error) {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    worker_id = $2,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusProcessing, workerID, id, domain.JobStatusQueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", id),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

// UpdateProgress raises progress of a processing job. Lower values are ignored.
func (s *PostgresJobStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	query := `
		UPDATE generation_jobs
		SET progress = GREATEST(progress, $1),
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	res, err := s.db.ExecContext(ctx, query, clampProgress(progress), id, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return expectOne(res, domain.ErrInvalidTransition)
}

// SetProviderHandle stores the vendor job id and the strategy serving the job
func (s *PostgresJobStore) SetProviderHandle(ctx context.Context, id string, h HandleUpdate) error {
	query := `
		UPDATE generation_jobs
		SET provider_job_id = NULLIF($1, ''),
		    strategy = $2,
		    strategy_params = $3,
		    updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	var params any
	if len(h.StrategyParams) > 0 {
		params = string(h.StrategyParams)
	}
	res, err := s.db.ExecContext(ctx, query, h.ProviderJobID, h.Strategy, params, id, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to set provider handle: %w", err)
	}
	return expectOne(res, domain.ErrInvalidTransition)
}

// Complete marks a processing job completed with its result URL
func (s *PostgresJobStore) Complete(ctx context.Context, id, resultURL string) error {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    progress = 100,
		    result_url = $2,
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, resultURL, id, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return expectOne(res, domain.ErrInvalidTransition)
}

// Fail marks a non-terminal job failed. The message is truncated before storage.
func (s *PostgresJobStore) Fail(ctx context.Context, id string, code domain.Code, message string) error {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    error_code = $2,
		    error_message = $3,
		    updated_at = NOW()
		WHERE id = $4 AND status IN ($5, $6)
	`
	res, err := s.db.ExecContext(ctx, query,
		domain.JobStatusFailed, string(code), domain.TruncateError(message), id,
		domain.JobStatusQueued, domain.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return expectOne(res, domain.ErrInvalidTransition)
}

// Touch refreshes updated_at of a processing job so it is not seen as stale
func (s *PostgresJobStore) Touch(ctx context.Context, id string) error {
	query := `
		UPDATE generation_jobs
		SET updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	res, err := s.db.ExecContext(ctx, query, id, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", id),
		)
	}

	return nil
}

// List returns up to PageSize+1 jobs so the caller can detect a next page.
func (s *PostgresJobStore) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func expectOne(res sql.Result, notMatched error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notMatched
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
