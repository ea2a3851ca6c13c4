package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

// JobStore handles job persistence
type JobStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ domain.JobStore = (*JobStore)(nil)

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sqlx.DB, logger *slog.Logger) *JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
	}
}

func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	items, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO jobs (
			job_id, account_id, items, cost,
			state, attempts, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, 0, $6, $6
		)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.JobID,
		job.AccountID,
		items,
		job.Cost.Cents(),
		string(job.State),
		createdAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrJobExists, job.JobID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain()
}

// Transition is a compare-and-swap on state: the UPDATE only matches while the
// row is still in the expected state. A requeue drops any partial result.
func (s *JobStore) Transition(ctx context.Context, jobID string, from, to domain.JobState) (*domain.Job, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	attemptDelta := 0
	if domain.CountsAttempt(from, to) {
		attemptDelta = 1
	}

	query := `
		UPDATE jobs
		SET state = $1::text,
		    attempts = attempts + $2,
		    heartbeat_at = CASE WHEN $3::boolean THEN NOW() ELSE heartbeat_at END,
		    result = CASE WHEN $4::boolean THEN NULL ELSE result END,
		    updated_at = NOW()
		WHERE job_id = $5
		  AND state = $6::text
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(to),
		attemptDelta,
		to == domain.JobStateProcessing,
		to == domain.JobStateQueued,
		jobID,
		string(from),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.staleOrMissing(ctx, jobID, from)
		}
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	s.logger.Debug("Job transitioned",
		slog.String("job_id", jobID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	return row.toDomain()
}

func (s *JobStore) RecordResult(ctx context.Context, jobID string, result domain.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE jobs
		SET result = $1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND state = $3
		  AND result IS NULL
	`

	res, err := s.db.ExecContext(ctx, query, payload, jobID, string(domain.JobStateProcessing))
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.staleOrMissing(ctx, jobID, domain.JobStateProcessing)
	}

	return nil
}

// Heartbeat updates heartbeat_at for a job that is still PROCESSING
func (s *JobStore) Heartbeat(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE jobs
		SET heartbeat_at = NOW(),
		    worker_id = $2
		WHERE job_id = $1 AND state = $3
	`

	res, err := s.db.ExecContext(ctx, query, jobID, workerID, string(domain.JobStateProcessing))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// Touch restarts the staleness clock of a job that is still in state.
func (s *JobStore) Touch(ctx context.Context, jobID string, state domain.JobState, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET updated_at = $3
		WHERE job_id = $1 AND state = $2
	`, jobID, string(state), at)
	if err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.staleOrMissing(ctx, jobID, state)
	}
	return nil
}

// ListStale returns jobs in state whose last sign of life is older than
// olderThan. For PROCESSING that is the heartbeat, otherwise the last transition.
func (s *JobStore) ListStale(ctx context.Context, state domain.JobState, olderThan time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = $1::text
		  AND (CASE WHEN $1::text = 'PROCESSING' THEN COALESCE(heartbeat_at, updated_at) ELSE updated_at END) < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(state), olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	return toDomainJobs(rows)
}

// ListByAccount pages by (created_at, job_id) descending and fetches one extra
// row to signal a next page.
func (s *JobStore) ListByAccount(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	query := `
        SELECT ` + jobColumns + `
        FROM jobs
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return toDomainJobs(rows)
}

// staleOrMissing explains why a guarded UPDATE matched no row.
func (s *JobStore) staleOrMissing(ctx context.Context, jobID string, expected domain.JobState) error {
	var current string
	err := s.db.GetContext(ctx, &current, `SELECT state FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to read job state: %w", err)
	}

	return &domain.StaleTransitionError{
		JobID:    jobID,
		Expected: expected,
		Current:  domain.JobState(current),
	}
}
