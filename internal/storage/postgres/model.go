package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

const jobColumns = `job_id, account_id, items, cost, state, attempts, result, worker_id, created_at, updated_at, heartbeat_at`

type jobRow struct {
	JobID       string         `db:"job_id"`
	AccountID   string         `db:"account_id"`
	Items       []byte         `db:"items"`
	Cost        int64          `db:"cost"`
	State       string         `db:"state"`
	Attempts    int            `db:"attempts"`
	Result      []byte         `db:"result"`
	WorkerID    sql.NullString `db:"worker_id"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	HeartbeatAt sql.NullTime   `db:"heartbeat_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		JobID:     r.JobID,
		AccountID: r.AccountID,
		Cost:      domain.Money(r.Cost),
		State:     domain.JobState(r.State),
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Items, &job.Items); err != nil {
		return nil, fmt.Errorf("failed to decode items for job %s: %w", r.JobID, err)
	}
	if len(r.Result) > 0 {
		var res domain.JobResult
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("failed to decode result for job %s: %w", r.JobID, err)
		}
		job.Result = &res
	}
	if r.WorkerID.Valid {
		job.WorkerID = r.WorkerID.String
	}
	if r.HeartbeatAt.Valid {
		hb := r.HeartbeatAt.Time
		job.HeartbeatAt = &hb
	}
	return job, nil
}

func toDomainJobs(rows []jobRow) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

type reservationRow struct {
	JobID     string    `db:"job_id"`
	AccountID string    `db:"account_id"`
	Amount    int64     `db:"amount"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *reservationRow) toDomain() *domain.Reservation {
	return &domain.Reservation{
		JobID:     r.JobID,
		AccountID: r.AccountID,
		Amount:    domain.Money(r.Amount),
		Status:    domain.ReservationStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
