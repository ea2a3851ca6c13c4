package domain

import (
	"context"
	"fmt"
	"time"
)

// ReservationStatus is the settlement state of a held amount.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is the amount held against an account for one job.
type Reservation struct {
	JobID     string
	AccountID string
	Amount    Money
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reuse reports whether an existing reservation may stand in for a new
// Reserve by accountID. Only a HELD reservation of the same account does; a
// settled one must never back a second job.
func (r *Reservation) Reuse(accountID string) error {
	if r.AccountID != accountID {
		return fmt.Errorf("%w: %s", ErrIdempotencyConflict, r.JobID)
	}
	if r.Status != ReservationHeld {
		return fmt.Errorf("%w: reservation for %s is %s", ErrIdempotencyKeyConsumed, r.JobID, r.Status)
	}
	return nil
}

// JobStore persists jobs and guards their state with compare-and-swap.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	// Transition moves the job from -> to only if its current state is from.
	// Moving back to QUEUED clears any recorded result.
	Transition(ctx context.Context, jobID string, from, to JobState) (*Job, error)
	// RecordResult stores the outcome while the job is PROCESSING and has no result yet.
	RecordResult(ctx context.Context, jobID string, result JobResult) error
	Heartbeat(ctx context.Context, jobID, workerID string) error
	// Touch sets updated_at to at while the job is still in state.
	Touch(ctx context.Context, jobID string, state JobState, at time.Time) error
	ListStale(ctx context.Context, state JobState, olderThan time.Time, limit int) ([]*Job, error)
	ListByAccount(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// Ledger holds, commits and releases funds per job. Commit and Refund are
// mutually exclusive and idempotent per job.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, amount Money, jobID string) (*Reservation, error)
	Commit(ctx context.Context, jobID string) error
	Refund(ctx context.Context, jobID string) error
	Deposit(ctx context.Context, accountID string, amount Money) (Money, error)
	Balance(ctx context.Context, accountID string) (Money, error)
	GetReservation(ctx context.Context, jobID string) (*Reservation, error)
	ListHeld(ctx context.Context, olderThan time.Time, limit int) ([]*Reservation, error)
}
