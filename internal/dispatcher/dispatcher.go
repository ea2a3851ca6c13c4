// Package dispatcher admits pricing requests: it prices them, holds the funds,
// persists the job and hands it to the queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/metrics"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
	"github.com/cuongbtq/pricing-pipeline/internal/tariff"
	"github.com/google/uuid"
)

const queuedAttempts = 3

// Config holds dispatcher dependencies
type Config struct {
	Logger    *slog.Logger
	Jobs      domain.JobStore
	Ledger    domain.Ledger
	Publisher queue.Publisher
	Tariff    *tariff.Calculator
}

// Dispatcher is the producer side of the pipeline
type Dispatcher struct {
	logger    *slog.Logger
	jobs      domain.JobStore
	ledger    domain.Ledger
	publisher queue.Publisher
	tariff    *tariff.Calculator
	newID     func() string

	queuedBackoff time.Duration
}

// Submission is the outcome of Submit.
type Submission struct {
	JobID string
	State domain.JobState
	Cost  domain.Money
	// Replayed is set when the idempotency key matched an existing job.
	Replayed bool
}

// New creates a dispatcher
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger,
		jobs:      cfg.Jobs,
		ledger:    cfg.Ledger,
		publisher: cfg.Publisher,
		tariff:    cfg.Tariff,
		newID:     uuid.NewString,

		queuedBackoff: 50 * time.Millisecond,
	}
}

// Submit validates items, reserves their cost and queues a job. The
// idempotency key, when given, becomes the job id; replaying it for the same
// account returns the existing job without a second reservation.
func (d *Dispatcher) Submit(ctx context.Context, accountID string, items []domain.Item, idempotencyKey string) (*Submission, error) {
	sub, err := d.submit(ctx, accountID, items, idempotencyKey)
	metrics.JobsSubmittedTotal.WithLabelValues(submitResult(sub, err)).Inc()
	return sub, err
}

func (d *Dispatcher) submit(ctx context.Context, accountID string, items []domain.Item, idempotencyKey string) (*Submission, error) {
	cost, err := d.tariff.Cost(len(items))
	if err != nil {
		return nil, err
	}

	normalized := make([]domain.Item, len(items))
	for i, item := range items {
		normalized[i] = item.Normalize()
		if err := normalized[i].Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	jobID := idempotencyKey
	if jobID == "" {
		jobID = d.newID()
	} else if sub, err := d.replay(ctx, accountID, jobID); sub != nil || err != nil {
		return sub, err
	}

	if _, err := d.ledger.Reserve(ctx, accountID, cost, jobID); err != nil {
		return nil, fmt.Errorf("failed to reserve funds: %w", err)
	}

	job := &domain.Job{
		JobID:     jobID,
		AccountID: accountID,
		Items:     normalized,
		Cost:      cost,
		State:     domain.JobStateReserved,
	}
	if err := d.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobExists) {
			// A concurrent submit with the same key won; it owns the reservation.
			return d.replay(ctx, accountID, jobID)
		}
		d.refund(ctx, jobID)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := d.publisher.Publish(ctx, jobID); err != nil {
		d.logger.Error("Failed to publish job, refunding",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		if _, tErr := d.jobs.Transition(ctx, jobID, domain.JobStateReserved, domain.JobStateFailed); tErr != nil {
			d.logger.Error("Failed to mark unpublished job as failed",
				slog.String("job_id", jobID),
				slog.String("error", tErr.Error()),
			)
		}
		d.refund(ctx, jobID)
		return nil, fmt.Errorf("%w: %v", domain.ErrPublishFailure, err)
	}

	queued, err := d.markQueued(ctx, jobID)
	if err != nil {
		// The message is out; workers requeue it until the job is QUEUED and
		// the sweeper fails the job if it never gets there.
		return nil, fmt.Errorf("failed to mark job queued: %w", err)
	}

	d.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("account_id", accountID),
		slog.Int("items", len(items)),
		slog.String("cost", cost.String()),
	)

	return &Submission{JobID: jobID, State: queued.State, Cost: cost}, nil
}

// markQueued retries RESERVED -> QUEUED past caller cancellation, since the
// message is already published and workers requeue it until this lands.
func (d *Dispatcher) markQueued(ctx context.Context, jobID string) (*domain.Job, error) {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= queuedAttempts; attempt++ {
		var job *domain.Job
		job, err = d.jobs.Transition(ctx, jobID, domain.JobStateReserved, domain.JobStateQueued)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
		d.logger.Warn("Failed to mark job queued, retrying",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < queuedAttempts {
			time.Sleep(time.Duration(attempt) * d.queuedBackoff)
		}
	}
	return nil, err
}

// replay returns the existing job for an idempotency key, or nil if the key
// is unused.
func (d *Dispatcher) replay(ctx context.Context, accountID, jobID string) (*Submission, error) {
	existing, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if existing.AccountID != accountID {
		return nil, domain.ErrIdempotencyConflict
	}
	return &Submission{
		JobID:    existing.JobID,
		State:    existing.State,
		Cost:     existing.Cost,
		Replayed: true,
	}, nil
}

func (d *Dispatcher) refund(ctx context.Context, jobID string) {
	if err := d.ledger.Refund(context.WithoutCancel(ctx), jobID); err != nil {
		d.logger.Error("Failed to refund reservation",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.BillingSettlementsTotal.WithLabelValues("refund").Inc()
}

// Status returns the job as stored.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (*domain.Job, error) {
	return d.jobs.Get(ctx, jobID)
}

// List pages through an account's jobs.
func (d *Dispatcher) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	return d.jobs.ListByAccount(ctx, filter)
}

// CalculateCost previews the price of itemCount items.
func (d *Dispatcher) CalculateCost(itemCount int) (domain.Money, error) {
	return d.tariff.Cost(itemCount)
}

// TariffInfo describes the active pricing policy.
func (d *Dispatcher) TariffInfo() tariff.Info {
	return d.tariff.Info()
}

func submitResult(sub *Submission, err error) string {
	switch {
	case err == nil && sub.Replayed:
		return "replayed"
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrPublishFailure):
		return "publish_failed"
	case errors.Is(err, domain.ErrInvalidFeatures),
		errors.Is(err, domain.ErrInvalidItemCount),
		errors.Is(err, domain.ErrTooManyItems),
		errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrIdempotencyKeyConsumed):
		return "invalid"
	default:
		return "error"
	}
}
