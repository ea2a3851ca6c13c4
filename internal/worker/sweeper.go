package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/events"
	"github.com/cuongbtq/pricing-pipeline/internal/metrics"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
)

const errLostHeartbeat = "worker stopped heartbeating"

// SweeperConfig holds recovery sweeper configuration
type SweeperConfig struct {
	Logger    *slog.Logger
	Jobs      domain.JobStore
	Ledger    domain.Ledger
	Publisher queue.Publisher
	Events    events.Publisher

	Interval            time.Duration
	LivenessDeadline    time.Duration
	OrphanDeadline      time.Duration
	ReservationDeadline time.Duration
	MaxAttempts         int
	BatchLimit          int
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	Requeued     int
	DeadLettered int
	Republished  int
	Failed       int
	Committed    int
	Refunded     int
}

// Sweeper recovers jobs and reservations left behind by crashed processes.
// Every action goes through the same CAS transitions and idempotent ledger
// operations as the worker, so sweepers may run on every replica.
type Sweeper struct {
	logger    *slog.Logger
	jobs      domain.JobStore
	ledger    domain.Ledger
	publisher queue.Publisher
	events    events.Publisher
	cfg       SweeperConfig
	now       func() time.Time
}

// NewSweeper creates a sweeper
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.NopPublisher{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LivenessDeadline <= 0 {
		cfg.LivenessDeadline = 2 * time.Minute
	}
	if cfg.OrphanDeadline <= 0 {
		cfg.OrphanDeadline = 10 * time.Minute
	}
	if cfg.ReservationDeadline <= 0 {
		cfg.ReservationDeadline = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}

	return &Sweeper{
		logger:    cfg.Logger,
		jobs:      cfg.Jobs,
		ledger:    cfg.Ledger,
		publisher: cfg.Publisher,
		events:    cfg.Events,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Recovery sweeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("liveness_deadline", s.cfg.LivenessDeadline),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Recovery sweeper stopped")
			return
		case <-ticker.C:
			report := s.Sweep(ctx)
			if report != (SweepReport{}) {
				s.logger.Info("Recovery sweep finished",
					slog.Int("requeued", report.Requeued),
					slog.Int("dead_lettered", report.DeadLettered),
					slog.Int("republished", report.Republished),
					slog.Int("failed", report.Failed),
					slog.Int("committed", report.Committed),
					slog.Int("refunded", report.Refunded),
				)
			}
		}
	}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	now := s.now()

	s.recoverStalled(ctx, now.Add(-s.cfg.LivenessDeadline), &report)
	s.republishOrphans(ctx, now.Add(-s.cfg.OrphanDeadline), &report)
	s.settleReservations(ctx, now.Add(-s.cfg.ReservationDeadline), &report)

	return report
}

// recoverStalled handles PROCESSING jobs whose owner stopped heartbeating.
func (s *Sweeper) recoverStalled(ctx context.Context, olderThan time.Time, report *SweepReport) {
	stalled, err := s.jobs.ListStale(ctx, domain.JobStateProcessing, olderThan, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Failed to list stalled jobs", slog.String("error", err.Error()))
		return
	}

	for _, job := range stalled {
		if job.Attempts+1 < s.cfg.MaxAttempts {
			if _, err := s.jobs.Transition(ctx, job.JobID, domain.JobStateProcessing, domain.JobStateQueued); err != nil {
				s.logSkip(job.JobID, "requeue stalled job", err)
				continue
			}
			report.Requeued++
			metrics.JobsProcessedTotal.WithLabelValues("recovered").Inc()
			if s.republish(ctx, job.JobID) {
				report.Republished++
			}
			continue
		}

		if err := s.jobs.RecordResult(ctx, job.JobID, domain.JobResult{Error: errLostHeartbeat}); err != nil && !errors.Is(err, domain.ErrStaleTransition) {
			s.logSkip(job.JobID, "record stalled failure", err)
			continue
		}
		done, err := s.jobs.Transition(ctx, job.JobID, domain.JobStateProcessing, domain.JobStateDeadLettered)
		if err != nil {
			s.logSkip(job.JobID, "dead-letter stalled job", err)
			continue
		}
		report.DeadLettered++
		metrics.JobsProcessedTotal.WithLabelValues("dead_lettered").Inc()
		if s.settle(ctx, job.JobID, false) {
			report.Refunded++
		}
		s.publishResult(ctx, done)
	}
}

// republishOrphans re-sends QUEUED jobs that sat unclaimed past the deadline.
// A duplicate message is harmless: the claim CAS lets only one through.
func (s *Sweeper) republishOrphans(ctx context.Context, olderThan time.Time, report *SweepReport) {
	orphans, err := s.jobs.ListStale(ctx, domain.JobStateQueued, olderThan, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Failed to list orphaned jobs", slog.String("error", err.Error()))
		return
	}
	for _, job := range orphans {
		if !s.republish(ctx, job.JobID) {
			continue
		}
		report.Republished++
		// Restart the orphan clock so the next sweep leaves the fresh message alone.
		if err := s.jobs.Touch(ctx, job.JobID, domain.JobStateQueued, s.now()); err != nil {
			s.logSkip(job.JobID, "touch", err)
		}
	}
}

// settleReservations resolves HELD reservations from the state of their job.
func (s *Sweeper) settleReservations(ctx context.Context, olderThan time.Time, report *SweepReport) {
	held, err := s.ledger.ListHeld(ctx, olderThan, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Failed to list held reservations", slog.String("error", err.Error()))
		return
	}

	for _, r := range held {
		job, err := s.jobs.Get(ctx, r.JobID)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			// Reserved but never persisted.
			if s.settle(ctx, r.JobID, false) {
				report.Refunded++
			}
			continue
		case err != nil:
			s.logSkip(r.JobID, "load job for reservation", err)
			continue
		}

		switch job.State {
		case domain.JobStateReserved:
			failed, err := s.jobs.Transition(ctx, job.JobID, domain.JobStateReserved, domain.JobStateFailed)
			if err != nil {
				s.logSkip(job.JobID, "fail abandoned job", err)
				continue
			}
			report.Failed++
			if s.settle(ctx, job.JobID, false) {
				report.Refunded++
			}
			s.publishResult(ctx, failed)
		case domain.JobStateCompleted:
			if s.settle(ctx, job.JobID, true) {
				report.Committed++
			}
		case domain.JobStateFailed, domain.JobStateDeadLettered:
			if s.settle(ctx, job.JobID, false) {
				report.Refunded++
			}
		}
	}
}

func (s *Sweeper) republish(ctx context.Context, jobID string) bool {
	if err := s.publisher.Publish(ctx, jobID); err != nil {
		s.logger.Error("Failed to republish job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *Sweeper) settle(ctx context.Context, jobID string, commit bool) bool {
	kind := "refund"
	settleFn := s.ledger.Refund
	if commit {
		kind = "commit"
		settleFn = s.ledger.Commit
	}
	if err := settleFn(ctx, jobID); err != nil {
		s.logSkip(jobID, kind+" reservation", err)
		return false
	}
	metrics.BillingSettlementsTotal.WithLabelValues(kind).Inc()
	return true
}

func (s *Sweeper) publishResult(ctx context.Context, job *domain.Job) {
	ev := events.ResultEvent{
		JobID:       job.JobID,
		AccountID:   job.AccountID,
		State:       job.State,
		ProcessedAt: s.now().UTC(),
	}
	if job.Result != nil {
		ev.Error = job.Result.Error
	}
	if err := s.events.PublishResult(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish result event",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Sweeper) logSkip(jobID, step string, err error) {
	level := slog.LevelError
	if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, domain.ErrAlreadySettled) {
		level = slog.LevelDebug
	}
	s.logger.Log(context.Background(), level, "Sweeper skipped step",
		slog.String("job_id", jobID),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}
