package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/events"
	"github.com/cuongbtq/pricing-pipeline/internal/metrics"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
)

// Inferencer scores the items of one job.
type Inferencer interface {
	PredictItems(ctx context.Context, items []domain.Item) ([]domain.Prediction, error)
}

// DoneHints is an optional shared cache of jobs that already reached a
// terminal state. It only short-circuits duplicates; the job store decides.
type DoneHints interface {
	MarkDone(ctx context.Context, jobID string, state domain.JobState) error
	DoneState(ctx context.Context, jobID string) (domain.JobState, bool, error)
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	WorkerID  string
	Jobs      domain.JobStore
	Ledger    domain.Ledger
	Bridge    queue.Bridge
	Predictor Inferencer
	Hints     DoneHints
	Events    events.Publisher

	Threads           int
	BatchSize         int
	PollTimeout       time.Duration
	MaxAttempts       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger    *slog.Logger
	workerID  string
	jobs      domain.JobStore
	ledger    domain.Ledger
	bridge    queue.Bridge
	predictor Inferencer
	hints     DoneHints
	events    events.Publisher

	threads           int
	batchSize         int
	pollTimeout       time.Duration
	maxAttempts       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	shutdownTimeout   time.Duration

	jobsChan chan *task
	wg       sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		workerID:          cfg.WorkerID,
		jobs:              cfg.Jobs,
		ledger:            cfg.Ledger,
		bridge:            cfg.Bridge,
		predictor:         cfg.Predictor,
		hints:             cfg.Hints,
		events:            cfg.Events,
		threads:           cfg.Threads,
		batchSize:         cfg.BatchSize,
		pollTimeout:       cfg.PollTimeout,
		maxAttempts:       cfg.MaxAttempts,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		shutdownTimeout:   cfg.ShutdownTimeout,
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.events == nil {
		w.events = events.NopPublisher{}
	}
	if w.threads <= 0 {
		w.threads = 4
	}
	if w.batchSize <= 0 {
		w.batchSize = 10
	}
	if w.pollTimeout <= 0 {
		w.pollTimeout = time.Second
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 5 * time.Minute
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}
	if w.shutdownTimeout <= 0 {
		w.shutdownTimeout = 30 * time.Second
	}

	w.jobsChan = make(chan *task, w.threads)
	return w
}

// Run consumes batches until ctx is canceled. The batch in flight when ctx is
// canceled is still settled, bounded by the shutdown timeout; after that any
// unfinished job is abandoned to broker redelivery and the recovery sweeper.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("threads", w.threads),
		slog.Int("batch_size", w.batchSize),
		slog.Duration("poll_timeout", w.pollTimeout),
		slog.Int("max_attempts", w.maxAttempts),
	)

	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()

	loopDone := make(chan struct{})
	defer close(loopDone)
	go w.enforceShutdownDeadline(ctx, loopDone, cancelProc)

	w.spawnWorkerPool(procCtx)
	defer func() {
		close(w.jobsChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	}()

	return w.receiveLoop(ctx, procCtx)
}

// enforceShutdownDeadline cancels in-flight processing once the shutdown
// timeout elapses after ctx is canceled.
func (w *Worker) enforceShutdownDeadline(ctx context.Context, loopDone <-chan struct{}, cancelProc context.CancelFunc) {
	select {
	case <-loopDone:
		return
	case <-ctx.Done():
	}

	w.logger.Info("Worker context canceled, draining in-flight batch",
		slog.Duration("shutdown_timeout", w.shutdownTimeout),
	)
	w.stopReceiving()

	timer := time.NewTimer(w.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-loopDone:
	case <-timer.C:
		w.logger.Warn("Shutdown timeout exceeded, abandoning unfinished jobs")
		cancelProc()
	}
}

// stopReceiving tells brokers with a prefetch buffer to stop delivering.
func (w *Worker) stopReceiving() {
	s, ok := w.bridge.(interface{ StopReceiving() error })
	if !ok {
		return
	}
	if err := s.StopReceiving(); err != nil {
		w.logger.Warn("Failed to stop receiving",
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := w.bridge.Ack(ctx, msg); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) nack(ctx context.Context, msg queue.Message, requeue bool) {
	if err := w.bridge.Nack(ctx, msg, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("job_id", msg.JobID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) markDone(ctx context.Context, jobID string, state domain.JobState) {
	if w.hints == nil {
		return
	}
	if err := w.hints.MarkDone(ctx, jobID, state); err != nil {
		w.logger.Warn("Failed to record done hint",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) isKnownDone(ctx context.Context, jobID string) bool {
	if w.hints == nil {
		return false
	}
	state, ok, err := w.hints.DoneState(ctx, jobID)
	if err != nil {
		w.logger.Debug("Done hint lookup failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok && state.Terminal()
}

func (w *Worker) publishResult(ctx context.Context, job *domain.Job) {
	ev := events.ResultEvent{
		JobID:       job.JobID,
		AccountID:   job.AccountID,
		State:       job.State,
		WorkerID:    w.workerID,
		ProcessedAt: time.Now().UTC(),
	}
	if job.Result != nil {
		ev.Predictions = job.Result.Predictions
		ev.Error = job.Result.Error
	}
	if err := w.events.PublishResult(ctx, ev); err != nil {
		w.logger.Warn("Failed to publish result event",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) settle(ctx context.Context, jobID string, commit bool) {
	kind := "refund"
	settleFn := w.ledger.Refund
	if commit {
		kind = "commit"
		settleFn = w.ledger.Commit
	}

	if err := settleFn(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			w.logger.Warn("Reservation already settled the other way",
				slog.String("job_id", jobID),
				slog.String("kind", kind),
			)
			return
		}
		// Left HELD; the sweeper settles it from the terminal job state.
		w.logger.Error("Failed to settle reservation",
			slog.String("job_id", jobID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.BillingSettlementsTotal.WithLabelValues(kind).Inc()
}
