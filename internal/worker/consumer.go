package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/metrics"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
)

const (
	minReceiveBackoff = 100 * time.Millisecond
	maxReceiveBackoff = 5 * time.Second
)

// receiveLoop pulls batches until ctx is canceled. Batches are settled on
// procCtx so a shutdown does not interrupt the batch already dequeued.
func (w *Worker) receiveLoop(ctx, procCtx context.Context) error {
	backoff := minReceiveBackoff

	for {
		if ctx.Err() != nil {
			w.logger.Info("Receive loop stopped - context canceled")
			return nil
		}

		batch, err := w.bridge.ReceiveBatch(ctx, w.batchSize, w.pollTimeout)
		metrics.BatchSize.Observe(float64(len(batch)))

		if len(batch) > 0 {
			w.processBatch(procCtx, batch)
		}

		if err == nil {
			backoff = minReceiveBackoff
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		if errors.Is(err, queue.ErrClosed) {
			return err
		}

		w.logger.Error("Failed to receive batch",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff),
		)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxReceiveBackoff)
	}
}

// processBatch claims every message of the batch and runs the winners on the
// pool. It returns once every claimed job has been settled or abandoned.
func (w *Worker) processBatch(ctx context.Context, batch []queue.Message) {
	w.logger.Debug("Batch received",
		slog.Int("size", len(batch)),
	)

	var wg sync.WaitGroup
	for _, msg := range batch {
		job, ok := w.claim(ctx, msg)
		if !ok {
			continue
		}

		wg.Add(1)
		w.jobsChan <- &task{msg: msg, job: job, done: wg.Done}
	}
	wg.Wait()
}

// claim moves the job QUEUED -> PROCESSING. Only the caller that wins the
// transition owns the job; every other outcome settles the message here.
func (w *Worker) claim(ctx context.Context, msg queue.Message) (*domain.Job, bool) {
	if msg.JobID == "" {
		w.logger.Error("Malformed message, dead-lettering",
			slog.Uint64("delivery_tag", msg.DeliveryTag),
			slog.String("body", string(msg.Body)),
		)
		w.nack(ctx, msg, false)
		metrics.JobsProcessedTotal.WithLabelValues("malformed").Inc()
		return nil, false
	}

	if w.isKnownDone(ctx, msg.JobID) {
		w.logger.Debug("Job already finished, skipping duplicate",
			slog.String("job_id", msg.JobID),
		)
		w.ack(ctx, msg)
		metrics.JobsProcessedTotal.WithLabelValues("duplicate").Inc()
		return nil, false
	}

	job, err := w.jobs.Transition(ctx, msg.JobID, domain.JobStateQueued, domain.JobStateProcessing)
	if err == nil {
		return job, true
	}

	var stale *domain.StaleTransitionError
	switch {
	case errors.As(err, &stale) && stale.Current == domain.JobStateReserved:
		// The message overtook the dispatcher's RESERVED -> QUEUED step.
		w.logger.Debug("Job not queued yet, requeueing",
			slog.String("job_id", msg.JobID),
		)
		w.nack(ctx, msg, true)
		metrics.JobsProcessedTotal.WithLabelValues("not_ready").Inc()

	case errors.As(err, &stale):
		w.logger.Info("Job already claimed or finished, skipping",
			slog.String("job_id", msg.JobID),
			slog.String("state", string(stale.Current)),
		)
		w.ack(ctx, msg)
		metrics.JobsProcessedTotal.WithLabelValues("duplicate").Inc()

	case errors.Is(err, domain.ErrJobNotFound):
		w.logger.Error("Message references unknown job, dead-lettering",
			slog.String("job_id", msg.JobID),
		)
		w.nack(ctx, msg, false)
		metrics.JobsProcessedTotal.WithLabelValues("malformed").Inc()

	default:
		w.logger.Error("Failed to claim job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(ctx, msg, true)
	}

	return nil, false
}
