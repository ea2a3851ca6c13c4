package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/metrics"
)

// processJob runs inference for a claimed job with timeout and heartbeat, then
// settles it. Billing only happens after winning the terminal transition.
func (w *Worker) processJob(ctx context.Context, t *task) {
	job := t.job
	w.logger.Info("Processing job",
		slog.String("job_id", job.JobID),
		slog.String("worker_id", w.workerID),
		slog.Int("items", len(job.Items)),
		slog.Int("attempts", job.Attempts),
	)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)

	start := time.Now()
	preds, err := w.predictor.PredictItems(jobCtx, job.Items)
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	close(heartbeatDone)
	cancel()

	if ctx.Err() != nil {
		// Hard shutdown deadline: leave the job PROCESSING and the message
		// unacked. Redelivery or the sweeper picks it up.
		w.logger.Warn("Job abandoned on shutdown",
			slog.String("job_id", job.JobID),
		)
		metrics.JobsProcessedTotal.WithLabelValues("abandoned").Inc()
		return
	}

	if err != nil {
		w.fail(ctx, t, err)
		return
	}
	w.complete(ctx, t, preds)
}

func (w *Worker) complete(ctx context.Context, t *task, preds []domain.Prediction) {
	jobID := t.job.JobID

	if err := w.jobs.RecordResult(ctx, jobID, domain.JobResult{Predictions: preds}); err != nil {
		w.lostOwnership(ctx, t, "record result", err)
		return
	}

	job, err := w.jobs.Transition(ctx, jobID, domain.JobStateProcessing, domain.JobStateCompleted)
	if err != nil {
		w.lostOwnership(ctx, t, "complete job", err)
		return
	}

	w.settle(ctx, jobID, true)
	w.ack(ctx, t.msg)
	w.markDone(ctx, jobID, job.State)
	w.publishResult(ctx, job)
	metrics.JobsProcessedTotal.WithLabelValues("completed").Inc()

	w.logger.Info("Job completed successfully",
		slog.String("job_id", jobID),
		slog.String("cost", job.Cost.String()),
	)
}

func (w *Worker) fail(ctx context.Context, t *task, cause error) {
	jobID := t.job.JobID

	if w.shouldRequeueJob(t.job, cause) {
		if _, err := w.jobs.Transition(ctx, jobID, domain.JobStateProcessing, domain.JobStateQueued); err != nil {
			w.lostOwnership(ctx, t, "requeue job", err)
			return
		}
		w.nack(ctx, t.msg, true)
		metrics.JobsProcessedTotal.WithLabelValues("requeued").Inc()

		w.logger.Info("Job will be retried",
			slog.String("job_id", jobID),
			slog.Int("attempt", t.job.Attempts+1),
			slog.Int("max_attempts", w.maxAttempts),
			slog.String("error", cause.Error()),
		)
		return
	}

	if err := w.jobs.RecordResult(ctx, jobID, domain.JobResult{Error: cause.Error()}); err != nil {
		w.lostOwnership(ctx, t, "record failure", err)
		return
	}

	job, err := w.jobs.Transition(ctx, jobID, domain.JobStateProcessing, domain.JobStateDeadLettered)
	if err != nil {
		w.lostOwnership(ctx, t, "dead-letter job", err)
		return
	}

	w.settle(ctx, jobID, false)
	w.nack(ctx, t.msg, false)
	w.markDone(ctx, jobID, job.State)
	w.publishResult(ctx, job)
	metrics.JobsProcessedTotal.WithLabelValues("dead_lettered").Inc()

	w.logger.Warn("Job dead-lettered",
		slog.String("job_id", jobID),
		slog.Int("attempts", job.Attempts),
		slog.String("error", cause.Error()),
	)
}

// lostOwnership handles a failed write after the claim. A stale transition
// means another worker or the sweeper moved the job, so this delivery is a
// duplicate. Any other error leaves the job PROCESSING for the sweeper.
func (w *Worker) lostOwnership(ctx context.Context, t *task, step string, err error) {
	if errors.Is(err, domain.ErrStaleTransition) {
		w.logger.Warn("Job moved by another owner, dropping delivery",
			slog.String("job_id", t.job.JobID),
			slog.String("step", step),
		)
		w.ack(ctx, t.msg)
		metrics.JobsProcessedTotal.WithLabelValues("duplicate").Inc()
		return
	}

	w.logger.Error("Failed to "+step,
		slog.String("job_id", t.job.JobID),
		slog.String("error", err.Error()),
	)
	w.nack(ctx, t.msg, true)
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, jobID, w.workerID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
