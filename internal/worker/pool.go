package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
)

// task is one claimed job handed to the pool.
type task struct {
	msg  queue.Message
	job  *domain.Job
	done func()
}

// spawnWorkerPool spawns exactly threads goroutines fed by jobsChan
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("threads", w.threads),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.threads; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop runs until jobsChan is closed. It keeps draining after ctx is
// canceled so a batch never blocks on a send; canceled jobs are abandoned
// by processJob.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for t := range w.jobsChan {
		w.logger.Debug("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", t.job.JobID),
			slog.Uint64("delivery_tag", t.msg.DeliveryTag),
		)
		w.processJob(ctx, t)
		t.done()
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// shouldRequeueJob reports whether a failed job gets another attempt.
func (w *Worker) shouldRequeueJob(job *domain.Job, err error) bool {
	if !domain.IsRetryable(err) {
		return false
	}
	return job.Attempts+1 < w.maxAttempts
}
