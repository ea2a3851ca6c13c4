package worker

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) sweeper() *Sweeper {
	s := NewSweeper(SweeperConfig{
		Logger:              testLogger,
		Jobs:                f.jobs,
		Ledger:              f.ledger,
		Publisher:           f.bridge,
		LivenessDeadline:    time.Minute,
		OrphanDeadline:      10 * time.Minute,
		ReservationDeadline: 5 * time.Minute,
		MaxAttempts:         3,
	})
	// Everything created by the test looks old enough to recover.
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	return s
}

// claimTimes claims the job n times, requeueing between claims, so it ends
// PROCESSING with n-1 attempts.
func (f *fixture) claimTimes(t *testing.T, jobID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if i > 0 {
			_, err := f.jobs.Transition(ctx, jobID, domain.JobStateProcessing, domain.JobStateQueued)
			require.NoError(t, err)
		}
		_, err := f.jobs.Transition(ctx, jobID, domain.JobStateQueued, domain.JobStateProcessing)
		require.NoError(t, err)
	}
}

func (f *fixture) drainQueue(t *testing.T) {
	t.Helper()
	msgs, err := f.bridge.ReceiveBatch(context.Background(), 100, time.Millisecond)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, f.bridge.Ack(context.Background(), m))
	}
}

func TestSweeperRequeuesStalledJob(t *testing.T) {
	f := newFixture(t, 10000)
	f.enqueue(t, "j1", 500)
	f.drainQueue(t)
	f.claimTimes(t, "j1", 1)

	report := f.sweeper().Sweep(context.Background())

	assert.Equal(t, 1, report.Requeued)
	job, err := f.jobs.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, domain.ReservationHeld, f.reservation(t, "j1"))

	s, err := f.bridge.Stats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.Depth, int64(1))
}

func TestSweeperDeadLettersStalledJobOutOfAttempts(t *testing.T) {
	f := newFixture(t, 10000)
	f.enqueue(t, "j1", 500)
	f.drainQueue(t)
	f.claimTimes(t, "j1", 3)

	report := f.sweeper().Sweep(context.Background())

	assert.Equal(t, 1, report.DeadLettered)
	job, err := f.jobs.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDeadLettered, job.State)
	require.NotNil(t, job.Result)
	assert.Equal(t, errLostHeartbeat, job.Result.Error)
	assert.Equal(t, domain.ReservationReleased, f.reservation(t, "j1"))
	assert.Equal(t, domain.Money(10000), f.balance(t))
}

func TestSweeperSettlesHeldReservations(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	// Reserved, never persisted.
	_, err := f.ledger.Reserve(ctx, account, 100, "missing")
	require.NoError(t, err)

	// Persisted, never published.
	_, err = f.ledger.Reserve(ctx, account, 200, "stuck")
	require.NoError(t, err)
	require.NoError(t, f.jobs.Create(ctx, &domain.Job{JobID: "stuck", AccountID: account, Cost: 200, State: domain.JobStateReserved}))

	// Completed, commit lost.
	f.enqueue(t, "done", 300)
	f.drainQueue(t)
	f.claimTimes(t, "done", 1)
	require.NoError(t, f.jobs.RecordResult(ctx, "done", domain.JobResult{Predictions: []domain.Prediction{{Price: 1}}}))
	_, err = f.jobs.Transition(ctx, "done", domain.JobStateProcessing, domain.JobStateCompleted)
	require.NoError(t, err)

	report := f.sweeper().Sweep(ctx)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 2, report.Refunded)

	assert.Equal(t, domain.ReservationReleased, f.reservation(t, "missing"))
	assert.Equal(t, domain.ReservationReleased, f.reservation(t, "stuck"))
	assert.Equal(t, domain.ReservationCommitted, f.reservation(t, "done"))

	stuck, err := f.jobs.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, stuck.State)
	assert.Equal(t, domain.Money(10000-300), f.balance(t))

	// A second pass finds nothing left to do.
	assert.Equal(t, SweepReport{}, f.sweeper().Sweep(ctx))
}

func TestSweeperRepublishesOrphanedQueuedJobs(t *testing.T) {
	f := newFixture(t, 10000)
	f.enqueue(t, "j1", 500)
	f.drainQueue(t)

	s := f.sweeper()
	s.cfg.ReservationDeadline = 24 * time.Hour

	report := s.Sweep(context.Background())
	assert.Equal(t, 1, report.Republished)

	msgs, err := f.bridge.ReceiveBatch(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "j1", msgs[0].JobID)
}

func TestSweeperRepublishesOrphanOncePerDeadline(t *testing.T) {
	f := newFixture(t, 10000)
	f.enqueue(t, "j1", 500)
	f.drainQueue(t)

	s := f.sweeper()
	s.cfg.ReservationDeadline = 24 * time.Hour

	first := s.Sweep(context.Background())
	second := s.Sweep(context.Background())
	assert.Equal(t, 1, first.Republished)
	assert.Zero(t, second.Republished)

	msgs, err := f.bridge.ReceiveBatch(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	job, err := f.jobs.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job.State)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 10000)
	s := f.sweeper()
	s.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
