// Package memory provides in-process JobStore and Ledger implementations for
// tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

// JobStore is a mutex-guarded map of jobs.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

var _ domain.JobStore = (*JobStore)(nil)

// NewJobStore returns an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

func (s *JobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrJobExists, job.JobID)
	}

	stored := job.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	s.jobs[job.JobID] = stored
	return nil
}

func (s *JobStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *JobStore) Transition(_ context.Context, jobID string, from, to domain.JobState) (*domain.Job, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.State != from {
		return nil, &domain.StaleTransitionError{JobID: jobID, Expected: from, Current: job.State}
	}

	now := s.now()
	job.State = to
	job.UpdatedAt = now
	if domain.CountsAttempt(from, to) {
		job.Attempts++
	}
	if to == domain.JobStateProcessing {
		hb := now
		job.HeartbeatAt = &hb
	}
	if to == domain.JobStateQueued {
		job.Result = nil
	}
	return job.Clone(), nil
}

func (s *JobStore) RecordResult(_ context.Context, jobID string, result domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.JobStateProcessing || job.Result != nil {
		return &domain.StaleTransitionError{JobID: jobID, Expected: domain.JobStateProcessing, Current: job.State}
	}

	r := result
	r.Predictions = append([]domain.Prediction(nil), result.Predictions...)
	job.Result = &r
	return nil
}

func (s *JobStore) Heartbeat(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.JobStateProcessing {
		return nil
	}
	now := s.now()
	job.HeartbeatAt = &now
	job.WorkerID = workerID
	return nil
}

func (s *JobStore) Touch(_ context.Context, jobID string, state domain.JobState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != state {
		return &domain.StaleTransitionError{JobID: jobID, Expected: state, Current: job.State}
	}
	job.UpdatedAt = at
	return nil
}

func (s *JobStore) ListStale(_ context.Context, state domain.JobState, olderThan time.Time, limit int) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if job.State != state {
			continue
		}
		ref := job.UpdatedAt
		if state == domain.JobStateProcessing && job.HeartbeatAt != nil {
			ref = *job.HeartbeatAt
		}
		if ref.Before(olderThan) {
			out = append(out, job.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByAccount orders by (created_at, job_id) descending and returns up to
// PageSize+1 rows so callers can detect a next page.
func (s *JobStore) ListByAccount(_ context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if filter.AccountID != "" && job.AccountID != filter.AccountID {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if c := filter.Cursor; c != nil && !before(job, c) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID > out[j].JobID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func before(job *domain.Job, c *domain.JobCursor) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.JobID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}
