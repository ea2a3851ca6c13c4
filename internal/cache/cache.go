// Package cache keeps cross-process hints in Redis: approximate queue
// counters and a record of jobs that already reached a terminal state. Both
// are optimisations; the job store stays authoritative.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
	"github.com/redis/rueidis"
)

const (
	DefaultPrefix  = "pricing"
	DefaultHintTTL = 24 * time.Hour
)

// Config for the cache store
type Config struct {
	Prefix  string
	HintTTL time.Duration
}

// Store implements queue.Counters and terminal-state hints on rueidis.
type Store struct {
	client  rueidis.Client
	prefix  string
	hintTTL time.Duration
}

var _ queue.Counters = (*Store)(nil)

// New creates a cache store
func New(client rueidis.Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.HintTTL <= 0 {
		cfg.HintTTL = DefaultHintTTL
	}
	return &Store{
		client:  client,
		prefix:  cfg.Prefix,
		hintTTL: cfg.HintTTL,
	}
}

func (s *Store) depthKey() string    { return s.prefix + ":queue:depth" }
func (s *Store) inFlightKey() string { return s.prefix + ":queue:inflight" }
func (s *Store) doneKey(jobID string) string {
	return s.prefix + ":job:done:" + jobID
}

// Add adjusts both counters in one round trip.
func (s *Store) Add(ctx context.Context, depthDelta, inFlightDelta int64) error {
	b := s.client.B()
	results := s.client.DoMulti(ctx,
		b.Incrby().Key(s.depthKey()).Increment(depthDelta).Build(),
		b.Incrby().Key(s.inFlightKey()).Increment(inFlightDelta).Build(),
	)
	for _, r := range results {
		if err := r.Error(); err != nil {
			return fmt.Errorf("incrby queue counters: %w", err)
		}
	}
	return nil
}

// Snapshot reads both counters. Missing keys read as zero and negative
// drift is clamped.
func (s *Store) Snapshot(ctx context.Context) (queue.Stats, error) {
	cmd := s.client.B().Mget().Key(s.depthKey(), s.inFlightKey()).Build()
	values, err := s.client.Do(ctx, cmd).ToArray()
	if err != nil {
		return queue.Stats{}, fmt.Errorf("mget queue counters: %w", err)
	}
	if len(values) != 2 {
		return queue.Stats{}, fmt.Errorf("mget queue counters: expected 2 values, got %d", len(values))
	}

	depth, err := counterValue(values[0])
	if err != nil {
		return queue.Stats{}, err
	}
	inFlight, err := counterValue(values[1])
	if err != nil {
		return queue.Stats{}, err
	}
	return queue.Stats{Depth: depth, InFlight: inFlight}, nil
}

func counterValue(m rueidis.RedisMessage) (int64, error) {
	if m.IsNil() {
		return 0, nil
	}
	v, err := m.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("parse queue counter: %w", err)
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}

// MarkDone records that jobID reached a terminal state. Terminal states are
// absorbing, so the hint can never go stale.
func (s *Store) MarkDone(ctx context.Context, jobID string, state domain.JobState) error {
	cmd := s.client.B().Set().Key(s.doneKey(jobID)).Value(string(state)).Ex(s.hintTTL).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("set done hint: %w", err)
	}
	return nil
}

// DoneState returns the terminal state recorded for jobID, if any.
func (s *Store) DoneState(ctx context.Context, jobID string) (domain.JobState, bool, error) {
	cmd := s.client.B().Get().Key(s.doneKey(jobID)).Build()
	v, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get done hint: %w", err)
	}
	return domain.JobState(v), true, nil
}
