package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestAdd(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	s := New(c, Config{})

	c.EXPECT().DoMulti(gomock.Any(),
		mock.Match("INCRBY", "pricing:queue:depth", "-2"),
		mock.Match("INCRBY", "pricing:queue:inflight", "2"),
	).Return([]rueidis.RedisResult{
		mock.Result(mock.RedisInt64(3)),
		mock.Result(mock.RedisInt64(2)),
	})

	require.NoError(t, s.Add(context.Background(), -2, 2))
}

func TestAddError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	s := New(c, Config{Prefix: "test"})

	c.EXPECT().DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).Return([]rueidis.RedisResult{
		mock.Result(mock.RedisInt64(1)),
		mock.ErrorResult(errors.New("connection reset")),
	})

	err := s.Add(context.Background(), 1, 0)
	assert.ErrorContains(t, err, "connection reset")
}

func TestSnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	s := New(c, Config{})

	c.EXPECT().Do(gomock.Any(), mock.Match("MGET", "pricing:queue:depth", "pricing:queue:inflight")).
		Return(mock.Result(mock.RedisArray(mock.RedisString("7"), mock.RedisNil())))

	stats, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Depth: 7, InFlight: 0}, stats)
}

func TestSnapshotClampsNegative(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	s := New(c, Config{})

	c.EXPECT().Do(gomock.Any(), gomock.Any()).
		Return(mock.Result(mock.RedisArray(mock.RedisString("-4"), mock.RedisString("2"))))

	stats, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Depth: 0, InFlight: 2}, stats)
}

func TestMarkDone(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	s := New(c, Config{HintTTL: time.Hour})

	c.EXPECT().Do(gomock.Any(), mock.Match("SET", "pricing:job:done:j1", "COMPLETED", "EX", "3600")).
		Return(mock.Result(mock.RedisString("OK")))

	require.NoError(t, s.MarkDone(context.Background(), "j1", domain.JobStateCompleted))
}

func TestDoneState(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	s := New(c, Config{})

	c.EXPECT().Do(gomock.Any(), mock.Match("GET", "pricing:job:done:j1")).
		Return(mock.Result(mock.RedisString("DEAD_LETTERED")))
	c.EXPECT().Do(gomock.Any(), mock.Match("GET", "pricing:job:done:j2")).
		Return(mock.Result(mock.RedisNil()))

	state, ok, err := s.DoneState(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.JobStateDeadLettered, state)

	_, ok, err = s.DoneState(context.Background(), "j2")
	require.NoError(t, err)
	assert.False(t, ok)
}
