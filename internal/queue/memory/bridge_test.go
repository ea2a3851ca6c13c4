package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishN(t *testing.T, b *Bridge, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), fmt.Sprintf("job-%d", i)))
	}
}

func TestReceiveBatchReturnsFullBatchImmediately(t *testing.T) {
	b := NewBridge(0)
	publishN(t, b, 25)

	start := time.Now()
	batch, err := b.ReceiveBatch(context.Background(), 10, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, batch, 10)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "job-0", batch[0].JobID)
}

func TestReceiveBatchReturnsPartialAfterTimeout(t *testing.T) {
	b := NewBridge(0)
	publishN(t, b, 3)

	start := time.Now()
	batch, err := b.ReceiveBatch(context.Background(), 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReceiveBatchEmptyAfterTimeout(t *testing.T) {
	b := NewBridge(0)

	batch, err := b.ReceiveBatch(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestReceiveBatchWakesOnPublish(t *testing.T) {
	b := NewBridge(0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		publishN(t, b, 2)
	}()

	batch, err := b.ReceiveBatch(context.Background(), 2, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestReceiveBatchContextCanceled(t *testing.T) {
	b := NewBridge(0)
	publishN(t, b, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	batch, err := b.ReceiveBatch(ctx, 5, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, batch, 1)
}

func TestAckNackSemantics(t *testing.T) {
	ctx := context.Background()
	b := NewBridge(0)
	publishN(t, b, 3)

	batch, err := b.ReceiveBatch(ctx, 3, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	require.NoError(t, b.Ack(ctx, batch[0]))
	require.NoError(t, b.Nack(ctx, batch[1], true))
	require.NoError(t, b.Nack(ctx, batch[2], false))

	assert.ErrorIs(t, b.Ack(ctx, batch[0]), ErrUnknownDelivery)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Depth: 1, InFlight: 0}, stats)
	assert.Equal(t, []string{"job-2"}, b.DeadLetters())

	again, err := b.ReceiveBatch(ctx, 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "job-1", again[0].JobID)
	assert.True(t, again[0].Redelivered)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	b := NewBridge(time.Minute)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	publishN(t, b, 1)

	first, err := b.ReceiveBatch(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock = clock.Add(2 * time.Minute)
	second, err := b.ReceiveBatch(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].JobID, second[0].JobID)
	assert.True(t, second[0].Redelivered)
	assert.NotEqual(t, first[0].DeliveryTag, second[0].DeliveryTag)

	assert.ErrorIs(t, b.Ack(ctx, first[0]), ErrUnknownDelivery)
	assert.NoError(t, b.Ack(ctx, second[0]))
}

func TestMalformedBodyIsDelivered(t *testing.T) {
	b := NewBridge(0)
	require.NoError(t, b.PublishRaw([]byte("not json")))

	batch, err := b.ReceiveBatch(context.Background(), 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Empty(t, batch[0].JobID)
}

func TestClose(t *testing.T) {
	b := NewBridge(0)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "x"), ErrClosed)
	_, err := b.ReceiveBatch(context.Background(), 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}
