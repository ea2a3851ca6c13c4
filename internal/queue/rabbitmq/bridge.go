// Package rabbitmq implements queue.Bridge on a RabbitMQ queue with manual
// acknowledgements and a dead-letter exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrConsumerClosed is returned when the broker closes the delivery channel
var ErrConsumerClosed = errors.New("rabbitmq delivery channel closed")

// Broker is the subset of the shared RabbitMQ client used by the bridge.
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	CancelConsumer(consumerTag string) error
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
	Close() error
}

// Config for the bridge
type Config struct {
	ConsumerTag   string
	PrefetchCount int
}

// Bridge implements queue.Bridge
type Bridge struct {
	broker   Broker
	counters queue.Counters
	logger   *slog.Logger
	cfg      Config

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

var _ queue.Bridge = (*Bridge)(nil)

// NewBridge creates a bridge. Consumption starts lazily on the first receive,
// so publish-only processes never register a consumer.
func NewBridge(broker Broker, counters queue.Counters, cfg Config, logger *slog.Logger) *Bridge {
	if counters == nil {
		counters = queue.NopCounters{}
	}
	return &Bridge{
		broker:   broker,
		counters: counters,
		logger:   logger,
		cfg:      cfg,
	}
}

func (b *Bridge) Publish(ctx context.Context, jobID string) error {
	body, err := queue.Encode(jobID)
	if err != nil {
		return err
	}

	if err := b.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}

	b.count(ctx, 1, 0)
	return nil
}

// startConsumer sets QoS and starts consuming once per bridge
func (b *Bridge) startConsumer() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deliveries != nil {
		return b.deliveries, nil
	}

	if b.cfg.PrefetchCount > 0 {
		if err := b.broker.Qos(b.cfg.PrefetchCount); err != nil {
			return nil, err
		}
	}

	deliveries, err := b.broker.Consume(b.cfg.ConsumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	b.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", b.cfg.ConsumerTag),
		slog.Int("prefetch_count", b.cfg.PrefetchCount),
	)

	b.deliveries = deliveries
	return deliveries, nil
}

// ReceiveBatch collects deliveries until maxCount or maxWait. On context
// cancellation the partial batch is returned together with ctx.Err() so the
// caller can still settle what it holds.
func (b *Bridge) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]queue.Message, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("max count must be positive, got %d", maxCount)
	}

	deliveries, err := b.startConsumer()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	batch := make([]queue.Message, 0, maxCount)
	defer func() { b.count(ctx, -int64(len(batch)), int64(len(batch))) }()

	for len(batch) < maxCount {
		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-timer.C:
			return batch, nil
		case d, ok := <-deliveries:
			if !ok {
				b.logger.Warn("RabbitMQ delivery channel closed")
				b.resetConsumer(deliveries)
				return batch, ErrConsumerClosed
			}
			batch = append(batch, toMessage(d))
		}
	}

	return batch, nil
}

// resetConsumer forgets a closed delivery channel so the next receive
// consumes again on the reconnected channel.
func (b *Bridge) resetConsumer(closed <-chan amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deliveries == closed {
		b.deliveries = nil
	}
}

func toMessage(d amqp.Delivery) queue.Message {
	// Malformed bodies keep an empty JobID; the worker dead-letters them.
	jobID, _ := queue.Decode(d.Body)
	return queue.Message{
		JobID:       jobID,
		Body:        d.Body,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		ReceivedAt:  time.Now(),
	}
}

func (b *Bridge) Ack(ctx context.Context, msg queue.Message) error {
	if err := b.broker.Ack(msg.DeliveryTag); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", msg.DeliveryTag, err)
	}
	b.count(ctx, 0, -1)
	return nil
}

func (b *Bridge) Nack(ctx context.Context, msg queue.Message, requeue bool) error {
	if err := b.broker.Nack(msg.DeliveryTag, requeue); err != nil {
		return fmt.Errorf("failed to nack delivery %d: %w", msg.DeliveryTag, err)
	}
	if requeue {
		b.count(ctx, 1, -1)
	} else {
		b.count(ctx, 0, -1)
	}
	return nil
}

func (b *Bridge) Stats(ctx context.Context) (queue.Stats, error) {
	return b.counters.Snapshot(ctx)
}

// StopReceiving cancels the consumer so the broker stops pushing new
// deliveries; already delivered messages can still be acked.
func (b *Bridge) StopReceiving() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deliveries == nil {
		return nil
	}
	return b.broker.CancelConsumer(b.cfg.ConsumerTag)
}

func (b *Bridge) Close() error {
	return b.broker.Close()
}

func (b *Bridge) count(ctx context.Context, depth, inFlight int64) {
	if depth == 0 && inFlight == 0 {
		return
	}
	if err := b.counters.Add(context.WithoutCancel(ctx), depth, inFlight); err != nil {
		b.logger.Debug("Failed to update queue counters", slog.String("error", err.Error()))
	}
}
