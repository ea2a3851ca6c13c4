// Package memory is an in-process queue with RabbitMQ-like semantics: manual
// ack, requeue on nack, dead-lettering and redelivery of unacked messages
// after a visibility timeout.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/queue"
)

var (
	ErrClosed          = queue.ErrClosed
	ErrUnknownDelivery = errors.New("unknown delivery tag")
)

type entry struct {
	jobID       string
	body        []byte
	redelivered bool
}

type inflight struct {
	entry
	deadline time.Time
}

// Bridge implements queue.Bridge in memory.
type Bridge struct {
	mu         sync.Mutex
	ready      []entry
	inflight   map[uint64]inflight
	dead       []entry
	nextTag    uint64
	notify     chan struct{}
	closed     bool
	visibility time.Duration
	now        func() time.Time
}

var _ queue.Bridge = (*Bridge)(nil)

// NewBridge creates an empty queue. A zero visibility disables redelivery of
// unacked messages.
func NewBridge(visibility time.Duration) *Bridge {
	return &Bridge{
		inflight:   make(map[uint64]inflight),
		notify:     make(chan struct{}),
		visibility: visibility,
		now:        time.Now,
	}
}

func (b *Bridge) Publish(_ context.Context, jobID string) error {
	body, err := queue.Encode(jobID)
	if err != nil {
		return err
	}
	return b.PublishRaw(body)
}

// PublishRaw enqueues an arbitrary body, including malformed ones.
func (b *Bridge) PublishRaw(body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	jobID, _ := queue.Decode(body)
	b.ready = append(b.ready, entry{jobID: jobID, body: body})
	b.wakeLocked()
	return nil
}

func (b *Bridge) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]queue.Message, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("max count must be positive, got %d", maxCount)
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var batch []queue.Message
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return batch, ErrClosed
		}
		b.reapLocked()
		for len(batch) < maxCount && len(b.ready) > 0 {
			batch = append(batch, b.deliverLocked())
		}
		wait := b.notify
		b.mu.Unlock()

		if len(batch) == maxCount {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-timer.C:
			return batch, nil
		case <-wait:
		}
	}
}

func (b *Bridge) Ack(_ context.Context, msg queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflight[msg.DeliveryTag]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDelivery, msg.DeliveryTag)
	}
	delete(b.inflight, msg.DeliveryTag)
	return nil
}

func (b *Bridge) Nack(_ context.Context, msg queue.Message, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.inflight[msg.DeliveryTag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDelivery, msg.DeliveryTag)
	}
	delete(b.inflight, msg.DeliveryTag)

	if !requeue {
		b.dead = append(b.dead, f.entry)
		return nil
	}
	f.redelivered = true
	b.ready = append(b.ready, f.entry)
	b.wakeLocked()
	return nil
}

func (b *Bridge) Stats(_ context.Context) (queue.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return queue.Stats{Depth: int64(len(b.ready)), InFlight: int64(len(b.inflight))}, nil
}

// DeadLetters returns the job ids routed to the dead-letter queue.
func (b *Bridge) DeadLetters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.dead))
	for _, e := range b.dead {
		out = append(out, e.jobID)
	}
	return out
}

// Close stops the queue. Unacked messages are dropped.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.notify)
	}
	return nil
}

func (b *Bridge) deliverLocked() queue.Message {
	e := b.ready[0]
	b.ready = b.ready[1:]
	b.nextTag++

	now := b.now()
	b.inflight[b.nextTag] = inflight{entry: e, deadline: now.Add(b.visibility)}
	return queue.Message{
		JobID:       e.jobID,
		Body:        e.body,
		DeliveryTag: b.nextTag,
		Redelivered: e.redelivered,
		ReceivedAt:  now,
	}
}

// reapLocked returns expired in-flight messages to the ready list.
func (b *Bridge) reapLocked() {
	if b.visibility <= 0 {
		return
	}
	now := b.now()
	for tag, f := range b.inflight {
		if now.After(f.deadline) {
			delete(b.inflight, tag)
			f.redelivered = true
			b.ready = append(b.ready, f.entry)
		}
	}
}

func (b *Bridge) wakeLocked() {
	if b.closed {
		return
	}
	close(b.notify)
	b.notify = make(chan struct{})
}
