// Package queue defines the broker-neutral job queue used between the
// dispatcher and the workers. Delivery is at-least-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

// ErrClosed is returned by a bridge that has been closed for good.
var ErrClosed = errors.New("queue closed")

// Message is one delivery of a job envelope.
type Message struct {
	JobID       string
	Body        []byte
	DeliveryTag uint64
	Redelivered bool
	ReceivedAt  time.Time
}

// Stats are best-effort counters and must never drive correctness decisions.
type Stats struct {
	Depth    int64
	InFlight int64
}

// Publisher hands a job id to the broker.
type Publisher interface {
	Publish(ctx context.Context, jobID string) error
}

// Bridge is the worker-facing side of the queue.
type Bridge interface {
	Publisher
	// ReceiveBatch returns once maxCount messages are collected or maxWait
	// elapsed, whichever comes first. The batch may be empty.
	ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	// Nack with requeue=false routes the message to the dead-letter queue.
	Nack(ctx context.Context, msg Message, requeue bool) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Counters tracks approximate depth and in-flight counts across processes.
type Counters interface {
	Add(ctx context.Context, depthDelta, inFlightDelta int64) error
	Snapshot(ctx context.Context) (Stats, error)
}

type envelope struct {
	JobID string `json:"job_id"`
}

// Encode builds the wire envelope for jobID.
func Encode(jobID string) ([]byte, error) {
	return json.Marshal(envelope{JobID: jobID})
}

// Decode extracts the job id from a wire envelope.
func Decode(body []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	if strings.TrimSpace(env.JobID) == "" {
		return "", fmt.Errorf("%w: missing job_id", domain.ErrInvalidMessage)
	}
	return env.JobID, nil
}

// NopCounters discards updates and reports zeros.
type NopCounters struct{}

func (NopCounters) Add(context.Context, int64, int64) error { return nil }

func (NopCounters) Snapshot(context.Context) (Stats, error) { return Stats{}, nil }
