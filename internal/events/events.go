// Package events publishes terminal job results as the callback path.
// Delivery is best-effort; polling the job store stays authoritative.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

// ResultEvent is published once a job reaches a terminal state.
type ResultEvent struct {
	JobID       string              `json:"job_id"`
	AccountID   string              `json:"account_id"`
	State       domain.JobState     `json:"state"`
	Predictions []domain.Prediction `json:"predictions,omitempty"`
	Error       string              `json:"error,omitempty"`
	WorkerID    string              `json:"worker_id"`
	ProcessedAt time.Time           `json:"processed_at"`
}

// Publisher sends result events.
type Publisher interface {
	PublishResult(ctx context.Context, event ResultEvent) error
}

// Sender delivers a raw body to the results exchange.
type Sender interface {
	PublishResult(ctx context.Context, body []byte) error
}

// AMQPPublisher encodes events as JSON and hands them to a Sender.
type AMQPPublisher struct {
	sender Sender
}

// NewAMQPPublisher creates a publisher over the shared RabbitMQ client.
func NewAMQPPublisher(sender Sender) *AMQPPublisher {
	return &AMQPPublisher{sender: sender}
}

func (p *AMQPPublisher) PublishResult(ctx context.Context, event ResultEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal result event: %w", err)
	}
	if err := p.sender.PublishResult(ctx, body); err != nil {
		return fmt.Errorf("failed to publish result event for job %s: %w", event.JobID, err)
	}
	return nil
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) PublishResult(context.Context, ResultEvent) error { return nil }
