package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/queue"
)

// StatsSource reports queue counters.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// SampleQueue copies queue counters into the depth and in-flight gauges every
// interval until ctx is canceled.
func SampleQueue(ctx context.Context, src StatsSource, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RecordQueueStats(ctx, src, logger)
		}
	}
}

// RecordQueueStats takes one sample.
func RecordQueueStats(ctx context.Context, src StatsSource, logger *slog.Logger) {
	stats, err := src.Stats(ctx)
	if err != nil {
		logger.Debug("Failed to sample queue stats", slog.String("error", err.Error()))
		return
	}
	QueueDepth.Set(float64(stats.Depth))
	QueueInFlight.Set(float64(stats.InFlight))
}
