// Package metrics holds the Prometheus collectors for the pricing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pricing"

// Pipeline metrics.
var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Job submissions by result",
		},
		[]string{"result"}, // accepted / replayed / insufficient_funds / invalid / publish_failed / error
	)

	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Job deliveries handled by workers, by outcome",
		},
		[]string{"outcome"}, // completed / requeued / dead_lettered / duplicate / not_ready / malformed / abandoned / recovered
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Messages per received batch",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Inference time per job",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate number of queued jobs",
		},
	)

	QueueInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_inflight",
			Help:      "Approximate number of delivered, unacknowledged jobs",
		},
	)

	BillingSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_settlements_total",
			Help:      "Ledger settlements by kind",
		},
		[]string{"kind"}, // commit / refund
	)
)

var pipelineRegistered bool

// RegisterPipelineMetrics registers the pipeline collectors. Must be called once from main.
func RegisterPipelineMetrics() {
	if pipelineRegistered {
		return
	}
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsProcessedTotal)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(InferenceDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueInFlight)
	prometheus.MustRegister(BillingSettlementsTotal)
	pipelineRegistered = true
}
