package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all worker-level metrics shared across pipelines.
type Metrics struct {
	// Pipeline metrics
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesDeferred   *prometheus.CounterVec
	MessagesRedirected *prometheus.CounterVec
	ErrorsSuppressed   *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	// Writer metrics
	PointsQueued   *prometheus.CounterVec
	BatchesWritten *prometheus.CounterVec
	WriteErrors    *prometheus.CounterVec

	// Subscription metrics
	SubscriptionsActive prometheus.Gauge
	ConfigVersion       prometheus.Gauge

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all worker metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received per source",
			},
			[]string{"source"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed per source and outcome",
			},
			[]string{"source", "outcome"},
		),

		MessagesDeferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "messages",
				Name:      "deferred_total",
				Help:      "Total number of messages left unacknowledged for redelivery",
			},
			[]string{"source"},
		),

		MessagesRedirected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "messages",
				Name:      "redirected_total",
				Help:      "Total number of failed messages republished to an error subject",
			},
			[]string{"source"},
		),

		ErrorsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "messages",
				Name:      "errors_suppressed_total",
				Help:      "Total number of errors suppressed after repeated redelivery",
			},
			[]string{"source"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dpe",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source", "stage"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by class",
			},
			[]string{"source", "class"},
		),

		PointsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "writer",
				Name:      "points_queued_total",
				Help:      "Total number of points queued for batched writing",
			},
			[]string{"destination"},
		),

		BatchesWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "writer",
				Name:      "batches_written_total",
				Help:      "Total number of batches flushed to a destination",
			},
			[]string{"destination"},
		),

		WriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "writer",
				Name:      "write_errors_total",
				Help:      "Total number of failed batch writes",
			},
			[]string{"destination"},
		),

		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dpe",
				Subsystem: "subscriptions",
				Name:      "active",
				Help:      "Number of active source subscriptions",
			},
		),

		ConfigVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dpe",
				Subsystem: "config",
				Name:      "version_timestamp_ms",
				Help:      "Version timestamp of the active configuration in Unix milliseconds",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dpe",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dpe",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dpe",
				Subsystem: "nats",
				Name:      "circuit_breaker_open",
				Help:      "NATS circuit breaker state (0=closed, 1=open)",
			},
		),
	}
}
