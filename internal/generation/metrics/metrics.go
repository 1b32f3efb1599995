package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks provider attempts per operation kind and classified outcome
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_attempts_total",
			Help: "Total number of provider attempts",
		},
		[]string{"kind", "outcome"},
	)

	// UpstreamLatency tracks provider call latency
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genrelay_upstream_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		},
		[]string{"kind"},
	)

	// CredentialsActive tracks the number of active credentials in the pool
	CredentialsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genrelay_credentials_active",
			Help: "Number of active credentials",
		},
	)

	// CredentialRetirements tracks credentials retired after authentication failures
	CredentialRetirements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genrelay_credential_retirements_total",
			Help: "Total number of credentials retired permanently",
		},
	)

	// JobsTotal tracks jobs reaching a terminal state
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_jobs_total",
			Help: "Total number of jobs by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	// SilentRetries tracks poll-triggered resubmissions
	SilentRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_silent_retries_total",
			Help: "Total number of silent retries triggered by the poller",
		},
		[]string{"kind", "outcome"},
	)

	// PollersActive tracks background pollers in flight
	PollersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genrelay_pollers_active",
			Help: "Number of background pollers in flight",
		},
	)

	// BatchDuration tracks wall-clock batch duration
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genrelay_batch_duration_seconds",
			Help:    "Batch wall-clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// BatchItemsTotal tracks batch items by terminal status
	BatchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_batch_items_total",
			Help: "Total number of batch items by status",
		},
		[]string{"status"},
	)

	// StreamSubscribers tracks open event stream subscriptions
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genrelay_stream_subscribers",
			Help: "Number of open batch event stream subscribers",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of open SQL connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genrelay_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the maximum",
		},
	)
)
