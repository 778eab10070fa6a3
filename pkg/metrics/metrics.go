// Package metrics provides Prometheus collectors for the Magnetar resilience
// layer: connection and pool lifecycle, probe outcomes, handled errors,
// retries, escalations, notifications, and extraction throughput.
//
// # Basic Usage
//
//	// Record a handled failure
//	metrics.ErrorsHandled.WithLabelValues("CONNECTION", "ETL_CONNECTION_ERROR").Inc()
//
//	// Track a connection build
//	timer := metrics.NewTimer("connection_build")
//	sess, err := factory.NewSession(ctx, cfg)
//	metrics.ConnectionBuildLatency.WithLabelValues(cfg.Driver).Observe(timer.Stop().Seconds())
//
// All collectors are registered with the default registry at package load via
// promauto; components share them by label rather than by constructing their
// own.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsOpened counts sessions built, by driver and kind.
	// kind is one of: named, pooled, probe.
	ConnectionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_connections_opened_total",
			Help: "Total number of database sessions built",
		},
		[]string{"driver", "kind"},
	)

	// ConnectionsClosed counts sessions torn down, by driver and kind.
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_connections_closed_total",
			Help: "Total number of database sessions closed",
		},
		[]string{"driver", "kind"},
	)

	// ConnectionBuildLatency tracks how long session construction takes.
	ConnectionBuildLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magnetar_connection_build_seconds",
			Help:    "Session construction latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"driver"},
	)

	// NamedConnections gauges the live named connections in a registry.
	NamedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "magnetar_named_connections",
			Help: "Number of live named connections",
		},
	)

	// PoolActiveSessions gauges borrowed sessions per pool.
	PoolActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magnetar_pool_active_sessions",
			Help: "Sessions currently borrowed from the pool",
		},
		[]string{"pool"},
	)

	// PoolIdleSessions gauges idle sessions per pool.
	PoolIdleSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magnetar_pool_idle_sessions",
			Help: "Sessions currently idle in the pool",
		},
		[]string{"pool"},
	)

	// PoolAcquireWaits counts acquisitions that had to wait for a session.
	PoolAcquireWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_pool_acquire_waits_total",
			Help: "Pool acquisitions that waited for a free session",
		},
		[]string{"pool"},
	)

	// PoolAcquireTimeouts counts acquisitions that gave up waiting.
	PoolAcquireTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_pool_acquire_timeouts_total",
			Help: "Pool acquisitions that timed out",
		},
		[]string{"pool"},
	)

	// PoolAcquireLatency tracks time spent acquiring a pooled session.
	PoolAcquireLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magnetar_pool_acquire_seconds",
			Help:    "Pool acquisition latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"pool"},
	)

	// ProbeAttempts counts connection probe attempts by outcome.
	ProbeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_probe_attempts_total",
			Help: "Connection probe attempts",
		},
		[]string{"outcome"},
	)

	// ErrorsHandled counts failures routed through the exception handler.
	// Labels match the taxonomy: category and machine-readable code.
	ErrorsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_errors_handled_total",
			Help: "Failures handled, by category and code",
		},
		[]string{"category", "code"},
	)

	// Escalations counts threshold crossings signalled by the handler.
	Escalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "magnetar_error_escalations_total",
			Help: "Error-threshold escalations emitted",
		},
	)

	// RetryAttempts counts intermediate retry attempts by operation.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_retry_attempts_total",
			Help: "Intermediate retry attempts performed",
		},
		[]string{"operation"},
	)

	// NotificationsSent counts notification deliveries by channel and outcome.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_notifications_sent_total",
			Help: "Error notifications delivered",
		},
		[]string{"channel", "outcome"},
	)

	// RowsExtracted counts rows delivered by the extractor.
	RowsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnetar_rows_extracted_total",
			Help: "Rows extracted from the data store",
		},
		[]string{"connection"},
	)

	// ExtractionDuration tracks end-to-end extraction run time.
	ExtractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magnetar_extraction_duration_seconds",
			Help:    "Extraction run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"connection"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
//
// Example:
//
//	timer := metrics.NewTimer("probe")
//	ok := manager.TestConnection(ctx, cfg, 3)
//	logger.Info("probe finished", zap.Duration("duration", timer.Stop()))
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since the timer was created. It can be
// called more than once; each call reports the total elapsed time.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
