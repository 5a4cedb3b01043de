// Package metrics holds the Prometheus collectors of the gateway.
//
// Collectors are registered on the default registry at init, so any package
// can record into them and the status server exposes them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sensorgw"

var (
	// Connection Metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of tracked sensor connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Sensor connections by outcome",
		},
		[]string{"outcome"}, // "accepted", "rejected", "blocked"
	)

	DisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Sensor disconnections by reason",
		},
		[]string{"reason"}, // "peer_closed", "read_error", "timeout", "shutdown"
	)

	ReadingsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_received_total",
			Help:      "Complete readings decoded from sensor connections",
		},
	)

	// Buffer Metrics
	BufferEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_evictions_total",
			Help:      "Readings overwritten because the ring buffer was full",
		},
	)

	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_depth",
			Help:      "Readings currently held by the ring buffer",
		},
	)

	// Aggregation Metrics
	ReadingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_processed_total",
			Help:      "Readings handled by a consumer stage",
		},
		[]string{"stage", "result"}, // stage: "aggregate", "persist"; result: "ok", "error", "invalid"
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Threshold alerts emitted",
		},
		[]string{"kind"},
	)

	// Persistence Metrics
	InsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "insert_duration_seconds",
			Help:      "Duration of measurement inserts including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	InsertRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insert_retries_total",
			Help:      "Retried prepare or execute attempts",
		},
		[]string{"engine", "phase"}, // phase: "prepare", "exec"
	)

	SpooledReadings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spooled_readings_total",
			Help:      "Readings written to the spool after persistence failed",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	ArchiveFilesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_files_deleted_total",
			Help:      "Parquet archive files removed by retention",
		},
	)

	// Event Log Metrics
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Event log lines dropped because the queue was full",
		},
	)

	// HTTP Metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of status API requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

// RecordInsert observes one insert.
func RecordInsert(engine string, duration time.Duration, err error) {
	InsertDuration.WithLabelValues(engine).Observe(duration.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	ReadingsProcessed.WithLabelValues("persist", result).Inc()
}

// RecordDisconnect counts a disconnection and updates the active gauge.
func RecordDisconnect(reason string) {
	DisconnectsTotal.WithLabelValues(reason).Inc()
	ConnectionsActive.Dec()
}
