// Package config provides configuration defaults and utilities
// for the sensor gateway.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenHost is the host the gateway binds to. The port always
	// comes from the command line.
	// Override via config: server.host
	DefaultListenHost = "0.0.0.0"

	// DefaultMaxConnections caps the number of simultaneously tracked sensor
	// connections. Connections beyond the cap are closed on accept.
	// Override via config: server.max_connections
	DefaultMaxConnections = 50

	// MinPort and MaxPort bound the listening port given on the command line.
	MinPort = 1
	MaxPort = 65535
)

// =============================================================================
// Buffer Defaults
// =============================================================================

const (
	// DefaultBufferCapacity is the ring buffer size. Sized to one slot per
	// expected sensor, like the original gateway.
	// Override via config: buffer.capacity
	DefaultBufferCapacity = 50

	// DefaultEvictionLogRate is how many eviction notices per second reach
	// the event log under sustained overload. Drops are always counted.
	// Override via config: buffer.eviction_log_rate
	DefaultEvictionLogRate = 5
)

// =============================================================================
// Liveness Defaults
// =============================================================================

const (
	// DefaultLivenessInterval is how often the monitor scans the tracking table.
	// Override via config: liveness.interval
	DefaultLivenessInterval = 10 * time.Second

	// DefaultLivenessTimeout is the silence tolerated before a sensor
	// connection is evicted.
	// Override via config: liveness.timeout
	DefaultLivenessTimeout = 15 * time.Second
)

// =============================================================================
// Aggregation Defaults
// =============================================================================

const (
	// DefaultMaxSensors bounds valid sensor ids to [0, DefaultMaxSensors).
	// Override via config: aggregate.max_sensors
	DefaultMaxSensors = 50

	// DefaultStaleAfter is the gap after which a sensor's running average
	// starts a new session.
	// Override via config: aggregate.stale_after
	DefaultStaleAfter = time.Hour

	// DefaultMinSamples is the number of samples needed before alerts fire.
	// Override via config: aggregate.min_samples
	DefaultMinSamples = 5

	// DefaultHotThreshold and DefaultColdThreshold are in degrees Celsius.
	// Override via config: aggregate.hot_threshold / aggregate.cold_threshold
	DefaultHotThreshold  = 40.0
	DefaultColdThreshold = 18.0

	// DefaultAlertCooldown suppresses repeated alerts of the same kind for
	// the same sensor.
	// Override via config: aggregate.alert_cooldown
	DefaultAlertCooldown = time.Minute

	// DefaultPercentileAccuracy is the DDSketch relative accuracy.
	DefaultPercentileAccuracy = 0.01
)

// =============================================================================
// Persistence Defaults
// =============================================================================

const (
	// DefaultStorageEngine selects the sink: duckdb, postgres or parquet.
	// Override via config: storage.engine
	DefaultStorageEngine = "duckdb"

	// DefaultDatabasePath is the DuckDB file, created on first start.
	// Override via config: storage.path
	DefaultDatabasePath = "db/sensors.db"

	// DefaultMaxRetries is the retry budget for prepare and execute.
	// Override via config: storage.max_retries
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the pause between two attempts.
	// Override via config: storage.retry_delay
	DefaultRetryDelay = 50 * time.Millisecond

	// DefaultFailurePolicy is applied when retries are exhausted:
	// "skip" logs and continues, "shutdown" stops the gateway.
	// Override via config: storage.on_failure
	DefaultFailurePolicy = "skip"

	// DefaultParquetRowsPerFile rotates archive files.
	// Override via config: storage.archive.rows_per_file
	DefaultParquetRowsPerFile = 10000

	// DefaultSpoolDir holds readings that could not be persisted.
	// Override via config: storage.spool_dir
	DefaultSpoolDir = "db/spool"

	// DefaultArchiveDir receives Parquet archive files when the archive
	// is enabled.
	// Override via config: storage.archive.dir
	DefaultArchiveDir = "db/archive"

	// DefaultArchiveCompression is the Parquet codec.
	// Override via config: storage.archive.compression
	DefaultArchiveCompression = "zstd"

	// DefaultArchiveRetention removes archive files older than this.
	// Zero keeps files forever.
	// Override via config: storage.archive.retention
	DefaultArchiveRetention = 30 * 24 * time.Hour

	// DefaultRetentionInterval is how often expired archive files are removed.
	// Override via config: storage.archive.retention_interval
	DefaultRetentionInterval = time.Hour

	// DefaultBreakerFailures opens the sink breaker after this many
	// consecutive failed inserts.
	// Override via config: storage.breaker.failures
	DefaultBreakerFailures = 5

	// DefaultBreakerTimeout is how long an open breaker rejects inserts
	// before letting one through.
	// Override via config: storage.breaker.timeout
	DefaultBreakerTimeout = 30 * time.Second
)

// =============================================================================
// Pipeline Defaults
// =============================================================================

const (
	// DefaultConsumerMode is "combined" (one consumer aggregates and persists
	// each reading) or "competing" (two consumers drain the same buffer).
	// Override via config: pipeline.mode
	DefaultConsumerMode = "combined"

	// DefaultPopRetries is the number of immediate retries on a failed pop.
	DefaultPopRetries = 3
)

// =============================================================================
// Sensor Simulator Defaults
// =============================================================================

const (
	// DefaultSendInterval is the pause between two readings of sensornode.
	DefaultSendInterval = 3 * time.Second

	// DefaultMinTemp and DefaultMaxTemp bound the simulated temperatures.
	DefaultMinTemp = 0.0
	DefaultMaxTemp = 100.0
)

// =============================================================================
// Status Defaults
// =============================================================================

const (
	// DefaultStatusListen is empty, which disables the HTTP status server.
	// Override via config: status.listen
	DefaultStatusListen = ""

	// DefaultStatusReadTimeout bounds reading a status request.
	DefaultStatusReadTimeout = 5 * time.Second
)

// =============================================================================
// Event Log Defaults
// =============================================================================

const (
	// DefaultEventLogPath is where numbered gateway events are appended.
	// Override via config: eventlog.path
	DefaultEventLogPath = "logs/gateway.log"

	// DefaultEventLogQueueSize bounds pending events; Log never blocks.
	// Override via config: eventlog.queue_size
	DefaultEventLogQueueSize = 1024
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long shutdown waits for the buffer to empty.
	// Override via config: shutdown.drain_timeout
	DefaultDrainTimeout = 10 * time.Second
)
