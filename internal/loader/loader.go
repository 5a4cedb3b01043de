// Package loader handles configuration file loading, validation, and
// conversion into component configurations.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating the merged configuration
//   - Converting YAML sections into component configs
package loader

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/aggregate"
	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/pipeline"
	"github.com/xtxerr/sensorgw/internal/storage"
	"github.com/xtxerr/sensorgw/internal/storage/parquet"
	"github.com/xtxerr/sensorgw/internal/storage/retention"
	"github.com/xtxerr/sensorgw/internal/storage/sqlstore"
	"github.com/xtxerr/sensorgw/internal/storage/wal"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file on top of DefaultConfig.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ParsePort parses the positional port argument.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidPort, "%q is not a number", s)
	}
	if port < config.MinPort || port > config.MaxPort {
		return 0, errors.Wrapf(errors.ErrInvalidPort, "%d outside %d-%d", port, config.MinPort, config.MaxPort)
	}
	return port, nil
}

// =============================================================================
// Validate
// =============================================================================

var compressions = map[string]bool{"": true, "none": true, "snappy": true, "zstd": true, "lz4": true, "gzip": true}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server validation
	if cfg.Port < config.MinPort || cfg.Port > config.MaxPort {
		errs.Add(errors.Wrapf(errors.ErrInvalidPort, "port %d outside %d-%d", cfg.Port, config.MinPort, config.MaxPort))
	}
	if cfg.Server.MaxConnections <= 0 {
		errs.AddField("server.max_connections", "must be positive")
	}
	if cfg.Server.FailureLimit < 0 {
		errs.AddField("server.failure_limit", "cannot be negative")
	}

	// Buffer and liveness
	if cfg.Buffer.Capacity <= 0 {
		errs.Add(errors.Wrapf(errors.ErrInvalidCapacity, "buffer.capacity %d", cfg.Buffer.Capacity))
	}
	if cfg.Buffer.EvictionLogRate < 0 {
		errs.AddField("buffer.eviction_log_rate", "cannot be negative")
	}
	if cfg.Liveness.Interval.Duration() <= 0 {
		errs.AddField("liveness.interval", "must be positive")
	}
	if cfg.Liveness.Timeout.Duration() <= 0 {
		errs.AddField("liveness.timeout", "must be positive")
	}

	// Aggregation
	agg := cfg.Aggregate
	if agg.MaxSensors <= 0 {
		errs.AddField("aggregate.max_sensors", "must be positive")
	}
	if agg.MinSamples < 1 {
		errs.AddField("aggregate.min_samples", "must be at least 1")
	}
	if agg.HotThreshold <= agg.ColdThreshold {
		errs.AddField("aggregate.hot_threshold", "must be above aggregate.cold_threshold")
	}
	if agg.StaleAfter.Duration() <= 0 {
		errs.AddField("aggregate.stale_after", "must be positive")
	}
	if agg.AlertCooldown.Duration() < 0 {
		errs.AddField("aggregate.alert_cooldown", "cannot be negative")
	}
	if agg.PercentileAccuracy <= 0 || agg.PercentileAccuracy >= 1 {
		errs.AddField("aggregate.percentile_accuracy", "must be between 0 and 1")
	}

	// Storage
	st := cfg.Storage
	switch st.Engine {
	case sqlstore.EngineDuckDB:
		if st.Path == "" {
			errs.AddMissing("storage.path")
		}
	case sqlstore.EnginePostgres:
		if st.DSN == "" {
			errs.AddMissing("storage.dsn")
		}
	case EngineParquet:
		if st.Archive.Dir == "" {
			errs.AddMissing("storage.archive.dir")
		}
	default:
		errs.Add(errors.Wrapf(errors.ErrUnknownEngine, "storage.engine %q", st.Engine))
	}
	if st.MaxRetries < 1 {
		errs.AddField("storage.max_retries", "must be at least 1")
	}
	if _, err := storage.ParseFailurePolicy(st.OnFailure); err != nil {
		errs.Add(err)
	}
	if st.Archive.Enabled && st.Archive.Dir == "" {
		errs.AddMissing("storage.archive.dir")
	}
	if st.Archive.Retention < 0 {
		errs.AddField("storage.archive.retention", "must not be negative")
	}
	if st.Archive.Retention > 0 && st.Archive.RetentionInterval <= 0 {
		errs.AddField("storage.archive.retention_interval", "must be positive")
	}
	if !compressions[strings.ToLower(st.Archive.Compression)] {
		errs.AddField("storage.archive.compression", fmt.Sprintf("unknown codec %q", st.Archive.Compression))
	}

	// Runtime
	if _, err := pipeline.ParseMode(cfg.Pipeline.Mode); err != nil {
		errs.Add(err)
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}
	if cfg.EventLog.QueueSize < 0 {
		errs.AddField("eventlog.queue_size", "cannot be negative")
	}
	if cfg.Shutdown.DrainTimeout.Duration() <= 0 {
		errs.AddField("shutdown.drain_timeout", "must be positive")
	}

	return errs.Err()
}

// =============================================================================
// Conversion: Config → Component Configs
// =============================================================================

// EngineParquet selects the Parquet archive as the primary sink.
const EngineParquet = "parquet"

// ToAggregateConfig converts the aggregate section.
func ToAggregateConfig(cfg *AggregateConfig) aggregate.Config {
	c := aggregate.DefaultConfig()
	c.MaxSensors = cfg.MaxSensors
	c.StaleAfter = cfg.StaleAfter.Duration()
	c.MinSamples = cfg.MinSamples
	c.HotThreshold = cfg.HotThreshold
	c.ColdThreshold = cfg.ColdThreshold
	c.AlertCooldown = cfg.AlertCooldown.Duration()
	c.PercentileAccuracy = cfg.PercentileAccuracy
	return c
}

// ToSQLStoreConfig converts the storage section for a SQL engine.
func ToSQLStoreConfig(cfg *StorageConfig) sqlstore.Config {
	c := sqlstore.DefaultConfig()
	c.Engine = cfg.Engine
	c.Path = cfg.Path
	c.DSN = cfg.DSN
	c.MaxRetries = cfg.MaxRetries
	c.RetryDelay = cfg.RetryDelay.Duration()
	return c
}

// ToParquetOptions converts the archive section.
func ToParquetOptions(cfg *ArchiveConfig) parquet.Options {
	return parquet.Options{
		Compression: parquet.ParseCompressionType(strings.ToLower(cfg.Compression)),
		RowsPerFile: cfg.RowsPerFile,
	}
}

// ToRetentionConfig converts the archive retention settings for the
// archive written by sink.
func ToRetentionConfig(cfg *ArchiveConfig, sink *parquet.Sink) retention.Config {
	return retention.Config{
		Dir:      sink.Dir(),
		MaxAge:   cfg.Retention.Duration(),
		Interval: cfg.RetentionInterval.Duration(),
		Active:   sink.Current,
	}
}

// ToWALOptions converts the spool settings.
func ToWALOptions(cfg *StorageConfig) wal.Options {
	opts := wal.DefaultOptions()
	if cfg.SpoolSegmentSize > 0 {
		opts.MaxSegmentSize = cfg.SpoolSegmentSize.Bytes()
	}
	return opts
}

// ToManagerConfig converts the failure handling settings of one sink.
func ToManagerConfig(cfg *StorageConfig, name string, spool *wal.Writer) storage.Config {
	policy, _ := storage.ParseFailurePolicy(cfg.OnFailure)
	return storage.Config{
		Name:            name,
		Policy:          policy,
		Spool:           spool,
		BreakerFailures: uint32(max(cfg.Breaker.Failures, 0)),
		BreakerTimeout:  cfg.Breaker.Timeout.Duration(),
	}
}
