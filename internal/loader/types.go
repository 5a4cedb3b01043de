// Package loader - Configuration Types
//
// Defines the YAML configuration structure for sensorgw.
//
//	┌──────────────────────────────────────────────────────────┐
//	│                       config.yaml                        │
//	├──────────────────────────────────────────────────────────┤
//	│  server:     host, connection cap, failure blocking      │
//	│  buffer:     ring buffer capacity, eviction notices      │
//	│  liveness:   keep-alive tick and timeout                 │
//	│  aggregate:  running averages, thresholds, cooldown      │
//	│  storage:    engine, retries, spool, breaker, archive    │
//	│  pipeline:   consumer mode                               │
//	│  status:     HTTP status API                             │
//	│  eventlog:   gateway.log event sink                      │
//	│  logging:    slog level and format                       │
//	│  shutdown:   drain timeout                               │
//	└──────────────────────────────────────────────────────────┘
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/sensorgw/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for sensorgw.
type Config struct {
	// Port is the TCP port sensors connect to. The positional command line
	// argument overrides it.
	Port int `yaml:"port"`

	Server    ServerConfig    `yaml:"server"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Storage   StorageConfig   `yaml:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Status    StatusConfig    `yaml:"status"`
	EventLog  EventLogConfig  `yaml:"eventlog"`
	Logging   LoggingConfig   `yaml:"logging"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
}

// ListenAddr returns host:port for the sensor listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Port)
}

// =============================================================================
// Server Configuration
// =============================================================================

// ServerConfig configures the connection manager.
type ServerConfig struct {
	// Default: "0.0.0.0"
	Host string `yaml:"host"`

	// Default: 50
	MaxConnections int `yaml:"max_connections"`

	// FailureLimit blocks a remote IP after this many malformed streams
	// within FailureWindow. 0 disables blocking.
	FailureLimit  int      `yaml:"failure_limit"`
	FailureWindow Duration `yaml:"failure_window"`
}

// BufferConfig configures the ring buffer.
type BufferConfig struct {
	// Default: 50
	Capacity int `yaml:"capacity"`

	// EvictionLogRate limits eviction events per second in the event log.
	// Default: 5
	EvictionLogRate float64 `yaml:"eviction_log_rate"`
}

// LivenessConfig configures the keep-alive monitor.
type LivenessConfig struct {
	// Default: 10s
	Interval Duration `yaml:"interval"`

	// Default: 15s
	Timeout Duration `yaml:"timeout"`
}

// AggregateConfig configures the data manager.
type AggregateConfig struct {
	MaxSensors         int      `yaml:"max_sensors"`
	StaleAfter         Duration `yaml:"stale_after"`
	MinSamples         int      `yaml:"min_samples"`
	HotThreshold       float64  `yaml:"hot_threshold"`
	ColdThreshold      float64  `yaml:"cold_threshold"`
	AlertCooldown      Duration `yaml:"alert_cooldown"`
	PercentileAccuracy float64  `yaml:"percentile_accuracy"`
}

// =============================================================================
// Storage Configuration
// =============================================================================

// StorageConfig configures persistence.
type StorageConfig struct {
	// Engine is duckdb, postgres or parquet.
	Engine string `yaml:"engine"`

	// Path is the DuckDB database file.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string, e.g. "${SENSORGW_PG_DSN}".
	DSN string `yaml:"dsn"`

	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`

	// OnFailure is skip or shutdown.
	OnFailure string `yaml:"on_failure"`

	// SpoolDir holds readings that could not be persisted. Empty disables
	// the spool.
	SpoolDir string `yaml:"spool_dir"`

	// SpoolSegmentSize rotates spool segments, e.g. "16MB".
	SpoolSegmentSize ByteSize `yaml:"spool_segment_size"`

	Breaker BreakerConfig `yaml:"breaker"`
	Archive ArchiveConfig `yaml:"archive"`
}

// BreakerConfig configures the circuit breaker around each sink.
type BreakerConfig struct {
	Failures int      `yaml:"failures"`
	Timeout  Duration `yaml:"timeout"`
}

// ArchiveConfig configures the Parquet archive. It is used as the
// primary sink when engine is parquet, and as an additional sink when
// enabled.
type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
	RowsPerFile int    `yaml:"rows_per_file"`

	// Retention of zero keeps archive files forever.
	Retention         Duration `yaml:"retention"`
	RetentionInterval Duration `yaml:"retention_interval"`
}

// =============================================================================
// Runtime Configuration
// =============================================================================

// PipelineConfig configures the buffer consumers.
type PipelineConfig struct {
	// Mode is combined or competing.
	Mode       string `yaml:"mode"`
	PopRetries int    `yaml:"pop_retries"`
}

// StatusConfig configures the HTTP status API. An empty Listen disables it.
type StatusConfig struct {
	Listen      string   `yaml:"listen"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// EventLogConfig configures the event log sink. An empty Path disables it.
type EventLogConfig struct {
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration used without a config file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           config.DefaultListenHost,
			MaxConnections: config.DefaultMaxConnections,
			FailureWindow:  Duration(time.Minute),
		},
		Buffer: BufferConfig{
			Capacity:        config.DefaultBufferCapacity,
			EvictionLogRate: config.DefaultEvictionLogRate,
		},
		Liveness: LivenessConfig{
			Interval: Duration(config.DefaultLivenessInterval),
			Timeout:  Duration(config.DefaultLivenessTimeout),
		},
		Aggregate: AggregateConfig{
			MaxSensors:         config.DefaultMaxSensors,
			StaleAfter:         Duration(config.DefaultStaleAfter),
			MinSamples:         config.DefaultMinSamples,
			HotThreshold:       config.DefaultHotThreshold,
			ColdThreshold:      config.DefaultColdThreshold,
			AlertCooldown:      Duration(config.DefaultAlertCooldown),
			PercentileAccuracy: config.DefaultPercentileAccuracy,
		},
		Storage: StorageConfig{
			Engine:           config.DefaultStorageEngine,
			Path:             config.DefaultDatabasePath,
			MaxRetries:       config.DefaultMaxRetries,
			RetryDelay:       Duration(config.DefaultRetryDelay),
			OnFailure:        config.DefaultFailurePolicy,
			SpoolDir:         config.DefaultSpoolDir,
			SpoolSegmentSize: ByteSize(16 * 1024 * 1024),
			Breaker: BreakerConfig{
				Failures: config.DefaultBreakerFailures,
				Timeout:  Duration(config.DefaultBreakerTimeout),
			},
			Archive: ArchiveConfig{
				Dir:         config.DefaultArchiveDir,
				Compression: config.DefaultArchiveCompression,
				RowsPerFile: config.DefaultParquetRowsPerFile,

				Retention:         Duration(config.DefaultArchiveRetention),
				RetentionInterval: Duration(config.DefaultRetentionInterval),
			},
		},
		Pipeline: PipelineConfig{
			Mode:       config.DefaultConsumerMode,
			PopRetries: config.DefaultPopRetries,
		},
		Status: StatusConfig{
			Listen:      config.DefaultStatusListen,
			ReadTimeout: Duration(config.DefaultStatusReadTimeout),
		},
		EventLog: EventLogConfig{
			Path:      config.DefaultEventLogPath,
			QueueSize: config.DefaultEventLogQueueSize,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: Duration(config.DefaultDrainTimeout),
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Plain integers are seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "16MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered longest suffix first so "MB" is not read as "B".
var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
