// Package sqlstore persists measurements in DuckDB or PostgreSQL.
//
// Both engines share one append-only table:
//
//	measurements(id INTEGER, temp REAL, time BIGINT)
//
// Every insert prepares the statement, executes it and closes it again.
// Prepare and execute are each retried a bounded number of times with a
// short pause before the store gives up with ErrRetriesExhausted.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
	"github.com/xtxerr/sensorgw/internal/types"
)

var log = logging.Component("sqlstore")

const (
	EngineDuckDB   = "duckdb"
	EnginePostgres = "postgres"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS measurements (id INTEGER, temp REAL, time BIGINT)`
	insertSQL      = `INSERT INTO measurements (id, temp, time) VALUES ($1, $2, $3)`
	countSQL       = `SELECT COUNT(*) FROM measurements`
)

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Engine is duckdb or postgres.
	Engine string

	// Path is the DuckDB database file. Its directory is created if needed.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxRetries bounds prepare and execute attempts.
	MaxRetries int

	// RetryDelay is the pause between two attempts.
	RetryDelay time.Duration

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Engine:       config.DefaultStorageEngine,
		Path:         config.DefaultDatabasePath,
		MaxRetries:   config.DefaultMaxRetries,
		RetryDelay:   config.DefaultRetryDelay,
		MaxOpenConns: 4,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is a storage sink backed by database/sql.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// Open opens the configured engine and creates the measurements table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var driver, dsn string
	switch cfg.Engine {
	case EngineDuckDB, "":
		cfg.Engine = EngineDuckDB
		driver, dsn = "duckdb", cfg.Path
		if dir := filepath.Dir(cfg.Path); cfg.Path != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	case EnginePostgres:
		if cfg.DSN == "" {
			return nil, errors.NewMissingField("storage.dsn")
		}
		driver, dsn = "postgres", cfg.DSN
	default:
		return nil, errors.Wrapf(errors.ErrUnknownEngine, "%q", cfg.Engine)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := New(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("database ready", "engine", cfg.Engine, "path", cfg.Path)
	return s, nil
}

// New wraps an open database and creates the measurements table.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.Engine == "" {
		cfg.Engine = def.Engine
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &Store{db: db, config: cfg}, nil
}

// Engine returns the engine name.
func (s *Store) Engine() string {
	return s.config.Engine
}

// Insert appends one measurement.
func (s *Store) Insert(ctx context.Context, r types.Reading) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrSinkClosed
	}

	var stmt *sql.Stmt
	err := s.retry(ctx, "prepare", func() error {
		var err error
		stmt, err = s.db.PrepareContext(ctx, insertSQL)
		return err
	})
	if err != nil {
		return err
	}
	defer stmt.Close()

	return s.retry(ctx, "exec", func() error {
		_, err := stmt.ExecContext(ctx, int64(r.SensorID), float64(r.Temperature), r.Timestamp)
		return err
	})
}

// retry runs fn up to MaxRetries times, pausing RetryDelay between attempts.
func (s *Store) retry(ctx context.Context, phase string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.config.MaxRetries {
			break
		}

		metrics.InsertRetries.WithLabelValues(s.config.Engine, phase).Inc()
		log.Warn("insert attempt failed", "phase", phase, "attempt", attempt, "max", s.config.MaxRetries, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", phase, ctx.Err())
		case <-time.After(s.config.RetryDelay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w: %w", phase, s.config.MaxRetries, errors.ErrRetriesExhausted, err)
}

// Count returns the number of stored measurements.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, countSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count measurements: %w", err)
	}
	return n, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
