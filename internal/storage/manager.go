package storage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/eventlog"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
	"github.com/xtxerr/sensorgw/internal/storage/wal"
	"github.com/xtxerr/sensorgw/internal/types"
)

var log = logging.Component("storage")

// Sink persists single readings. Implementations retry transient failures
// themselves and return ErrRetriesExhausted when they give up.
type Sink interface {
	Insert(ctx context.Context, r types.Reading) error
	Close() error
}

// FailurePolicy decides what happens to a reading that could not be persisted.
type FailurePolicy string

const (
	// PolicySkip logs the failure, spools the reading and continues.
	PolicySkip FailurePolicy = "skip"

	// PolicyShutdown stops the gateway.
	PolicyShutdown FailurePolicy = "shutdown"
)

// ParseFailurePolicy parses a policy name. The empty string means skip.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "", string(PolicySkip):
		return PolicySkip, nil
	case string(PolicyShutdown):
		return PolicyShutdown, nil
	default:
		return "", errors.NewInvalidValue("storage.on_failure", s, "must be skip or shutdown")
	}
}

// Config configures a Manager.
type Config struct {
	// Name labels metrics, logs and the breaker, usually the engine name.
	Name string

	Policy FailurePolicy

	// Spool receives readings dropped under PolicySkip. Optional.
	Spool *wal.Writer

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Stats holds persistence counters.
type Stats struct {
	Name     string `json:"name"`
	Inserted int64  `json:"inserted"`
	Failed   int64  `json:"failed"`
	Spooled  int64  `json:"spooled"`
	Replayed int64  `json:"replayed"`
	Breaker  string `json:"breaker"`
}

// Manager is the persistence consumer.
type Manager struct {
	sink   Sink
	cfg    Config
	cb     *gobreaker.CircuitBreaker[struct{}]
	events eventlog.Logger

	inserted atomic.Int64
	failed   atomic.Int64
	spooled  atomic.Int64
	replayed atomic.Int64
}

// NewManager wraps sink with a breaker and the configured failure policy.
func NewManager(sink Sink, cfg Config, events eventlog.Logger) *Manager {
	if cfg.Name == "" {
		cfg.Name = "sink"
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicySkip
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = config.DefaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = config.DefaultBreakerTimeout
	}
	if events == nil {
		events = eventlog.Discard
	}

	m := &Manager{sink: sink, cfg: cfg, events: events}

	metrics.BreakerState.WithLabelValues(cfg.Name).Set(0)
	m.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker state change", "sink", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return m
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Name returns the sink name.
func (m *Manager) Name() string {
	return m.cfg.Name
}

func (m *Manager) insert(ctx context.Context, r types.Reading) error {
	start := time.Now()
	_, err := m.cb.Execute(func() (struct{}, error) {
		return struct{}{}, m.sink.Insert(ctx, r)
	})
	metrics.RecordInsert(m.cfg.Name, time.Since(start), err)
	return err
}

// Handle persists r. Under PolicySkip a failed reading is spooled and nil is
// returned; under PolicyShutdown the error is returned wrapped in ErrFatal.
func (m *Manager) Handle(ctx context.Context, r types.Reading) error {
	err := m.insert(ctx, r)
	if err == nil {
		m.inserted.Add(1)
		return nil
	}
	m.failed.Add(1)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Debug("breaker rejected insert", "sink", m.cfg.Name, "reading", r.String())
	} else {
		log.Error("insert failed", "sink", m.cfg.Name, "sensor_id", r.SensorID, "error", err)
	}

	if m.cfg.Policy == PolicyShutdown {
		eventlog.Logf(m.events, "Failed to insert data into %s, shutting down", m.cfg.Name)
		return errors.Fatal(fmt.Errorf("insert into %s: %w", m.cfg.Name, err))
	}

	eventlog.Logf(m.events, "Failed to insert data from sensor %d into %s", r.SensorID, m.cfg.Name)
	if m.cfg.Spool != nil {
		if serr := m.cfg.Spool.Write([]types.Reading{r}); serr != nil {
			log.Error("spool write failed", "sink", m.cfg.Name, "error", serr)
			return nil
		}
		m.spooled.Add(1)
		metrics.SpooledReadings.Inc()
	}
	return nil
}

// Replay inserts readings spooled by earlier runs and deletes every segment
// that was replayed completely. It stops at the first failed insert and
// keeps that segment, so a later replay may insert some readings twice.
func (m *Manager) Replay(ctx context.Context) (int, error) {
	if m.cfg.Spool == nil {
		return 0, nil
	}

	segments, err := m.cfg.Spool.PendingSegments()
	if err != nil {
		return 0, fmt.Errorf("list spool: %w", err)
	}

	total := 0
	for _, path := range segments {
		readings, err := wal.ReadSegment(path)
		if err != nil {
			log.Warn("skipping unreadable spool segment", "path", path, "error", err)
			continue
		}

		for _, r := range readings {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if err := m.insert(ctx, r); err != nil {
				return total, fmt.Errorf("replay %s: %w", path, err)
			}
			total++
			m.replayed.Add(1)
		}

		if err := m.cfg.Spool.DeleteSegment(path); err != nil {
			log.Warn("failed to delete replayed segment", "path", path, "error", err)
		}
	}

	if total > 0 {
		log.Info("replayed spooled readings", "sink", m.cfg.Name, "count", total, "segments", len(segments))
	}
	return total, nil
}

// Stats returns the persistence counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Name:     m.cfg.Name,
		Inserted: m.inserted.Load(),
		Failed:   m.failed.Load(),
		Spooled:  m.spooled.Load(),
		Replayed: m.replayed.Load(),
		Breaker:  m.cb.State().String(),
	}
}

// Close closes the sink. The spool is owned by the caller.
func (m *Manager) Close() error {
	return m.sink.Close()
}
