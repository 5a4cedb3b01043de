// Package gateway wires the sensor gateway together and runs its lifecycle.
//
// Startup order:
//  1. ring buffer, tracking table, aggregation and persistence managers
//  2. spool replay
//  3. connection manager, status server, consumers
//  4. archive retention, liveness monitor on the calling goroutine
//
// Shutdown, on context cancellation or a fatal consumer error:
//  1. stop accepting and close every sensor connection
//  2. close the ring buffer and wait up to DrainTimeout for it to empty
//  3. wait for the consumers
//  4. close sinks, spool, status server and event log
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xtxerr/sensorgw/internal/aggregate"
	"github.com/xtxerr/sensorgw/internal/buffer"
	"github.com/xtxerr/sensorgw/internal/eventlog"
	"github.com/xtxerr/sensorgw/internal/loader"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
	"github.com/xtxerr/sensorgw/internal/pipeline"
	"github.com/xtxerr/sensorgw/internal/server"
	"github.com/xtxerr/sensorgw/internal/status"
	"github.com/xtxerr/sensorgw/internal/storage"
	"github.com/xtxerr/sensorgw/internal/storage/parquet"
	"github.com/xtxerr/sensorgw/internal/storage/retention"
	"github.com/xtxerr/sensorgw/internal/storage/sqlstore"
	"github.com/xtxerr/sensorgw/internal/storage/wal"
	"github.com/xtxerr/sensorgw/internal/tracker"
	"github.com/xtxerr/sensorgw/internal/types"
)

var log = logging.Component("gateway")

// =============================================================================
// Options
// =============================================================================

// Option customizes a Gateway.
type Option func(*Gateway)

// WithEvents sends events to l instead of the configured event log file.
func WithEvents(l eventlog.Logger) Option {
	return func(g *Gateway) { g.events = l }
}

// WithSink persists into s instead of the configured engines. It can be
// given more than once.
func WithSink(name string, s storage.Sink) Option {
	return func(g *Gateway) { g.sinks = append(g.sinks, namedSink{name, s}) }
}

// WithListen overrides the sensor listen address, e.g. "127.0.0.1:0".
func WithListen(addr string) Option {
	return func(g *Gateway) { g.listen = addr }
}

type namedSink struct {
	name string
	sink storage.Sink
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway owns every component of a running gateway.
type Gateway struct {
	cfg    *loader.Config
	listen string

	events    eventlog.Logger
	eventSink *eventlog.Sink // owned, nil when events were injected

	buf        *buffer.RingBuffer
	table      *tracker.Table
	aggregator *aggregate.Manager
	sinks      []namedSink
	managers   []*storage.Manager
	spool      *wal.Writer
	server     *server.Server
	monitor    *tracker.Monitor
	status     *status.Server
	consumers  []*pipeline.Consumer
	retention  []*retention.Manager

	evictLimiter    *rate.Limiter
	evictSuppressed atomic.Int64

	startOnce sync.Once
	startErr  error
}

// New validates cfg and builds every component. Sinks and the spool are
// opened here; sockets are bound by Start.
func New(ctx context.Context, cfg *loader.Config, opts ...Option) (*Gateway, error) {
	if err := loader.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	g := &Gateway{cfg: cfg, listen: cfg.ListenAddr()}
	for _, opt := range opts {
		opt(g)
	}

	built := false
	defer func() {
		if !built {
			g.closeResources()
		}
	}()

	if g.events == nil {
		if err := g.openEventLog(); err != nil {
			return nil, err
		}
	}

	buf, err := buffer.New(cfg.Buffer.Capacity)
	if err != nil {
		return nil, err
	}
	g.buf = buf
	rps := cfg.Buffer.EvictionLogRate
	g.evictLimiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	g.buf.SetOnEvict(g.onEvict)

	g.table = tracker.NewTable()
	g.aggregator = aggregate.New(loader.ToAggregateConfig(&cfg.Aggregate), g.events)

	if len(g.sinks) == 0 {
		if err := g.openSinks(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.Storage.SpoolDir != "" {
		g.spool, err = wal.NewWriter(cfg.Storage.SpoolDir, loader.ToWALOptions(&cfg.Storage))
		if err != nil {
			return nil, fmt.Errorf("open spool: %w", err)
		}
	}
	for i, s := range g.sinks {
		var spool *wal.Writer
		if i == 0 {
			spool = g.spool
		}
		g.managers = append(g.managers, storage.NewManager(s.sink, loader.ToManagerConfig(&cfg.Storage, s.name, spool), g.events))
	}

	g.server = server.New(&server.Config{
		Listen:         g.listen,
		MaxConnections: cfg.Server.MaxConnections,
		Buffer:         g.buf,
		Table:          g.table,
		Events:         g.events,
		FailureLimit:   cfg.Server.FailureLimit,
		FailureWindow:  cfg.Server.FailureWindow.Duration(),
	})

	g.monitor = tracker.NewMonitor(g.table, g.events)
	g.monitor.Interval = cfg.Liveness.Interval.Duration()
	g.monitor.Timeout = cfg.Liveness.Timeout.Duration()
	g.monitor.OnExpire = func(tracker.Record) { metrics.RecordDisconnect("timeout") }

	handlers := []pipeline.Handler{g.aggregator}
	for _, m := range g.managers {
		handlers = append(handlers, m)
	}
	mode, _ := pipeline.ParseMode(cfg.Pipeline.Mode)
	g.consumers = pipeline.Build(mode, g.buf, g.events, handlers...)
	for _, c := range g.consumers {
		c.PopRetries = cfg.Pipeline.PopRetries
	}

	if cfg.Status.Listen != "" {
		sources := status.Sources{Sensors: g.aggregator, Connections: g.table, Buffer: g.buf}
		for _, m := range g.managers {
			sources.Storage = append(sources.Storage, m)
		}
		g.status = status.New(status.Config{
			Listen:      cfg.Status.Listen,
			ReadTimeout: cfg.Status.ReadTimeout.Duration(),
			Sources:     sources,
		})
	}

	built = true
	return g, nil
}

func (g *Gateway) openEventLog() error {
	if g.cfg.EventLog.Path == "" {
		g.events = eventlog.Discard
		return nil
	}
	sink, err := eventlog.Open(g.cfg.EventLog.Path, g.cfg.EventLog.QueueSize)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	g.eventSink = sink
	g.events = sink
	return nil
}

// openSinks opens the configured engine and the optional archive.
func (g *Gateway) openSinks(ctx context.Context) error {
	st := &g.cfg.Storage

	switch st.Engine {
	case loader.EngineParquet:
		s, err := parquet.Open(st.Archive.Dir, loader.ToParquetOptions(&st.Archive))
		if err != nil {
			return fmt.Errorf("open parquet sink: %w", err)
		}
		g.sinks = append(g.sinks, namedSink{loader.EngineParquet, s})
		g.addRetention(s)
		return nil
	default:
		s, err := sqlstore.Open(ctx, loader.ToSQLStoreConfig(st))
		if err != nil {
			return fmt.Errorf("open %s: %w", st.Engine, err)
		}
		g.sinks = append(g.sinks, namedSink{st.Engine, s})
	}

	if st.Archive.Enabled {
		s, err := parquet.Open(st.Archive.Dir, loader.ToParquetOptions(&st.Archive))
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		g.sinks = append(g.sinks, namedSink{"archive", s})
		g.addRetention(s)
	}
	return nil
}

func (g *Gateway) addRetention(s *parquet.Sink) {
	if g.cfg.Storage.Archive.Retention <= 0 {
		return
	}
	g.retention = append(g.retention, retention.New(loader.ToRetentionConfig(&g.cfg.Storage.Archive, s)))
}

// onEvict runs outside the buffer lock for every overwritten reading.
func (g *Gateway) onEvict(r types.Reading) {
	metrics.BufferEvictions.Inc()
	if !g.evictLimiter.Allow() {
		g.evictSuppressed.Add(1)
		return
	}
	if n := g.evictSuppressed.Swap(0); n > 0 {
		eventlog.Logf(g.events, "Buffer full, dropped oldest reading from sensor %d (%d more not logged)", r.SensorID, n)
		return
	}
	eventlog.Logf(g.events, "Buffer full, dropped oldest reading from sensor %d", r.SensorID)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start replays the spool and binds the sensor and status listeners.
// A bind failure is a fatal startup error. Start is idempotent.
func (g *Gateway) Start(ctx context.Context) error {
	g.startOnce.Do(func() {
		if len(g.managers) > 0 {
			if n, err := g.managers[0].Replay(ctx); err != nil {
				log.Warn("spool replay incomplete", "replayed", n, "error", err)
			}
		}

		if err := g.server.Start(); err != nil {
			g.startErr = err
			return
		}
		if g.status != nil {
			if err := g.status.Start(); err != nil {
				g.server.Shutdown()
				g.startErr = err
				return
			}
		}
	})
	return g.startErr
}

// Run starts the gateway if needed, runs the liveness monitor until ctx is
// done or a consumer fails fatally, then shuts everything down. It returns
// the fatal consumer error, if any.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		g.closeResources()
		return fmt.Errorf("start: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Handlers keep working through the drain after ctx is cancelled.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	var fatal atomic.Bool
	eg, egCtx := errgroup.WithContext(handlerCtx)
	for _, c := range g.consumers {
		eg.Go(func() error {
			err := c.Run(egCtx)
			if err != nil {
				fatal.Store(true)
				stop()
			}
			return err
		})
	}

	for _, r := range g.retention {
		eg.Go(func() error {
			r.Run(runCtx)
			return nil
		})
	}

	g.monitor.Run(runCtx)

	log.Info("shutting down")
	g.server.Shutdown()
	g.buf.Close()

	if fatal.Load() {
		g.discard()
	} else {
		// egCtx is cancelled when a consumer fails during the drain.
		g.drain(egCtx)
	}
	err := eg.Wait()
	cancelHandlers()

	eventlog.Logf(g.events, "Data manager shutting down")
	eventlog.Logf(g.events, "Storage manager shutting down")
	g.closeResources()
	return err
}

// drain waits for the consumers to empty the closed buffer. Readings left
// after DrainTimeout, or after parent is cancelled, are discarded.
func (g *Gateway) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, g.cfg.Shutdown.DrainTimeout.Duration())
	defer cancel()

	if err := g.buf.WaitEmpty(ctx); err != nil {
		if parent.Err() != nil {
			log.Warn("drain aborted, consumer failed", "remaining", g.buf.Count())
		} else {
			log.Warn("drain timed out", "remaining", g.buf.Count(), "timeout", g.cfg.Shutdown.DrainTimeout.Duration())
		}
		g.discard()
		return
	}
	log.Info("buffer drained")
}

func (g *Gateway) discard() {
	n := 0
	for {
		if _, ok := g.buf.TryPop(); !ok {
			break
		}
		n++
	}
	if n > 0 {
		log.Warn("discarded unprocessed readings", "count", n)
	}
}

// closeResources closes whatever New and Start opened. Safe to call on a
// partially built gateway.
func (g *Gateway) closeResources() {
	if g.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Shutdown.DrainTimeout.Duration())
		if err := g.status.Shutdown(ctx); err != nil {
			log.Warn("status server shutdown", "error", err)
		}
		cancel()
	}

	for _, s := range g.sinks {
		if err := s.sink.Close(); err != nil {
			log.Warn("close sink", "sink", s.name, "error", err)
		}
	}
	g.sinks = nil

	if g.spool != nil {
		if n := g.spool.Readings(); n > 0 {
			log.Info("readings spooled for replay", "count", n, "segment", g.spool.CurrentSegment())
		}
		if err := g.spool.Close(); err != nil {
			log.Warn("close spool", "error", err)
		}
	}

	if g.eventSink != nil {
		if err := g.eventSink.Close(); err != nil {
			log.Warn("close event log", "error", err)
		}
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Addr returns the bound sensor address, or nil before Start.
func (g *Gateway) Addr() string {
	if a := g.server.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// StatusAddr returns the bound status address, or "" when disabled.
func (g *Gateway) StatusAddr() string {
	if g.status == nil || g.status.Addr() == nil {
		return ""
	}
	return g.status.Addr().String()
}

// Buffer returns the ring buffer.
func (g *Gateway) Buffer() *buffer.RingBuffer { return g.buf }

// Table returns the connection tracking table.
func (g *Gateway) Table() *tracker.Table { return g.table }

// Aggregator returns the data manager.
func (g *Gateway) Aggregator() *aggregate.Manager { return g.aggregator }

// Storage returns the persistence managers, primary first.
func (g *Gateway) Storage() []*storage.Manager { return g.managers }
