// Package server provides the sensor connection manager.
//
// The server accepts TCP connections from sensor nodes, tracks each of them
// in the shared tracking table and runs one reader goroutine per connection.
// Every complete wire record is pushed into the ring buffer. Per-connection
// failures close that connection only; they never reach the caller.
package server

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/buffer"
	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/eventlog"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
	"github.com/xtxerr/sensorgw/internal/tracker"
	"github.com/xtxerr/sensorgw/internal/wire"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:5678").
	Listen string

	// MaxConnections caps tracked connections. Zero uses the default.
	MaxConnections int

	// Buffer receives every decoded reading (required).
	Buffer *buffer.RingBuffer

	// Table tracks live connections. A new table is created if nil.
	Table *tracker.Table

	// Events receives gateway events. Discarded if nil.
	Events eventlog.Logger

	// FailureLimit blocks a remote IP after this many failed reads within
	// FailureWindow. Zero disables blocking.
	FailureLimit  int
	FailureWindow time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server is the sensor connection manager.
type Server struct {
	cfg      *Config
	buf      *buffer.RingBuffer
	table    *tracker.Table
	events   eventlog.Logger
	limiter  *FailureLimiter
	listener net.Listener

	mu       sync.Mutex
	started  bool
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new server.
func New(cfg *Config) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = config.DefaultMaxConnections
	}
	if cfg.Table == nil {
		cfg.Table = tracker.NewTable()
	}
	if cfg.Events == nil {
		cfg.Events = eventlog.Discard
	}

	s := &Server{
		cfg:      cfg,
		buf:      cfg.Buffer,
		table:    cfg.Table,
		events:   cfg.Events,
		shutdown: make(chan struct{}),
	}
	if cfg.FailureLimit > 0 {
		window := cfg.FailureWindow
		if window <= 0 {
			window = time.Minute
		}
		s.limiter = NewFailureLimiter(cfg.FailureLimit, window)
	}
	return s
}

// Start binds the listener and starts accepting connections in the
// background. A bind failure is returned to the caller and is fatal for
// the gateway.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrServerAlreadyActive
	}
	if s.buf == nil {
		return errors.NewMissingField("server buffer")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.started = true

	log.Info("listening", "address", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)
	eventlog.Logf(s.events, "Connection manager started on %s", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Table returns the tracking table used by the server.
func (s *Server) Table() *tracker.Table {
	return s.table
}

// Shutdown stops accepting, closes every tracked connection and waits for
// all reader goroutines to exit.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()

		if n := s.table.CloseAll(); n > 0 {
			metrics.DisconnectsTotal.WithLabelValues("shutdown").Add(float64(n))
			metrics.ConnectionsActive.Sub(float64(n))
		}
		if s.limiter != nil {
			s.limiter.Stop()
		}

		s.wg.Wait()
		s.events.Log("Connection manager shutting down")
		log.Info("shutdown complete")
	})
}

func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error("accept error", "error", err)
			s.events.Log("Failed to accept TCP connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn tracks conn and reads records until the peer closes, a read
// fails, or the connection is closed by the monitor or by Shutdown.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	if s.limiter != nil && s.limiter.IsBlocked(remoteIP) {
		log.Warn("blocked due to repeated read failures", "remote", remote)
		metrics.ConnectionsTotal.WithLabelValues("blocked").Inc()
		conn.Close()
		return
	}

	if s.stopping() {
		conn.Close()
		return
	}

	rec, err := s.table.TryAdd(conn, remote, s.cfg.MaxConnections)
	if err != nil {
		log.Warn("connection rejected", "remote", remote, "error", err)
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		s.events.Log("Max client reached")
		conn.Close()
		return
	}

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.ConnectionsActive.Inc()
	log.Info("connection opened", "conn_id", rec.ShortID(), "remote", remote)
	eventlog.Logf(s.events, "A sensor node with %s has opened a new connection", remote)

	// Shutdown may have run CloseAll between the stopping check and TryAdd.
	if s.stopping() {
		s.finish(rec.ID, conn, "shutdown", nil)
		return
	}

	s.readLoop(rec.ID, conn, remote)
}

func (s *Server) readLoop(id uuid.UUID, conn net.Conn, remote string) {
	r := wire.NewReader(conn)
	for {
		reading, err := r.Read()
		if err != nil {
			if err == io.EOF {
				s.finish(id, conn, "peer_closed", nil)
			} else {
				if s.limiter != nil && errors.Is(err, errors.ErrShortRead) {
					s.limiter.RecordFailure(extractIP(remote))
				}
				s.finish(id, conn, "read_error", err)
			}
			return
		}

		metrics.ReadingsReceived.Inc()

		if err := s.buf.Push(reading); err != nil {
			// Buffer closed: the gateway is draining.
			log.Debug("dropping reading, buffer closed", "remote", remote, "sensor_id", reading.SensorID)
			s.finish(id, conn, "shutdown", nil)
			return
		}

		if !s.table.Touch(id, time.Now(), reading.SensorID) {
			// Evicted by the liveness monitor, which owns the close.
			conn.Close()
			return
		}
	}
}

// finish removes id from the table and closes conn. The event is logged only
// by the party that removed the record, so a connection evicted by the
// monitor is not reported twice.
func (s *Server) finish(id uuid.UUID, conn net.Conn, reason string, cause error) {
	rec, removed := s.table.Remove(id)
	conn.Close()
	if !removed {
		return
	}

	metrics.RecordDisconnect(reason)

	who := rec.RemoteAddr
	if rec.LastSensor != tracker.NoSensor {
		who = fmt.Sprintf("sensor id %d", rec.LastSensor)
	}

	switch reason {
	case "peer_closed":
		log.Info("connection closed by peer", "conn_id", rec.ShortID(), "remote", rec.RemoteAddr, "readings", rec.Readings)
		eventlog.Logf(s.events, "The sensor node with %s has closed the connection", who)
	case "read_error":
		if s.stopping() {
			return
		}
		log.Warn("read failed", "conn_id", rec.ShortID(), "remote", rec.RemoteAddr, "error", cause)
		eventlog.Logf(s.events, "Failed to read from sensor node %s", who)
	default:
		log.Debug("connection closed", "conn_id", rec.ShortID(), "reason", reason)
	}
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
