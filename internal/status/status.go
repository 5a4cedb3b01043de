// Package status serves the read-only HTTP status API.
//
// Routes:
//
//	GET /healthz          liveness, 503 once the buffer is closed
//	GET /metrics          Prometheus metrics
//	GET /api/sensors      per-sensor statistics
//	GET /api/connections  tracked sensor connections
//	GET /api/buffer       ring buffer statistics
//	GET /api/storage      persistence statistics
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/buffer"
	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
	"github.com/xtxerr/sensorgw/internal/storage"
	"github.com/xtxerr/sensorgw/internal/tracker"
	"github.com/xtxerr/sensorgw/internal/types"
)

var log = logging.Component("status")

// =============================================================================
// Sources
// =============================================================================

// SensorSource provides per-sensor statistics.
type SensorSource interface {
	Snapshot() []types.SensorStats
}

// ConnectionSource provides the tracked connections.
type ConnectionSource interface {
	Snapshot() []tracker.Record
}

// BufferSource provides ring buffer statistics.
type BufferSource interface {
	Stats() buffer.Stats
}

// StorageSource provides persistence statistics.
type StorageSource interface {
	Stats() storage.Stats
}

// Sources are the components the API reports on. Nil sources are served
// as empty results.
type Sources struct {
	Sensors     SensorSource
	Connections ConnectionSource
	Buffer      BufferSource
	Storage     []StorageSource
}

// =============================================================================
// Router
// =============================================================================

// NewRouter returns the status API handler.
func NewRouter(src Sources) http.Handler {
	h := &handler{src: src}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/sensors", h.sensors)
		r.Get("/connections", h.connections)
		r.Get("/buffer", h.bufferStats)
		r.Get("/storage", h.storageStats)
	})
	return r
}

// observe records request durations by route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

type handler struct {
	src Sources
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", "error", err)
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		log.Debug("write response failed", "error", err)
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.src.Buffer != nil && h.src.Buffer.Stats().Closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) sensors(w http.ResponseWriter, r *http.Request) {
	stats := []types.SensorStats{}
	if h.src.Sensors != nil {
		stats = append(stats, h.src.Sensors.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, stats)
}

// connectionView is the JSON form of a tracked connection.
type connectionView struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
	Readings    int64     `json:"readings"`
	SensorID    *int32    `json:"sensor_id,omitempty"`
}

func (h *handler) connections(w http.ResponseWriter, r *http.Request) {
	views := []connectionView{}
	if h.src.Connections != nil {
		for _, rec := range h.src.Connections.Snapshot() {
			v := connectionView{
				ID:          rec.ID.String(),
				RemoteAddr:  rec.RemoteAddr,
				ConnectedAt: rec.ConnectedAt,
				LastActive:  rec.LastActive,
				Readings:    rec.Readings,
			}
			if rec.LastSensor != tracker.NoSensor {
				id := rec.LastSensor
				v.SensorID = &id
			}
			views = append(views, v)
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) bufferStats(w http.ResponseWriter, r *http.Request) {
	if h.src.Buffer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no buffer"})
		return
	}
	writeJSON(w, http.StatusOK, h.src.Buffer.Stats())
}

func (h *handler) storageStats(w http.ResponseWriter, r *http.Request) {
	stats := []storage.Stats{}
	for _, s := range h.src.Storage {
		stats = append(stats, s.Stats())
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// Server
// =============================================================================

// Config configures the status server.
type Config struct {
	Listen      string
	ReadTimeout time.Duration
	Sources     Sources
}

// Server serves the status API.
type Server struct {
	cfg      Config
	srv      *http.Server
	listener net.Listener
}

// New creates a status server.
func New(cfg Config) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = config.DefaultStatusReadTimeout
	}
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Handler:           NewRouter(cfg.Sources),
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.listener != nil {
		return errors.ErrServerAlreadyActive
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("status listen: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server failed", "error", err)
		}
	}()
	log.Info("status server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server, waiting for active requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
