// Package logging provides structured logging for the sensor gateway.
//
// This package wraps the standard library's log/slog package so every
// component logs the same way. Text output goes through tint for readable
// console logs; JSON output is meant for log shippers.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false) // colored text
//	logging.Init(slog.LevelDebug, true) // JSON
//
//	log := logging.Component("server")
//	log.Info("listening", "addr", addr)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// Logger is the global logger instance. Loggers derived from it, including
// package-level component loggers created before Init, follow the handler
// installed by the latest Init call.
var Logger *slog.Logger

func init() {
	active.Store(&handlerBox{h: newHandler(os.Stdout, slog.LevelInfo, false)})
	Logger = slog.New(&switchHandler{})
}

// Init initializes the global logger writing to stdout.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter initializes the global logger with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	InitWithHandler(newHandler(w, level, jsonFormat))
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	active.Store(&handlerBox{h: handler})
	slog.SetDefault(Logger)
}

func newHandler(w io.Writer, level slog.Level, jsonFormat bool) slog.Handler {
	if jsonFormat {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: level == slog.LevelDebug,
		})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		AddSource:  level == slog.LevelDebug,
		TimeFormat: time.DateTime,
		NoColor:    !isTerminal(w),
	})
}

// =============================================================================
// Switchable Handler
// =============================================================================

type handlerBox struct {
	h slog.Handler
}

var active atomic.Pointer[handlerBox]

// switchHandler replays its attributes and groups onto the active handler.
// The derived handler is cached until Init installs a new one.
type switchHandler struct {
	ops   []func(slog.Handler) slog.Handler
	cache atomic.Pointer[resolvedHandler]
}

type resolvedHandler struct {
	base *handlerBox
	h    slog.Handler
}

func (s *switchHandler) resolve() slog.Handler {
	base := active.Load()
	if c := s.cache.Load(); c != nil && c.base == base {
		return c.h
	}
	h := base.h
	for _, op := range s.ops {
		h = op(h)
	}
	s.cache.Store(&resolvedHandler{base: base, h: h})
	return h
}

func (s *switchHandler) with(op func(slog.Handler) slog.Handler) *switchHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(s.ops), len(s.ops)+1)
	copy(ops, s.ops)
	return &switchHandler{ops: append(ops, op)}
}

func (s *switchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return active.Load().h.Enabled(ctx, level)
}

func (s *switchHandler) Handle(ctx context.Context, r slog.Record) error {
	return s.resolve().Handle(ctx, r)
}

func (s *switchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return s.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (s *switchHandler) WithGroup(name string) slog.Handler {
	return s.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// ParseLevel maps a level name from flags or config to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// WithContext returns a logger that includes connection and sensor values
// stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {

	logger := Logger
	if connID, ok := ctx.Value(contextKeyConnID).(string); ok {
		logger = logger.With("conn_id", connID)
	}
	if sensorID, ok := ctx.Value(contextKeySensorID).(int32); ok {
		logger = logger.With("sensor_id", sensorID)
	}
	return logger
}

type contextKey int

const (
	contextKeyConnID contextKey = iota
	contextKeySensorID
)

// ContextWithConnID adds a connection ID to the context for logging.
func ContextWithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, contextKeyConnID, connID)
}

// ContextWithSensorID adds a sensor ID to the context for logging.
func ContextWithSensorID(ctx context.Context, sensorID int32) context.Context {
	return context.WithValue(ctx, contextKeySensorID, sensorID)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}
