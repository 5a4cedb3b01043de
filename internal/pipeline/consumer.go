// Package pipeline drains the ring buffer into the gateway's consumers.
//
// A Consumer pops readings one at a time and hands each one to its
// handlers in order. In combined mode a single consumer carries every
// handler, so each reading is both aggregated and persisted. In competing
// mode every handler gets its own consumer and the consumers race for
// readings, so each reading reaches exactly one handler.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/buffer"
	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/eventlog"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
	"github.com/xtxerr/sensorgw/internal/types"
)

var log = logging.Component("pipeline")

// Handler consumes readings. Returning an error wrapping ErrFatal stops the
// consumer; any other error is logged and the reading is dropped.
type Handler interface {
	Handle(ctx context.Context, r types.Reading) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, r types.Reading) error

// Handle calls f(ctx, r).
func (f HandlerFunc) Handle(ctx context.Context, r types.Reading) error {
	return f(ctx, r)
}

// Mode selects how handlers are attached to consumers.
type Mode string

const (
	ModeCombined  Mode = "combined"
	ModeCompeting Mode = "competing"
)

// ParseMode parses a mode name. The empty string means combined.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", string(ModeCombined):
		return ModeCombined, nil
	case string(ModeCompeting):
		return ModeCompeting, nil
	default:
		return "", errors.NewInvalidValue("pipeline.mode", s, "must be combined or competing")
	}
}

// Named is implemented by handlers that have a name for logs.
type Named interface {
	Name() string
}

// Source is the buffer side a consumer pops from. *buffer.RingBuffer
// implements it.
type Source interface {
	Pop() (types.Reading, error)
	Count() int
}

// Consumer pops readings from a buffer until it is closed and drained.
type Consumer struct {
	Name       string
	Buffer     Source
	Handlers   []Handler
	PopRetries int
	RetryDelay time.Duration
	Events     eventlog.Logger

	processed atomic.Int64
	failures  atomic.Int64
}

// Build creates the consumers for mode. Handlers that implement Named
// give their name to the consumer in competing mode.
func Build(mode Mode, buf *buffer.RingBuffer, events eventlog.Logger, handlers ...Handler) []*Consumer {
	if mode == ModeCompeting {
		consumers := make([]*Consumer, 0, len(handlers))
		for i, h := range handlers {
			name := fmt.Sprintf("consumer-%d", i)
			if n, ok := h.(Named); ok {
				name = n.Name()
			}
			consumers = append(consumers, &Consumer{Name: name, Buffer: buf, Handlers: []Handler{h}, Events: events})
		}
		return consumers
	}
	return []*Consumer{{Name: "combined", Buffer: buf, Handlers: handlers, Events: events}}
}

// Run consumes until the buffer is closed and empty, returning nil, or until
// a handler returns a fatal error, which is returned. Pop blocks regardless
// of ctx; close the buffer to stop the consumer. ctx is passed to handlers.
func (c *Consumer) Run(ctx context.Context) error {
	if c.PopRetries <= 0 {
		c.PopRetries = config.DefaultPopRetries
	}
	if c.Events == nil {
		c.Events = eventlog.Discard
	}

	log.Info("consumer started", "consumer", c.Name, "handlers", len(c.Handlers))
	defer log.Info("consumer stopped", "consumer", c.Name, "processed", c.processed.Load())

	for {
		r, err := c.pop()
		if err != nil {
			if errors.Is(err, errors.ErrBufferClosed) {
				return nil
			}
			if errors.Is(err, errors.ErrRetriesExhausted) {
				eventlog.Logf(c.Events, "Max retries reached for popping data, skipping...")
				continue
			}
			return err
		}
		metrics.BufferDepth.Set(float64(c.Buffer.Count()))

		if err := c.dispatch(ctx, r); err != nil {
			return err
		}
	}
}

// pop retries transient failures up to PopRetries times.
func (c *Consumer) pop() (types.Reading, error) {
	var err error
	for attempt := 1; attempt <= c.PopRetries; attempt++ {
		var r types.Reading
		r, err = c.Buffer.Pop()
		if err == nil {
			return r, nil
		}
		if !errors.IsRetriable(err) {
			return types.Reading{}, err
		}
		eventlog.Logf(c.Events, "Failed to pop data from sbuffer, retry %d/%d", attempt, c.PopRetries)
		if c.RetryDelay > 0 {
			time.Sleep(c.RetryDelay)
		}
	}
	return types.Reading{}, fmt.Errorf("pop: %w: %w", errors.ErrRetriesExhausted, err)
}

func (c *Consumer) dispatch(ctx context.Context, r types.Reading) error {
	for _, h := range c.Handlers {
		err := h.Handle(ctx, r)
		if err == nil {
			continue
		}
		if errors.IsFatal(err) {
			log.Error("handler failed fatally", "consumer", c.Name, "error", err)
			return err
		}
		c.failures.Add(1)
		log.Debug("handler dropped reading", "consumer", c.Name, "reading", r.String(), "error", err)
	}
	c.processed.Add(1)
	return nil
}

// Processed returns the number of readings handed to the handlers.
func (c *Consumer) Processed() int64 {
	return c.processed.Load()
}

// Errors returns the number of non-fatal handler errors.
func (c *Consumer) Errors() int64 {
	return c.failures.Load()
}
