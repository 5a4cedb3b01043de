// Package eventlog records gateway events as numbered lines.
//
// Each line has the form
//
//	<seq> <time> <message>
//
// where seq starts at 0 and time uses the classic ctime layout. Lines are
// written by a single goroutine fed through a bounded queue, so Log can be
// called from any goroutine without blocking. When the queue is full the
// event is dropped and counted.
package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
)

var log = logging.Component("eventlog")

// Logger accepts gateway events.
type Logger interface {
	Log(msg string)
}

// Logf formats and logs an event.
func Logf(l Logger, format string, args ...any) {
	l.Log(fmt.Sprintf(format, args...))
}

// Discard is a Logger that drops every event.
var Discard Logger = discard{}

type discard struct{}

func (discard) Log(string) {}

type event struct {
	at  time.Time
	msg string
}

// Sink is the asynchronous file-backed Logger.
type Sink struct {
	w      *bufio.Writer
	closer io.Closer
	queue  chan event
	done   chan struct{}
	now    func() time.Time

	seq     uint64
	dropped atomic.Int64
	written atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against concurrent Log
	closed    bool
}

// Open creates the parent directory of path, opens the file for appending
// and starts the writer goroutine.
func Open(path string, queueSize int) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return NewSink(f, queueSize), nil
}

// NewSink starts a Sink writing to w. If w is an io.Closer it is closed by
// Close.
func NewSink(w io.Writer, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Sink{
		w:     bufio.NewWriter(w),
		queue: make(chan event, queueSize),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	go s.run()
	return s
}

// Log enqueues msg. It never blocks.
func (s *Sink) Log(msg string) {
	log.Debug(msg)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop()
		return
	}

	select {
	case s.queue <- event{at: s.now(), msg: msg}:
	default:
		s.drop()
	}
}

func (s *Sink) drop() {
	s.dropped.Add(1)
	metrics.EventsDropped.Inc()
}

// Dropped returns the number of events lost to a full queue or a closed sink.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Written returns the number of lines written.
func (s *Sink) Written() int64 {
	return s.written.Load()
}

func (s *Sink) run() {
	defer close(s.done)

	for ev := range s.queue {
		s.write(ev)
		// Flush once the queue is momentarily empty.
		if len(s.queue) == 0 {
			if err := s.w.Flush(); err != nil {
				log.Warn("flush failed", "error", err)
			}
		}
	}
	if err := s.w.Flush(); err != nil {
		log.Warn("flush failed", "error", err)
	}
}

func (s *Sink) write(ev event) {
	if _, err := fmt.Fprintf(s.w, "%d %s %s\n", s.seq, ev.at.Format(time.ANSIC), ev.msg); err != nil {
		log.Warn("write failed", "error", err)
		return
	}
	s.seq++
	s.written.Add(1)
}

// Close stops accepting events, writes everything queued and closes the
// underlying file.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		<-s.done
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}
