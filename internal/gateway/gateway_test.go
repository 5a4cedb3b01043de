package gateway

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/loader"
	testutil "github.com/xtxerr/sensorgw/internal/testing"
	"github.com/xtxerr/sensorgw/internal/types"
)

type memSink struct {
	mu   sync.Mutex
	fail bool
	rows []types.Reading
}

func (s *memSink) Insert(ctx context.Context, r types.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.ErrRetriesExhausted
	}
	s.rows = append(s.rows, r)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) Log(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) count(sub string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if strings.Contains(m, sub) {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T) *loader.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := loader.DefaultConfig()
	cfg.Port = 1 // replaced by WithListen
	cfg.EventLog.Path = filepath.Join(dir, "logs", "gateway.log")
	cfg.Storage.SpoolDir = ""
	cfg.Liveness.Interval = loader.Duration(20 * time.Millisecond)
	cfg.Liveness.Timeout = loader.Duration(time.Minute)
	cfg.Aggregate.MinSamples = 1
	cfg.Shutdown.DrainTimeout = loader.Duration(2 * time.Second)
	return cfg
}

func runGateway(t *testing.T, g *Gateway) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := g.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
		return nil
	}
}

func TestEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	sink := &memSink{}
	g, err := New(context.Background(), cfg, WithSink("mem", sink), WithListen("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := runGateway(t, g)

	conn, err := testutil.DialSensor(g.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := testutil.Send(conn, testutil.Readings(4, 3, 45, 1700000000)...); err != nil {
		t.Fatal(err)
	}

	testutil.WaitFor(t, 2*time.Second, "readings persisted", func() bool { return sink.count() == 3 })
	if avg, ok := g.Aggregator().Average(4); !ok || avg != 45 {
		t.Errorf("expected avg=45, got %v (%v)", avg, ok)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(cfg.EventLog.Path)
	if err != nil {
		t.Fatal(err)
	}
	log := string(data)
	for _, want := range []string{
		"Connection manager started on",
		"has opened a new connection",
		"The sensor node with 4 reports it's too hot (running avg temperature = 45.0)",
		"Connection manager shutting down",
		"Data manager shutting down",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("expected event %q in log:\n%s", want, log)
		}
	}
	if !strings.HasPrefix(log, "0 ") {
		t.Errorf("expected numbered lines starting at 0, got %q", strings.SplitN(log, "\n", 2)[0])
	}
}

func TestDrainOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buffer.Capacity = 100
	sink := &memSink{}
	g, err := New(context.Background(), cfg, WithSink("mem", sink), WithListen("127.0.0.1:0"), WithEvents(&recordingLogger{}))
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range testutil.Readings(1, 40, 20, 1) {
		g.Buffer().Push(r)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sink.count() != 40 {
		t.Errorf("expected every buffered reading to be drained, got %d", sink.count())
	}
	if g.Buffer().Count() != 0 || !g.Buffer().Closed() {
		t.Error("expected closed, empty buffer after shutdown")
	}
}

func TestLivenessTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Liveness.Timeout = loader.Duration(100 * time.Millisecond)
	events := &recordingLogger{}
	g, err := New(context.Background(), cfg, WithSink("mem", &memSink{}), WithListen("127.0.0.1:0"), WithEvents(events))
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := runGateway(t, g)
	defer func() {
		cancel()
		wait(t, done)
	}()

	conn, err := testutil.DialSensor(g.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := testutil.WaitClosed(conn, 2*time.Second); err != nil {
		t.Fatalf("expected silent connection to be closed: %v", err)
	}
	testutil.WaitFor(t, time.Second, "timeout event", func() bool {
		return events.count("(keep-alive timeout)") == 1
	})
	if g.Table().Len() != 0 {
		t.Errorf("expected empty table, got %d", g.Table().Len())
	}
}

func TestFatalStorageFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.OnFailure = "shutdown"
	g, err := New(context.Background(), cfg, WithSink("mem", &memSink{fail: true}), WithListen("127.0.0.1:0"), WithEvents(&recordingLogger{}))
	if err != nil {
		t.Fatal(err)
	}
	_, done := runGateway(t, g)

	g.Buffer().Push(types.Reading{SensorID: 1, Temperature: 20, Timestamp: 1})

	err = wait(t, done)
	if !errors.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

// gatedSink blocks every insert until release is closed, then fails.
type gatedSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSink) Insert(ctx context.Context, r types.Reading) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return errors.ErrRetriesExhausted
}

func (s *gatedSink) Close() error { return nil }

func TestFatalFailureDuringDrain(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.OnFailure = "shutdown"
	cfg.Shutdown.DrainTimeout = loader.Duration(time.Minute)

	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	g, err := New(context.Background(), cfg, WithSink("gated", sink), WithListen("127.0.0.1:0"), WithEvents(&recordingLogger{}))
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := runGateway(t, g)

	for _, r := range testutil.Readings(1, 5, 20, 1) {
		g.Buffer().Push(r)
	}
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never reached the sink")
	}

	// Shutdown starts while the only consumer is stuck in the sink.
	cancel()
	testutil.WaitFor(t, 2*time.Second, "buffer closed", func() bool {
		return g.Buffer().Stats().Closed
	})
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	close(sink.release)

	err = wait(t, done)
	if !errors.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("expected the drain to stop once the consumer failed, took %v", elapsed)
	}
	if n := g.Buffer().Count(); n != 0 {
		t.Errorf("expected leftovers to be discarded, %d left", n)
	}
}

func TestEvictionEventsAreThrottled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buffer.Capacity = 2
	cfg.Buffer.EvictionLogRate = 5
	events := &recordingLogger{}
	g, err := New(context.Background(), cfg, WithSink("mem", &memSink{}), WithListen("127.0.0.1:0"), WithEvents(events))
	if err != nil {
		t.Fatal(err)
	}

	// No consumers run yet, so every push beyond capacity evicts.
	for _, r := range testutil.Readings(3, 22, 20, 1) {
		g.Buffer().Push(r)
	}
	if n := events.count("Buffer full"); n != 5 {
		t.Errorf("expected 5 eviction events within the burst, got %d", n)
	}
	if g.Buffer().Stats().DropCount != 20 {
		t.Errorf("expected 20 drops, got %d", g.Buffer().Stats().DropCount)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.Run(ctx)
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	g, err := New(context.Background(), cfg, WithSink("mem", &memSink{}), WithListen(ln.Addr().String()), WithEvents(&recordingLogger{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Run(context.Background()); err == nil {
		t.Fatal("expected bind failure")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = 0
	if _, err := New(context.Background(), cfg); !errors.Is(err, errors.ErrInvalidPort) {
		t.Errorf("expected ErrInvalidPort, got %v", err)
	}
}

func TestStatusServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Status.Listen = "127.0.0.1:0"
	g, err := New(context.Background(), cfg, WithSink("mem", &memSink{}), WithListen("127.0.0.1:0"), WithEvents(&recordingLogger{}))
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := runGateway(t, g)

	if g.StatusAddr() == "" {
		t.Error("expected status address")
	}
	if len(g.Storage()) != 1 || g.Storage()[0].Name() != "mem" {
		t.Errorf("unexpected storage managers %v", g.Storage())
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Error(err)
	}
}

func TestParquetEngineWithRetention(t *testing.T) {
	cfg := testConfig(t)
	archive := filepath.Join(t.TempDir(), "archive")
	cfg.Storage.Engine = loader.EngineParquet
	cfg.Storage.Archive.Dir = archive
	cfg.Storage.Archive.Retention = loader.Duration(24 * time.Hour)

	if err := os.MkdirAll(archive, 0755); err != nil {
		t.Fatal(err)
	}
	expired := filepath.Join(archive, "measurements-20000101T000000-0000.parquet")
	if err := os.WriteFile(expired, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	g, err := New(context.Background(), cfg, WithListen("127.0.0.1:0"), WithEvents(&recordingLogger{}))
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := runGateway(t, g)

	conn, err := testutil.DialSensor(g.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if err := testutil.Send(conn, testutil.Readings(4, 3, 21, 1700000000)...); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, 2*time.Second, "archived readings", func() bool {
		return g.Storage()[0].Stats().Inserted == 3
	})
	testutil.WaitFor(t, 2*time.Second, "expired archive file removed", func() bool {
		_, err := os.Stat(expired)
		return os.IsNotExist(err)
	})
	conn.Close()

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}

	files, _ := filepath.Glob(filepath.Join(archive, "measurements-*.parquet"))
	if len(files) != 1 {
		t.Errorf("expected the closed archive file to remain, got %v", files)
	}
}
