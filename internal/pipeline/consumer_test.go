package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/sensorgw/internal/buffer"
	"github.com/xtxerr/sensorgw/internal/errors"
	testutil "github.com/xtxerr/sensorgw/internal/testing"
	"github.com/xtxerr/sensorgw/internal/types"
)

type collector struct {
	name string
	mu   sync.Mutex
	got  []types.Reading
	err  error
}

func (c *collector) Name() string { return c.name }

func (c *collector) Handle(ctx context.Context, r types.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, r)
	return c.err
}

func (c *collector) readings() []types.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Reading(nil), c.got...)
}

func fill(t *testing.T, n int) *buffer.RingBuffer {
	t.Helper()
	buf, err := buffer.New(n)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range testutil.Readings(1, n, 20, 1700000000) {
		buf.Push(r)
	}
	return buf
}

func TestParseMode(t *testing.T) {
	if m, _ := ParseMode(""); m != ModeCombined {
		t.Errorf("expected combined default, got %s", m)
	}
	if m, _ := ParseMode("competing"); m != ModeCompeting {
		t.Errorf("expected competing, got %s", m)
	}
	if _, err := ParseMode("fanout"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestCombinedDeliversToEveryHandler(t *testing.T) {
	buf := fill(t, 10)
	buf.Close()

	agg, store := &collector{name: "aggregate"}, &collector{name: "storage"}
	consumers := Build(ModeCombined, buf, nil, agg, store)
	if len(consumers) != 1 {
		t.Fatalf("expected 1 consumer, got %d", len(consumers))
	}

	if err := consumers[0].Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(agg.readings()) != 10 || len(store.readings()) != 10 {
		t.Errorf("expected both handlers to see 10 readings, got %d and %d", len(agg.readings()), len(store.readings()))
	}
	if consumers[0].Processed() != 10 {
		t.Errorf("expected processed=10, got %d", consumers[0].Processed())
	}
}

func TestCompetingSplitsReadings(t *testing.T) {
	buf, _ := buffer.New(200)
	agg, store := &collector{name: "aggregate"}, &collector{name: "storage"}
	consumers := Build(ModeCompeting, buf, nil, agg, store)
	if len(consumers) != 2 || consumers[0].Name != "aggregate" {
		t.Fatalf("expected 2 named consumers, got %d", len(consumers))
	}

	gt := testutil.NewGoroutineTest(t)
	for _, c := range consumers {
		gt.GoWithContext(c.Run)
	}

	for _, r := range testutil.Readings(2, 200, 20, 1) {
		buf.Push(r)
	}
	buf.Close()
	gt.Wait()

	total := len(agg.readings()) + len(store.readings())
	if total != 200 {
		t.Errorf("expected every reading delivered exactly once, got %d", total)
	}
}

func TestFatalErrorStopsConsumer(t *testing.T) {
	buf := fill(t, 5)

	failing := &collector{err: errors.Fatal(errors.ErrRetriesExhausted)}
	c := Build(ModeCombined, buf, nil, failing)[0]

	err := c.Run(context.Background())
	if !errors.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if buf.Count() != 4 {
		t.Errorf("expected the consumer to stop after one reading, %d left", buf.Count())
	}
}

func TestNonFatalErrorIsDropped(t *testing.T) {
	buf := fill(t, 3)
	buf.Close()

	invalid := &collector{err: errors.ErrInvalidSensor}
	after := &collector{}
	c := Build(ModeCombined, buf, nil, invalid, after)[0]

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(after.readings()) != 3 {
		t.Errorf("expected later handlers to still run, got %d", len(after.readings()))
	}
	if c.Errors() != 3 {
		t.Errorf("expected 3 errors, got %d", c.Errors())
	}
}

func TestRunBlocksUntilClose(t *testing.T) {
	buf, _ := buffer.New(4)
	c := Build(ModeCombined, buf, nil, &collector{})[0]

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("consumer returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	buf.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after close")
	}
}

func TestHandlerFunc(t *testing.T) {
	var got types.Reading
	h := HandlerFunc(func(ctx context.Context, r types.Reading) error {
		got = r
		return nil
	})
	want := types.Reading{SensorID: 7}
	h.Handle(context.Background(), want)
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// flakySource fails the first failures pops with a transient error, then
// serves readings until they run out and reports the buffer closed.
type flakySource struct {
	mu       sync.Mutex
	failures int
	calls    int
	readings []types.Reading
}

func (s *flakySource) Pop() (types.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return types.Reading{}, errors.ErrTransient
	}
	if len(s.readings) == 0 {
		return types.Reading{}, errors.ErrBufferClosed
	}
	r := s.readings[0]
	s.readings = s.readings[1:]
	return r, nil
}

func (s *flakySource) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
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

func (l *recordingLogger) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

func TestPopRetriesTransientErrors(t *testing.T) {
	src := &flakySource{failures: 2, readings: testutil.Readings(1, 1, 20, 1700000000)}
	events := &recordingLogger{}
	sink := &collector{}
	c := &Consumer{Name: "retry", Buffer: src, Handlers: []Handler{sink}, PopRetries: 3, Events: events}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.readings()) != 1 {
		t.Errorf("expected the reading after two failed pops, got %d", len(sink.readings()))
	}
	// 2 failures, 1 reading, 1 closed.
	if src.calls != 4 {
		t.Errorf("expected 4 pop calls, got %d", src.calls)
	}
	if n := events.count("Failed to pop data from sbuffer, retry"); n != 2 {
		t.Errorf("expected 2 retry events, got %d", n)
	}
	if n := events.count("Max retries reached"); n != 0 {
		t.Errorf("expected no exhaustion event, got %d", n)
	}
}

func TestPopRetriesExhausted(t *testing.T) {
	src := &flakySource{failures: 3, readings: testutil.Readings(1, 1, 20, 1700000000)}
	events := &recordingLogger{}
	sink := &collector{}
	c := &Consumer{Name: "exhausted", Buffer: src, Handlers: []Handler{sink}, PopRetries: 3, Events: events}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// 3 failed pops exhaust the first round, the next round gets the reading.
	if src.calls != 5 {
		t.Errorf("expected 5 pop calls, got %d", src.calls)
	}
	if n := events.count("Max retries reached for popping data, skipping..."); n != 1 {
		t.Errorf("expected 1 exhaustion event, got %d", n)
	}
	if n := events.count("Failed to pop data from sbuffer, retry"); n != 3 {
		t.Errorf("expected 3 retry events, got %d", n)
	}
	if len(sink.readings()) != 1 {
		t.Errorf("expected the consumer to continue after exhaustion, got %d readings", len(sink.readings()))
	}
}
