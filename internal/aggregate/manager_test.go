package aggregate

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
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

func newTestManager(minSamples int) (*Manager, *fakeClock, *recordingLogger) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	events := &recordingLogger{}
	cfg := DefaultConfig()
	cfg.MinSamples = minSamples
	cfg.StaleAfter = time.Hour
	cfg.AlertCooldown = time.Minute
	cfg.Now = clock.Now
	return New(cfg, events), clock, events
}

func feed(t *testing.T, m *Manager, id int32, temps ...float32) {
	t.Helper()
	for _, temp := range temps {
		if err := m.Handle(context.Background(), types.Reading{SensorID: id, Temperature: temp}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
}

func TestRunningAverage(t *testing.T) {
	m, _, _ := newTestManager(1)

	feed(t, m, 3, 20, 22, 24)

	avg, ok := m.Average(3)
	if !ok {
		t.Fatal("expected average for sensor 3")
	}
	if avg != 22 {
		t.Errorf("expected avg=22, got %f", avg)
	}
	if _, ok := m.Average(4); ok {
		t.Error("sensor 4 has no readings")
	}
}

func TestResetAfterStaleness(t *testing.T) {
	m, clock, events := newTestManager(1)

	feed(t, m, 1, 10, 20)
	if avg, _ := m.Average(1); avg != 15 {
		t.Fatalf("expected avg=15 before reset, got %f", avg)
	}

	// Exactly StaleAfter later the session continues.
	clock.Advance(time.Hour)
	feed(t, m, 1, 30)
	if avg, _ := m.Average(1); avg != 20 {
		t.Errorf("expected avg=20 at the boundary, got %f", avg)
	}

	clock.Advance(time.Hour + time.Second)
	feed(t, m, 1, 25)

	avg, _ := m.Average(1)
	if avg != 25 {
		t.Errorf("expected reset to the new sample, got avg=%f", avg)
	}
	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Count != 1 {
		t.Errorf("expected count=1 after reset, got %+v", snap)
	}
	if events.count("Reset average for sensor 1") != 1 {
		t.Errorf("expected one reset event, got %d", events.count("Reset average"))
	}
}

func TestInvalidSensor(t *testing.T) {
	m, _, events := newTestManager(1)

	for _, id := range []int32{-1, 50, 1000} {
		err := m.Handle(context.Background(), types.Reading{SensorID: id, Temperature: 20})
		if !errors.Is(err, errors.ErrInvalidSensor) {
			t.Errorf("sensor %d: expected ErrInvalidSensor, got %v", id, err)
		}
	}
	if len(m.Snapshot()) != 0 {
		t.Error("invalid readings must not be aggregated")
	}
	if events.count("invalid sensor ID") != 3 {
		t.Errorf("expected 3 invalid-id events, got %d", events.count("invalid sensor ID"))
	}
}

func TestNonFiniteTemperatureRejected(t *testing.T) {
	m, _, events := newTestManager(1)

	var alerts []Alert
	m.OnAlert = func(a Alert) { alerts = append(alerts, a) }

	feed(t, m, 1, 20)
	bad := []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))}
	for _, temp := range bad {
		err := m.Handle(context.Background(), types.Reading{SensorID: 1, Temperature: temp})
		if !errors.Is(err, errors.ErrInvalidTemperature) {
			t.Errorf("temp %v: expected ErrInvalidTemperature, got %v", temp, err)
		}
		if errors.IsRetriable(err) {
			t.Errorf("temp %v: expected a non-retriable error", temp)
		}
	}
	feed(t, m, 1, 22)

	avg, _ := m.Average(1)
	if avg != 21 {
		t.Errorf("expected avg=21 ignoring non-finite readings, got %f", avg)
	}
	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Count != 2 || snap[0].Min != 20 || snap[0].Max != 22 {
		t.Errorf("unexpected stats %+v", snap)
	}
	if events.count("Received invalid temperature from sensor 1") != 3 {
		t.Errorf("expected 3 invalid-temperature events, got %d", events.count("invalid temperature"))
	}

	// A rejected Inf must not start a session for a new sensor either.
	m.Handle(context.Background(), types.Reading{SensorID: 3, Temperature: float32(math.Inf(1))})
	if _, ok := m.Average(3); ok {
		t.Error("expected sensor 3 to have no readings")
	}

	// The hot alert still fires on the next real readings.
	feed(t, m, 1, 200)
	if len(alerts) != 1 || alerts[0].Kind != types.AlertTooHot {
		t.Errorf("expected one too-hot alert, got %+v", alerts)
	}
}

func TestAlertsNeedMinSamples(t *testing.T) {
	m, _, events := newTestManager(3)

	var alerts []Alert
	m.OnAlert = func(a Alert) { alerts = append(alerts, a) }

	feed(t, m, 2, 50, 50)
	if len(alerts) != 0 {
		t.Fatalf("expected no alert before min samples, got %d", len(alerts))
	}

	feed(t, m, 2, 50)
	if len(alerts) != 1 || alerts[0].Kind != types.AlertTooHot {
		t.Fatalf("expected one too-hot alert, got %+v", alerts)
	}
	if events.count("reports it's too hot (running avg temperature = 50.0)") != 1 {
		t.Error("expected too-hot event line")
	}
}

func TestAlertCooldown(t *testing.T) {
	m, clock, _ := newTestManager(1)

	var alerts []Alert
	m.OnAlert = func(a Alert) { alerts = append(alerts, a) }

	feed(t, m, 5, 10)
	clock.Advance(30 * time.Second)
	feed(t, m, 5, 10)
	if len(alerts) != 1 {
		t.Fatalf("expected cooldown to suppress repeat alert, got %d alerts", len(alerts))
	}

	clock.Advance(30 * time.Second)
	feed(t, m, 5, 10)
	if len(alerts) != 2 {
		t.Errorf("expected second alert after cooldown, got %d", len(alerts))
	}
	for _, a := range alerts {
		if a.Kind != types.AlertTooCold || a.SensorID != 5 {
			t.Errorf("unexpected alert %+v", a)
		}
	}
}

func TestNoAlertInRange(t *testing.T) {
	m, _, _ := newTestManager(1)
	fired := false
	m.OnAlert = func(Alert) { fired = true }

	// Thresholds are strict: exactly 40 and 18 are in range.
	feed(t, m, 0, 40)
	feed(t, m, 1, 18)
	feed(t, m, 2, 25)
	if fired {
		t.Error("expected no alerts for in-range averages")
	}
}

func TestSnapshotPercentiles(t *testing.T) {
	m, _, _ := newTestManager(1)

	for i := 1; i <= 100; i++ {
		feed(t, m, 7, float32(i))
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 sensor, got %d", len(snap))
	}
	st := snap[0]
	if st.SensorID != 7 || st.Count != 100 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.Min != 1 || st.Max != 100 {
		t.Errorf("expected min=1 max=100, got %f %f", st.Min, st.Max)
	}
	if math.Abs(st.P50-50) > 2 {
		t.Errorf("expected p50 near 50, got %f", st.P50)
	}
	if math.Abs(st.P95-95) > 3 {
		t.Errorf("expected p95 near 95, got %f", st.P95)
	}
}

func TestConcurrentHandle(t *testing.T) {
	m, _, _ := newTestManager(1)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				m.Handle(context.Background(), types.Reading{SensorID: 9, Temperature: 20})
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Count != 1000 {
		t.Errorf("expected count=1000, got %+v", snap)
	}
}
