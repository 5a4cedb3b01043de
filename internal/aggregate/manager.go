// Package aggregate maintains per-sensor running averages and raises
// threshold alerts.
//
// Each sensor id in [0, MaxSensors) owns one slot. A slot accumulates the
// readings of the current session; when a sensor has been silent for longer
// than StaleAfter the next reading starts a new session from a single-sample
// seed. Alerts fire once a session holds MinSamples readings and its average
// is above HotThreshold or below ColdThreshold, at most once per
// AlertCooldown for each sensor and kind.
package aggregate

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/eventlog"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
	"github.com/xtxerr/sensorgw/internal/types"
)

var log = logging.Component("aggregate")

// Config holds aggregation settings.
type Config struct {
	MaxSensors         int
	StaleAfter         time.Duration
	MinSamples         int
	HotThreshold       float64
	ColdThreshold      float64
	AlertCooldown      time.Duration
	PercentileAccuracy float64

	// Now returns the wall clock used for staleness and cooldowns.
	Now func() time.Time
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	return Config{
		MaxSensors:         config.DefaultMaxSensors,
		StaleAfter:         config.DefaultStaleAfter,
		MinSamples:         config.DefaultMinSamples,
		HotThreshold:       config.DefaultHotThreshold,
		ColdThreshold:      config.DefaultColdThreshold,
		AlertCooldown:      config.DefaultAlertCooldown,
		PercentileAccuracy: config.DefaultPercentileAccuracy,
		Now:                time.Now,
	}
}

// Alert is a threshold crossing of one sensor's running average.
type Alert struct {
	SensorID int32
	Kind     types.AlertKind
	Average  float64
	At       time.Time
}

type sensorState struct {
	sum        float64
	count      int64
	min        float64
	max        float64
	lastUpdate time.Time
	sketch     *ddsketch.DDSketch
	lastAlert  [3]time.Time // indexed by types.AlertKind
}

// Manager is the aggregation consumer.
type Manager struct {
	cfg    Config
	events eventlog.Logger

	mu      sync.Mutex
	sensors []sensorState

	// OnAlert, if set, is called for every emitted alert outside the lock.
	OnAlert func(Alert)
}

// New creates a Manager. Zero fields in cfg take their defaults.
func New(cfg Config, events eventlog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxSensors <= 0 {
		cfg.MaxSensors = def.MaxSensors
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.HotThreshold == 0 && cfg.ColdThreshold == 0 {
		cfg.HotThreshold = def.HotThreshold
		cfg.ColdThreshold = def.ColdThreshold
	}
	if cfg.AlertCooldown < 0 {
		cfg.AlertCooldown = 0
	}
	if cfg.PercentileAccuracy <= 0 || cfg.PercentileAccuracy >= 1 {
		cfg.PercentileAccuracy = def.PercentileAccuracy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if events == nil {
		events = eventlog.Discard
	}

	return &Manager{
		cfg:     cfg,
		events:  events,
		sensors: make([]sensorState, cfg.MaxSensors),
	}
}

// Handle folds r into its sensor's running average and emits alerts.
// Readings with an out-of-range sensor id are dropped with ErrInvalidSensor.
func (m *Manager) Handle(ctx context.Context, r types.Reading) error {
	if r.SensorID < 0 || int(r.SensorID) >= m.cfg.MaxSensors {
		log.Warn("invalid sensor id", "sensor_id", r.SensorID, "max", m.cfg.MaxSensors)
		eventlog.Logf(m.events, "Received sensor data with invalid sensor ID %d", r.SensorID)
		metrics.ReadingsProcessed.WithLabelValues("aggregate", "invalid").Inc()
		return errors.Wrapf(errors.ErrInvalidSensor, "sensor %d", r.SensorID)
	}

	temp := float64(r.Temperature)
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		log.Warn("invalid temperature", "reading", r.String())
		eventlog.Logf(m.events, "Received invalid temperature from sensor %d", r.SensorID)
		metrics.ReadingsProcessed.WithLabelValues("aggregate", "invalid").Inc()
		return errors.Wrapf(errors.ErrInvalidTemperature, "sensor %d", r.SensorID)
	}

	now := m.cfg.Now()

	m.mu.Lock()
	s := &m.sensors[r.SensorID]
	restarted := s.count > 0 && now.Sub(s.lastUpdate) > m.cfg.StaleAfter
	if s.count == 0 || restarted {
		m.seed(s, temp)
	} else {
		s.sum += temp
		s.count++
		s.min = math.Min(s.min, temp)
		s.max = math.Max(s.max, temp)
	}
	if s.sketch != nil {
		if err := s.sketch.Add(temp); err != nil {
			log.Debug("percentile sketch rejected value", "sensor_id", r.SensorID, "temp", temp, "error", err)
		}
	}
	s.lastUpdate = now

	count := s.count
	avg := s.sum / float64(s.count)
	alert := m.checkThresholds(s, r.SensorID, avg, count, now)
	m.mu.Unlock()

	metrics.ReadingsProcessed.WithLabelValues("aggregate", "ok").Inc()

	if restarted {
		eventlog.Logf(m.events, "Reset average for sensor %d to %.1f°C", r.SensorID, temp)
	}
	if count >= int64(m.cfg.MinSamples) {
		log.Debug("running average", "sensor_id", r.SensorID, "avg", avg, "count", count)
	} else {
		log.Debug("accumulating", "sensor_id", r.SensorID, "count", count, "min_samples", m.cfg.MinSamples)
	}

	if alert != nil {
		m.emit(*alert)
	}
	return nil
}

// seed starts a new session with a single sample. Must be called with mu held.
func (m *Manager) seed(s *sensorState, temp float64) {
	s.sum = temp
	s.count = 1
	s.min = temp
	s.max = temp
	sketch, err := ddsketch.NewDefaultDDSketch(m.cfg.PercentileAccuracy)
	if err != nil {
		s.sketch = nil
		return
	}
	s.sketch = sketch
}

// checkThresholds decides whether an alert fires and records it for the
// cooldown. Must be called with mu held.
func (m *Manager) checkThresholds(s *sensorState, id int32, avg float64, count int64, now time.Time) *Alert {
	if count < int64(m.cfg.MinSamples) {
		return nil
	}

	kind := types.AlertNone
	switch {
	case avg > m.cfg.HotThreshold:
		kind = types.AlertTooHot
	case avg < m.cfg.ColdThreshold:
		kind = types.AlertTooCold
	}
	if kind == types.AlertNone {
		return nil
	}

	last := s.lastAlert[kind]
	if !last.IsZero() && now.Sub(last) < m.cfg.AlertCooldown {
		return nil
	}
	s.lastAlert[kind] = now
	return &Alert{SensorID: id, Kind: kind, Average: avg, At: now}
}

func (m *Manager) emit(a Alert) {
	metrics.AlertsTotal.WithLabelValues(a.Kind.String()).Inc()

	switch a.Kind {
	case types.AlertTooHot:
		eventlog.Logf(m.events, "The sensor node with %d reports it's too hot (running avg temperature = %.1f)", a.SensorID, a.Average)
	case types.AlertTooCold:
		eventlog.Logf(m.events, "The sensor node with %d reports it's too cold (running avg temperature = %.1f)", a.SensorID, a.Average)
	}
	log.Warn("temperature alert", "sensor_id", a.SensorID, "kind", a.Kind.String(), "avg", a.Average)

	if m.OnAlert != nil {
		m.OnAlert(a)
	}
}

// Average returns the running average of sensor id, or false if the sensor
// has no readings or id is out of range.
func (m *Manager) Average(id int32) (float64, bool) {
	if id < 0 || int(id) >= m.cfg.MaxSensors {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.sensors[id]
	if s.count == 0 {
		return 0, false
	}
	return s.sum / float64(s.count), true
}

// Snapshot returns the statistics of every sensor with readings, in
// sensor id order.
func (m *Manager) Snapshot() []types.SensorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.SensorStats
	for i := range m.sensors {
		s := &m.sensors[i]
		if s.count == 0 {
			continue
		}
		st := types.SensorStats{
			SensorID:   int32(i),
			Count:      s.count,
			Average:    s.sum / float64(s.count),
			Min:        s.min,
			Max:        s.max,
			LastUpdate: s.lastUpdate,
		}
		if s.sketch != nil {
			st.P50, _ = s.sketch.GetValueAtQuantile(0.50)
			st.P95, _ = s.sketch.GetValueAtQuantile(0.95)
		}
		out = append(out, st)
	}
	return out
}
