package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/eventlog"
	"github.com/xtxerr/sensorgw/internal/logging"
)

var log = logging.Component("monitor")

// Monitor periodically evicts connections that stopped sending.
type Monitor struct {
	Table    *Table
	Interval time.Duration
	Timeout  time.Duration
	Events   eventlog.Logger

	// OnExpire, if set, is called for every evicted record.
	OnExpire func(Record)

	now func() time.Time
}

// NewMonitor creates a monitor with default interval and timeout.
func NewMonitor(table *Table, events eventlog.Logger) *Monitor {
	return &Monitor{
		Table:    table,
		Interval: config.DefaultLivenessInterval,
		Timeout:  config.DefaultLivenessTimeout,
		Events:   events,
	}
}

// Run scans the table every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = config.DefaultLivenessInterval
	}
	now := m.now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("liveness monitor started", "interval", interval, "timeout", m.timeout())

	for {
		select {
		case <-ctx.Done():
			log.Info("liveness monitor stopped")
			return nil
		case <-ticker.C:
			m.Tick(now())
		}
	}
}

// Tick evicts every connection whose last activity is more than Timeout
// before now. It returns the evicted records.
func (m *Monitor) Tick(now time.Time) []Record {
	expired := m.Table.Expire(now, m.timeout())
	for _, r := range expired {
		log.Info("connection timed out",
			"conn_id", r.ShortID(),
			"remote", r.RemoteAddr,
			"sensor_id", r.LastSensor,
			"idle", now.Sub(r.LastActive).Truncate(time.Second))
		if m.Events != nil {
			eventlog.Logf(m.Events, "Sensor node with %s has disconnected (keep-alive timeout)", describe(r))
		}
		if m.OnExpire != nil {
			m.OnExpire(r)
		}
	}
	return expired
}

func (m *Monitor) timeout() time.Duration {
	if m.Timeout <= 0 {
		return config.DefaultLivenessTimeout
	}
	return m.Timeout
}

// describe names a connection for event lines: the last sensor id when
// known, the remote address otherwise.
func describe(r Record) string {
	if r.LastSensor == NoSensor {
		return r.RemoteAddr
	}
	return fmt.Sprintf("sensor id %d", r.LastSensor)
}
