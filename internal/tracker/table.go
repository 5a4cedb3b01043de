// Package tracker keeps the table of live sensor connections and evicts the
// ones that have gone silent.
//
// The table is shared by the connection manager, which adds, touches and
// removes records, and the liveness monitor, which expires them. A single
// mutex guards every mutation. Records are keyed by a stable ID so removal
// never disturbs other entries.
package tracker

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/sensorgw/internal/errors"
)

// NoSensor is the LastSensor value of a connection that has not sent a
// reading yet.
const NoSensor int32 = -1

// Record describes one tracked connection. Values returned by Table are
// copies.
type Record struct {
	ID          uuid.UUID `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
	Active      bool      `json:"active"`
	Readings    int64     `json:"readings"`
	LastSensor  int32     `json:"last_sensor"`

	conn io.Closer
}

// ShortID returns the first block of the ID, enough to tell connections
// apart in log lines.
func (r Record) ShortID() string {
	return r.ID.String()[:8]
}

// Close closes the record's socket.
func (r Record) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Table is the connection tracking table.
type Table struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	now     func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		records: make(map[uuid.UUID]*Record),
		now:     time.Now,
	}
}

// Add tracks conn and returns its record.
func (t *Table) Add(conn io.Closer, remoteAddr string) Record {
	rec, _ := t.TryAdd(conn, remoteAddr, 0)
	return rec
}

// TryAdd tracks conn unless the table already holds max records, in which
// case it returns ErrTooManyConnections. max <= 0 means no limit.
func (t *Table) TryAdd(conn io.Closer, remoteAddr string, max int) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if max > 0 && len(t.records) >= max {
		return Record{}, errors.ErrTooManyConnections
	}

	now := t.now()
	rec := &Record{
		ID:          uuid.New(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		LastActive:  now,
		Active:      true,
		LastSensor:  NoSensor,
		conn:        conn,
	}
	t.records[rec.ID] = rec
	return *rec, nil
}

// Touch refreshes the activity time of id after a complete reading from
// sensorID. It returns false if id is no longer tracked.
func (t *Table) Touch(id uuid.UUID, now time.Time, sensorID int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return false
	}
	rec.LastActive = now
	rec.LastSensor = sensorID
	rec.Readings++
	return true
}

// Remove stops tracking id and returns its final record. ok is false if
// another party already removed it; that party owns closing the socket.
func (t *Table) Remove(id uuid.UUID) (rec Record, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	r.Active = false
	delete(t.records, id)
	return *r, true
}

// Get returns a copy of the record for id.
func (t *Table) Get(id uuid.UUID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Len returns the number of tracked connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Snapshot returns copies of all records, oldest connection first.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Expire removes every record silent for longer than timeout at now and
// returns them. Sockets are closed after the lock is released.
func (t *Table) Expire(now time.Time, timeout time.Duration) []Record {
	t.mu.Lock()
	var expired []Record
	for id, r := range t.records {
		if r.Active && now.Sub(r.LastActive) > timeout {
			r.Active = false
			expired = append(expired, *r)
			delete(t.records, id)
		}
	}
	t.mu.Unlock()

	for _, r := range expired {
		r.Close()
	}
	return expired
}

// CloseAll removes every record and closes its socket. It returns the
// number of connections closed.
func (t *Table) CloseAll() int {
	t.mu.Lock()
	all := make([]Record, 0, len(t.records))
	for id, r := range t.records {
		r.Active = false
		all = append(all, *r)
		delete(t.records, id)
	}
	t.mu.Unlock()

	for _, r := range all {
		r.Close()
	}
	return len(all)
}
