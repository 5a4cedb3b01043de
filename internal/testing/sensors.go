package testing

import (
	"fmt"
	"net"
	"time"

	"github.com/xtxerr/sensorgw/internal/types"
	"github.com/xtxerr/sensorgw/internal/wire"
)

// Readings returns n readings from sensorID with increasing timestamps
// starting at ts.
func Readings(sensorID int32, n int, temp float32, ts int64) []types.Reading {
	out := make([]types.Reading, n)
	for i := range out {
		out[i] = types.Reading{SensorID: sensorID, Temperature: temp, Timestamp: ts + int64(i)}
	}
	return out
}

// DialSensor connects to a gateway listening on addr.
func DialSensor(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Send writes readings to conn, one record per write.
func Send(conn net.Conn, readings ...types.Reading) error {
	w := wire.NewWriter(conn)
	for _, r := range readings {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// WaitClosed returns nil once the peer closes conn, or an error if it is
// still open after timeout.
func WaitClosed(conn net.Conn, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	var b [1]byte
	for {
		_, err := conn.Read(b[:])
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return fmt.Errorf("connection still open after %v", timeout)
		}
		return nil
	}
}
