// Package types defines the value types that flow through the gateway.
package types

import (
	"fmt"
	"time"
)

// Reading is one measurement from one sensor. It is copied by value through
// every stage: connection reader, ring buffer, consumers.
type Reading struct {
	SensorID    int32   // Sensor identifier, valid range is [0, MaxSensors)
	Temperature float32 // Degrees Celsius
	Timestamp   int64   // Unix timestamp in seconds
}

// Time returns the timestamp as a time.Time.
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0)
}

// String returns a compact representation for logs.
func (r Reading) String() string {
	return fmt.Sprintf("sensor=%d temp=%.2f ts=%d", r.SensorID, r.Temperature, r.Timestamp)
}

// SensorStats is the aggregated view of one sensor.
type SensorStats struct {
	SensorID   int32     `json:"sensor_id"`
	Count      int64     `json:"count"`
	Average    float64   `json:"average"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	P50        float64   `json:"p50"`
	P95        float64   `json:"p95"`
	LastUpdate time.Time `json:"last_update"`
}

// AlertKind distinguishes the two threshold alerts.
type AlertKind int

const (
	AlertNone AlertKind = iota
	AlertTooHot
	AlertTooCold
)

// String returns a human-readable representation of the AlertKind.
func (k AlertKind) String() string {
	switch k {
	case AlertTooHot:
		return "too_hot"
	case AlertTooCold:
		return "too_cold"
	default:
		return "none"
	}
}
