// Package types holds data passed between sensor, clock, wire format and publisher.
package types

import (
	"fmt"
	"time"
)

type SensorReading struct {
	Temperature float32 // Celsius
	Humidity    float32 // relative, percent
}

func (r SensorReading) String() string {
	return fmt.Sprintf("temperature=%.1f humidity=%.1f", r.Temperature, r.Humidity)
}

// Timestamp is milliseconds since Unix epoch.
type Timestamp int64

func TimestampOf(t time.Time) Timestamp { return Timestamp(t.UnixNano() / int64(time.Millisecond)) }

func (ts Timestamp) Time() time.Time {
	return time.Unix(0, int64(ts)*int64(time.Millisecond)).UTC()
}

func (ts Timestamp) String() string { return ts.Time().Format("2006-01-02T15:04:05.000Z") }

// TelemetryRecord is exactly one per loop tick, never buffered across ticks.
type TelemetryRecord struct {
	Temperature float32   `json:"temperature"`
	Humidity    float32   `json:"humidity"`
	Timestamp   Timestamp `json:"timestamp"`
}

func NewRecord(r SensorReading, ts Timestamp) TelemetryRecord {
	return TelemetryRecord{Temperature: r.Temperature, Humidity: r.Humidity, Timestamp: ts}
}

func (r TelemetryRecord) Reading() SensorReading {
	return SensorReading{Temperature: r.Temperature, Humidity: r.Humidity}
}
