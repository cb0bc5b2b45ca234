package dht

import (
	"time"

	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/thermotele/internal/types"
)

const (
	FrameBits = 40
	// high pulse longer than this is bit 1 (26-28us for 0, 70us for 1)
	BitThreshold = 50 * time.Microsecond
	// response and data pulses never exceed this, longer is line noise or missed edge
	MaxPulse = 200 * time.Microsecond
)

// Pulses converts edge events to high pulse widths (rising to next falling edge).
func Pulses(events []gpio.EventData) []time.Duration {
	ps := make([]time.Duration, 0, FrameBits+1)
	var rise uint64
	for _, e := range events {
		switch e.ID {
		case gpio.GPIOEVENT_EVENT_RISING_EDGE:
			rise = e.Timestamp
		case gpio.GPIOEVENT_EVENT_FALLING_EDGE:
			if rise != 0 && e.Timestamp > rise {
				ps = append(ps, time.Duration(e.Timestamp-rise))
			}
			rise = 0
		}
	}
	return ps
}

// Decode takes last 40 high pulses as data bits, MSB first.
// Leading response pulse may be present or missed, it does not matter.
func Decode(pulses []time.Duration) ([5]byte, error) {
	var frame [5]byte
	switch {
	case len(pulses) == 0:
		return frame, errorf(KindTimeout, "no response")
	case len(pulses) < FrameBits:
		return frame, errorf(KindProtocol, "pulses=%d expected=%d", len(pulses), FrameBits)
	}
	bits := pulses[len(pulses)-FrameBits:]
	for i, p := range bits {
		if p > MaxPulse {
			return frame, errorf(KindProtocol, "bit=%d pulse=%v too long", i, p)
		}
		if p > BitThreshold {
			frame[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return frame, nil
}

// ParseFrame verifies checksum and decodes DHT22 (AM2302) values.
func ParseFrame(f [5]byte) (types.SensorReading, error) {
	var r types.SensorReading
	if sum := f[0] + f[1] + f[2] + f[3]; sum != f[4] {
		return r, errorf(KindChecksum, "frame=%x sum=%02x", f, sum)
	}
	h := uint16(f[0])<<8 | uint16(f[1])
	t := uint16(f[2])<<8 | uint16(f[3])
	r.Humidity = float32(h) / 10
	r.Temperature = float32(t&0x7fff) / 10
	if t&0x8000 != 0 {
		r.Temperature = -r.Temperature
	}
	if r.Humidity > 100 || r.Temperature > 125 || r.Temperature < -40 {
		return r, errorf(KindProtocol, "out of range %s", r.String())
	}
	return r, nil
}
