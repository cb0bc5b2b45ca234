package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/log2"
)

const us = uint64(time.Microsecond)

// edgesFor simulates sensor response and frame transmission.
func edgesFor(frame [5]byte, withResponse bool) []gpio.EventData {
	es := make([]gpio.EventData, 0, 90)
	t := uint64(1000000)
	add := func(id gpio.EventID, dt uint64) {
		t += dt
		es = append(es, gpio.EventData{Timestamp: t, ID: id})
	}
	if withResponse {
		add(gpio.GPIOEVENT_EVENT_FALLING_EDGE, 30*us)
		add(gpio.GPIOEVENT_EVENT_RISING_EDGE, 80*us)
		add(gpio.GPIOEVENT_EVENT_FALLING_EDGE, 80*us)
	}
	for i := 0; i < FrameBits; i++ {
		high := 27 * us
		if frame[i/8]&(0x80>>uint(i%8)) != 0 {
			high = 70 * us
		}
		add(gpio.GPIOEVENT_EVENT_RISING_EDGE, 50*us)
		add(gpio.GPIOEVENT_EVENT_FALLING_EDGE, high)
	}
	add(gpio.GPIOEVENT_EVENT_RISING_EDGE, 50*us)
	return es
}

func frameOf(h, t uint16) [5]byte {
	f := [5]byte{byte(h >> 8), byte(h), byte(t >> 8), byte(t)}
	f[4] = f[0] + f[1] + f[2] + f[3]
	return f
}

func TestParseFrame(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		frame     [5]byte
		expect    types.SensorReading
		expectErr ErrorKind
	}
	cases := []Case{
		{"datasheet", [5]byte{0x02, 0x8c, 0x01, 0x5f, 0xee}, types.SensorReading{Temperature: 35.1, Humidity: 65.2}, 0},
		{"office", frameOf(482, 215), types.SensorReading{Temperature: 21.5, Humidity: 48.2}, 0},
		{"negative", frameOf(900, 0x8065), types.SensorReading{Temperature: -10.1, Humidity: 90}, 0},
		{"checksum", [5]byte{0x02, 0x8c, 0x01, 0x5f, 0xef}, types.SensorReading{}, KindChecksum},
		{"humidity-range", frameOf(1001, 200), types.SensorReading{}, KindProtocol},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			r, err := ParseFrame(c.frame)
			if c.expectErr != 0 {
				require.Error(t, err)
				se, ok := err.(*SensorError)
				require.True(t, ok)
				assert.Equal(t, c.expectErr, se.Kind)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, c.expect.Temperature, r.Temperature, 0.001)
			assert.InDelta(t, c.expect.Humidity, r.Humidity, 0.001)
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	frame := frameOf(482, 215)
	for _, withResponse := range []bool{true, false} {
		got, err := Decode(Pulses(edgesFor(frame, withResponse)))
		require.NoError(t, err)
		assert.Equal(t, frame, got)
	}

	_, err := Decode(nil)
	assert.Equal(t, KindTimeout, err.(*SensorError).Kind)
	_, err = Decode(Pulses(edgesFor(frame, false)[:30]))
	assert.Equal(t, KindProtocol, err.(*SensorError).Kind)
}

func mockChip(t testing.TB, events []gpio.EventData) (*gpio_mock.MockChip, *gpio_mock.MockLines, *gpio_mock.MockEvent) {
	lines := &gpio_mock.MockLines{}
	var levels []byte
	lines.On("SetFunc", uint32(4)).Return(gpio.LineSetFunc(func(v byte) { levels = append(levels, v) }))
	lines.On("Flush").Return(nil)
	lines.On("Close").Return(nil)

	ev := &gpio_mock.MockEvent{}
	for _, e := range events {
		ev.On("Wait", mock.AnythingOfType("time.Duration")).Return(e, nil).Once()
	}
	ev.On("Wait", mock.AnythingOfType("time.Duration")).Return(gpio.EventData{}, gpio.ErrTimeout)
	ev.On("Close").Return(nil)

	chip := &gpio_mock.MockChip{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT|gpio.GPIOHANDLE_REQUEST_OPEN_DRAIN, consumerLabel, uint32(4)).Return(lines, nil)
	chip.On("GetLineEvent", uint32(4), gpio.RequestFlag(0), gpio.GPIOEVENT_REQUEST_BOTH_EDGES, consumerLabel).Return(ev, nil)
	chip.On("Close").Return(nil)
	t.Cleanup(func() {
		assert.Equal(t, []byte{0, 1}, levels[:2])
	})
	return chip, lines, ev
}

func TestReadOnce(t *testing.T) {
	t.Parallel()

	chip, _, ev := mockChip(t, edgesFor(frameOf(482, 215), true))
	s := New(log2.NewTest(t, log2.LDebug), chip, Config{Line: 4, StartPulse: time.Microsecond, Cpu: -1})
	defer s.Close()

	r, err := s.ReadOnce(50 * time.Millisecond)
	require.NoError(t, err)
	assert.InDelta(t, 21.5, r.Temperature, 0.001)
	assert.InDelta(t, 48.2, r.Humidity, 0.001)

	// within sampling period: cached, no line access
	r2, err := s.ReadOnce(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, r, r2)
	ev.AssertNumberOfCalls(t, "Close", 1)
	chip.AssertNumberOfCalls(t, "GetLineEvent", 1)
}

func TestReadOnceNoResponse(t *testing.T) {
	t.Parallel()

	chip, _, _ := mockChip(t, nil)
	s := New(log2.NewTest(t, log2.LDebug), chip, Config{Line: 4, StartPulse: time.Microsecond, Cpu: -1})
	defer s.Close()

	_, err := s.ReadOnce(5 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsSensorError(err))
	assert.Equal(t, KindTimeout, err.(*SensorError).Kind)
}
