package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/thermotele/internal/types"
)

var office = types.TelemetryRecord{Temperature: 21.5, Humidity: 48.2, Timestamp: 1700000000000}

func TestEncode(t *testing.T) {
	t.Parallel()

	type Case struct {
		encoding     string
		expectTopics []string
		check        func(t testing.TB, ms []types.OutboundMessage)
	}
	cases := []Case{
		{EncodingStructured, []string{"temperature/office"}, func(t testing.TB, ms []types.OutboundMessage) {
			r, err := DecodeStructured(ms[0].Payload)
			require.NoError(t, err)
			assert.Equal(t, office, r)
			assert.JSONEq(t, `{"temperature":21.5,"humidity":48.2,"timestamp":1700000000000}`, string(ms[0].Payload))
		}},
		{EncodingRaw, []string{"temperature/office", "humidity/office"}, func(t testing.TB, ms []types.OutboundMessage) {
			assert.Equal(t, []byte{0x41, 0xac, 0x00, 0x00}, ms[0].Payload)
			temp, err := DecodeRaw(ms[0].Payload)
			require.NoError(t, err)
			assert.Equal(t, float32(21.5), temp)
			hum, err := DecodeRaw(ms[1].Payload)
			require.NoError(t, err)
			assert.Equal(t, float32(48.2), hum)
		}},
		{EncodingProto, []string{"temperature/office"}, func(t testing.TB, ms []types.OutboundMessage) {
			r, err := DecodeProto(ms[0].Payload)
			require.NoError(t, err)
			assert.Equal(t, office, r)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.encoding, func(t *testing.T) {
			t.Parallel()
			enc, err := New(c.encoding)
			require.NoError(t, err)
			assert.Equal(t, c.encoding, enc.Name())
			ms, err := enc.Encode("office", office)
			require.NoError(t, err)
			topics := make([]string, len(ms))
			for i, m := range ms {
				topics[i] = m.Topic
				assert.Equal(t, types.AtLeastOnce, m.QoS)
				assert.False(t, m.Retain)
			}
			assert.Equal(t, c.expectTopics, topics)
			c.check(t, ms)
		})
	}
}

func TestRawRoundTrip(t *testing.T) {
	t.Parallel()

	for _, f := range []float32{0, -40, 125, 21.5, 48.2, -0.1, 3.4028235e38} {
		got, err := DecodeRaw(EncodeFloat(f))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	_, err := DecodeRaw([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeStructuredInvalid(t *testing.T) {
	t.Parallel()

	_, err := DecodeStructured([]byte(`{"temperature":1,"humidity":2}`))
	assert.Error(t, err)
	_, err = DecodeStructured([]byte(`not json`))
	assert.Error(t, err)
	// field order is insignificant
	r, err := DecodeStructured([]byte(`{"timestamp":1700000000000,"humidity":48.2,"temperature":21.5}`))
	require.NoError(t, err)
	assert.Equal(t, office, r)
}

func TestNewUnknown(t *testing.T) {
	t.Parallel()

	_, err := New("xml")
	assert.Error(t, err)
	enc, err := New("")
	require.NoError(t, err)
	assert.Equal(t, EncodingStructured, enc.Name())
}
