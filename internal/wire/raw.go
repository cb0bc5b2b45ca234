package wire

import (
	"encoding/binary"
	"math"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/types"
)

// Raw sends temperature and humidity to separate topics,
// each payload is big-endian IEEE 754 float32. Timestamp is not sent.
type Raw struct{}

func (Raw) Name() string { return EncodingRaw }

func (Raw) Encode(clientID string, r types.TelemetryRecord) ([]types.OutboundMessage, error) {
	return []types.OutboundMessage{
		message(TopicTemperature(clientID), EncodeFloat(r.Temperature)),
		message(TopicHumidity(clientID), EncodeFloat(r.Humidity)),
	}, nil
}

func EncodeFloat(f float32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(f))
	return b[:]
}

func DecodeRaw(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, errors.NotValidf("raw payload length=%d", len(b))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}
