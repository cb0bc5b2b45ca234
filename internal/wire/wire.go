// Package wire turns telemetry record into outbound broker messages.
// Encoding is a strategy selected by config, main loop does not care which.
package wire

import (
	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/types"
)

const (
	EncodingStructured = "structured"
	EncodingRaw        = "raw"
	EncodingProto      = "proto"
)

type Encoder interface {
	Name() string
	// Encode returns one or more messages for single record, all or none.
	Encode(clientID string, r types.TelemetryRecord) ([]types.OutboundMessage, error)
}

func New(name string) (Encoder, error) {
	switch name {
	case EncodingStructured, "":
		return Structured{}, nil
	case EncodingRaw:
		return Raw{}, nil
	case EncodingProto:
		return Proto{}, nil
	}
	return nil, errors.NotValidf("wire encoding=%s", name)
}

func TopicTemperature(clientID string) string { return "temperature/" + clientID }
func TopicHumidity(clientID string) string    { return "humidity/" + clientID }

func message(topic string, payload []byte) types.OutboundMessage {
	return types.OutboundMessage{Topic: topic, Payload: payload, QoS: types.AtLeastOnce, Retain: false}
}
