package wire

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/types"
)

// Structured sends single JSON object {temperature, humidity, timestamp}
// to temperature topic. Timestamp is epoch milliseconds.
type Structured struct{}

func (Structured) Name() string { return EncodingStructured }

func (Structured) Encode(clientID string, r types.TelemetryRecord) ([]types.OutboundMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Annotate(err, "wire structured")
	}
	return []types.OutboundMessage{message(TopicTemperature(clientID), b)}, nil
}

func DecodeStructured(b []byte) (types.TelemetryRecord, error) {
	var r struct {
		Temperature *float32         `json:"temperature"`
		Humidity    *float32         `json:"humidity"`
		Timestamp   *types.Timestamp `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return types.TelemetryRecord{}, errors.Annotate(err, "wire structured decode")
	}
	if r.Temperature == nil || r.Humidity == nil || r.Timestamp == nil {
		return types.TelemetryRecord{}, errors.NotValidf("structured payload missing field %s", b)
	}
	return types.TelemetryRecord{Temperature: *r.Temperature, Humidity: *r.Humidity, Timestamp: *r.Timestamp}, nil
}
