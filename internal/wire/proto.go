package wire

import (
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/types"
)

// Record is protobuf message, compatible with
//
//	message Record {
//	  float temperature = 1;
//	  float humidity = 2;
//	  sfixed64 timestamp = 3; // epoch milliseconds
//	}
type Record struct {
	Temperature float32 `protobuf:"fixed32,1,opt,name=temperature,proto3" json:"temperature,omitempty"`
	Humidity    float32 `protobuf:"fixed32,2,opt,name=humidity,proto3" json:"humidity,omitempty"`
	Timestamp   int64   `protobuf:"fixed64,3,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *Record) Reset()         { *m = Record{} }
func (m *Record) String() string { return proto.CompactTextString(m) }
func (*Record) ProtoMessage()    {}

// Proto sends Record to temperature topic, compact alternative to Structured.
type Proto struct{}

func (Proto) Name() string { return EncodingProto }

func (Proto) Encode(clientID string, r types.TelemetryRecord) ([]types.OutboundMessage, error) {
	b, err := proto.Marshal(&Record{Temperature: r.Temperature, Humidity: r.Humidity, Timestamp: int64(r.Timestamp)})
	if err != nil {
		return nil, errors.Annotate(err, "wire proto")
	}
	return []types.OutboundMessage{message(TopicTemperature(clientID), b)}, nil
}

func DecodeProto(b []byte) (types.TelemetryRecord, error) {
	var m Record
	if err := proto.Unmarshal(b, &m); err != nil {
		return types.TelemetryRecord{}, errors.Annotate(err, "wire proto decode")
	}
	return types.TelemetryRecord{Temperature: m.Temperature, Humidity: m.Humidity, Timestamp: types.Timestamp(m.Timestamp)}, nil
}
