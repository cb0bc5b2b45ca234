package types

import "fmt"

type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "AtMostOnce"
	case AtLeastOnce:
		return "AtLeastOnce"
	case ExactlyOnce:
		return "ExactlyOnce"
	}
	return fmt.Sprintf("QoS(%d)", byte(q))
}

type OutboundMessage struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

func (m *OutboundMessage) String() string {
	return fmt.Sprintf("topic=%s qos=%s retain=%t payload=%x", m.Topic, m.QoS, m.Retain, m.Payload)
}

// Details tells whether inbound message is fully reassembled.
type Details uint8

const (
	Complete Details = iota
	InitialChunk
	SubsequentChunk
)

func (d Details) String() string {
	switch d {
	case Complete:
		return "complete"
	case InitialChunk:
		return "initial-chunk"
	case SubsequentChunk:
		return "subsequent-chunk"
	}
	return fmt.Sprintf("Details(%d)", uint8(d))
}

// InboundMessage as delivered by broker transport.
// For chunks, Payload is the fragment starting at Offset of Total bytes.
// Topic is only guaranteed for Complete and InitialChunk.
type InboundMessage struct {
	Topic   string
	Payload []byte
	Details Details
	Offset  int
	Total   int
}

func (m *InboundMessage) IsComplete() bool { return m.Details == Complete }

func (m *InboundMessage) String() string {
	return fmt.Sprintf("topic=%s details=%s offset=%d total=%d len=%d", m.Topic, m.Details, m.Offset, m.Total, len(m.Payload))
}
