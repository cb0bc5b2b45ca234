package mqtt

import (
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/packet"
)

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

// [MQTT-3.1.2-24] server disconnects client silent for keepalive*1.5
func keepaliveAndHalf(d time.Duration) time.Duration { return d + d/2 }

// PacketString prints PUBLISH payload as hex.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}
