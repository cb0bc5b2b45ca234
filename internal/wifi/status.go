package wifi

import (
	"fmt"
	"net"
)

type AccessPointInfo struct {
	SSID    string
	Channel int
}

type ClientState uint8

const (
	ClientTransitional ClientState = iota
	ClientConnected
	ClientFailed
)

func (s ClientState) String() string {
	switch s {
	case ClientTransitional:
		return "transitional"
	case ClientConnected:
		return "connected"
	case ClientFailed:
		return "failed"
	}
	return fmt.Sprintf("client=%d", uint8(s))
}

type APState uint8

const (
	APTransitional APState = iota
	APStarted
	APFailed
)

func (s APState) String() string {
	switch s {
	case APTransitional:
		return "transitional"
	case APStarted:
		return "started"
	case APFailed:
		return "failed"
	}
	return fmt.Sprintf("ap=%d", uint8(s))
}

// LinkStatus combines client and access point sides of mixed mode radio.
type LinkStatus struct {
	Client  ClientState
	IP      net.IP // assigned when Client=connected
	Gateway net.IP
	Reason  string // client failure reason
	AP      APState
}

// Transitional status must be polled past.
func (s LinkStatus) Transitional() bool {
	return s.Client == ClientTransitional || s.AP == APTransitional
}

// Up reports both client connected with IP and access point started.
func (s LinkStatus) Up() bool {
	return s.Client == ClientConnected && s.IP != nil && !s.IP.IsUnspecified() && s.AP == APStarted
}

func (s LinkStatus) String() string {
	client := s.Client.String()
	switch {
	case s.Client == ClientConnected:
		client += fmt.Sprintf("(ip=%v gw=%v)", s.IP, s.Gateway)
	case s.Reason != "":
		client += fmt.Sprintf("(%s)", s.Reason)
	}
	return fmt.Sprintf("client=%s ap=%s", client, s.AP.String())
}

type State uint32

const (
	StateIdle State = iota
	StateScanning
	StateConfiguring
	StateWaitingForStatus
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConfiguring:
		return "configuring"
	case StateWaitingForStatus:
		return "waiting-for-status"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state=%d", uint32(s))
}
