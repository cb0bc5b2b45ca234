package wifi

import (
	"context"
	"net"
)

type ClientConfig struct {
	SSID     string
	Password string
	Channel  int // 0 means auto
}

type APConfig struct {
	SSID     string
	Password string // empty means open network
	Channel  int
}

// MixedConfig is applied at once: client and access point share the radio.
type MixedConfig struct {
	Client ClientConfig
	AP     APConfig
}

// Radio is the platform wireless driver.
// Every call must return when ctx is done.
type Radio interface {
	Scan(ctx context.Context) ([]AccessPointInfo, error)
	Configure(ctx context.Context, mc MixedConfig) error
	Status(ctx context.Context) (LinkStatus, error)
}

// Prober checks reachability of addr, e.g. ICMP echo.
type Prober interface {
	Probe(ctx context.Context, addr net.IP) error
}
