// Package wifi brings up mixed client + access point wireless link
// and verifies it before telemetry starts.
//
// Idle -> Scanning -> Configuring -> WaitingForStatus -> Connected|Failed
package wifi

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/helpers"
	"github.com/temoto/thermotele/log2"
)

const (
	DefaultAPChannel      = 1
	DefaultStatusTimeout  = 20 * time.Second
	DefaultStatusPoll     = 250 * time.Millisecond
	DefaultRetryDelay     = 2 * time.Second
	DefaultCommandTimeout = 10 * time.Second
)

type Config struct {
	SSID             string
	Password         string
	APSSID           string
	APPassword       string
	APDefaultChannel int
	StatusTimeout    time.Duration
	StatusPoll       time.Duration
	CommandTimeout   time.Duration // each of scan and configure
	Attempts         int
	RetryDelay       time.Duration
	ProbeDisable     bool
}

type LinkHandle struct {
	Status  LinkStatus
	Channel int // 0 when target network was not seen in scan
	AP      APConfig
}

type Manager struct {
	log    *log2.Log
	radio  Radio
	prober Prober
	config Config
	state  uint32
}

func NewManager(log *log2.Log, radio Radio, prober Prober, c Config) *Manager {
	if c.APDefaultChannel == 0 {
		c.APDefaultChannel = DefaultAPChannel
	}
	if c.StatusTimeout == 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	if c.StatusPoll == 0 {
		c.StatusPoll = DefaultStatusPoll
	}
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return &Manager{log: log, radio: radio, prober: prober, config: c}
}

func (m *Manager) State() State { return State(atomic.LoadUint32(&m.state)) }

func (m *Manager) setState(s State) {
	old := State(atomic.SwapUint32(&m.state, uint32(s)))
	if old != s {
		m.log.Debugf("wifi state %s -> %s", old, s)
	}
}

// SelectChannel returns advertised channel of ssid.
// Not found is not an error, caller falls back to default.
func SelectChannel(aps []AccessPointInfo, ssid string) (int, bool) {
	for _, ap := range aps {
		if ap.SSID == ssid && ap.Channel > 0 {
			return ap.Channel, true
		}
	}
	return 0, false
}

// EstablishLink runs the state machine once, no retry.
// Scan and configure are each bounded by CommandTimeout, status wait by StatusTimeout.
// Parent ctx cancellation is returned as is.
func (m *Manager) EstablishLink(ctx context.Context) (*LinkHandle, error) {
	h, err := m.establish(ctx)
	if err != nil {
		m.setState(StateFailed)
		return nil, err
	}
	m.setState(StateConnected)
	return h, nil
}

// EstablishLinkRetry repeats EstablishLink up to Attempts with backoff between.
func (m *Manager) EstablishLinkRetry(ctx context.Context) (*LinkHandle, error) {
	bo := helpers.Backoff{Min: m.config.RetryDelay, Max: 8 * m.config.RetryDelay, K: 2}
	var err error
	for attempt := 1; attempt <= m.config.Attempts; attempt++ {
		var h *LinkHandle
		if h, err = m.EstablishLink(ctx); err == nil {
			return h, nil
		}
		if attempt == m.config.Attempts {
			break
		}
		bo.Failure()
		delay := bo.Next()
		m.log.Errorf("wifi attempt=%d/%d err=%v retry in %v", attempt, m.config.Attempts, err, delay)
		if helpers.SleepContext(ctx, delay) != nil {
			return nil, errors.Annotate(err, "wifi retry cancelled")
		}
	}
	return nil, err
}

func (m *Manager) establish(ctx context.Context) (*LinkHandle, error) {
	m.setState(StateScanning)
	var aps []AccessPointInfo
	err := m.command(ctx, "scan", func(ctx context.Context) (e error) {
		aps, e = m.radio.Scan(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}
	channel, found := SelectChannel(aps, m.config.SSID)
	apChannel := m.config.APDefaultChannel
	if found {
		apChannel = channel
		m.log.Debugf("wifi ssid=%s channel=%d", m.config.SSID, channel)
	} else {
		m.log.Infof("wifi ssid=%s not seen in scan (networks=%d), using auto channel, ap channel=%d",
			m.config.SSID, len(aps), apChannel)
	}

	m.setState(StateConfiguring)
	mc := MixedConfig{
		Client: ClientConfig{SSID: m.config.SSID, Password: m.config.Password, Channel: channel},
		AP:     APConfig{SSID: m.config.APSSID, Password: m.config.APPassword, Channel: apChannel},
	}
	err = m.command(ctx, "configure", func(ctx context.Context) error { return m.radio.Configure(ctx, mc) })
	if err != nil {
		return nil, err
	}

	m.setState(StateWaitingForStatus)
	status, err := m.waitStatus(ctx)
	if err != nil {
		return nil, err
	}
	if !status.Up() {
		return nil, &LinkError{Kind: KindUnexpectedStatus, Status: status}
	}

	if !m.config.ProbeDisable && m.prober != nil {
		if err = m.prober.Probe(ctx, ProbeTarget(status)); err != nil {
			return nil, &LinkError{Kind: KindProbeFailed, Status: status, Err: err}
		}
	}
	m.log.Infof("wifi link up %s", status.String())
	return &LinkHandle{Status: status, Channel: channel, AP: APConfig{SSID: mc.AP.SSID, Channel: mc.AP.Channel}}, nil
}

// command runs radio call bounded by CommandTimeout.
// Cancelled parent ctx is returned as is, not as LinkError.
func (m *Manager) command(parent context.Context, name string, f func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, m.config.CommandTimeout)
	defer cancel()
	err := f(ctx)
	switch {
	case parent.Err() != nil:
		return errors.Annotatef(parent.Err(), "wifi %s", name)
	case ctx.Err() == context.DeadlineExceeded:
		return &LinkError{Kind: KindTimeout, Err: errors.Timeoutf("%s after %v", name, m.config.CommandTimeout)}
	case err != nil:
		return &LinkError{Kind: KindRadio, Err: errors.Annotate(err, name)}
	}
	return nil
}

func (m *Manager) waitStatus(parent context.Context) (LinkStatus, error) {
	ctx, cancel := context.WithTimeout(parent, m.config.StatusTimeout)
	defer cancel()
	var status LinkStatus
	var lastErr error
	for {
		s, err := m.radio.Status(ctx)
		switch {
		case err == nil:
			status = s
			if !s.Transitional() {
				return s, nil
			}
		case ctx.Err() == nil:
			// status command may fail while interface is reconfigured
			m.log.Debugf("wifi status err=%v", err)
			lastErr = err
		}
		if helpers.SleepContext(ctx, m.config.StatusPoll) != nil {
			if parent.Err() != nil {
				return status, errors.Annotate(parent.Err(), "wifi status wait")
			}
			return status, &LinkError{Kind: KindTimeout, Status: status, Err: lastErr}
		}
	}
}

// ProbeTarget is gateway, or own address when gateway is unknown.
func ProbeTarget(s LinkStatus) net.IP {
	if s.Gateway != nil && !s.Gateway.IsUnspecified() {
		return s.Gateway
	}
	return s.IP
}
