// Package mqtt is telemetry MQTT 3.1.1 client on top of gomqtt packet and transport.
//
// - NewClient returns only configuration errors, network IO runs in background
// - clean session, subscribe once after every connect
// - reconnect forever until Close
// - QoS 0 and 1, one publish in flight, Publish returns after PUBACK
// - nothing is stored across reconnects, caller decides to retry or drop
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/thermotele/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

var ErrClientClosing = fmt.Errorf("mqtt client is closing")

// MessageFunc error rejects message: PUBACK is not sent and connection is dropped,
// so broker redelivers QoS 1 message after reconnect.
type MessageFunc func(*packet.Message) error

type Options struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	Keepalive      time.Duration
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      MessageFunc
	Log            *log2.Log
}

type Client struct {
	mu      sync.Mutex
	alive   *alive.Alive
	current *session
	lastID  uint32
	opt     Options
	conpkt  *packet.Connect
	dialer  *transport.Dialer

	inflight struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

func NewClient(opt Options) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt Options.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error mqtt broker=%s", opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}

	conpkt := packet.NewConnect()
	conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	conpkt.KeepAlive = uint16(opt.Keepalive / time.Second)
	conpkt.CleanSession = true
	conpkt.Username = opt.Username
	conpkt.Password = opt.Password

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
		conpkt: conpkt,
		dialer: transport.NewDialer(transport.DialConfig{TLSConfig: opt.TLS, Timeout: opt.NetworkTimeout}),
	}
	_ = c.session(true)
	go c.supervisor()
	return c, nil
}

func (c *Client) Close() error {
	err := c.Disconnect()
	c.alive.Stop()
	c.alive.Wait()
	return err
}

// Disconnect sends DISCONNECT and drops current connection, supervisor reconnects later.
func (c *Client) Disconnect() error {
	s := c.session(false)
	if s == nil {
		return ErrNotConnected
	}
	err := s.send(packet.NewDisconnect())
	_ = s.die(ErrClientClosing)
	return err
}

// Connected reports CONNACK and SUBACK received on current connection.
func (c *Client) Connected() bool {
	s := c.session(false)
	return s != nil && s.ready()
}

// Publish blocks until PUBACK (QoS 1) or write to socket (QoS 0).
// Waiting for connection is limited by ctx, waiting for PUBACK by NetworkTimeout.
func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("mqtt publish qos=%d", msg.QOS)
	}
	fu, err := c.publishBegin(ctx, msg)
	if err != nil {
		return err
	}
	switch err = fu.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil

	case future.ErrCanceled:
		if e, ok := fu.Result().(error); ok {
			return e
		}
		return ErrClientClosing

	case future.ErrTimeout:
		err = errors.Timeoutf("mqtt PUBACK")
		fu.Cancel(err)
		c.drop(err)
		return err
	}
	return errors.Errorf("code error future.Wait()=%v", err)
}

// WaitReady returns nil when connected and subscribed,
// ErrClientClosing after Close, context error when ctx is done first.
func (c *Client) WaitReady(ctx context.Context) error {
	stopch := c.alive.StopChan()
	for {
		s := c.session(false)
		if s == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-stopch:
				return ErrClientClosing
			}
		}
		err := s.waitReady(ctx)
		if err != errSessionLost {
			return err
		}
	}
}

func (c *Client) session(create bool) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			subpkt = &packet.Subscribe{ID: c.nextID(), Subscriptions: c.opt.Subscriptions}
		}
		c.current = newSession(c, subpkt)
	}
	return c.current
}

func (c *Client) drop(err error) {
	if s := c.session(false); s != nil {
		_ = s.die(err)
		s.alive.Wait()
	}
}

func (c *Client) publishBegin(ctx context.Context, msg *packet.Message) (*future.Future, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	c.inflight.Lock()
	defer c.inflight.Unlock()
	if prev := c.inflight.fu; prev != nil && prev.Wait(1) == future.ErrTimeout {
		return nil, errors.Errorf("mqtt previous publish id=%d still in flight", c.inflight.id)
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS == packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
	}
	s := c.session(false)
	if s == nil {
		return nil, ErrNotConnected
	}
	if err := s.send(publish); err != nil {
		return nil, errors.Annotate(err, "send PUBLISH")
	}
	fu := future.New()
	c.inflight.fu, c.inflight.id = fu, publish.ID
	s.bindPublish(fu)
	if msg.QOS == packet.QOSAtMostOnce {
		fu.Complete(nil)
	}
	return fu, nil
}

func (c *Client) nextID() packet.ID {
	id := packet.ID(atomic.AddUint32(&c.lastID, 1) % (1 << 16))
	if id == 0 {
		return c.nextID()
	}
	return id
}

func (c *Client) onPacket(s *session, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(s, pt)
	case *packet.Puback:
		c.onPuback(s, pt.ID)
	default:
		c.opt.Log.Debugf("mqtt unexpected packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(s *session, publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = s.die(errors.NotSupportedf("mqtt inbound qos=2 topic=%s", publish.Message.Topic))
		return
	}
	if err := c.opt.OnMessage(&publish.Message); err != nil {
		c.opt.Log.Errorf("mqtt OnMessage topic=%s err=%v", publish.Message.Topic, err)
		_ = s.die(err)
		return
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = s.send(puback)
	}
}

func (c *Client) onPuback(s *session, id packet.ID) {
	c.inflight.Lock()
	defer c.inflight.Unlock()
	if c.inflight.fu == nil {
		c.opt.Log.Errorf("mqtt unexpected PUBACK id=%d", id)
		return
	}
	if c.inflight.id != id {
		// only one publish is in flight, other id means broken session
		_ = s.die(errors.Errorf("mqtt PUBACK id=%d expected=%d", id, c.inflight.id))
		return
	}
	c.inflight.fu.Complete(id)
}

// supervisor reconnects with ReconnectDelay after connection is lost.
func (c *Client) supervisor() {
	stopch := c.alive.StopChan()
	for {
		s := c.session(true)
		if s == nil {
			return
		}
		select {
		case <-s.alive.WaitChan():
		case <-stopch:
			_ = s.die(ErrClientClosing)
			s.alive.Wait()
			return
		}

		c.opt.Log.Debugf("mqtt reconnect in %v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):
		case <-stopch:
			return
		}
	}
}
