package mqtt

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/thermotele/helpers/atomic_clock"
)

var (
	ErrNotConnected = client.ErrClientNotConnected
	errSessionLost  = fmt.Errorf("mqtt session lost")
)

// session is one network connection: dial, CONNECT, SUBSCRIBE, pings, reader.
// It never reconnects, Client creates new session instead.
type session struct {
	c      *Client
	alive  *alive.Alive
	closed uint32
	conn   atomic.Value // transport.Conn
	confu  *future.Future
	subfu  *future.Future
	subpkt *packet.Subscribe
	pubfu  atomic.Value // *future.Future in flight, canceled on die
	sentAt *atomic_clock.Clock
	recvAt *atomic_clock.Clock
}

func newSession(c *Client, subpkt *packet.Subscribe) *session {
	s := &session{
		c:      c,
		alive:  alive.NewAlive(),
		confu:  future.New(),
		subfu:  future.New(),
		subpkt: subpkt,
		sentAt: atomic_clock.New(0),
		recvAt: atomic_clock.New(0),
	}
	s.alive.Add(1)
	go s.connect()
	return s
}

func (s *session) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return e
	}
	s.c.opt.Log.Debugf("mqtt session end: %v", e)
	s.alive.Stop()
	s.confu.Cancel(e)
	s.subfu.Cancel(e)
	if fu, ok := s.pubfu.Load().(*future.Future); ok {
		fu.Cancel(e)
	}
	if conn := s.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (s *session) bindPublish(fu *future.Future) {
	s.pubfu.Store(fu)
	if atomic.LoadUint32(&s.closed) != 0 {
		fu.Cancel(errSessionLost)
	}
}

func (s *session) getConn() transport.Conn {
	if x := s.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (s *session) ready() bool {
	connected, _ := s.confu.Result().(bool)
	subscribed, _ := s.subfu.Result().(bool)
	return connected && subscribed && s.alive.IsRunning()
}

func (s *session) connect() {
	defer s.alive.Done()
	opt := &s.c.opt

	conn, err := s.c.dialer.Dial(opt.BrokerURL)
	if err != nil {
		_ = s.die(errors.Annotatef(err, "mqtt dial broker=%s", opt.BrokerURL))
		return
	}
	s.conn.Store(conn)
	if !s.alive.IsRunning() { // Close() during dial
		_ = conn.Close()
		return
	}
	if err = s.send(s.c.conpkt); err != nil {
		return
	}

	conn.SetReadTimeout(opt.NetworkTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		_ = s.die(errors.Annotate(err, "mqtt expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = s.die(errors.Annotatef(client.ErrClientExpectedConnack, "mqtt received=%s", PacketString(pkt)))
		return
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		_ = s.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
		return
	}
	conn.SetReadTimeout(0)
	s.confu.Complete(true)
	opt.Log.Debugf("mqtt connected broker=%s", opt.BrokerURL)

	if !s.alive.Add(3) {
		_ = s.die(ErrClientClosing)
		return
	}
	s.recvAt.SetNow()
	go s.pinger()
	go s.reader()
	go s.subscriber()
}

func (s *session) send(p packet.Generic) error {
	conn := s.getConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return s.die(errors.Annotatef(err, "mqtt send %s", p.Type().String()))
	}
	s.sentAt.SetNow()
	s.c.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

func (s *session) reader() {
	defer s.alive.Done()
	conn := s.getConn()
	for {
		pkt, err := conn.Receive()
		if !s.alive.IsRunning() {
			return
		}
		switch err {
		case nil:
		case io.EOF:
			_ = s.die(errors.Annotate(errSessionLost, "server closed connection"))
			return
		default:
			_ = s.die(errors.Annotate(err, "mqtt receive"))
			return
		}
		s.recvAt.SetNow()
		s.c.opt.Log.Debugf("mqtt received %s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = s.die(errors.Errorf("mqtt server error duplicate CONNACK"))
			return
		case *packet.Pingresp:
		case *packet.Suback:
			s.onSuback(pt)
		default:
			s.c.onPacket(s, pkt)
		}
	}
}

func (s *session) onSuback(suback *packet.Suback) {
	if s.subpkt == nil || suback.ID != s.subpkt.ID {
		_ = s.die(errors.Annotatef(client.ErrFailedSubscription, "SUBACK id=%d unexpected", suback.ID))
		return
	}
	for i, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = s.die(errors.Annotatef(client.ErrFailedSubscription, "topic=%s", s.subpkt.Subscriptions[i].Topic))
			return
		}
	}
	s.subfu.Complete(true)
}

func (s *session) subscriber() {
	defer s.alive.Done()
	if s.subpkt == nil {
		s.subfu.Complete(true)
		return
	}
	if err := s.send(s.subpkt); err != nil {
		return
	}
	if s.subfu.Wait(s.c.opt.NetworkTimeout) == future.ErrTimeout {
		_ = s.die(errors.Timeoutf("mqtt SUBACK"))
	}
}

// pinger sends PINGREQ as late as possible: when nothing was sent
// for keepalive*1.5 minus NetworkTimeout. Silent server for keepalive*1.5 kills session.
func (s *session) pinger() {
	defer s.alive.Done()
	opt := &s.c.opt
	if opt.Keepalive == 0 {
		return
	}
	keepalive := keepaliveAndHalf(opt.Keepalive)
	interval := keepalive - opt.NetworkTimeout
	if interval <= 0 {
		interval = opt.Keepalive
	}
	stopch := s.alive.StopChan()
	for s.alive.IsRunning() {
		now := atomic_clock.Now()
		if now.Sub(s.recvAt) > keepalive {
			_ = s.die(client.ErrClientMissingPong)
			return
		}
		idle := now.Sub(s.sentAt)
		if idle >= interval {
			if err := s.send(packet.NewPingreq()); err != nil {
				return
			}
			idle = 0
		}
		select {
		case <-time.After(interval - idle):
		case <-stopch:
			return
		}
	}
}

// waitReady returns errSessionLost when session died, caller should try next one.
func (s *session) waitReady(ctx context.Context) error {
	const poll = 50 * time.Millisecond
	for {
		if s.ready() {
			return nil
		}
		if !s.alive.IsRunning() {
			return errSessionLost
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
