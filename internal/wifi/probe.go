package wifi

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/log2"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// ICMPProber sends echo requests over unprivileged datagram ICMP socket
// (net.ipv4.ping_group_range must include the process group).
// Any single reply within Count attempts is success.
type ICMPProber struct {
	Log     *log2.Log
	Count   int
	Timeout time.Duration // per attempt
}

var _ Prober = ICMPProber{}

func (p ICMPProber) Probe(ctx context.Context, addr net.IP) error {
	if addr == nil || addr.To4() == nil {
		return errors.NotValidf("probe addr=%v", addr)
	}
	count := p.Count
	if count < 1 {
		count = 1
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = time.Second
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return errors.Annotate(err, "icmp listen")
	}
	defer conn.Close()

	id := os.Getpid() & 0xffff
	var lastErr error
	for seq := 1; seq <= count; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rtt, err := p.echo(ctx, conn, addr, id, seq, timeout)
		if err == nil {
			p.Log.Debugf("wifi probe addr=%v seq=%d rtt=%v", addr, seq, rtt)
			return nil
		}
		p.Log.Debugf("wifi probe addr=%v seq=%d err=%v", addr, seq, err)
		lastErr = err
	}
	return errors.Annotatef(lastErr, "probe addr=%v count=%d", addr, count)
}

func (p ICMPProber) echo(ctx context.Context, conn *icmp.PacketConn, addr net.IP, id, seq int, timeout time.Duration) (time.Duration, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("thermotele")},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return 0, errors.Annotate(err, "icmp marshal")
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		return 0, errors.Annotate(err, "icmp deadline")
	}
	tbegin := time.Now()
	if _, err = conn.WriteTo(b, &net.UDPAddr{IP: addr}); err != nil {
		return 0, errors.Annotate(err, "icmp write")
	}
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, errors.Annotate(err, "icmp read")
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// kernel rewrites echo id for datagram sockets, match by seq and peer
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			if ua, ok := peer.(*net.UDPAddr); !ok || ua.IP.Equal(addr) {
				return time.Since(tbegin), nil
			}
		}
	}
}
