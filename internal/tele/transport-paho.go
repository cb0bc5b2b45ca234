package tele

import (
	"context"
	"fmt"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/config"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/log2"
)

// pahoLogger routes paho package loggers into log2 at fixed level.
type pahoLogger struct {
	log   *log2.Log
	level log2.Level
	tag   string
}

func (l pahoLogger) Println(v ...interface{}) {
	l.log.Log(l.level, l.tag+strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}
func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.log.Logf(l.level, l.tag+format, v...)
}

var pahoLogOnce sync.Once

type transportPaho struct {
	log  *log2.Log
	m    paho.Client
	subs map[string]byte
}

func newTransportPaho(log *log2.Log, cfg *config.Config, deliver deliverFunc) (*transportPaho, error) {
	pahoLogOnce.Do(func() {
		paho.ERROR = pahoLogger{log, log2.LError, "error: paho "}
		paho.CRITICAL = pahoLogger{log, log2.LError, "error: paho critical "}
		paho.WARN = pahoLogger{log, log2.LWarning, "warning: paho "}
		if cfg.Broker.LogDebug {
			paho.DEBUG = pahoLogger{log, log2.LDebug, "debug: paho "}
		}
	})

	tlsconf, err := loadTLS(cfg.Broker.TlsCaFile)
	if err != nil {
		return nil, err
	}
	t := &transportPaho{log: log, subs: make(map[string]byte, len(cfg.Broker.Subscribe))}
	for _, topic := range cfg.Broker.Subscribe {
		t.subs[topic] = byte(types.AtLeastOnce)
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker.URL).
		SetClientID(cfg.Broker.ClientID).
		SetUsername(cfg.Broker.Username).
		SetPassword(cfg.Broker.Password).
		SetCleanSession(true).
		SetKeepAlive(cfg.Keepalive()).
		SetPingTimeout(cfg.NetworkTimeout()).
		SetConnectTimeout(cfg.NetworkTimeout()).
		SetWriteTimeout(cfg.NetworkTimeout()).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			deliver(msg.Topic(), msg.Payload())
		}).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			t.log.Errorf("tele paho connection lost err=%v", err)
		})
	if tlsconf != nil {
		opts.SetTLSConfig(tlsconf)
	}
	t.m = paho.NewClient(opts)
	return t, nil
}

func (t *transportPaho) onConnect(c paho.Client) {
	t.log.Debugf("tele paho connected")
	if len(t.subs) == 0 {
		return
	}
	// handler nil: messages go to default publish handler
	token := c.SubscribeMultiple(t.subs, nil)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			t.log.Errorf("tele paho subscribe err=%v", err)
		}
	}()
}

func (t *transportPaho) Connect(ctx context.Context) error {
	return errors.Annotate(waitToken(ctx, t.m.Connect()), "tele paho connect")
}

func (t *transportPaho) Publish(ctx context.Context, m *types.OutboundMessage) error {
	if m.QoS > types.ExactlyOnce {
		return permanent{errors.NotValidf("qos=%d", m.QoS)}
	}
	if !t.m.IsConnectionOpen() {
		return errors.Annotate(paho.ErrNotConnected, "tele paho publish")
	}
	return waitToken(ctx, t.m.Publish(m.Topic, byte(m.QoS), m.Retain, m.Payload))
}

func (t *transportPaho) Close() error {
	t.m.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
