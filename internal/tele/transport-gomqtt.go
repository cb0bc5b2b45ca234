package tele

import (
	"context"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/config"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/log2"
	"github.com/temoto/thermotele/tele/mqtt"
)

type transportGomqtt struct {
	log *log2.Log
	c   *mqtt.Client
}

func newTransportGomqtt(log *log2.Log, cfg *config.Config, deliver deliverFunc) (*transportGomqtt, error) {
	tlsconf, err := loadTLS(cfg.Broker.TlsCaFile)
	if err != nil {
		return nil, err
	}
	subs := make([]packet.Subscription, len(cfg.Broker.Subscribe))
	for i, topic := range cfg.Broker.Subscribe {
		subs[i] = packet.Subscription{Topic: topic, QOS: packet.QOSAtLeastOnce}
	}
	mlog := log.Clone(log2.LInfo)
	if cfg.Broker.LogDebug {
		mlog.SetLevel(log2.LDebug)
	}
	c, err := mqtt.NewClient(mqtt.Options{
		BrokerURL:      cfg.Broker.URL,
		TLS:            tlsconf,
		NetworkTimeout: cfg.NetworkTimeout(),
		Keepalive:      cfg.Keepalive(),
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		Subscriptions:  subs,
		Log:            mlog,
		OnMessage: func(m *packet.Message) error {
			deliver(m.Topic, m.Payload)
			return nil
		},
	})
	if err != nil {
		return nil, errors.Annotate(err, "tele gomqtt")
	}
	return &transportGomqtt{log: log, c: c}, nil
}

func (t *transportGomqtt) Connect(ctx context.Context) error {
	return errors.Annotate(t.c.WaitReady(ctx), "tele gomqtt connect")
}

func (t *transportGomqtt) Publish(ctx context.Context, m *types.OutboundMessage) error {
	err := t.c.Publish(ctx, &packet.Message{
		Topic:   m.Topic,
		Payload: m.Payload,
		QOS:     packet.QOS(m.QoS),
		Retain:  m.Retain,
	})
	if errors.IsNotSupported(err) {
		return permanent{err}
	}
	return err
}

func (t *transportGomqtt) Close() error { return t.c.Close() }
