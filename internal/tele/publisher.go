// Package tele owns broker connection: telemetry publish with bounded retry
// and inbound message delivery split into complete and partial messages.
package tele

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/helpers"
	"github.com/temoto/thermotele/internal/config"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/log2"
)

// InboundFunc runs on transport goroutine, concurrently with Publish.
type InboundFunc func(types.InboundMessage)

type Stat struct {
	Published uint32
	Retried   uint32
	Dropped   uint32
	Inbound   uint32
}

// Publisher contract:
// - New fails only with invalid config
// - Connect failure is fatal to startup
// - Publish tries up to publish_attempts, then message is dropped and *PublishError returned
// - nothing is queued across Publish calls
type Publisher struct {
	log           *log2.Log
	transport     Transporter
	attempts      int
	retryDelay    time.Duration
	timeout       time.Duration
	inboundBuffer int
	mu            sync.Mutex   // serializes Publish
	onInbound     atomic.Value // InboundFunc
	stat          Stat
}

func New(log *log2.Log, cfg *config.Config) (*Publisher, error) {
	p := newPublisher(log, cfg)
	var err error
	switch cfg.Broker.Client {
	case "gomqtt", "":
		p.transport, err = newTransportGomqtt(log, cfg, p.deliver)
	case "paho":
		p.transport, err = newTransportPaho(log, cfg, p.deliver)
	default:
		err = errors.NotValidf("broker.client=%s", cfg.Broker.Client)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewWithTransporter is used by tests and diagnostics.
func NewWithTransporter(log *log2.Log, cfg *config.Config, t Transporter) *Publisher {
	p := newPublisher(log, cfg)
	p.transport = t
	return p
}

func newPublisher(log *log2.Log, cfg *config.Config) *Publisher {
	p := &Publisher{
		log:           log,
		attempts:      cfg.Broker.PublishAttempts,
		retryDelay:    helpers.IntMillisecondDefault(cfg.Broker.RetryDelayMs, config.DefaultPublishRetryDelay),
		timeout:       cfg.NetworkTimeout(),
		inboundBuffer: cfg.Broker.InboundBuffer,
	}
	if p.attempts < 1 {
		p.attempts = 1
	}
	if p.inboundBuffer <= 0 {
		p.inboundBuffer = config.DefaultInboundBuffer
	}
	return p
}

func (p *Publisher) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.transport.Connect(ctx); err != nil {
		return errors.Annotate(err, "broker connect")
	}
	p.log.Infof("broker connected")
	return nil
}

func (p *Publisher) Close() error { return p.transport.Close() }

// OnInbound sets callback for received messages, nil to ignore them.
func (p *Publisher) OnInbound(f InboundFunc) { p.onInbound.Store(f) }

func (p *Publisher) Stat() Stat {
	return Stat{
		Published: atomic.LoadUint32(&p.stat.Published),
		Retried:   atomic.LoadUint32(&p.stat.Retried),
		Dropped:   atomic.LoadUint32(&p.stat.Dropped),
		Inbound:   atomic.LoadUint32(&p.stat.Inbound),
	}
}

// Publish blocks until broker acknowledged message or attempts are exhausted.
func (p *Publisher) Publish(ctx context.Context, m *types.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	bo := helpers.Backoff{Min: p.retryDelay, Max: 4 * p.retryDelay, K: 2}
	var err error
	attempt := 1
	for ; ; attempt++ {
		err = p.publishOnce(ctx, m)
		if err == nil {
			atomic.AddUint32(&p.stat.Published, 1)
			return nil
		}
		if isPermanent(err) || attempt >= p.attempts || ctx.Err() != nil {
			break
		}
		atomic.AddUint32(&p.stat.Retried, 1)
		bo.Failure()
		delay := bo.Next()
		p.log.Debugf("publish topic=%s attempt=%d err=%v retry in %v", m.Topic, attempt, err, delay)
		if helpers.SleepContext(ctx, delay) != nil {
			break
		}
	}
	atomic.AddUint32(&p.stat.Dropped, 1)
	return &PublishError{Topic: m.Topic, Attempts: attempt, Temporary: !isPermanent(err), Err: err}
}

func (p *Publisher) publishOnce(ctx context.Context, m *types.OutboundMessage) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.transport.Publish(ctx, m)
}

func (p *Publisher) deliver(topic string, payload []byte) {
	atomic.AddUint32(&p.stat.Inbound, 1)
	f, _ := p.onInbound.Load().(InboundFunc)
	if f == nil {
		return
	}
	for _, m := range Split(topic, payload, p.inboundBuffer) {
		f(m)
	}
}

// Split cuts payload longer than limit into InitialChunk and SubsequentChunk messages,
// like receive into fixed size buffer. Topic is set only on first chunk.
func Split(topic string, payload []byte, limit int) []types.InboundMessage {
	if limit <= 0 || len(payload) <= limit {
		return []types.InboundMessage{{Topic: topic, Payload: payload, Details: types.Complete, Total: len(payload)}}
	}
	n := (len(payload) + limit - 1) / limit
	ms := make([]types.InboundMessage, 0, n)
	for off := 0; off < len(payload); off += limit {
		end := off + limit
		if end > len(payload) {
			end = len(payload)
		}
		m := types.InboundMessage{Payload: payload[off:end], Details: types.SubsequentChunk, Offset: off, Total: len(payload)}
		if off == 0 {
			m.Topic, m.Details = topic, types.InitialChunk
		}
		ms = append(ms, m)
	}
	return ms
}
