// Package agent runs startup sequence and the telemetry main loop.
//
// Startup errors are returned to caller and must stop the process.
// After startup every error is contained within its tick.
package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/internal/wifi"
	"github.com/temoto/thermotele/internal/wire"
	"github.com/temoto/thermotele/log2"
)

const WatchdogState = "WATCHDOG=1"

type Sensor interface {
	ReadOnce(timeout time.Duration) (types.SensorReading, error)
}

type Clock interface {
	Initialize() error
	Now() types.Timestamp
}

type Linker interface {
	EstablishLinkRetry(ctx context.Context) (*wifi.LinkHandle, error)
}

type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, m *types.OutboundMessage) error
}

type Options struct {
	ClientID       string
	Link           Linker // nil: network is managed outside
	Clock          Clock
	Sensor         Sensor
	SensorTimeout  time.Duration
	SensorFailWarn int
	Publisher      Publisher
	Encoder        wire.Encoder
	Interval       time.Duration
	Events         <-chan types.InboundMessage // optional
	Notify         func(state string)          // optional, e.g. sd_notify
}

type Stat struct {
	Ticks             uint32
	SensorErrors      uint32
	SensorConsecutive uint32
	Published         uint32
	PublishErrors     uint32
	Inbound           uint32
}

type Agent struct {
	log   *log2.Log
	opt   Options
	alive *alive.Alive
	link  *wifi.LinkHandle
	stat  Stat
}

func New(log *log2.Log, opt Options) (*Agent, error) {
	switch {
	case opt.ClientID == "":
		return nil, errors.NotValidf("agent client id empty")
	case opt.Clock == nil, opt.Sensor == nil, opt.Publisher == nil, opt.Encoder == nil:
		return nil, errors.NotValidf("agent requires clock, sensor, publisher and encoder")
	}
	if opt.Interval <= 0 {
		opt.Interval = time.Second
	}
	return &Agent{log: log, opt: opt, alive: alive.NewAlive()}, nil
}

// Start brings up link, clock and broker session, in this order.
func (a *Agent) Start(ctx context.Context) error {
	if a.opt.Link != nil {
		link, err := a.opt.Link.EstablishLinkRetry(ctx)
		if err != nil {
			return errors.Annotate(err, "startup wifi")
		}
		a.link = link
		a.log.Infof("wifi connected ip=%v channel=%d ap=%s", link.Status.IP, link.Channel, link.AP.SSID)
	} else {
		a.log.Infof("wifi skipped")
	}

	if err := a.opt.Clock.Initialize(); err != nil {
		return errors.Annotate(err, "startup clock")
	}
	a.log.Infof("clock now=%s", a.opt.Clock.Now())

	if err := a.opt.Publisher.Connect(ctx); err != nil {
		return errors.Annotate(err, "startup broker")
	}
	return nil
}

// Link is nil before Start or when wifi is skipped.
func (a *Agent) Link() *wifi.LinkHandle { return a.link }

// Run loops Tick and fixed interval sleep until ctx is done or Stop.
func (a *Agent) Run(ctx context.Context) error {
	if !a.alive.Add(1) {
		return errors.Errorf("agent stopped")
	}
	defer a.alive.Done()
	stopch := a.alive.StopChan()
	tmr := time.NewTimer(0)
	defer tmr.Stop()
	<-tmr.C
	for {
		_ = a.Tick(ctx)
		tmr.Reset(a.opt.Interval)
	wait:
		for {
			select {
			case <-tmr.C:
				break wait
			case m := <-a.opt.Events:
				atomic.AddUint32(&a.stat.Inbound, 1)
				a.log.Debugf("inbound event %s", m.String())
			case <-stopch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (a *Agent) Stop() {
	a.alive.Stop()
	a.alive.Wait()
}

// Tick reads, timestamps, encodes and publishes one record.
// Returned error is for tests and diagnostics, it is already logged.
func (a *Agent) Tick(ctx context.Context) error {
	atomic.AddUint32(&a.stat.Ticks, 1)
	if a.opt.Notify != nil {
		a.opt.Notify(WatchdogState)
	}

	reading, err := a.opt.Sensor.ReadOnce(a.opt.SensorTimeout)
	if err != nil {
		atomic.AddUint32(&a.stat.SensorErrors, 1)
		n := atomic.AddUint32(&a.stat.SensorConsecutive, 1)
		err = errors.Annotate(err, "sensor")
		a.log.Error(err)
		if a.opt.SensorFailWarn > 0 && n == uint32(a.opt.SensorFailWarn) {
			a.log.Warningf("sensor failed %d times in a row", n)
		}
		return err
	}
	atomic.StoreUint32(&a.stat.SensorConsecutive, 0)

	rec := types.NewRecord(reading, a.opt.Clock.Now())
	ms, err := a.opt.Encoder.Encode(a.opt.ClientID, rec)
	if err != nil {
		err = errors.Annotatef(err, "encode %s", a.opt.Encoder.Name())
		a.log.Error(err)
		return err
	}
	a.log.Debugf("tick %s timestamp=%s", reading.String(), rec.Timestamp)

	var first error
	for i := range ms {
		m := &ms[i]
		if err := a.opt.Publisher.Publish(ctx, m); err != nil {
			atomic.AddUint32(&a.stat.PublishErrors, 1)
			a.log.Errorf("publish dropped topic=%s err=%v", m.Topic, err)
			if first == nil {
				first = err
			}
			continue
		}
		atomic.AddUint32(&a.stat.Published, 1)
	}
	return first
}

func (a *Agent) Stat() Stat {
	return Stat{
		Ticks:             atomic.LoadUint32(&a.stat.Ticks),
		SensorErrors:      atomic.LoadUint32(&a.stat.SensorErrors),
		SensorConsecutive: atomic.LoadUint32(&a.stat.SensorConsecutive),
		Published:         atomic.LoadUint32(&a.stat.Published),
		PublishErrors:     atomic.LoadUint32(&a.stat.PublishErrors),
		Inbound:           atomic.LoadUint32(&a.stat.Inbound),
	}
}
