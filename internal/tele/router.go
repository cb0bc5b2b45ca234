package tele

import (
	"sync/atomic"

	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/log2"
)

type RouterStat struct {
	Complete uint32
	Partial  uint32
	Dropped  uint32 // events channel full
}

// Router logs and discards inbound messages, there are no commands.
// With events capacity > 0, complete messages are also offered to Events()
// for main loop to consume; full channel drops message.
type Router struct {
	log    *log2.Log
	events chan types.InboundMessage
	stat   RouterStat
}

func NewRouter(log *log2.Log, eventsCap int) *Router {
	r := &Router{log: log}
	if eventsCap > 0 {
		r.events = make(chan types.InboundMessage, eventsCap)
	}
	return r
}

// Route is InboundFunc.
func (r *Router) Route(m types.InboundMessage) {
	if !m.IsComplete() {
		atomic.AddUint32(&r.stat.Partial, 1)
		r.log.Warningf("inbound partial message ignored %s", m.String())
		return
	}
	atomic.AddUint32(&r.stat.Complete, 1)
	r.log.Infof("inbound topic=%s payload=%q", m.Topic, m.Payload)
	if r.events == nil {
		return
	}
	select {
	case r.events <- m:
	default:
		atomic.AddUint32(&r.stat.Dropped, 1)
		r.log.Debugf("inbound events full, dropped topic=%s", m.Topic)
	}
}

// Events is nil when router was created without capacity.
func (r *Router) Events() <-chan types.InboundMessage { return r.events }

func (r *Router) Stat() RouterStat {
	return RouterStat{
		Complete: atomic.LoadUint32(&r.stat.Complete),
		Partial:  atomic.LoadUint32(&r.stat.Partial),
		Dropped:  atomic.LoadUint32(&r.stat.Dropped),
	}
}
