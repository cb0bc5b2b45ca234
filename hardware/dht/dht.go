// Package dht reads DHT22/AM2302 temperature and humidity sensor
// over single wire GPIO line using kernel timestamped edge events.
package dht

import (
	"runtime"
	"sync"
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/log2"
	"golang.org/x/sys/unix"
)

const (
	consumerLabel        = "thermotele-dht"
	DefaultStartPulse    = 1100 * time.Microsecond
	DefaultTimeout       = 100 * time.Millisecond
	MinReadInterval      = 2 * time.Second
	idleGap              = 2 * time.Millisecond
	realtimePriority     = 50
	fallbackNicePriority = -20
)

type Config struct {
	Chip       string
	Line       uint32
	StartPulse time.Duration
	// Realtime raises reading thread scheduling priority.
	Realtime bool
	// Cpu pins reading thread when Realtime, negative disables.
	Cpu int
}

// Sensor owns the GPIO line. All line access happens on one
// locked OS thread, ReadOnce is safe to call concurrently.
type Sensor struct {
	mu     sync.Mutex
	log    *log2.Log
	config Config
	chip   gpio.Chiper
	reqs   chan request
	done   chan struct{}
	once   sync.Once

	last     types.SensorReading
	lastTime time.Time
}

type request struct {
	timeout time.Duration
	result  chan<- result
}
type result struct {
	r   types.SensorReading
	err error
}

func Open(log *log2.Log, c Config) (*Sensor, error) {
	chip, err := gpio.Open(c.Chip, consumerLabel)
	if err != nil {
		return nil, errors.Annotatef(err, "dht open chip=%s", c.Chip)
	}
	return New(log, chip, c), nil
}

func New(log *log2.Log, chip gpio.Chiper, c Config) *Sensor {
	if c.StartPulse == 0 {
		c.StartPulse = DefaultStartPulse
	}
	s := &Sensor{
		log:    log,
		config: c,
		chip:   chip,
		reqs:   make(chan request),
		done:   make(chan struct{}),
	}
	ready := make(chan struct{})
	go s.worker(ready)
	<-ready
	return s
}

// ReadOnce performs one blocking exchange.
// Sensor sampling period is 2s; calls within MinReadInterval of
// last successful read return that reading without touching the line.
func (s *Sensor) ReadOnce(timeout time.Duration) (types.SensorReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastTime.IsZero() && time.Since(s.lastTime) < MinReadInterval {
		s.log.Debugf("dht cached reading age=%v", time.Since(s.lastTime))
		return s.last, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rch := make(chan result, 1)
	select {
	case s.reqs <- request{timeout: timeout, result: rch}:
	case <-s.done:
		return types.SensorReading{}, errors.New("dht closed")
	}
	res := <-rch
	if res.err == nil {
		s.last, s.lastTime = res.r, time.Now()
	}
	return res.r, res.err
}

func (s *Sensor) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.chip.Close()
	})
	return err
}

// worker never unlocks OS thread: with changed priority/affinity
// the thread must die together with goroutine rather than return to pool.
func (s *Sensor) worker(ready chan<- struct{}) {
	runtime.LockOSThread()
	if s.config.Realtime {
		s.prioritize()
	}
	close(ready)
	for {
		select {
		case req := <-s.reqs:
			r, err := s.read(req.timeout)
			req.result <- result{r: r, err: err}
		case <-s.done:
			return
		}
	}
}

func (s *Sensor) prioritize() {
	if cpu := s.config.Cpu; cpu >= 0 {
		var set unix.CPUSet
		set.Set(cpu)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			s.log.Errorf("dht pin cpu=%d err=%v", cpu, err)
		}
	}
	attr := unix.SchedAttr{Policy: unix.SCHED_FIFO, Priority: realtimePriority}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		s.log.Debugf("dht SCHED_FIFO err=%v fallback to nice", err)
		if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), fallbackNicePriority); err != nil {
			s.log.Errorf("dht setpriority err=%v", err)
		}
	}
}

func (s *Sensor) read(timeout time.Duration) (types.SensorReading, error) {
	deadline := time.Now().Add(timeout)
	if err := s.start(); err != nil {
		return types.SensorReading{}, &SensorError{Kind: KindProtocol, Detail: "start", Err: err}
	}
	events, err := s.capture(deadline)
	if err != nil {
		return types.SensorReading{}, err
	}
	frame, err := Decode(Pulses(events))
	if err != nil {
		return types.SensorReading{}, err
	}
	return ParseFrame(frame)
}

// start drives line low for StartPulse then releases it to pull-up.
func (s *Sensor) start() error {
	lines, err := s.chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT|gpio.GPIOHANDLE_REQUEST_OPEN_DRAIN, consumerLabel, s.config.Line)
	if err != nil {
		return errors.Annotate(err, "OpenLines")
	}
	defer lines.Close()
	set := lines.SetFunc(s.config.Line)
	set(0)
	if err = lines.Flush(); err != nil {
		return errors.Annotate(err, "Flush low")
	}
	time.Sleep(s.config.StartPulse)
	set(1)
	return errors.Annotate(lines.Flush(), "Flush high")
}

func (s *Sensor) capture(deadline time.Time) ([]gpio.EventData, error) {
	ev, err := s.chip.GetLineEvent(s.config.Line, 0, gpio.GPIOEVENT_REQUEST_BOTH_EDGES, consumerLabel)
	if err != nil {
		return nil, &SensorError{Kind: KindProtocol, Detail: "GetLineEvent", Err: err}
	}
	defer ev.Close()

	// response pulse + 40 bits, 2 edges each, plus release edge
	events := make([]gpio.EventData, 0, 2*(FrameBits+2))
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		if len(events) != 0 && wait > idleGap {
			wait = idleGap
		}
		e, err := ev.Wait(wait)
		if gpio.IsTimeout(err) || errors.IsTimeout(err) {
			break
		}
		if err != nil {
			return nil, &SensorError{Kind: KindProtocol, Detail: "edge wait", Err: err}
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return nil, errorf(KindTimeout, "no edges within deadline")
	}
	s.log.Debugf("dht edges=%d", len(events))
	return events, nil
}
