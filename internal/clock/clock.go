// Package clock is the time source for telemetry records.
//
// Peripheral run/halt control is not trusted by name: Initialize invokes
// configured operation, reads back halt flag and tries the opposite operation
// if clock is still stopped. Verified operation is remembered in Store.
// There is no network time sync, clock is set only explicitly with Set().
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/log2"
)

const (
	OpRun  = "run"
	OpHalt = "halt"
)

type Peripheral interface {
	Halt() error
	Run() error
	Halted() (bool, error)
	DateTime() (time.Time, error)
	SetDateTime(time.Time) error
}

// Store keeps verified start operation across restarts.
type Store interface {
	Load() (string, error)
	Save(op string) error
}

type ClockError struct {
	Op  string
	Err error
}

func (e *ClockError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("clock %s", e.Op)
	}
	return fmt.Sprintf("clock %s: %v", e.Op, e.Err)
}

func (e *ClockError) Cause() error { return e.Err }

type Source struct {
	mu       sync.Mutex
	log      *log2.Log
	p        Peripheral
	startOp  string
	store    Store
	verified string
	lastGood time.Time // peripheral time of last successful read
	lastMono time.Time // local time.Now() of same read, monotonic
	init     bool
}

func New(log *log2.Log, p Peripheral, startOp string, store Store) *Source {
	if startOp == "" {
		startOp = OpRun
	}
	return &Source{log: log, p: p, startOp: startOp, store: store}
}

func opposite(op string) string {
	if op == OpRun {
		return OpHalt
	}
	return OpRun
}

func (s *Source) invoke(op string) error {
	switch op {
	case OpRun:
		return s.p.Run()
	case OpHalt:
		return s.p.Halt()
	}
	return errors.NotValidf("clock op=%s", op)
}

// try invokes op and reports whether clock runs afterwards.
func (s *Source) try(op string) (bool, error) {
	if err := s.invoke(op); err != nil {
		return false, &ClockError{Op: op, Err: err}
	}
	halted, err := s.p.Halted()
	if err != nil {
		return false, &ClockError{Op: "read halt flag", Err: err}
	}
	return !halted, nil
}

// Initialize puts peripheral into running state and primes last known time.
// Any error here is fatal to startup.
func (s *Source) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.startOp
	saved := ""
	if s.store != nil {
		var err error
		saved, err = s.store.Load()
		switch {
		case err != nil:
			s.log.Errorf("clock load verified op err=%v", err)
		case saved == OpRun || saved == OpHalt:
			s.log.Debugf("clock using verified op=%s configured=%s", saved, s.startOp)
			first = saved
		}
	}

	running, err := s.try(first)
	if err != nil {
		return err
	}
	verified := first
	if !running {
		second := opposite(first)
		s.log.Warningf("clock still halted after op=%s, peripheral control direction appears swapped, trying op=%s", first, second)
		if running, err = s.try(second); err != nil {
			return err
		}
		if !running {
			return &ClockError{Op: "start", Err: errors.Errorf("clock halted after both %s and %s", first, second)}
		}
		verified = second
	}
	if verified != s.startOp {
		s.log.Infof("clock start op verified=%s differs from configured=%s", verified, s.startOp)
	}
	if s.store != nil && verified != saved {
		if err := s.store.Save(verified); err != nil {
			s.log.Errorf("clock save verified op err=%v", err)
		}
	}
	s.verified = verified

	t, err := s.p.DateTime()
	if err != nil {
		return &ClockError{Op: "read", Err: err}
	}
	s.lastGood, s.lastMono = t, time.Now()
	s.init = true
	s.log.Infof("clock running op=%s now=%s", verified, t.Format(time.RFC3339))
	return nil
}

func (s *Source) Peripheral() Peripheral { return s.p }

// VerifiedOp returns operation which was observed to start the clock, empty before Initialize.
func (s *Source) VerifiedOp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

// Now never fails after Initialize: on read error it extrapolates
// last good peripheral time with local monotonic clock.
func (s *Source) Now() types.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.init {
		panic("code error clock.Now() before Initialize()")
	}
	t, err := s.p.DateTime()
	if err != nil {
		guess := s.lastGood.Add(time.Since(s.lastMono))
		s.log.Errorf("clock read err=%v using extrapolated=%s", err, guess.Format(time.RFC3339))
		return types.TimestampOf(guess)
	}
	s.lastGood, s.lastMono = t, time.Now()
	return types.TimestampOf(t)
}

// Set writes wall time into peripheral.
func (s *Source) Set(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.p.SetDateTime(t); err != nil {
		return &ClockError{Op: "set", Err: err}
	}
	s.lastGood, s.lastMono = t, time.Now()
	return nil
}

// Ticking observes whether peripheral seconds advance within wait.
// Slow, meant for diagnostics rather than startup.
func (s *Source) Ticking(wait time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t1, err := s.p.DateTime()
	if err != nil {
		return false, &ClockError{Op: "read", Err: err}
	}
	time.Sleep(wait)
	t2, err := s.p.DateTime()
	if err != nil {
		return false, &ClockError{Op: "read", Err: err}
	}
	return t2.After(t1), nil
}
