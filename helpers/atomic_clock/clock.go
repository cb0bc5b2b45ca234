// Package atomic_clock stores wall time as int64 nanoseconds with atomic access.
// Meant for activity timestamps shared between goroutines, e.g. last packet sent.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

// Zero value means never set.
type Clock struct{ ns int64 }

func New(ns int64) *Clock { return &Clock{ns: ns} }
func Now() *Clock         { return New(time.Now().UnixNano()) }

func (c *Clock) load() int64 { return atomic.LoadInt64(&c.ns) }

func (c *Clock) IsZero() bool        { return c.load() == 0 }
func (c *Clock) SetNow()             { atomic.StoreInt64(&c.ns, time.Now().UnixNano()) }
func (c *Clock) SetTime(t time.Time) { atomic.StoreInt64(&c.ns, t.UnixNano()) }
func (c *Clock) Time() time.Time     { return time.Unix(0, c.load()) }

// Sub returns c-begin, like time.Time.Sub.
func (c *Clock) Sub(begin *Clock) time.Duration { return time.Duration(c.load() - begin.load()) }

func Since(begin *Clock) time.Duration { return time.Duration(time.Now().UnixNano() - begin.load()) }
