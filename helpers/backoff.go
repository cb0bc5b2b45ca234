package helpers

import "time"

// Backoff is exponential retry delay between Min and Max.
// Not safe for concurrent use, keep one per retry loop.
//
//	for attempt := 1; ; attempt++ {
//		if err = op(); err == nil || attempt == max {
//			break
//		}
//		b.Failure()
//		SleepContext(ctx, b.Next())
//	}
type Backoff struct {
	Min time.Duration
	Max time.Duration // 0 means unlimited
	K   float32       // growth factor, values <= 1 mean constant Min
	Res time.Duration // delay resolution for nice logs, default=1ms

	next     time.Duration
	failures int
}

// Failure increases delay returned by Next, first failure gives Min.
func (b *Backoff) Failure() {
	b.failures++
	if b.next == 0 || b.K <= 1 {
		b.next = b.Min
	} else {
		b.next = time.Duration(float64(b.next) * float64(b.K))
	}
	b.next = b.clamp(b.next)
}

// Next is delay to wait after last Failure, 0 before any.
func (b *Backoff) Next() time.Duration {
	if b.failures == 0 {
		return 0
	}
	res := b.Res
	if res == 0 {
		res = time.Millisecond
	}
	return b.next / res * res
}

func (b *Backoff) Failures() int { return b.failures }

func (b *Backoff) Reset() {
	b.next, b.failures = 0, 0
}

func (b *Backoff) clamp(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return d
}
