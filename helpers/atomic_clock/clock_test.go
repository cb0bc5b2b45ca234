package atomic_clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	t.Parallel()

	var z Clock
	assert.True(t, z.IsZero())

	sent := New(0)
	tim := time.Unix(1700000000, 0)
	sent.SetTime(tim)
	assert.Equal(t, tim.UnixNano(), sent.Time().UnixNano())
	assert.False(t, sent.IsZero())

	later := New(tim.Add(45 * time.Second).UnixNano())
	assert.Equal(t, 45*time.Second, later.Sub(sent))

	sent.SetNow()
	assert.True(t, Since(sent) < time.Second)
	assert.True(t, Now().Sub(sent) >= 0)
}

func TestConcurrent(t *testing.T) {
	t.Parallel()

	c := New(0)
	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.SetNow()
				_ = Since(c)
			}
		}()
	}
	wg.Wait()
	assert.False(t, c.IsZero())
}
