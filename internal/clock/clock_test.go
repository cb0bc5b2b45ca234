package clock

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/log2"
)

type fakePeripheral struct {
	swapped  bool // Halt starts clock, Run stops it
	stuck    bool // never starts
	halted   bool
	now      time.Time
	readErr  error
	calls    []string
	setCalls int
}

func (f *fakePeripheral) Halt() error {
	f.calls = append(f.calls, OpHalt)
	if !f.stuck {
		f.halted = !f.swapped
	}
	return nil
}

func (f *fakePeripheral) Run() error {
	f.calls = append(f.calls, OpRun)
	if !f.stuck {
		f.halted = f.swapped
	}
	return nil
}

func (f *fakePeripheral) Halted() (bool, error)        { return f.halted, nil }
func (f *fakePeripheral) DateTime() (time.Time, error) { return f.now, f.readErr }
func (f *fakePeripheral) SetDateTime(t time.Time) error {
	f.setCalls++
	f.now = t
	return nil
}

type memStore struct {
	op    string
	saves int
}

func (m *memStore) Load() (string, error) { return m.op, nil }
func (m *memStore) Save(op string) error  { m.op = op; m.saves++; return nil }

func TestInitialize(t *testing.T) {
	t.Parallel()

	type Case struct {
		name        string
		periph      fakePeripheral
		startOp     string
		stored      string
		expectCalls []string
		expectOp    string
		expectErr   string
	}
	cases := []Case{
		{name: "run-works", periph: fakePeripheral{halted: true}, startOp: OpRun,
			expectCalls: []string{OpRun}, expectOp: OpRun},
		{name: "swapped-run", periph: fakePeripheral{halted: true, swapped: true}, startOp: OpRun,
			expectCalls: []string{OpRun, OpHalt}, expectOp: OpHalt},
		{name: "swapped-halt-configured", periph: fakePeripheral{halted: true, swapped: true}, startOp: OpHalt,
			expectCalls: []string{OpHalt}, expectOp: OpHalt},
		{name: "stored-preferred", periph: fakePeripheral{halted: true, swapped: true}, startOp: OpRun, stored: OpHalt,
			expectCalls: []string{OpHalt}, expectOp: OpHalt},
		{name: "stuck", periph: fakePeripheral{halted: true, stuck: true}, startOp: OpRun,
			expectCalls: []string{OpRun, OpHalt}, expectErr: "clock halted after both run and halt"},
		{name: "read-fail", periph: fakePeripheral{readErr: fmt.Errorf("nack")}, startOp: OpRun,
			expectCalls: []string{OpRun}, expectErr: "clock read: nack"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			p := c.periph
			p.now = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
			store := &memStore{op: c.stored}
			s := New(log2.NewTest(t, log2.LDebug), &p, c.startOp, store)
			err := s.Initialize()
			assert.Equal(t, c.expectCalls, p.calls)
			if c.expectErr != "" {
				require.Error(t, err)
				_, ok := err.(*ClockError)
				assert.True(t, ok, "error type=%T", err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expectOp, s.VerifiedOp())
			assert.Equal(t, c.expectOp, store.op)
			assert.False(t, p.halted)
		})
	}
}

func TestStoreNotRewritten(t *testing.T) {
	t.Parallel()

	p := &fakePeripheral{halted: true}
	store := &memStore{op: OpRun}
	s := New(log2.NewTest(t, log2.LDebug), p, OpRun, store)
	require.NoError(t, s.Initialize())
	assert.Equal(t, 0, store.saves)
}

func TestNow(t *testing.T) {
	t.Parallel()

	tim := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	p := &fakePeripheral{now: tim}
	s := New(log2.NewTest(t, log2.LDebug), p, OpRun, nil)
	assert.Panics(t, func() { s.Now() })
	require.NoError(t, s.Initialize())
	assert.Equal(t, types.Timestamp(1700000000000), s.Now())

	// read error after init: extrapolated, never earlier than last good
	p.readErr = fmt.Errorf("bus error")
	ts := s.Now()
	assert.True(t, ts >= types.Timestamp(1700000000000))
	assert.True(t, ts < types.Timestamp(1700000000000+5000))

	p.readErr = nil
	later := tim.Add(time.Hour)
	require.NoError(t, s.Set(later))
	assert.Equal(t, 1, p.setCalls)
	assert.Equal(t, types.TimestampOf(later), s.Now())
}

func TestSystem(t *testing.T) {
	t.Parallel()

	s := New(log2.NewTest(t, log2.LDebug), System{}, OpRun, nil)
	require.NoError(t, s.Initialize())
	assert.InDelta(t, int64(types.TimestampOf(time.Now())), int64(s.Now()), 1000)
}
