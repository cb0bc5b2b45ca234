package rtc

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// register file behind I2C, pointer auto-increments like real chip
type fakeBus struct {
	regs    [64]byte
	ptr     byte
	failErr error
	addrs   []uint16
}

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	b.addrs = append(b.addrs, addr)
	if b.failErr != nil {
		return b.failErr
	}
	if len(w) > 0 {
		b.ptr = w[0]
		for _, x := range w[1:] {
			b.regs[b.ptr%64] = x
			b.ptr++
		}
	}
	for i := range r {
		r[i] = b.regs[b.ptr%64]
		b.ptr++
	}
	return nil
}

func (b *fakeBus) Close() error { return nil }

func TestDateTimeRoundTrip(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{}
	d := New(bus, 0)
	tim := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	require.NoError(t, d.SetDateTime(tim))
	assert.Equal(t, []byte{0x20, 0x13, 0x22, 0x03, 0x14, 0x11, 0x23}, bus.regs[:7])
	got, err := d.DateTime()
	require.NoError(t, err)
	assert.Equal(t, tim, got)
	assert.Equal(t, DefaultAddr, bus.addrs[0])
}

func TestHaltRun(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{}
	bus.regs[regSeconds] = 0x45
	d := New(bus, DefaultAddr)

	require.NoError(t, d.Halt())
	assert.Equal(t, byte(0xc5), bus.regs[regSeconds])
	halted, err := d.Halted()
	require.NoError(t, err)
	assert.True(t, halted)

	// set time while halted keeps CH
	require.NoError(t, d.SetDateTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, byte(0x85), bus.regs[regSeconds])

	require.NoError(t, d.Run())
	assert.Equal(t, byte(0x05), bus.regs[regSeconds])
	halted, err = d.Halted()
	require.NoError(t, err)
	assert.False(t, halted)

	// seconds value ignores CH bit
	require.NoError(t, d.Halt())
	tim, err := d.DateTime()
	require.NoError(t, err)
	assert.Equal(t, 5, tim.Second())
}

func TestDecode12h(t *testing.T) {
	t.Parallel()

	cases := []struct {
		hours  byte
		expect int
	}{
		{0x40 | 0x12, 0},         // 12 AM
		{0x40 | 0x20 | 0x12, 12}, // 12 PM
		{0x40 | 0x20 | 0x07, 19},
		{0x40 | 0x09, 9},
		{0x23, 23},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("%02x", c.hours), func(t *testing.T) {
			buf := [7]byte{0x00, 0x00, c.hours, 0x01, 0x01, 0x01, 0x22}
			tim, err := decodeDateTime(buf)
			require.NoError(t, err)
			assert.Equal(t, c.expect, tim.Hour())
		})
	}
}

func TestInvalid(t *testing.T) {
	t.Parallel()

	_, err := decodeDateTime([7]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x22})
	assert.Error(t, err)
	_, err = encodeDateTime(time.Date(1999, 12, 31, 0, 0, 0, 0, time.UTC), false)
	assert.Error(t, err)

	bus := &fakeBus{failErr: fmt.Errorf("nack")}
	d := New(bus, DefaultAddr)
	_, err = d.Halted()
	assert.Contains(t, err.Error(), "nack")
	assert.Error(t, d.Run())
}
