// Package rtc drives DS1307 battery-backed real-time clock over I2C.
//
// Clock halt (CH) bit 7 of seconds register stops the oscillator.
// Halt and Run are exposed as separate operations and callers are expected
// to verify effect with Halted(), see internal/clock.
package rtc

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/hardware/i2c"
)

const DefaultAddr uint16 = 0x68

const (
	regSeconds = 0x00
	regMinutes = 0x01
	regHours   = 0x02
	regWeekday = 0x03
	regDate    = 0x04
	regMonth   = 0x05
	regYear    = 0x06
	regControl = 0x07

	bitHalt   = 0x80
	bit12h    = 0x40
	bitPM     = 0x20
	yearBase  = 2000
	yearLimit = 2099
)

type DS1307 struct {
	mu   sync.Mutex
	bus  i2c.Bus
	addr uint16
}

func New(bus i2c.Bus, addr uint16) *DS1307 {
	if addr == 0 {
		addr = DefaultAddr
	}
	return &DS1307{bus: bus, addr: addr}
}

func (d *DS1307) Close() error { return d.bus.Close() }

// Halt sets CH bit, oscillator stops.
func (d *DS1307) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Annotate(d.updateSeconds(func(b byte) byte { return b | bitHalt }), "ds1307 halt")
}

// Run clears CH bit, oscillator starts.
func (d *DS1307) Run() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Annotate(d.updateSeconds(func(b byte) byte { return b &^ bitHalt }), "ds1307 run")
}

func (d *DS1307) Halted() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.readReg(regSeconds)
	if err != nil {
		return false, errors.Annotate(err, "ds1307 read CH")
	}
	return b&bitHalt != 0, nil
}

func (d *DS1307) DateTime() (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf [7]byte
	if err := d.bus.Tx(d.addr, []byte{regSeconds}, buf[:]); err != nil {
		return time.Time{}, errors.Annotate(err, "ds1307 read datetime")
	}
	return decodeDateTime(buf)
}

// SetDateTime writes t in UTC, preserving current CH bit.
func (d *DS1307) SetDateTime(t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sec, err := d.readReg(regSeconds)
	if err != nil {
		return errors.Annotate(err, "ds1307 set datetime")
	}
	regs, err := encodeDateTime(t, sec&bitHalt != 0)
	if err != nil {
		return err
	}
	w := append([]byte{regSeconds}, regs[:]...)
	return errors.Annotate(d.bus.Tx(d.addr, w, nil), "ds1307 write datetime")
}

func (d *DS1307) updateSeconds(f func(byte) byte) error {
	b, err := d.readReg(regSeconds)
	if err != nil {
		return err
	}
	return d.bus.Tx(d.addr, []byte{regSeconds, f(b)}, nil)
}

func (d *DS1307) readReg(reg byte) (byte, error) {
	var r [1]byte
	err := d.bus.Tx(d.addr, []byte{reg}, r[:])
	return r[0], err
}

func decodeDateTime(buf [7]byte) (time.Time, error) {
	sec := bcdDecode(buf[regSeconds] &^ bitHalt)
	min := bcdDecode(buf[regMinutes])
	var hour int
	if h := buf[regHours]; h&bit12h != 0 {
		hour = bcdDecode(h & 0x1f)
		if hour == 12 {
			hour = 0
		}
		if h&bitPM != 0 {
			hour += 12
		}
	} else {
		hour = bcdDecode(h & 0x3f)
	}
	date := bcdDecode(buf[regDate])
	month := bcdDecode(buf[regMonth])
	year := yearBase + bcdDecode(buf[regYear])
	if sec > 59 || min > 59 || hour > 23 || date < 1 || date > 31 || month < 1 || month > 12 {
		return time.Time{}, errors.NotValidf("ds1307 registers=%x", buf[:])
	}
	return time.Date(year, time.Month(month), date, hour, min, sec, 0, time.UTC), nil
}

func encodeDateTime(t time.Time, halted bool) ([7]byte, error) {
	var regs [7]byte
	t = t.UTC()
	if t.Year() < yearBase || t.Year() > yearLimit {
		return regs, errors.NotValidf("ds1307 year=%d", t.Year())
	}
	regs[regSeconds] = bcdEncode(t.Second())
	if halted {
		regs[regSeconds] |= bitHalt
	}
	regs[regMinutes] = bcdEncode(t.Minute())
	regs[regHours] = bcdEncode(t.Hour()) // 24h mode
	regs[regWeekday] = byte(t.Weekday()) + 1
	regs[regDate] = bcdEncode(t.Day())
	regs[regMonth] = bcdEncode(int(t.Month()))
	regs[regYear] = bcdEncode(t.Year() - yearBase)
	return regs, nil
}

func bcdDecode(b byte) int { return int(b>>4)*10 + int(b&0x0f) }
func bcdEncode(x int) byte { return byte(x/10)<<4 | byte(x%10) }
