package clock

import "time"

// System peripheral uses OS clock, for hosts without RTC.
// Run/Halt are no-ops, it is never halted.
type System struct{}

func (System) Halt() error                   { return nil }
func (System) Run() error                    { return nil }
func (System) Halted() (bool, error)         { return false, nil }
func (System) DateTime() (time.Time, error)  { return time.Now().UTC(), nil }
func (System) SetDateTime(t time.Time) error { return nil }
