package agent

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/hardware/dht"
	"github.com/temoto/thermotele/hardware/i2c"
	"github.com/temoto/thermotele/hardware/rtc"
	"github.com/temoto/thermotele/internal/clock"
	"github.com/temoto/thermotele/internal/config"
	"github.com/temoto/thermotele/internal/wifi"
	"github.com/temoto/thermotele/log2"
)

// OpenClock returns time source for rtc.driver, not yet initialized.
// close is never nil.
func OpenClock(log *log2.Log, cfg *config.Config) (src *clock.Source, close func() error, err error) {
	var store clock.Store
	if cfg.Rtc.StateDir != "" {
		store = clock.NewFileStore(cfg.Rtc.StateDir)
	}
	noop := func() error { return nil }
	switch cfg.Rtc.Driver {
	case "system":
		return clock.New(log, clock.System{}, cfg.Rtc.StartOp, nil), noop, nil
	case "ds1307":
		bus, err := i2c.Open(cfg.Rtc.I2CBus)
		if err != nil {
			return nil, noop, errors.Annotate(err, "rtc")
		}
		dev := rtc.New(bus, uint16(cfg.Rtc.Addr))
		return clock.New(log, dev, cfg.Rtc.StartOp, store), dev.Close, nil
	}
	return nil, noop, errors.NotValidf("rtc.driver=%s", cfg.Rtc.Driver)
}

func OpenSensor(log *log2.Log, cfg *config.Config) (*dht.Sensor, error) {
	return dht.Open(log, dht.Config{
		Chip:       cfg.Sensor.Chip,
		Line:       uint32(cfg.Sensor.Line),
		StartPulse: time.Duration(cfg.Sensor.StartPulseUs) * time.Microsecond,
		Realtime:   cfg.Sensor.Realtime,
		Cpu:        cfg.Sensor.Cpu,
	})
}

func NewLinkManager(log *log2.Log, cfg *config.Config) *wifi.Manager {
	w := &cfg.Wifi
	radio := &wifi.NmcliRadio{Log: log, Interface: w.Interface, APInterface: w.APInterface}
	prober := wifi.ICMPProber{
		Log:     log,
		Count:   w.Probe.Count,
		Timeout: time.Duration(w.Probe.TimeoutMs) * time.Millisecond,
	}
	return wifi.NewManager(log, radio, prober, wifi.Config{
		SSID:             w.SSID,
		Password:         w.Password,
		APSSID:           w.APSSID,
		APPassword:       w.APPassword,
		APDefaultChannel: w.APDefaultChannel,
		StatusTimeout:    cfg.StatusTimeout(),
		CommandTimeout:   cfg.CommandTimeout(),
		StatusPoll:       cfg.StatusPoll(),
		Attempts:         w.Attempts,
		RetryDelay:       time.Duration(w.RetryDelaySec) * time.Second,
		ProbeDisable:     w.Probe.Disable,
	})
}
