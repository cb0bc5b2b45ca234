// thermotele reads DHT22 sensor, timestamps readings with DS1307 clock
// and publishes them to MQTT broker over Wi-Fi link.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/agent"
	"github.com/temoto/thermotele/internal/config"
	"github.com/temoto/thermotele/internal/tele"
	"github.com/temoto/thermotele/internal/wire"
	"github.com/temoto/thermotele/log2"
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "thermotele.hcl", "")
	flagLog := flag.String("log", "", "level: error|warning|info|debug, overrides config")
	flag.Parse()

	if sdnotify("STATUS=start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg, err := config.Read(log, config.NewOsFullReader(), os.Getenv, *flagConfig)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	level := cfg.LogLevel
	if *flagLog != "" {
		level = *flagLog
	}
	if l, err := log2.ParseLevel(level); err != nil {
		log.Fatal(err)
	} else {
		log.SetLevel(l)
	}
	log.Infof("config %s", cfg.String())

	if err := run(cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	src, closeClock, err := agent.OpenClock(log, cfg)
	if err != nil {
		return err
	}
	defer closeClock() //nolint:errcheck

	sensor, err := agent.OpenSensor(log, cfg)
	if err != nil {
		return err
	}
	defer sensor.Close()

	enc, err := wire.New(cfg.Telemetry.Encoding)
	if err != nil {
		return err
	}

	pub, err := tele.New(log, cfg)
	if err != nil {
		return err
	}
	defer pub.Close()
	router := tele.NewRouter(log, cfg.Telemetry.InboundEvents)
	pub.OnInbound(router.Route)

	opt := agent.Options{
		ClientID:       cfg.Device.ID,
		Clock:          src,
		Sensor:         sensor,
		SensorTimeout:  cfg.SensorTimeout(),
		SensorFailWarn: cfg.Telemetry.SensorFailWarn,
		Publisher:      pub,
		Encoder:        enc,
		Interval:       cfg.Interval(),
		Events:         router.Events(),
		Notify:         notifyTick,
	}
	if !cfg.Wifi.Skip {
		opt.Link = agent.NewLinkManager(log, cfg)
	}
	a, err := agent.New(log, opt)
	if err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		return err
	}
	sdnotify(daemon.SdNotifyReady)
	log.Infof("startup complete, running interval=%v encoding=%s", cfg.Interval(), enc.Name())

	// no graceful shutdown: runs until killed or fatal error
	return a.Run(ctx)
}

// notifyTick is for per-tick watchdog, systemd socket error must not stop telemetry.
func notifyTick(s string) {
	if _, err := daemon.SdNotify(false, s); err != nil {
		log.Errorf("sdnotify %s err=%v", s, err)
	}
}

// sdnotify is for startup states only.
func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
