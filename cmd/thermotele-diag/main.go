// thermotele-diag is interactive hardware checkup: RTC run/halt direction,
// sensor read, Wi-Fi scan and status, soft AP join QR code.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/temoto/thermotele/helpers/cli"
	"github.com/temoto/thermotele/internal/agent"
	"github.com/temoto/thermotele/internal/clock"
	"github.com/temoto/thermotele/internal/config"
	"github.com/temoto/thermotele/internal/types"
	"github.com/temoto/thermotele/internal/wifi"
	"github.com/temoto/thermotele/log2"
)

const usage = `commands:
- rtc             show halt flag and time
- rtc run|halt    invoke named operation, show resulting halt flag
- rtc probe       find operation which actually starts the clock
- rtc ticking     observe seconds advance
- rtc set         write host time into RTC
- sensor          read DHT22 once
- wifi scan       list visible networks
- wifi status     client and access point state
- wifi up         run full link bring-up
- ap qr           soft AP join QR code
`

var log = log2.NewStderr(log2.LDebug)

type sensor interface {
	ReadOnce(timeout time.Duration) (types.SensorReading, error)
}

type diag struct {
	w      io.Writer
	cfg    *config.Config
	rtc    clock.Peripheral // bypasses clock.Source for run/halt experiments
	clock  *clock.Source
	sensor sensor
	radio  wifi.Radio
	link   *wifi.Manager
}

func main() {
	flagConfig := flag.String("config", "thermotele.hcl", "")
	flag.Parse()
	log.SetFlags(log2.LInteractiveFlags)

	cfg, err := config.Read(log, config.NewOsFullReader(), os.Getenv, *flagConfig)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	d := &diag{w: os.Stdout, cfg: cfg}

	src, closeClock, err := agent.OpenClock(log, cfg)
	if err != nil {
		log.Errorf("rtc unavailable: %v", err)
	} else {
		d.clock = src
		d.rtc = src.Peripheral()
		defer closeClock() //nolint:errcheck
	}
	if s, err := agent.OpenSensor(log, cfg); err != nil {
		log.Errorf("sensor unavailable: %v", err)
	} else {
		d.sensor = s
		defer s.Close()
	}
	d.radio = &wifi.NmcliRadio{Log: log, Interface: cfg.Wifi.Interface, APInterface: cfg.Wifi.APInterface}
	d.link = agent.NewLinkManager(log, cfg)

	fmt.Fprint(d.w, usage)
	cli.MainLoop(log, "thermotele-diag", d.exec, d.complete, closeAll(closeClock))
}

func closeAll(fs ...func() error) func() {
	return func() {
		for _, f := range fs {
			_ = f()
		}
	}
}

func (d *diag) exec(line string) {
	if err := d.run(context.Background(), strings.Fields(line)); err != nil {
		fmt.Fprintf(d.w, "error: %v\n", err)
	}
}

func (d *diag) complete(doc prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "rtc", Description: "halt flag and time"},
		{Text: "rtc run"}, {Text: "rtc halt"}, {Text: "rtc probe"}, {Text: "rtc ticking"}, {Text: "rtc set"},
		{Text: "sensor", Description: "read DHT22 once"},
		{Text: "wifi scan"}, {Text: "wifi status"}, {Text: "wifi up"},
		{Text: "ap qr", Description: "soft AP join QR code"},
	}
	return prompt.FilterHasPrefix(suggests, doc.TextBeforeCursor(), true)
}

func (d *diag) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	sub := ""
	if len(args) > 1 {
		sub = args[1]
	}
	switch args[0] {
	case "help", "?":
		fmt.Fprint(d.w, usage)
		return nil
	case "rtc":
		return d.rtcCommand(sub)
	case "sensor":
		if d.sensor == nil {
			return errors.NotFoundf("sensor")
		}
		r, err := d.sensor.ReadOnce(d.cfg.SensorTimeout())
		if err != nil {
			return err
		}
		fmt.Fprintf(d.w, "%s\n", r.String())
		return nil
	case "wifi":
		return d.wifiCommand(ctx, sub)
	case "ap":
		if sub != "qr" {
			break
		}
		s, err := qrText(apJoinString(d.cfg.Wifi.APSSID, d.cfg.Wifi.APPassword))
		if err != nil {
			return err
		}
		fmt.Fprint(d.w, s)
		return nil
	}
	return errors.NotSupportedf("command '%s'", strings.Join(args, " "))
}

func (d *diag) rtcCommand(sub string) error {
	if d.rtc == nil || d.clock == nil {
		return errors.NotFoundf("rtc")
	}
	switch sub {
	case "":
	case clock.OpRun:
		if err := d.rtc.Run(); err != nil {
			return err
		}
	case clock.OpHalt:
		if err := d.rtc.Halt(); err != nil {
			return err
		}
	case "probe":
		if err := d.clock.Initialize(); err != nil {
			return err
		}
		fmt.Fprintf(d.w, "verified start op=%s configured=%s\n", d.clock.VerifiedOp(), d.cfg.Rtc.StartOp)
	case "ticking":
		ok, err := d.clock.Ticking(1500 * time.Millisecond)
		if err != nil {
			return err
		}
		fmt.Fprintf(d.w, "ticking=%t\n", ok)
		return nil
	case "set":
		if err := d.clock.Set(time.Now().UTC()); err != nil {
			return err
		}
	default:
		return errors.NotSupportedf("rtc %s", sub)
	}
	halted, err := d.rtc.Halted()
	if err != nil {
		return err
	}
	t, err := d.rtc.DateTime()
	if err != nil {
		return err
	}
	fmt.Fprintf(d.w, "halted=%t time=%s\n", halted, t.Format(time.RFC3339))
	return nil
}

func (d *diag) wifiCommand(ctx context.Context, sub string) error {
	switch sub {
	case "scan":
		aps, err := d.radio.Scan(ctx)
		if err != nil {
			return err
		}
		for _, ap := range aps {
			fmt.Fprintf(d.w, "%3d %s\n", ap.Channel, ap.SSID)
		}
		if ch, ok := wifi.SelectChannel(aps, d.cfg.Wifi.SSID); ok {
			fmt.Fprintf(d.w, "target ssid=%s channel=%d\n", d.cfg.Wifi.SSID, ch)
		} else {
			fmt.Fprintf(d.w, "target ssid=%s not seen\n", d.cfg.Wifi.SSID)
		}
		return nil
	case "status", "":
		st, err := d.radio.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(d.w, "%s up=%t\n", st.String(), st.Up())
		return nil
	case "up":
		h, err := d.link.EstablishLink(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(d.w, "connected %s channel=%d ap=%s/%d\n", h.Status.String(), h.Channel, h.AP.SSID, h.AP.Channel)
		return nil
	}
	return errors.NotSupportedf("wifi %s", sub)
}

// apJoinString is the Wi-Fi network QR payload understood by phone cameras.
func apJoinString(ssid, password string) string {
	esc := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)
	if password == "" {
		return fmt.Sprintf("WIFI:T:nopass;S:%s;;", esc.Replace(ssid))
	}
	return fmt.Sprintf("WIFI:T:WPA;S:%s;P:%s;;", esc.Replace(ssid), esc.Replace(password))
}

func qrText(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", errors.Annotate(err, "QR")
	}
	b := strings.Builder{}
	for _, row := range qr.Bitmap() {
		for _, black := range row {
			if black {
				b.WriteString("██")
			} else {
				b.WriteString("  ")
			}
		}
		b.WriteRune('\n')
	}
	return b.String(), nil
}
