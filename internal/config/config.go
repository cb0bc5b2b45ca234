// Package config reads agent configuration from HCL files.
// Credentials are not compiled in; they come from config file or environment at startup.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/thermotele/helpers"
	"github.com/temoto/thermotele/log2"
)

const (
	EnvWifiPassword   = "THERMOTELE_WIFI_PASSWORD"
	EnvAPPassword     = "THERMOTELE_AP_PASSWORD"
	EnvBrokerPassword = "THERMOTELE_BROKER_PASSWORD"
)

const (
	DefaultAPSSID            = "thermotele"
	DefaultAPChannel         = 1
	DefaultInterval          = 2 * time.Second // DHT22 minimum sampling period
	DefaultStatusTimeout     = 20 * time.Second
	DefaultStatusPoll        = 250 * time.Millisecond
	DefaultCommandTimeout    = 10 * time.Second
	DefaultKeepalive         = 60 * time.Second
	DefaultNetworkTimeout    = 30 * time.Second
	DefaultPublishAttempts   = 3
	DefaultPublishRetryDelay = 500 * time.Millisecond
	DefaultInboundBuffer     = 1024
	DefaultRtcAddr           = 0x68
	DefaultSensorTimeout     = 100 * time.Millisecond
	DefaultSensorLine        = 4
	DefaultSensorFailWarn    = 5
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Device struct {
		ID string `hcl:"id"`
	} `hcl:"device"`
	LogLevel string `hcl:"log_level"`

	Wifi      WifiConfig      `hcl:"wifi"`
	Rtc       RtcConfig       `hcl:"rtc"`
	Sensor    SensorConfig    `hcl:"sensor"`
	Broker    BrokerConfig    `hcl:"broker"`
	Telemetry TelemetryConfig `hcl:"telemetry"`
}

type WifiConfig struct { //nolint:maligned
	Skip              bool   `hcl:"skip"` // link is managed outside, e.g. wired development host
	Radio             string `hcl:"radio"`
	Interface         string `hcl:"interface"`
	APInterface       string `hcl:"ap_interface"`
	SSID              string `hcl:"ssid"`
	Password          string `hcl:"password"` // secret
	APSSID            string `hcl:"ap_ssid"`
	APPassword        string `hcl:"ap_password"` // secret
	APDefaultChannel  int    `hcl:"ap_default_channel"`
	StatusTimeoutSec  int    `hcl:"status_timeout_sec"`
	StatusPollMs      int    `hcl:"status_poll_ms"`
	CommandTimeoutSec int    `hcl:"command_timeout_sec"`
	Attempts          int    `hcl:"attempts"`
	RetryDelaySec     int    `hcl:"retry_delay_sec"`
	Probe             struct {
		Disable   bool `hcl:"disable"`
		Count     int  `hcl:"count"`
		TimeoutMs int  `hcl:"timeout_ms"`
	} `hcl:"probe"`
}

type RtcConfig struct {
	Driver   string `hcl:"driver"` // ds1307|system
	I2CBus   string `hcl:"i2c_bus"`
	Addr     int    `hcl:"addr"`
	StartOp  string `hcl:"start_op"` // run|halt
	StateDir string `hcl:"state_dir"`
}

type SensorConfig struct {
	Chip         string `hcl:"chip"`
	Line         int    `hcl:"line"`
	TimeoutMs    int    `hcl:"timeout_ms"`
	StartPulseUs int    `hcl:"start_pulse_us"`
	Realtime     bool   `hcl:"realtime"`
	Cpu          int    `hcl:"cpu"`
}

type BrokerConfig struct { //nolint:maligned
	URL               string   `hcl:"url"`
	Client            string   `hcl:"client"` // gomqtt|paho
	ClientID          string   `hcl:"client_id"`
	Username          string   `hcl:"username"`
	Password          string   `hcl:"password"` // secret
	TlsCaFile         string   `hcl:"tls_ca_file"`
	KeepaliveSec      int      `hcl:"keepalive_sec"`
	NetworkTimeoutSec int      `hcl:"network_timeout_sec"`
	PublishAttempts   int      `hcl:"publish_attempts"`
	RetryDelayMs      int      `hcl:"retry_delay_ms"`
	InboundBuffer     int      `hcl:"inbound_buffer"`
	Subscribe         []string `hcl:"subscribe"`
	LogDebug          bool     `hcl:"log_debug"`
}

type TelemetryConfig struct {
	Encoding       string `hcl:"encoding"` // structured|raw|proto
	IntervalSec    int    `hcl:"interval_sec"`
	SensorFailWarn int    `hcl:"sensor_fail_warn"`
	InboundEvents  int    `hcl:"inbound_events"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Read parses config sources in order, later values override earlier.
// Defaults are applied, then environment secrets, then Validate().
func Read(log *log2.Log, fs FullReader, getenv func(string) string, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error config.Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	if getenv != nil {
		c.ApplyEnv(getenv)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Wifi.Radio == "" {
		c.Wifi.Radio = "nmcli"
	}
	if c.Wifi.Interface == "" {
		c.Wifi.Interface = "wlan0"
	}
	if c.Wifi.APInterface == "" {
		c.Wifi.APInterface = "ap0"
	}
	if c.Wifi.APSSID == "" {
		c.Wifi.APSSID = DefaultAPSSID
	}
	if c.Wifi.APDefaultChannel == 0 {
		c.Wifi.APDefaultChannel = DefaultAPChannel
	}
	if c.Wifi.Attempts == 0 {
		c.Wifi.Attempts = 1
	}
	if c.Wifi.Probe.Count == 0 {
		c.Wifi.Probe.Count = 3
	}

	if c.Rtc.Driver == "" {
		c.Rtc.Driver = "ds1307"
	}
	if c.Rtc.Addr == 0 {
		c.Rtc.Addr = DefaultRtcAddr
	}
	if c.Rtc.StartOp == "" {
		c.Rtc.StartOp = "run"
	}

	if c.Sensor.Chip == "" {
		c.Sensor.Chip = "/dev/gpiochip0"
	}
	if c.Sensor.Line == 0 {
		c.Sensor.Line = DefaultSensorLine
	}

	if c.Broker.Client == "" {
		c.Broker.Client = "gomqtt"
	}
	if c.Broker.ClientID == "" && c.Device.ID != "" {
		c.Broker.ClientID = "thermotele-" + c.Device.ID
	}
	if c.Broker.PublishAttempts == 0 {
		c.Broker.PublishAttempts = DefaultPublishAttempts
	}
	if c.Broker.InboundBuffer == 0 {
		c.Broker.InboundBuffer = DefaultInboundBuffer
	}
	if c.Broker.Subscribe == nil && c.Device.ID != "" {
		c.Broker.Subscribe = []string{"command/" + c.Device.ID}
	}

	if c.Telemetry.Encoding == "" {
		c.Telemetry.Encoding = "structured"
	}
	if c.Telemetry.SensorFailWarn == 0 {
		c.Telemetry.SensorFailWarn = DefaultSensorFailWarn
	}
}

// ApplyEnv overrides secrets from environment, non-empty values only.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if s := getenv(EnvWifiPassword); s != "" {
		c.Wifi.Password = s
	}
	if s := getenv(EnvAPPassword); s != "" {
		c.Wifi.APPassword = s
	}
	if s := getenv(EnvBrokerPassword); s != "" {
		c.Broker.Password = s
	}
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	invalid := func(format string, args ...interface{}) {
		errs = append(errs, errors.NotValidf(format, args...))
	}

	if c.Device.ID == "" {
		invalid("device.id empty")
	}
	if !c.Wifi.Skip {
		if c.Wifi.SSID == "" {
			invalid("wifi.ssid empty")
		}
		if c.Wifi.Radio != "nmcli" {
			invalid("wifi.radio=%s", c.Wifi.Radio)
		}
		if ch := c.Wifi.APDefaultChannel; ch < 1 || ch > 14 {
			invalid("wifi.ap_default_channel=%d", ch)
		}
		if c.Wifi.APPassword != "" && len(c.Wifi.APPassword) < 8 {
			invalid("wifi.ap_password shorter than 8")
		}
	}
	switch c.Rtc.Driver {
	case "ds1307", "system":
	default:
		invalid("rtc.driver=%s", c.Rtc.Driver)
	}
	switch c.Rtc.StartOp {
	case "run", "halt":
	default:
		invalid("rtc.start_op=%s", c.Rtc.StartOp)
	}
	if c.Sensor.Line < 0 {
		invalid("sensor.line=%d", c.Sensor.Line)
	}
	if err := validateBrokerURL(c.Broker.URL); err != nil {
		errs = append(errs, err)
	}
	switch c.Broker.Client {
	case "gomqtt", "paho":
	default:
		invalid("broker.client=%s", c.Broker.Client)
	}
	if c.Broker.PublishAttempts < 1 {
		invalid("broker.publish_attempts=%d", c.Broker.PublishAttempts)
	}
	switch c.Telemetry.Encoding {
	case "structured", "raw", "proto":
	default:
		invalid("telemetry.encoding=%s", c.Telemetry.Encoding)
	}
	if c.Telemetry.IntervalSec < 0 {
		invalid("telemetry.interval_sec=%d", c.Telemetry.IntervalSec)
	}
	return helpers.FoldErrors(errs)
}

func validateBrokerURL(s string) error {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return errors.Annotatef(err, "config error broker.url=%s", s)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "tls", "mqtts", "ssl", "ws", "wss":
	default:
		return errors.NotValidf("broker.url scheme=%s", u.Scheme)
	}
	if u.Host == "" {
		return errors.NotValidf("broker.url host empty")
	}
	return nil
}

func (c *Config) Interval() time.Duration {
	return helpers.IntSecondDefault(c.Telemetry.IntervalSec, DefaultInterval)
}

func (c *Config) CommandTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Wifi.CommandTimeoutSec, DefaultCommandTimeout)
}

func (c *Config) StatusTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Wifi.StatusTimeoutSec, DefaultStatusTimeout)
}

func (c *Config) StatusPoll() time.Duration {
	return helpers.IntMillisecondDefault(c.Wifi.StatusPollMs, DefaultStatusPoll)
}

func (c *Config) NetworkTimeout() time.Duration {
	d := helpers.IntSecondDefault(c.Broker.NetworkTimeoutSec, DefaultNetworkTimeout)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.Broker.KeepaliveSec, DefaultKeepalive)
}

func (c *Config) SensorTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.Sensor.TimeoutMs, DefaultSensorTimeout)
}

func (c *Config) String() string {
	// secrets are not printed
	return fmt.Sprintf("device=%s wifi.ssid=%s wifi.skip=%t ap.ssid=%s rtc=%s/%s sensor=%s:%d broker=%s client=%s encoding=%s interval=%v",
		c.Device.ID, c.Wifi.SSID, c.Wifi.Skip, c.Wifi.APSSID, c.Rtc.Driver, c.Rtc.StartOp,
		c.Sensor.Chip, c.Sensor.Line, redactURL(c.Broker.URL), c.Broker.Client, c.Telemetry.Encoding, c.Interval())
}

func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxx")
	}
	return u.String()
}
