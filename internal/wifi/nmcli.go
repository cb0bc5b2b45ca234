package wifi

import (
	"bytes"
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/log2"
)

const (
	clientConnName = "thermotele-client"
	apConnName     = "thermotele-ap"
)

// RunFunc executes external command and returns its stdout.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, errors.Annotatef(err, "%s %s stderr=%s", name, strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// NmcliRadio drives NetworkManager. Access point runs on a virtual
// interface of the same phy, created with iw when missing.
type NmcliRadio struct {
	Log         *log2.Log
	Interface   string
	APInterface string
	Run         RunFunc
	// SysClassNet is checked for APInterface existence, default /sys/class/net
	SysClassNet string
}

var _ Radio = &NmcliRadio{}

func (r *NmcliRadio) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.Log.Debugf("wifi exec %s %s", name, redactArgs(args))
	run := r.Run
	if run == nil {
		run = ExecRun
	}
	return run(ctx, name, args...)
}

func (r *NmcliRadio) Scan(ctx context.Context) ([]AccessPointInfo, error) {
	out, err := r.run(ctx, "nmcli", "-t", "-f", "SSID,CHAN", "device", "wifi", "list", "ifname", r.Interface, "--rescan", "yes")
	if err != nil {
		return nil, err
	}
	return ParseScan(out), nil
}

func (r *NmcliRadio) Configure(ctx context.Context, mc MixedConfig) error {
	if err := r.ensureAPInterface(ctx); err != nil {
		return err
	}
	// stale profiles from previous run, absence is fine
	_, _ = r.run(ctx, "nmcli", "connection", "delete", clientConnName)
	_, _ = r.run(ctx, "nmcli", "connection", "delete", apConnName)

	client := []string{"connection", "add", "type", "wifi", "ifname", r.Interface,
		"con-name", clientConnName, "autoconnect", "yes", "ssid", mc.Client.SSID}
	if mc.Client.Channel != 0 {
		client = append(client, "802-11-wireless.channel", strconv.Itoa(mc.Client.Channel), "802-11-wireless.band", band(mc.Client.Channel))
	}
	if mc.Client.Password != "" {
		client = append(client, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", mc.Client.Password)
	}
	ap := []string{"connection", "add", "type", "wifi", "ifname", r.APInterface,
		"con-name", apConnName, "autoconnect", "yes", "ssid", mc.AP.SSID,
		"802-11-wireless.mode", "ap", "802-11-wireless.band", band(mc.AP.Channel),
		"802-11-wireless.channel", strconv.Itoa(mc.AP.Channel), "ipv4.method", "shared"}
	if mc.AP.Password != "" {
		ap = append(ap, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", mc.AP.Password)
	}
	for _, args := range [][]string{
		client, ap,
		{"--wait", "0", "connection", "up", clientConnName},
		{"--wait", "0", "connection", "up", apConnName},
	} {
		if _, err := r.run(ctx, "nmcli", args...); err != nil {
			return err
		}
	}
	return nil
}

func (r *NmcliRadio) Status(ctx context.Context) (LinkStatus, error) {
	var s LinkStatus
	out, err := r.run(ctx, "nmcli", "-t", "-f", "GENERAL.STATE,GENERAL.REASON,IP4.ADDRESS,IP4.GATEWAY", "device", "show", r.Interface)
	if err != nil {
		return s, err
	}
	dc := parseDeviceShow(out)
	s.Client, s.Reason = clientState(dc.state, dc.reason)
	if s.Client == ClientConnected {
		s.IP, s.Gateway = dc.ip, dc.gateway
	}

	out, err = r.run(ctx, "nmcli", "-t", "-f", "GENERAL.STATE", "device", "show", r.APInterface)
	if err != nil {
		return s, err
	}
	s.AP = apState(parseDeviceShow(out).state)
	return s, nil
}

func (r *NmcliRadio) ensureAPInterface(ctx context.Context) error {
	root := r.SysClassNet
	if root == "" {
		root = "/sys/class/net"
	}
	if _, err := os.Stat(filepath.Join(root, r.APInterface)); err == nil {
		return nil
	}
	_, err := r.run(ctx, "iw", "dev", r.Interface, "interface", "add", r.APInterface, "type", "__ap")
	return errors.Annotatef(err, "create ap interface=%s", r.APInterface)
}

// ParseScan reads `nmcli -t -f SSID,CHAN` output. Terse mode escapes ':' in values as '\:'.
func ParseScan(b []byte) []AccessPointInfo {
	var aps []AccessPointInfo
	for _, line := range strings.Split(string(b), "\n") {
		fields := splitTerse(line)
		if len(fields) != 2 || fields[0] == "" {
			continue
		}
		ch, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		aps = append(aps, AccessPointInfo{SSID: fields[0], Channel: ch})
	}
	return aps
}

func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	escape := false
	for _, c := range line {
		switch {
		case escape:
			cur.WriteRune(c)
			escape = false
		case c == '\\':
			escape = true
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	return append(fields, cur.String())
}

type deviceShow struct {
	state   int
	reason  string
	ip      net.IP
	gateway net.IP
}

// parseDeviceShow reads `nmcli -t device show` lines like
// GENERAL.STATE:100 (connected), IP4.ADDRESS[1]:192.168.1.23/24
func parseDeviceShow(b []byte) deviceShow {
	var d deviceShow
	for _, line := range strings.Split(string(b), "\n") {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key, value := line[:i], strings.TrimSpace(line[i+1:])
		switch {
		case key == "GENERAL.STATE":
			num := value
			if j := strings.IndexByte(value, ' '); j > 0 {
				num = value[:j]
			}
			d.state, _ = strconv.Atoi(num)
		case key == "GENERAL.REASON":
			d.reason = value
		case strings.HasPrefix(key, "IP4.ADDRESS") && d.ip == nil:
			if ip, _, err := net.ParseCIDR(value); err == nil {
				d.ip = ip
			}
		case key == "IP4.GATEWAY":
			d.gateway = net.ParseIP(value)
		}
	}
	return d
}

// NetworkManager device states
const (
	nmDisconnected = 30
	nmActivated    = 100
	nmDeactivating = 110
	nmFailed       = 120
)

func clientState(state int, reason string) (ClientState, string) {
	switch {
	case state == nmActivated:
		return ClientConnected, ""
	case state >= nmDeactivating, state > 0 && state < nmDisconnected:
		return ClientFailed, reason
	}
	return ClientTransitional, ""
}

func apState(state int) APState {
	switch {
	case state == nmActivated:
		return APStarted
	case state >= nmDeactivating, state > 0 && state < nmDisconnected:
		return APFailed
	}
	return APTransitional
}

func band(channel int) string {
	if channel > 14 {
		return "a"
	}
	return "bg"
}

func redactArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if i > 0 && args[i-1] == "wifi-sec.psk" {
			a = "xxx"
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}
