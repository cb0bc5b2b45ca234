package wifi

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/thermotele/log2"
)

func TestParseScan(t *testing.T) {
	t.Parallel()

	out := "home-net:6\nweird\\:name:11\n:1\nneighbour:36\ngarbage\n"
	assert.Equal(t, []AccessPointInfo{
		{"home-net", 6},
		{"weird:name", 11},
		{"neighbour", 36},
	}, ParseScan([]byte(out)))
}

func TestNmcliStatus(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		client string
		ap     string
		expect LinkStatus
	}
	cases := []Case{
		{"up",
			"GENERAL.STATE:100 (connected)\nIP4.ADDRESS[1]:192.168.1.23/24\nIP4.GATEWAY:192.168.1.1\n",
			"GENERAL.STATE:100 (connected)\n",
			LinkStatus{Client: ClientConnected, IP: testIP.To4(), Gateway: testGW, AP: APStarted}},
		{"connecting",
			"GENERAL.STATE:70 (connecting (getting IP configuration))\n",
			"GENERAL.STATE:100 (connected)\n",
			LinkStatus{Client: ClientTransitional, AP: APStarted}},
		{"failed",
			"GENERAL.STATE:120 (failed)\nGENERAL.REASON:7 (Secrets were required, but not provided)\n",
			"GENERAL.STATE:20 (unavailable)\n",
			LinkStatus{Client: ClientFailed, Reason: "7 (Secrets were required, but not provided)", AP: APFailed}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			r := &NmcliRadio{
				Log:         log2.NewTest(t, log2.LDebug),
				Interface:   "wlan0",
				APInterface: "ap0",
				Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
					switch args[len(args)-1] {
					case "wlan0":
						return []byte(c.client), nil
					case "ap0":
						return []byte(c.ap), nil
					}
					return nil, fmt.Errorf("unexpected %v", args)
				},
			}
			s, err := r.Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.expect.Client, s.Client)
			assert.Equal(t, c.expect.AP, s.AP)
			assert.Equal(t, c.expect.Reason, s.Reason)
			assert.True(t, c.expect.IP.Equal(s.IP))
			assert.True(t, c.expect.Gateway.Equal(s.Gateway))
		})
	}
}

func TestNmcliConfigure(t *testing.T) {
	t.Parallel()

	var cmds []string
	r := &NmcliRadio{
		Log:         log2.NewTest(t, log2.LDebug),
		Interface:   "wlan0",
		APInterface: "ap0",
		SysClassNet: t.TempDir(),
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmds = append(cmds, name+" "+strings.Join(args, " "))
			return nil, nil
		},
	}
	err := r.Configure(context.Background(), MixedConfig{
		Client: ClientConfig{SSID: "home-net", Password: "secret", Channel: 6},
		AP:     APConfig{SSID: "thermotele", Channel: 6},
	})
	require.NoError(t, err)
	require.Len(t, cmds, 7)
	assert.Equal(t, "iw dev wlan0 interface add ap0 type __ap", cmds[0])
	assert.Contains(t, cmds[3], "ssid home-net 802-11-wireless.channel 6 802-11-wireless.band bg wifi-sec.key-mgmt wpa-psk wifi-sec.psk secret")
	assert.Contains(t, cmds[4], "ifname ap0 con-name thermotele-ap")
	assert.Contains(t, cmds[4], "802-11-wireless.mode ap 802-11-wireless.band bg 802-11-wireless.channel 6 ipv4.method shared")
	assert.NotContains(t, cmds[4], "wifi-sec")
	assert.Equal(t, "nmcli --wait 0 connection up thermotele-client", cmds[5])
	assert.Equal(t, "nmcli --wait 0 connection up thermotele-ap", cmds[6])
}
