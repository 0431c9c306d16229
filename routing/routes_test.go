package routing

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnd/vpn"
)

type fakeIP struct {
	calls    []string
	defaults map[string]string
	fail     func(cmd string) (string, error)
}

func (f *fakeIP) run(ctx context.Context, args ...string) (string, error) {
	cmd := strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	if out, ok := f.defaults[cmd]; ok {
		return out, nil
	}
	if f.fail != nil {
		return f.fail(cmd)
	}
	return "", nil
}

func (f *fakeIP) changes() []string {
	var out []string
	for _, c := range f.calls {
		if strings.Contains(c, "route show") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func newFakeIP() *fakeIP {
	return &fakeIP{defaults: map[string]string{
		"route show default":    "default via 192.168.1.1 dev eth0 proto dhcp src 192.168.1.20 metric 100\n",
		"-6 route show default": "default via fe80::1 dev eth0 proto ra metric 100 pref medium\n",
	}}
}

func TestParseDefaultRoute(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want gateway
	}{
		{
			name: "dhcp",
			out:  "default via 192.168.1.1 dev eth0 proto dhcp metric 100\n",
			want: gateway{via: netip.MustParseAddr("192.168.1.1"), dev: "eth0"},
		},
		{
			name: "skips tunnel",
			out:  "default dev vpnd0 scope link\ndefault via 10.0.0.1 dev wlan0 metric 600\n",
			want: gateway{via: netip.MustParseAddr("10.0.0.1"), dev: "wlan0"},
		},
		{
			name: "point to point",
			out:  "default dev ppp0 scope link\n",
			want: gateway{dev: "ppp0"},
		},
		{
			name: "none",
			out:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseDefaultRoute(tt.out, "vpnd0"))
		})
	}
}

func TestManager_AddAndClear(t *testing.T) {
	ip := newFakeIP()
	m := &Manager{run: ip.run, ipv6: func() bool { return true }}
	ctx := context.Background()

	err := m.AddRoutes(ctx, vpn.Routes{
		Interface: "vpnd0",
		Peer:      netip.MustParseAddr("185.213.154.1"),
		Excluded: []netip.Prefix{
			netip.MustParsePrefix("192.168.50.7/24"),
			netip.MustParsePrefix("2001:db8::/32"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"route replace 185.213.154.1/32 via 192.168.1.1 dev eth0",
		"route replace 0.0.0.0/1 dev vpnd0",
		"route replace 128.0.0.0/1 dev vpnd0",
		"-6 route replace ::/1 dev vpnd0",
		"-6 route replace 8000::/1 dev vpnd0",
		"route replace 192.168.50.0/24 via 192.168.1.1 dev eth0",
		"-6 route replace 2001:db8::/32 via fe80::1 dev eth0",
	}, ip.changes())

	ip.calls = nil
	require.NoError(t, m.ClearRoutes(ctx))
	assert.Equal(t, []string{
		"-6 route del 2001:db8::/32 via fe80::1 dev eth0",
		"route del 192.168.50.0/24 via 192.168.1.1 dev eth0",
		"-6 route del 8000::/1 dev vpnd0",
		"-6 route del ::/1 dev vpnd0",
		"route del 128.0.0.0/1 dev vpnd0",
		"route del 0.0.0.0/1 dev vpnd0",
		"route del 185.213.154.1/32 via 192.168.1.1 dev eth0",
	}, ip.calls)

	// A second clear has nothing to do.
	ip.calls = nil
	require.NoError(t, m.ClearRoutes(ctx))
	assert.Empty(t, ip.calls)
}

func TestManager_WithoutIPv6(t *testing.T) {
	ip := newFakeIP()
	m := &Manager{run: ip.run, ipv6: func() bool { return false }}

	require.NoError(t, m.AddRoutes(context.Background(), vpn.Routes{Interface: "vpnd0"}))
	assert.Equal(t, []string{
		"route replace 0.0.0.0/1 dev vpnd0",
		"route replace 128.0.0.0/1 dev vpnd0",
	}, ip.changes())
}

func TestManager_AddFailureRollsBack(t *testing.T) {
	ip := newFakeIP()
	ip.fail = func(cmd string) (string, error) {
		if cmd == "route replace 128.0.0.0/1 dev vpnd0" {
			return "RTNETLINK answers: Network is unreachable", errors.New("exit status 2")
		}
		return "", nil
	}
	m := &Manager{run: ip.run, ipv6: func() bool { return false }}

	err := m.AddRoutes(context.Background(), vpn.Routes{Interface: "vpnd0"})
	require.Error(t, err)
	assert.Contains(t, ip.changes(), "route del 0.0.0.0/1 dev vpnd0")
}

func TestManager_ClearIgnoresVanishedRoutes(t *testing.T) {
	ip := newFakeIP()
	m := &Manager{run: ip.run, ipv6: func() bool { return false }}
	require.NoError(t, m.AddRoutes(context.Background(), vpn.Routes{Interface: "vpnd0"}))

	ip.fail = func(cmd string) (string, error) {
		return "Cannot find device \"vpnd0\"", errors.New("exit status 1")
	}
	assert.NoError(t, m.ClearRoutes(context.Background()))
}
