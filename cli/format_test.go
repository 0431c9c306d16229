package cli

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnd/ipc"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

func TestFormatState(t *testing.T) {
	endpoint := &relay.Endpoint{
		Address:   netip.MustParseAddrPort("185.213.154.68:51820"),
		Protocol:  relay.WireGuard,
		Transport: relay.UDP,
	}
	location := &relay.Location{Country: "Sweden", City: "Gothenburg"}

	tests := []struct {
		name  string
		state vpn.TunnelState
		want  string
	}{
		{"disconnected", vpn.Disconnected(), "Disconnected"},
		{"connecting without relay", vpn.TunnelState{Kind: vpn.StateConnecting}, "Connecting..."},
		{
			name:  "connecting retry",
			state: vpn.TunnelState{Kind: vpn.StateConnecting, Relay: "se-got-wg-001", Endpoint: endpoint, Location: location, Attempt: 1},
			want:  "Connecting: se-got-wg-001 in Gothenburg, Sweden (wireguard 185.213.154.68:51820/udp) (attempt 2)",
		},
		{
			name:  "connected",
			state: vpn.TunnelState{Kind: vpn.StateConnected, Relay: "se-got-wg-001", Endpoint: endpoint, Location: location},
			want:  "Connected: se-got-wg-001 in Gothenburg, Sweden (wireguard 185.213.154.68:51820/udp)",
		},
		{"reconnecting", vpn.Disconnecting(vpn.AfterDisconnect{Kind: vpn.AfterReconnect}), "Reconnecting..."},
		{"disconnecting", vpn.Disconnecting(vpn.AfterDisconnect{}), "Disconnecting..."},
		{
			name:  "disconnecting then block",
			state: vpn.Disconnecting(vpn.AfterDisconnect{Kind: vpn.AfterBlock, Reason: vpn.BlockAuthFailed}),
			want:  "Disconnecting, then blocking: " + vpn.BlockAuthFailed.Description(),
		},
		{"blocked", vpn.Blocked(vpn.BlockNoMatchingRelay), "Blocked: " + vpn.BlockNoMatchingRelay.Description()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatState(tt.state))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{2*time.Minute + 5*time.Second, "2m 5s"},
		{3*time.Hour + 4*time.Minute + 5*time.Second, "3h 4m 5s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d), tt.d.String())
	}
}

func TestQueryFlags_Apply(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		start   relay.Query
		want    relay.Query
		wantErr string
	}{
		{
			name: "no flags keeps query",
			start: relay.Query{
				Protocol: relay.OpenVPN,
				Port:     443,
			},
			want: relay.Query{
				Protocol: relay.OpenVPN,
				Port:     443,
			},
		},
		{
			name: "location and protocol",
			args: []string{"--location", "se/got", "--protocol", "WireGuard"},
			want: relay.Query{
				Location: relay.LocationConstraint{GeoConstraint: relay.GeoConstraint{Country: "se", City: "got"}},
				Protocol: relay.WireGuard,
			},
		},
		{
			name:  "location any clears",
			args:  []string{"--location", "any"},
			start: relay.Query{Location: relay.LocationConstraint{GeoConstraint: relay.GeoConstraint{Country: "se"}}},
			want:  relay.Query{},
		},
		{
			name: "custom list",
			args: []string{"--list", "nordics"},
			want: relay.Query{Location: relay.LocationConstraint{ListName: "nordics"}},
		},
		{
			name:  "port reset to any",
			args:  []string{"--port", "0"},
			start: relay.Query{Port: 53},
			want:  relay.Query{},
		},
		{
			name: "multihop",
			args: []string{"--multihop", "--entry-location", "de", "--distinct-entry-location"},
			want: relay.Query{
				Multihop:              true,
				EntryLocation:         relay.LocationConstraint{GeoConstraint: relay.GeoConstraint{Country: "de"}},
				DistinctEntryLocation: true,
			},
		},
		{
			name: "openvpn bridge",
			args: []string{"--protocol", "openvpn", "--transport", "tcp", "--bridge", "on", "--providers", "31173,M247"},
			want: relay.Query{
				Protocol:  relay.OpenVPN,
				Transport: relay.TCP,
				Bridge:    relay.BridgeOn,
				Providers: []string{"31173", "M247"},
			},
		},
		{
			name:    "bad protocol",
			args:    []string{"--protocol", "ipsec"},
			wantErr: "ipsec",
		},
		{
			name:    "bad location",
			args:    []string{"--location", "a/b/c/d"},
			wantErr: "--location",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var flags queryFlags
			fs := pflag.NewFlagSet("set", pflag.ContinueOnError)
			flags.register(fs)
			require.NoError(t, fs.Parse(tt.args))

			q := tt.start
			err := flags.apply(fs, &q)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, q)
		})
	}
}

func TestFormatQuery(t *testing.T) {
	assert.Equal(t, "any relay", formatQuery(relay.Query{}))
	assert.Equal(t, "location=se/got protocol=wireguard port=51820 multihop entry=de",
		formatQuery(relay.Query{
			Location:      relay.LocationConstraint{GeoConstraint: relay.GeoConstraint{Country: "se", City: "got"}},
			Protocol:      relay.WireGuard,
			Port:          51820,
			Multihop:      true,
			EntryLocation: relay.LocationConstraint{GeoConstraint: relay.GeoConstraint{Country: "de"}},
		}))
	assert.Equal(t, "location=list:nordics obfuscation=udp2tcp",
		formatQuery(relay.Query{
			Location:    relay.LocationConstraint{ListName: "nordics"},
			Obfuscation: relay.ObfuscationUdp2Tcp,
		}))
}

func TestPrintRelays(t *testing.T) {
	list := ipc.RelayList{Relays: []ipc.RelayInfo{
		{Hostname: "de-fra-wg-001", Kind: relay.KindWireGuard, Country: "de", Location: "Frankfurt, Germany", Provider: "M247", Active: true},
		{Hostname: "se-got-ovpn-001", Kind: relay.KindOpenVPN, Country: "se", Location: "Gothenburg, Sweden", Provider: "31173", Owned: true, Active: true},
		{Hostname: "se-got-wg-002", Kind: relay.KindWireGuard, Country: "se", Location: "Gothenburg, Sweden", Provider: "31173", Owned: true},
	}}

	tests := []struct {
		name    string
		filter  relayFilter
		shown   []string
		hidden  []string
		summary string
	}{
		{
			name:    "active only",
			shown:   []string{"de-fra-wg-001", "se-got-ovpn-001"},
			hidden:  []string{"se-got-wg-002"},
			summary: "2 of 3 relays",
		},
		{
			name:    "all in country",
			filter:  relayFilter{country: "SE", all: true},
			shown:   []string{"se-got-ovpn-001", "se-got-wg-002 (inactive)"},
			hidden:  []string{"de-fra-wg-001"},
			summary: "2 of 3 relays",
		},
		{
			name:    "kind",
			filter:  relayFilter{kind: "wireguard"},
			shown:   []string{"de-fra-wg-001"},
			hidden:  []string{"se-got-ovpn-001"},
			summary: "1 of 3 relays",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printRelays(&buf, list, tt.filter)
			out := buf.String()
			for _, h := range tt.shown {
				assert.Contains(t, out, h)
			}
			for _, h := range tt.hidden {
				assert.NotContains(t, out, h)
			}
			lines := strings.Split(strings.TrimSpace(out), "\n")
			assert.Equal(t, tt.summary, lines[len(lines)-1])
		})
	}
}
