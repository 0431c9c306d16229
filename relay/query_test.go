package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRelaxationStep_Apply(t *testing.T) {
	tests := []struct {
		name   string
		query  Query
		step   RelaxationStep
		wantOK bool
		check  func(t *testing.T, q Query)
	}{
		{
			name:   "empty step keeps query",
			query:  Query{Protocol: OpenVPN},
			step:   RelaxationStep{},
			wantOK: true,
			check:  func(t *testing.T, q Query) { assert.Equal(t, OpenVPN, q.Protocol) },
		},
		{
			name:   "fills open fields",
			query:  Query{},
			step:   RelaxationStep{Protocol: WireGuard, Port: 443},
			wantOK: true,
			check: func(t *testing.T, q Query) {
				assert.Equal(t, WireGuard, q.Protocol)
				assert.Equal(t, uint16(443), q.Port)
			},
		},
		{
			name:   "conflicting protocol",
			query:  Query{Protocol: OpenVPN},
			step:   RelaxationStep{Protocol: WireGuard},
			wantOK: false,
		},
		{
			name:   "conflicting ip version",
			query:  Query{IPVersion: IPv4},
			step:   RelaxationStep{Protocol: WireGuard, IPVersion: IPv6},
			wantOK: false,
		},
		{
			name:   "obfuscation turned off",
			query:  Query{Obfuscation: ObfuscationOff},
			step:   RelaxationStep{Protocol: WireGuard, Obfuscation: ObfuscationUdp2Tcp},
			wantOK: false,
		},
		{
			name:   "openvpn step with multihop",
			query:  Query{Multihop: true},
			step:   RelaxationStep{Protocol: OpenVPN, Transport: TCP, Port: 443},
			wantOK: false,
		},
		{
			name:   "same value agrees",
			query:  Query{Protocol: WireGuard},
			step:   RelaxationStep{Protocol: WireGuard, IPVersion: IPv6},
			wantOK: true,
			check:  func(t *testing.T, q Query) { assert.Equal(t, IPv6, q.IPVersion) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.step.Apply(tt.query)
			assert.Equal(t, tt.wantOK, ok)
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestParseGeoConstraint(t *testing.T) {
	g, err := ParseGeoConstraint("SE/got/se-got-wg-001")
	require.NoError(t, err)
	assert.Equal(t, GeoConstraint{Country: "se", City: "got", Hostname: "se-got-wg-001"}, g)
	assert.Equal(t, "se/got/se-got-wg-001", g.String())

	g, err = ParseGeoConstraint("any")
	require.NoError(t, err)
	assert.True(t, g.IsAny())

	_, err = ParseGeoConstraint("a/b/c/d")
	assert.Error(t, err)
}

func TestQuery_YAML(t *testing.T) {
	in := `
location:
  country: se
  city: got
tunnel_protocol: wireguard
ip_version: ipv6
obfuscation: udp2tcp
bridge_mode: "off"
multihop: true
entry_location:
  country: de
distinct_entry_location: true
`
	var q Query
	require.NoError(t, yaml.Unmarshal([]byte(in), &q))
	assert.Equal(t, "se", q.Location.Country)
	assert.Equal(t, WireGuard, q.Protocol)
	assert.Equal(t, IPv6, q.IPVersion)
	assert.Equal(t, ObfuscationUdp2Tcp, q.Obfuscation)
	assert.Equal(t, BridgeOff, q.Bridge)
	assert.True(t, q.Multihop)
	assert.Equal(t, "de", q.EntryLocation.Country)
	assert.NoError(t, q.Validate())

	var bad Query
	assert.Error(t, yaml.Unmarshal([]byte("tunnel_protocol: ipsec\n"), &bad))
}

func TestQuery_Equal(t *testing.T) {
	a := Query{Providers: []string{}}
	b := Query{}
	assert.True(t, a.Equal(b))

	b.Location.Country = "se"
	assert.False(t, a.Equal(b))
}

func TestLocation_DistanceKm(t *testing.T) {
	stockholm := Location{Latitude: 59.33, Longitude: 18.06}
	gothenburg := Location{Latitude: 57.70, Longitude: 11.97}

	d := stockholm.DistanceKm(gothenburg)
	assert.InDelta(t, 398, d, 15)
	assert.InDelta(t, 0, stockholm.DistanceKm(stockholm), 0.001)
}
