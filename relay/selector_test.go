package relay

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relayAt(host string, kind Kind, country, city string, weight uint64) Relay {
	return Relay{
		Hostname:         host,
		IPv4:             netip.MustParseAddr("198.51.100.10"),
		Kind:             kind,
		Active:           true,
		Owned:            true,
		Provider:         "m247",
		Weight:           weight,
		IncludeInCountry: true,
		Location:         Location{CountryCode: country, CityCode: city, Country: country, City: city},
	}
}

func testCatalogue(relays ...Relay) *Catalogue {
	return &Catalogue{
		Relays:         relays,
		WireGuardPorts: []PortRange{{53, 53}, {443, 443}, {4000, 33433}},
		Udp2TcpPorts:   []uint16{80, 5001},
		OpenVPNPorts:   []OpenVPNPort{{UDP, 1194}, {TCP, 443}, {TCP, 80}},
		Shadowsocks:    []ShadowsocksEndpoint{{Port: 443, Cipher: "aes-256-gcm", Password: "mullvad", Protocol: TCP}},
	}
}

func TestSelect_WeightedAmongThree(t *testing.T) {
	cat := testCatalogue(
		relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1),
		relayAt("de-fra-wg-001", KindWireGuard, "de", "fra", 1),
		relayAt("us-nyc-wg-001", KindWireGuard, "us", "nyc", 1),
	)
	s := NewSelector(1)

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		c, err := s.Select(Query{}, cat, RelaxationStep{})
		require.NoError(t, err)
		assert.False(t, c.IsMultihop())
		counts[c.Exit.Hostname]++
	}

	require.Len(t, counts, 3)
	for host, n := range counts {
		assert.GreaterOrEqual(t, n, 3000, host)
		assert.LessOrEqual(t, n, 3700, host)
	}
}

func TestSelect_NoRelayInCountry(t *testing.T) {
	cat := testCatalogue(
		relayAt("de-fra-wg-001", KindWireGuard, "de", "fra", 1),
		relayAt("us-nyc-ovpn-001", KindOpenVPN, "us", "nyc", 1),
	)
	q := Query{Location: LocationConstraint{GeoConstraint: GeoConstraint{Country: "se"}}}

	for seed := uint64(0); seed < 20; seed++ {
		c, err := NewSelector(seed).Select(q, cat, RelaxationStep{})
		assert.ErrorIs(t, err, ErrNoRelay)
		assert.Nil(t, c.Exit)
	}
}

func TestSelect_EmptyCatalogue(t *testing.T) {
	_, err := NewSelector(1).Select(Query{}, nil, RelaxationStep{})
	assert.ErrorIs(t, err, ErrNoRelay)

	_, err = NewSelector(1).Select(Query{}, &Catalogue{}, RelaxationStep{})
	assert.ErrorIs(t, err, ErrNoRelay)
}

func TestSelect_SkipsInactiveAndFiltered(t *testing.T) {
	inactive := relayAt("se-got-wg-001", KindWireGuard, "se", "got", 100)
	inactive.Active = false
	rented := relayAt("se-got-wg-002", KindWireGuard, "se", "got", 100)
	rented.Owned = false
	other := relayAt("se-got-wg-003", KindWireGuard, "se", "got", 1)
	other.Provider = "31173"

	cat := testCatalogue(inactive, rented, other)
	q := Query{Ownership: Owned, Providers: []string{"31173"}}

	for i := 0; i < 50; i++ {
		c, err := NewSelector(uint64(i)).Select(q, cat, RelaxationStep{})
		require.NoError(t, err)
		assert.Equal(t, "se-got-wg-003", c.Exit.Hostname)
	}

	q.Ownership = Rented
	_, err := NewSelector(1).Select(q, cat, RelaxationStep{})
	assert.ErrorIs(t, err, ErrNoRelay)
}

func TestSelect_InvalidConstraints(t *testing.T) {
	tests := []struct {
		name string
		q    Query
	}{
		{"city without country", Query{Location: LocationConstraint{GeoConstraint: GeoConstraint{City: "got"}}}},
		{"openvpn multihop", Query{Protocol: OpenVPN, Multihop: true}},
		{"wireguard bridge", Query{Protocol: WireGuard, Bridge: BridgeOn}},
		{"port without protocol", Query{Port: 443}},
	}

	cat := testCatalogue(relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSelector(1).Select(tt.q, cat, RelaxationStep{})
			require.ErrorIs(t, err, ErrInvalidConstraints)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestSelect_MultihopDistinct(t *testing.T) {
	cat := testCatalogue(
		relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1),
		relayAt("se-got-wg-002", KindWireGuard, "se", "got", 1),
		relayAt("de-fra-wg-001", KindWireGuard, "de", "fra", 1),
		relayAt("de-ber-wg-001", KindWireGuard, "de", "ber", 1),
	)
	q := Query{Multihop: true, DistinctEntryLocation: true}

	s := NewSelector(7)
	for i := 0; i < 2000; i++ {
		c, err := s.Select(q, cat, RelaxationStep{})
		require.NoError(t, err)
		require.True(t, c.IsMultihop())
		assert.NotEqual(t, c.Entry.Hostname, c.Exit.Hostname)
		assert.False(t, c.Entry.Location.SameCity(c.Exit.Location))
		assert.Equal(t, c.Entry, c.FirstHop())
	}
}

func TestSelect_MultihopSingleRelay(t *testing.T) {
	cat := testCatalogue(relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1))

	_, err := NewSelector(1).Select(Query{Multihop: true}, cat, RelaxationStep{})
	assert.ErrorIs(t, err, ErrNoRelay)
}

func TestSelect_MultihopReservesLoneEntry(t *testing.T) {
	cat := testCatalogue(
		relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1),
		relayAt("de-fra-wg-001", KindWireGuard, "de", "fra", 1),
	)
	q := Query{
		Multihop:      true,
		EntryLocation: LocationConstraint{GeoConstraint: GeoConstraint{Country: "se"}},
	}

	for seed := uint64(0); seed < 50; seed++ {
		c, err := NewSelector(seed).Select(q, cat, RelaxationStep{})
		require.NoError(t, err)
		assert.Equal(t, "se-got-wg-001", c.Entry.Hostname)
		assert.Equal(t, "de-fra-wg-001", c.Exit.Hostname)
	}
}

func TestSelect_FairnessTwoRelays(t *testing.T) {
	cat := testCatalogue(
		relayAt("a", KindWireGuard, "se", "got", 50),
		relayAt("b", KindWireGuard, "se", "got", 50),
	)
	s := NewSelector(42)

	const n = 10000
	var a int
	for i := 0; i < n; i++ {
		c, err := s.Select(Query{}, cat, RelaxationStep{})
		require.NoError(t, err)
		if c.Exit.Hostname == "a" {
			a++
		}
	}
	// 3 standard deviations of a fair coin over n draws is 150.
	assert.InDelta(t, n/2, a, 150)
}

func TestSelect_ZeroWeightsUniform(t *testing.T) {
	cat := testCatalogue(
		relayAt("a", KindWireGuard, "se", "got", 0),
		relayAt("b", KindWireGuard, "se", "got", 0),
	)
	s := NewSelector(3)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		c, err := s.Select(Query{}, cat, RelaxationStep{})
		require.NoError(t, err)
		seen[c.Exit.Hostname] = true
	}
	assert.Len(t, seen, 2)
}

func TestSelect_Deterministic(t *testing.T) {
	cat := testCatalogue(
		relayAt("a", KindWireGuard, "se", "got", 1),
		relayAt("b", KindWireGuard, "de", "fra", 2),
		relayAt("c", KindWireGuard, "us", "nyc", 3),
	)

	pick := func() []string {
		s := NewSelector(99)
		var out []string
		for i := 0; i < 20; i++ {
			c, err := s.Select(Query{}, cat, RelaxationStep{})
			require.NoError(t, err)
			out = append(out, c.Exit.Hostname, c.Endpoint.String())
		}
		return out
	}
	assert.Equal(t, pick(), pick())
}

func TestSelect_NoEndpointIPv6(t *testing.T) {
	cat := testCatalogue(relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1))
	q := Query{Protocol: WireGuard, IPVersion: IPv6}

	_, err := NewSelector(1).Select(q, cat, RelaxationStep{})
	require.ErrorIs(t, err, ErrNoEndpoint)

	var re *RejectError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Detail, "se-got-wg-001")
	assert.True(t, re.Retryable())
}

func TestSelect_WireGuardPort(t *testing.T) {
	cat := testCatalogue(relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1))

	c, err := NewSelector(1).Select(Query{Protocol: WireGuard, Port: 443}, cat, RelaxationStep{})
	require.NoError(t, err)
	assert.Equal(t, uint16(443), c.Endpoint.Address.Port())

	_, err = NewSelector(1).Select(Query{Protocol: WireGuard, Port: 1}, cat, RelaxationStep{})
	assert.ErrorIs(t, err, ErrNoEndpoint)

	s := NewSelector(5)
	for i := 0; i < 100; i++ {
		c, err := s.Select(Query{Protocol: WireGuard}, cat, RelaxationStep{})
		require.NoError(t, err)
		port := c.Endpoint.Address.Port()
		inRange := false
		for _, r := range cat.WireGuardPorts {
			inRange = inRange || r.Contains(port)
		}
		assert.True(t, inRange, "port %d outside ranges", port)
	}
}

func TestSelect_StepNarrowsProtocol(t *testing.T) {
	cat := testCatalogue(
		relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1),
		relayAt("se-got-ovpn-001", KindOpenVPN, "se", "got", 1000),
	)

	step := RelaxationStep{Protocol: OpenVPN, Transport: TCP, Port: 443}
	c, err := NewSelector(1).Select(Query{}, cat, step)
	require.NoError(t, err)
	assert.Equal(t, OpenVPN, c.Protocol)
	assert.Equal(t, "se-got-ovpn-001", c.Exit.Hostname)
	assert.Equal(t, TCP, c.Endpoint.Transport)
	assert.Equal(t, uint16(443), c.Endpoint.Address.Port())

	// A step that contradicts the user's protocol is ignored.
	c, err = NewSelector(1).Select(Query{Protocol: WireGuard}, cat, step)
	require.NoError(t, err)
	assert.Equal(t, WireGuard, c.Protocol)
}

func TestSelect_AnyProtocolFallsBackToOpenVPN(t *testing.T) {
	cat := testCatalogue(relayAt("se-got-ovpn-001", KindOpenVPN, "se", "got", 1))

	c, err := NewSelector(1).Select(Query{}, cat, RelaxationStep{})
	require.NoError(t, err)
	assert.Equal(t, OpenVPN, c.Protocol)
}

func TestSelect_Udp2Tcp(t *testing.T) {
	cat := testCatalogue(relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1))

	c, err := NewSelector(1).Select(Query{Obfuscation: ObfuscationUdp2Tcp}, cat, RelaxationStep{})
	require.NoError(t, err)
	require.NotNil(t, c.Obfuscator)
	assert.Contains(t, cat.Udp2TcpPorts, c.Obfuscator.Endpoint.Port())
	assert.Equal(t, c.Obfuscator.Endpoint, c.PeerAddress())
	assert.Equal(t, TCP, c.PeerTransport())

	cat.Udp2TcpPorts = nil
	_, err = NewSelector(1).Select(Query{Obfuscation: ObfuscationUdp2Tcp}, cat, RelaxationStep{})
	assert.ErrorIs(t, err, ErrNoObfuscator)
}

func TestSelect_BridgeProximity(t *testing.T) {
	exit := relayAt("se-sto-ovpn-001", KindOpenVPN, "se", "sto", 1)
	exit.Location.Latitude, exit.Location.Longitude = 59.33, 18.06

	near := relayAt("se-got-br-001", KindBridge, "se", "got", 1)
	near.Location.Latitude, near.Location.Longitude = 57.70, 11.97
	far := relayAt("us-nyc-br-001", KindBridge, "us", "nyc", 1)
	far.Location.Latitude, far.Location.Longitude = 40.71, -74.00

	cat := testCatalogue(exit, near, far)
	q := Query{Protocol: OpenVPN, Bridge: BridgeOn}

	for seed := uint64(0); seed < 30; seed++ {
		c, err := NewSelector(seed).Select(q, cat, RelaxationStep{})
		require.NoError(t, err)
		require.NotNil(t, c.Bridge)
		assert.Equal(t, "se-got-br-001", c.Bridge.Relay.Hostname)
		assert.Equal(t, TCP, c.Endpoint.Transport)
		assert.Equal(t, c.Bridge.Endpoint, c.PeerAddress())
	}
}

func TestSelect_NoBridge(t *testing.T) {
	cat := testCatalogue(relayAt("se-sto-ovpn-001", KindOpenVPN, "se", "sto", 1))

	_, err := NewSelector(1).Select(Query{Protocol: OpenVPN, Bridge: BridgeOn}, cat, RelaxationStep{})
	assert.ErrorIs(t, err, ErrNoBridge)
}

func TestSelect_PrefersIncludedInCountry(t *testing.T) {
	included := relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1)
	excluded := relayAt("se-got-wg-002", KindWireGuard, "se", "got", 1000)
	excluded.IncludeInCountry = false

	cat := testCatalogue(included, excluded)
	q := Query{Location: LocationConstraint{GeoConstraint: GeoConstraint{Country: "se"}}}
	for seed := uint64(0); seed < 20; seed++ {
		c, err := NewSelector(seed).Select(q, cat, RelaxationStep{})
		require.NoError(t, err)
		assert.Equal(t, "se-got-wg-001", c.Exit.Hostname)
	}

	// Naming the city makes both eligible again.
	q.Location.City = "got"
	seen := map[string]bool{}
	s := NewSelector(1)
	for i := 0; i < 100; i++ {
		c, err := s.Select(q, cat, RelaxationStep{})
		require.NoError(t, err)
		seen[c.Exit.Hostname] = true
	}
	assert.True(t, seen["se-got-wg-002"])
}

func TestSelect_CustomList(t *testing.T) {
	cat := testCatalogue(
		relayAt("se-got-wg-001", KindWireGuard, "se", "got", 1),
		relayAt("de-fra-wg-001", KindWireGuard, "de", "fra", 1),
		relayAt("us-nyc-wg-001", KindWireGuard, "us", "nyc", 1),
	)
	q := Query{Location: LocationConstraint{
		ListName: "europe",
		Members:  []GeoConstraint{{Country: "se"}, {Country: "de", City: "fra"}},
	}}

	s := NewSelector(11)
	for i := 0; i < 200; i++ {
		c, err := s.Select(q, cat, RelaxationStep{})
		require.NoError(t, err)
		assert.NotEqual(t, "us-nyc-wg-001", c.Exit.Hostname)
	}

	q.Location.Members = nil
	_, err := s.Select(q, cat, RelaxationStep{})
	assert.ErrorIs(t, err, ErrNoRelay)
}
