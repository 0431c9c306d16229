package relay

import (
	"errors"
	"net/netip"
	"slices"
)

const (
	// minBridgeCount is how many of the nearest bridges are considered.
	minBridgeCount = 5
	// maxBridgeDistanceKm excludes bridges further than this from the relay.
	maxBridgeDistanceKm = 1500.0
)

var errNoUdp2TcpPorts = errors.New("relay list has no udp2tcp ports")

func addrPort(addr netip.Addr, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(addr, port)
}

// selectBridge picks a bridge for the OpenVPN relay r. Without a bridge
// location the nearest bridges are preferred, weighted by proximity.
func (s *Selector) selectBridge(r *Relay, q Query, cat *Catalogue) (*Bridge, error) {
	bridges := filterRelays(cat, KindBridge, q.BridgeLocation, q)
	if len(bridges) == 0 {
		return nil, reject(RejectNoBridge, "no bridge matches "+q.BridgeLocation.String())
	}

	var chosen *Relay
	if q.BridgeLocation.IsAny() {
		chosen = s.proximateBridge(bridges, r.Location)
		if chosen == nil {
			return nil, reject(RejectNoBridge, "no bridge near "+r.Location.String())
		}
	} else {
		chosen = s.pick(bridges)
	}

	var endpoints []ShadowsocksEndpoint
	for _, ep := range cat.Shadowsocks {
		if ep.Protocol == AnyTransport || ep.Protocol == TCP {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return nil, reject(RejectNoBridge, "relay list has no TCP shadowsocks endpoints")
	}

	addr, ok := chosen.Addr(q.IPVersion)
	if !ok {
		return nil, reject(RejectNoBridge, "bridge "+chosen.Hostname+" has no "+q.IPVersion.String()+" address")
	}

	ep := endpoints[s.rng.IntN(len(endpoints))]
	return &Bridge{
		Relay:    chosen,
		Endpoint: addrPort(addr, ep.Port),
		Cipher:   ep.Cipher,
		Password: ep.Password,
	}, nil
}

func (s *Selector) proximateBridge(bridges []*Relay, loc Location) *Relay {
	type withDistance struct {
		relay    *Relay
		distance float64
	}

	sorted := make([]withDistance, len(bridges))
	for i, b := range bridges {
		sorted[i] = withDistance{relay: b, distance: b.Location.DistanceKm(loc)}
	}
	slices.SortStableFunc(sorted, func(a, b withDistance) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		default:
			return 0
		}
	})
	if len(sorted) > minBridgeCount {
		sorted = sorted[:minBridgeCount]
	}
	sorted = slices.DeleteFunc(sorted, func(b withDistance) bool {
		return b.distance > maxBridgeDistanceKm
	})
	if len(sorted) == 0 {
		return nil
	}

	greatest := sorted[len(sorted)-1].distance
	i := s.pickIndex(len(sorted), func(i int) uint64 {
		return 1 + uint64(greatest-sorted[i].distance)
	})
	return sorted[i].relay
}

// udp2tcp places the obfuscator in front of r on one of the catalogue's
// udp2tcp ports.
func (s *Selector) udp2tcp(r *Relay, q Query, cat *Catalogue) (*Obfuscator, error) {
	if len(cat.Udp2TcpPorts) == 0 {
		return nil, errNoUdp2TcpPorts
	}
	addr, ok := r.Addr(q.IPVersion)
	if !ok {
		return nil, errors.New("relay has no " + q.IPVersion.String() + " address")
	}

	port := cat.Udp2TcpPorts[s.rng.IntN(len(cat.Udp2TcpPorts))]
	if q.Port != 0 && slices.Contains(cat.Udp2TcpPorts, q.Port) {
		port = q.Port
	}
	return &Obfuscator{Relay: r, Endpoint: addrPort(addr, port)}, nil
}
