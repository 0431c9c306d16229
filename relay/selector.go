package relay

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yllada/vpnd/common"
)

// Selector picks relays for a query. It performs no I/O; the only state it
// holds is its random source.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector returns a selector whose choices are reproducible for seed.
func NewSelector(seed uint64) *Selector {
	return &Selector{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandomSelector returns a selector seeded from the runtime's random source.
func NewRandomSelector() *Selector {
	return &Selector{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// Select picks a candidate for q from cat, narrowed by step. Every failure is
// a *RejectError.
func (s *Selector) Select(q Query, cat *Catalogue, step RelaxationStep) (Candidate, error) {
	if err := q.Validate(); err != nil {
		return Candidate{}, &RejectError{Kind: RejectInvalidConstraints, Cause: err}
	}
	if cat == nil || len(cat.Relays) == 0 {
		return Candidate{}, reject(RejectNoRelay, "relay list is empty")
	}

	effective, ok := step.Apply(q)
	if !ok {
		effective = q
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		candidate Candidate
		err       error
	)
	switch protocolFor(effective) {
	case WireGuard:
		candidate, err = s.selectWireGuard(effective, cat)
	case OpenVPN:
		candidate, err = s.selectOpenVPN(effective, cat)
	default:
		candidate, err = s.selectWireGuard(effective, cat)
		if err != nil {
			if c, ovpnErr := s.selectOpenVPN(effective, cat); ovpnErr == nil {
				candidate, err = c, nil
			}
		}
	}
	if err != nil {
		return Candidate{}, err
	}

	common.LogWith(logrus.Fields{
		"candidate": candidate.String(),
		"step":      step.String(),
	}).Debug("Relay selected")
	return candidate, nil
}

// protocolFor narrows "any" when another constraint only makes sense for
// one backend.
func protocolFor(q Query) TunnelProtocol {
	switch {
	case q.Protocol != AnyProtocol:
		return q.Protocol
	case q.Bridge == BridgeOn || q.Transport != AnyTransport:
		return OpenVPN
	case q.Multihop || q.Obfuscation == ObfuscationUdp2Tcp:
		return WireGuard
	default:
		return AnyProtocol
	}
}

func (s *Selector) selectWireGuard(q Query, cat *Catalogue) (Candidate, error) {
	exits := filterRelays(cat, KindWireGuard, q.Location, q)

	c := Candidate{Protocol: WireGuard}
	if q.Multihop {
		entries := filterRelays(cat, KindWireGuard, q.EntryLocation, q)
		// A lone entry candidate is reserved for the entry hop.
		if len(entries) == 1 && len(exits) > 1 {
			exits = without(exits, func(r *Relay) bool { return r.Hostname == entries[0].Hostname })
		}
		if len(exits) == 0 {
			return Candidate{}, reject(RejectNoRelay, "no exit relay matches "+q.Location.String())
		}
		c.Exit = s.pick(exits)

		entries = without(entries, func(r *Relay) bool {
			if r.Hostname == c.Exit.Hostname {
				return true
			}
			return q.DistinctEntryLocation && r.Location.SameCity(c.Exit.Location)
		})
		if len(entries) == 0 {
			return Candidate{}, reject(RejectNoRelay, "no entry relay distinct from "+c.Exit.Hostname)
		}
		c.Entry = s.pick(entries)
	} else {
		if len(exits) == 0 {
			return Candidate{}, reject(RejectNoRelay, "no WireGuard relay matches "+q.Location.String())
		}
		c.Exit = s.pick(exits)
	}

	endpoint, err := s.wireguardEndpoint(c.FirstHop(), q, cat)
	if err != nil {
		return Candidate{}, reject(RejectNoEndpoint, hopName(c)+" "+err.Error())
	}
	c.Endpoint = endpoint

	if q.Obfuscation == ObfuscationUdp2Tcp {
		obfs, err := s.udp2tcp(c.FirstHop(), q, cat)
		if err != nil {
			return Candidate{}, &RejectError{Kind: RejectNoObfuscator, Detail: c.FirstHop().Hostname, Cause: err}
		}
		c.Obfuscator = obfs
	}
	return c, nil
}

func (s *Selector) selectOpenVPN(q Query, cat *Catalogue) (Candidate, error) {
	relays := filterRelays(cat, KindOpenVPN, q.Location, q)
	if len(relays) == 0 {
		return Candidate{}, reject(RejectNoRelay, "no OpenVPN relay matches "+q.Location.String())
	}

	c := Candidate{Protocol: OpenVPN, Exit: s.pick(relays)}

	endpoint, err := s.openvpnEndpoint(c.Exit, q, cat)
	if err != nil {
		return Candidate{}, reject(RejectNoEndpoint, hopName(c)+" "+err.Error())
	}
	c.Endpoint = endpoint

	if q.Bridge == BridgeOn {
		bridge, err := s.selectBridge(c.Exit, q, cat)
		if err != nil {
			return Candidate{}, err
		}
		c.Bridge = bridge
	}
	return c, nil
}

func hopName(c Candidate) string {
	if c.Entry != nil {
		return "entry relay " + c.Entry.Hostname
	}
	return "relay " + c.Exit.Hostname
}

// filterRelays returns the active relays of kind matching loc and q's
// ownership and provider constraints. A country-only constraint prefers
// relays flagged as belonging to that country.
func filterRelays(cat *Catalogue, kind Kind, loc LocationConstraint, q Query) []*Relay {
	var (
		out      []*Relay
		included int
	)
	for i := range cat.Relays {
		r := &cat.Relays[i]
		if !r.Active || r.Kind != kind {
			continue
		}
		if !loc.Matches(r) || !q.matchesOwnership(r) || !q.matchesProvider(r) {
			continue
		}
		if r.IncludeInCountry {
			included++
		}
		out = append(out, r)
	}

	if loc.countryOnly() && included > 0 && included < len(out) {
		out = without(out, func(r *Relay) bool { return !r.IncludeInCountry })
	}
	return out
}

func without(relays []*Relay, drop func(*Relay) bool) []*Relay {
	out := make([]*Relay, 0, len(relays))
	for _, r := range relays {
		if !drop(r) {
			out = append(out, r)
		}
	}
	return out
}

// pick chooses a relay with probability proportional to its weight. When
// every weight is zero the choice is uniform.
func (s *Selector) pick(relays []*Relay) *Relay {
	i := s.pickIndex(len(relays), func(i int) uint64 { return relays[i].Weight })
	return relays[i]
}

func (s *Selector) pickIndex(n int, weight func(int) uint64) int {
	var total uint64
	for i := 0; i < n; i++ {
		w := weight(i)
		if total > math.MaxUint64-w {
			total = math.MaxUint64
			break
		}
		total += w
	}
	if total == 0 {
		return s.rng.IntN(n)
	}

	target := s.rng.Uint64N(total)
	for i := 0; i < n; i++ {
		w := weight(i)
		if target < w {
			return i
		}
		target -= w
	}
	return n - 1
}

func (s *Selector) wireguardEndpoint(r *Relay, q Query, cat *Catalogue) (Endpoint, error) {
	addr, ok := r.Addr(q.IPVersion)
	if !ok {
		return Endpoint{}, fmt.Errorf("has no %s address", q.IPVersion)
	}

	port, err := s.wireguardPort(q.Port, cat.WireGuardPorts)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Address: addrPort(addr, port), Protocol: WireGuard, Transport: UDP}, nil
}

func (s *Selector) wireguardPort(want uint16, ranges []PortRange) (uint16, error) {
	if len(ranges) == 0 {
		return 0, fmt.Errorf("has no WireGuard port ranges")
	}
	if want != 0 {
		for _, r := range ranges {
			if r.Contains(want) {
				return want, nil
			}
		}
		return 0, fmt.Errorf("does not accept WireGuard on port %d", want)
	}

	// Uniform over all ports in all ranges.
	i := s.pickIndex(len(ranges), func(i int) uint64 { return ranges[i].size() })
	rg := ranges[i]
	if rg.size() == 0 {
		return 0, fmt.Errorf("has an empty WireGuard port range")
	}
	return rg.First + uint16(s.rng.Uint64N(rg.size())), nil
}

func (s *Selector) openvpnEndpoint(r *Relay, q Query, cat *Catalogue) (Endpoint, error) {
	addr, ok := r.Addr(q.IPVersion)
	if !ok {
		return Endpoint{}, fmt.Errorf("has no %s address", q.IPVersion)
	}

	transport := q.Transport
	if q.Bridge == BridgeOn {
		transport = TCP
	}

	var ports []OpenVPNPort
	for _, p := range cat.OpenVPNPorts {
		if transport != AnyTransport && p.Transport != transport {
			continue
		}
		if q.Port != 0 && p.Port != q.Port {
			continue
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return Endpoint{}, fmt.Errorf("has no OpenVPN port for %s port %d", transport, q.Port)
	}

	p := ports[s.rng.IntN(len(ports))]
	return Endpoint{Address: addrPort(addr, p.Port), Protocol: OpenVPN, Transport: p.Transport}, nil
}
