package relay

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// TunnelProtocol selects the tunnel backend. The zero value means any.
type TunnelProtocol int

const (
	AnyProtocol TunnelProtocol = iota
	WireGuard
	OpenVPN
)

var tunnelProtocolNames = []string{"any", "wireguard", "openvpn"}

func (p TunnelProtocol) String() string { return enumName(tunnelProtocolNames, int(p)) }

// MarshalText implements encoding.TextMarshaler.
func (p TunnelProtocol) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *TunnelProtocol) UnmarshalText(b []byte) error {
	return parseEnum(tunnelProtocolNames, "tunnel protocol", b, (*int)(p))
}

// TransportProtocol is the OpenVPN transport. The zero value means any.
type TransportProtocol int

const (
	AnyTransport TransportProtocol = iota
	UDP
	TCP
)

var transportNames = []string{"any", "udp", "tcp"}

func (t TransportProtocol) String() string { return enumName(transportNames, int(t)) }

// MarshalText implements encoding.TextMarshaler.
func (t TransportProtocol) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TransportProtocol) UnmarshalText(b []byte) error {
	return parseEnum(transportNames, "transport protocol", b, (*int)(t))
}

// IPVersion restricts the address family of the endpoint. The zero value means any.
type IPVersion int

const (
	AnyIPVersion IPVersion = iota
	IPv4
	IPv6
)

var ipVersionNames = []string{"any", "ipv4", "ipv6"}

func (v IPVersion) String() string { return enumName(ipVersionNames, int(v)) }

// MarshalText implements encoding.TextMarshaler.
func (v IPVersion) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *IPVersion) UnmarshalText(b []byte) error {
	return parseEnum(ipVersionNames, "ip version", b, (*int)(v))
}

// Ownership restricts relays by who operates the hardware. The zero value means any.
type Ownership int

const (
	AnyOwnership Ownership = iota
	Owned
	Rented
)

var ownershipNames = []string{"any", "owned", "rented"}

func (o Ownership) String() string { return enumName(ownershipNames, int(o)) }

// MarshalText implements encoding.TextMarshaler.
func (o Ownership) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Ownership) UnmarshalText(b []byte) error {
	return parseEnum(ownershipNames, "ownership", b, (*int)(o))
}

// ObfuscationMode selects a WireGuard obfuscator. The zero value lets the
// retry sequence decide.
type ObfuscationMode int

const (
	ObfuscationAuto ObfuscationMode = iota
	ObfuscationOff
	ObfuscationUdp2Tcp
)

var obfuscationNames = []string{"auto", "off", "udp2tcp"}

func (m ObfuscationMode) String() string { return enumName(obfuscationNames, int(m)) }

// MarshalText implements encoding.TextMarshaler.
func (m ObfuscationMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ObfuscationMode) UnmarshalText(b []byte) error {
	return parseEnum(obfuscationNames, "obfuscation mode", b, (*int)(m))
}

// BridgeMode selects whether OpenVPN traffic goes through a bridge. The zero
// value lets the retry sequence decide.
type BridgeMode int

const (
	BridgeAuto BridgeMode = iota
	BridgeOff
	BridgeOn
)

var bridgeModeNames = []string{"auto", "off", "on"}

func (m BridgeMode) String() string { return enumName(bridgeModeNames, int(m)) }

// MarshalText implements encoding.TextMarshaler.
func (m BridgeMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *BridgeMode) UnmarshalText(b []byte) error {
	return parseEnum(bridgeModeNames, "bridge mode", b, (*int)(m))
}

func enumName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return "unknown"
	}
	return names[v]
}

func parseEnum(names []string, what string, b []byte, dst *int) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	if s == "" {
		*dst = 0
		return nil
	}
	if i := slices.Index(names, s); i >= 0 {
		*dst = i
		return nil
	}
	return &textError{what: what, value: string(b)}
}

// GeoConstraint matches relays by country code, city code and hostname.
// Empty fields match everything.
type GeoConstraint struct {
	Country  string `yaml:"country,omitempty" json:"country,omitempty"`
	City     string `yaml:"city,omitempty" json:"city,omitempty"`
	Hostname string `yaml:"hostname,omitempty" json:"hostname,omitempty"`
}

// IsAny reports whether the constraint matches every relay.
func (g GeoConstraint) IsAny() bool {
	return g.Country == "" && g.City == "" && g.Hostname == ""
}

func (g GeoConstraint) countryOnly() bool {
	return g.Country != "" && g.City == "" && g.Hostname == ""
}

// Matches reports whether r lies within the constraint.
func (g GeoConstraint) Matches(r *Relay) bool {
	if g.Country != "" && !strings.EqualFold(g.Country, r.Location.CountryCode) {
		return false
	}
	if g.City != "" && !strings.EqualFold(g.City, r.Location.CityCode) {
		return false
	}
	if g.Hostname != "" && !strings.EqualFold(g.Hostname, r.Hostname) {
		return false
	}
	return true
}

func (g GeoConstraint) validate() error {
	if g.Hostname != "" && g.City == "" {
		return fmt.Errorf("hostname %q requires a city", g.Hostname)
	}
	if g.City != "" && g.Country == "" {
		return fmt.Errorf("city %q requires a country", g.City)
	}
	return nil
}

// String renders the constraint as "country/city/hostname".
func (g GeoConstraint) String() string {
	if g.IsAny() {
		return "any"
	}
	parts := []string{g.Country}
	if g.City != "" {
		parts = append(parts, g.City)
	}
	if g.Hostname != "" {
		parts = append(parts, g.Hostname)
	}
	return strings.Join(parts, "/")
}

// ParseGeoConstraint parses "any" or "country[/city[/hostname]]".
func ParseGeoConstraint(s string) (GeoConstraint, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "any" {
		return GeoConstraint{}, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return GeoConstraint{}, fmt.Errorf("invalid location %q", s)
	}
	var g GeoConstraint
	g.Country = parts[0]
	if len(parts) > 1 {
		g.City = parts[1]
	}
	if len(parts) > 2 {
		g.Hostname = parts[2]
	}
	return g, g.validate()
}

// LocationConstraint is either a single geographic constraint or a named
// custom list whose members are alternatives.
type LocationConstraint struct {
	GeoConstraint `yaml:",inline"`
	// ListName names the custom list Members were expanded from.
	ListName string          `yaml:"list,omitempty" json:"list,omitempty"`
	Members  []GeoConstraint `yaml:"members,omitempty" json:"members,omitempty"`
}

// IsAny reports whether the constraint matches every relay.
func (l LocationConstraint) IsAny() bool {
	return l.ListName == "" && l.GeoConstraint.IsAny()
}

// Matches reports whether r lies within the constraint.
func (l LocationConstraint) Matches(r *Relay) bool {
	if l.ListName != "" {
		for _, m := range l.Members {
			if m.Matches(r) {
				return true
			}
		}
		return false
	}
	return l.GeoConstraint.Matches(r)
}

func (l LocationConstraint) countryOnly() bool {
	return l.ListName == "" && l.GeoConstraint.countryOnly()
}

func (l LocationConstraint) validate() error {
	if l.ListName != "" {
		if !l.GeoConstraint.IsAny() {
			return fmt.Errorf("custom list %q combined with a location", l.ListName)
		}
		for _, m := range l.Members {
			if err := m.validate(); err != nil {
				return fmt.Errorf("custom list %q: %w", l.ListName, err)
			}
		}
		return nil
	}
	return l.GeoConstraint.validate()
}

// String renders the constraint for display.
func (l LocationConstraint) String() string {
	if l.ListName != "" {
		return "list:" + l.ListName
	}
	return l.GeoConstraint.String()
}

// Query holds the user's relay constraints. Zero values mean "any".
// A Query is immutable for the duration of an attempt.
type Query struct {
	Location    LocationConstraint `yaml:"location" json:"location"`
	Providers   []string           `yaml:"providers,omitempty" json:"providers,omitempty"`
	Ownership   Ownership          `yaml:"ownership" json:"ownership"`
	Protocol    TunnelProtocol     `yaml:"tunnel_protocol" json:"tunnel_protocol"`
	Port        uint16             `yaml:"port,omitempty" json:"port,omitempty"`
	Transport   TransportProtocol  `yaml:"transport" json:"transport"`
	IPVersion   IPVersion          `yaml:"ip_version" json:"ip_version"`
	Obfuscation ObfuscationMode    `yaml:"obfuscation" json:"obfuscation"`

	Bridge         BridgeMode         `yaml:"bridge_mode" json:"bridge_mode"`
	BridgeLocation LocationConstraint `yaml:"bridge_location" json:"bridge_location"`

	Multihop              bool               `yaml:"multihop" json:"multihop"`
	EntryLocation         LocationConstraint `yaml:"entry_location" json:"entry_location"`
	DistinctEntryLocation bool               `yaml:"distinct_entry_location" json:"distinct_entry_location"`
}

// Validate rejects combinations no relay can ever satisfy.
func (q Query) Validate() error {
	if err := q.Location.validate(); err != nil {
		return err
	}
	if err := q.EntryLocation.validate(); err != nil {
		return fmt.Errorf("entry location: %w", err)
	}
	if err := q.BridgeLocation.validate(); err != nil {
		return fmt.Errorf("bridge location: %w", err)
	}

	switch q.Protocol {
	case WireGuard:
		if q.Bridge == BridgeOn {
			return fmt.Errorf("bridges are only available for OpenVPN")
		}
		if q.Transport != AnyTransport {
			return fmt.Errorf("transport %s only applies to OpenVPN", q.Transport)
		}
	case OpenVPN:
		if q.Multihop {
			return fmt.Errorf("multihop is only available for WireGuard")
		}
		if q.Obfuscation == ObfuscationUdp2Tcp {
			return fmt.Errorf("udp2tcp obfuscation is only available for WireGuard")
		}
		if q.Bridge == BridgeOn && q.Transport == UDP {
			return fmt.Errorf("bridges require the TCP transport")
		}
	}

	if q.Multihop && q.Bridge == BridgeOn {
		return fmt.Errorf("multihop cannot be combined with a bridge")
	}
	if q.Obfuscation == ObfuscationUdp2Tcp && q.Bridge == BridgeOn {
		return fmt.Errorf("obfuscation cannot be combined with a bridge")
	}
	if q.Port != 0 && q.Protocol == AnyProtocol {
		return fmt.Errorf("port %d requires a tunnel protocol", q.Port)
	}
	return nil
}

// Equal reports whether two queries hold the same constraints.
func (q Query) Equal(o Query) bool {
	return reflect.DeepEqual(q.normalized(), o.normalized())
}

func (q Query) normalized() Query {
	if len(q.Providers) == 0 {
		q.Providers = nil
	}
	for _, l := range []*LocationConstraint{&q.Location, &q.EntryLocation, &q.BridgeLocation} {
		if len(l.Members) == 0 {
			l.Members = nil
		}
	}
	return q
}

func (q Query) matchesProvider(r *Relay) bool {
	if len(q.Providers) == 0 {
		return true
	}
	return slices.ContainsFunc(q.Providers, func(p string) bool {
		return strings.EqualFold(p, r.Provider)
	})
}

func (q Query) matchesOwnership(r *Relay) bool {
	switch q.Ownership {
	case Owned:
		return r.Owned
	case Rented:
		return !r.Owned
	default:
		return true
	}
}
