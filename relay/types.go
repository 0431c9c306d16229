package relay

import (
	"math"
	"net/netip"
	"time"
)

// Kind is the role a relay serves in the catalogue.
type Kind int

const (
	KindWireGuard Kind = iota
	KindOpenVPN
	KindBridge
)

// String returns the catalogue name of the kind.
func (k Kind) String() string {
	switch k {
	case KindWireGuard:
		return "wireguard"
	case KindOpenVPN:
		return "openvpn"
	case KindBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "wireguard":
		*k = KindWireGuard
	case "openvpn":
		*k = KindOpenVPN
	case "bridge":
		*k = KindBridge
	default:
		return &textError{what: "relay kind", value: string(b)}
	}
	return nil
}

// Location describes where a relay is hosted.
type Location struct {
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	City        string  `json:"city"`
	CityCode    string  `json:"city_code"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// SameCity reports whether both locations name the same city.
func (l Location) SameCity(o Location) bool {
	return l.CountryCode == o.CountryCode && l.CityCode == o.CityCode
}

// String renders the location as "City, Country".
func (l Location) String() string {
	switch {
	case l.City != "" && l.Country != "":
		return l.City + ", " + l.Country
	case l.Country != "":
		return l.Country
	default:
		return l.CountryCode
	}
}

const earthRadiusKm = 6372.8

// DistanceKm returns the great-circle distance between two locations.
func (l Location) DistanceKm(o Location) float64 {
	lat1, lat2 := l.Latitude*math.Pi/180, o.Latitude*math.Pi/180
	dLat := lat2 - lat1
	dLon := (o.Longitude - l.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// Relay is a single server in the catalogue.
type Relay struct {
	Hostname         string     `json:"hostname"`
	IPv4             netip.Addr `json:"ipv4_addr_in"`
	IPv6             netip.Addr `json:"ipv6_addr_in,omitzero"`
	Kind             Kind       `json:"kind"`
	Active           bool       `json:"active"`
	Owned            bool       `json:"owned"`
	Provider         string     `json:"provider"`
	Weight           uint64     `json:"weight"`
	IncludeInCountry bool       `json:"include_in_country"`
	Location         Location   `json:"location"`
	// PublicKey is set for WireGuard relays.
	PublicKey string `json:"public_key,omitempty"`
}

// Addr returns the relay address for the requested IP version.
func (r *Relay) Addr(v IPVersion) (netip.Addr, bool) {
	switch v {
	case IPv4:
		return r.IPv4, r.IPv4.IsValid()
	case IPv6:
		return r.IPv6, r.IPv6.IsValid()
	default:
		if r.IPv4.IsValid() {
			return r.IPv4, true
		}
		return r.IPv6, r.IPv6.IsValid()
	}
}

// PortRange is an inclusive range of ports.
type PortRange struct {
	First uint16 `json:"first"`
	Last  uint16 `json:"last"`
}

// Contains reports whether port lies within the range.
func (p PortRange) Contains(port uint16) bool {
	return port >= p.First && port <= p.Last
}

func (p PortRange) size() uint64 {
	if p.Last < p.First {
		return 0
	}
	return uint64(p.Last-p.First) + 1
}

// OpenVPNPort is a transport and port pair an OpenVPN relay listens on.
type OpenVPNPort struct {
	Transport TransportProtocol `json:"protocol"`
	Port      uint16            `json:"port"`
}

// ShadowsocksEndpoint is the proxy configuration offered by bridge relays.
type ShadowsocksEndpoint struct {
	Port     uint16            `json:"port"`
	Cipher   string            `json:"cipher"`
	Password string            `json:"password"`
	Protocol TransportProtocol `json:"protocol"`
}

// Catalogue is an immutable snapshot of the relay list. Values returned by
// Pool.Snapshot must never be modified.
type Catalogue struct {
	Relays         []Relay               `json:"relays"`
	WireGuardPorts []PortRange           `json:"wireguard_port_ranges"`
	Udp2TcpPorts   []uint16              `json:"udp2tcp_ports"`
	OpenVPNPorts   []OpenVPNPort         `json:"openvpn_ports"`
	Shadowsocks    []ShadowsocksEndpoint `json:"shadowsocks"`

	ETag    string    `json:"-"`
	Updated time.Time `json:"-"`
}

// Count returns the number of relays of each kind.
func (c *Catalogue) Count() map[Kind]int {
	counts := make(map[Kind]int, 3)
	if c == nil {
		return counts
	}
	for i := range c.Relays {
		counts[c.Relays[i].Kind]++
	}
	return counts
}

type textError struct {
	what  string
	value string
}

func (e *textError) Error() string {
	return "invalid " + e.what + ": " + e.value
}
