package relay

import (
	"fmt"
	"net/netip"
)

// Endpoint is the concrete address the tunnel connects to.
type Endpoint struct {
	Address   netip.AddrPort    `json:"address"`
	Protocol  TunnelProtocol    `json:"tunnel_protocol"`
	Transport TransportProtocol `json:"transport"`
}

// String renders the endpoint as "addr:port/transport".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", e.Address, e.Transport)
}

// Obfuscator wraps WireGuard UDP traffic in TCP towards a relay.
type Obfuscator struct {
	Relay    *Relay
	Endpoint netip.AddrPort
}

// Bridge proxies OpenVPN traffic through a shadowsocks server.
type Bridge struct {
	Relay    *Relay
	Endpoint netip.AddrPort
	Cipher   string
	Password string
}

// Candidate is the outcome of a successful selection. Entry is non-nil only
// for multihop candidates, in which case Entry and Exit are distinct relays.
type Candidate struct {
	Protocol   TunnelProtocol
	Exit       *Relay
	Entry      *Relay
	Endpoint   Endpoint
	Obfuscator *Obfuscator
	Bridge     *Bridge
}

// IsMultihop reports whether traffic enters through a separate relay.
func (c Candidate) IsMultihop() bool {
	return c.Entry != nil
}

// FirstHop returns the relay the tunnel endpoint belongs to.
func (c Candidate) FirstHop() *Relay {
	if c.Entry != nil {
		return c.Entry
	}
	return c.Exit
}

// PeerAddress returns the single remote address traffic must be allowed to
// while the tunnel is being established.
func (c Candidate) PeerAddress() netip.AddrPort {
	switch {
	case c.Bridge != nil:
		return c.Bridge.Endpoint
	case c.Obfuscator != nil:
		return c.Obfuscator.Endpoint
	default:
		return c.Endpoint.Address
	}
}

// PeerTransport returns the transport used towards PeerAddress.
func (c Candidate) PeerTransport() TransportProtocol {
	if c.Bridge != nil || c.Obfuscator != nil {
		return TCP
	}
	return c.Endpoint.Transport
}

// Location returns where traffic leaves the tunnel.
func (c Candidate) Location() Location {
	if c.Exit == nil {
		return Location{}
	}
	return c.Exit.Location
}

// String describes the candidate for logs.
func (c Candidate) String() string {
	if c.Exit == nil {
		return "<none>"
	}
	s := c.Exit.Hostname
	if c.Entry != nil {
		s = c.Entry.Hostname + " -> " + s
	}
	s += " " + c.Endpoint.String()
	if c.Obfuscator != nil {
		s += " via udp2tcp " + c.Obfuscator.Endpoint.String()
	}
	if c.Bridge != nil {
		s += " via bridge " + c.Bridge.Relay.Hostname
	}
	return s
}
