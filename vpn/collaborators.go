package vpn

import (
	"context"
	"net/netip"

	"github.com/yllada/vpnd/relay"
)

// PolicyKind selects which set of firewall rules to install.
type PolicyKind int

const (
	// PolicyConnecting allows traffic only to the relay being connected to.
	PolicyConnecting PolicyKind = iota
	// PolicyConnected allows traffic through the tunnel interface and to the relay.
	PolicyConnected
	// PolicyBlocked drops everything except, optionally, the local network.
	PolicyBlocked
)

// String returns the lowercase policy name.
func (k PolicyKind) String() string {
	switch k {
	case PolicyConnecting:
		return "connecting"
	case PolicyConnected:
		return "connected"
	default:
		return "blocked"
	}
}

// Policy describes the firewall rules appropriate for a tunnel state.
type Policy struct {
	Kind PolicyKind
	// Peer is the only remote address reachable outside the tunnel.
	// Unset for PolicyBlocked.
	Peer          netip.AddrPort
	PeerTransport relay.TransportProtocol
	// Interface is the tunnel interface. Set only for PolicyConnected.
	Interface string
	AllowLAN  bool
}

// Firewall installs and removes the rules that keep traffic from leaking.
type Firewall interface {
	ApplyPolicy(ctx context.Context, policy Policy) error
	ResetPolicy(ctx context.Context) error
}

// DNSMonitor points the system resolver at the tunnel.
type DNSMonitor interface {
	Set(ctx context.Context, iface string, servers []netip.Addr) error
	Reset(ctx context.Context) error
}

// Routes are installed once the tunnel is up.
type Routes struct {
	Interface string
	// Peer is the relay side of the tunnel. It is routed via the original
	// default gateway so that tunnel traffic does not loop.
	Peer netip.Addr
	// Excluded networks keep using the original default gateway.
	Excluded []netip.Prefix
}

// RouteManager installs and clears the routes of a connected tunnel.
type RouteManager interface {
	AddRoutes(ctx context.Context, routes Routes) error
	ClearRoutes(ctx context.Context) error
}

// TunnelMetadata describes an established tunnel.
type TunnelMetadata struct {
	Interface string
	IPs       []netip.Addr
	// Gateway is the in-tunnel gateway, also used as the default DNS server.
	Gateway netip.Addr
}

// TunnelEventKind enumerates what a tunnel handle can report.
type TunnelEventKind int

const (
	EventUp TunnelEventKind = iota
	EventAuthFailed
	EventDown
)

// String returns the lowercase event name.
func (k TunnelEventKind) String() string {
	switch k {
	case EventUp:
		return "up"
	case EventAuthFailed:
		return "auth_failed"
	default:
		return "down"
	}
}

// TunnelEvent is reported by a TunnelHandle. Up may be followed by exactly
// one terminal event, AuthFailed or Down.
type TunnelEvent struct {
	Kind     TunnelEventKind
	Metadata TunnelMetadata
	// Reason is the server's message for AuthFailed.
	Reason string
	// Err is the cause of Down, if known.
	Err error
}

// TunnelHandle is a running tunnel. Events is closed after the terminal
// event; Done is closed once the tunnel has fully exited.
type TunnelHandle interface {
	Events() <-chan TunnelEvent
	// Close asks the tunnel to shut down cleanly.
	Close()
	// Kill stops the tunnel immediately.
	Kill()
	Done() <-chan struct{}
}

// TunnelMonitor starts tunnels for selected candidates.
type TunnelMonitor interface {
	Start(ctx context.Context, candidate relay.Candidate) (TunnelHandle, error)
}

// RelaySource hands out the current relay catalogue.
type RelaySource interface {
	Snapshot() *relay.Catalogue
}

// RelaySelector picks a candidate for a query. *relay.Selector implements it.
type RelaySelector interface {
	Select(q relay.Query, cat *relay.Catalogue, step relay.RelaxationStep) (relay.Candidate, error)
}

// ClockCheck reports whether the local clock is usable. It is run after an
// authentication failure since a skewed clock is a common cause.
type ClockCheck interface {
	Check(ctx context.Context) error
}
