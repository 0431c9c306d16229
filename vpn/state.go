package vpn

import (
	"fmt"

	"github.com/yllada/vpnd/relay"
)

// TargetState is what the user asked for, regardless of what the tunnel is
// currently doing.
type TargetState int

const (
	// TargetUnsecured means the user wants no tunnel.
	TargetUnsecured TargetState = iota
	// TargetSecured means the user wants traffic tunneled.
	TargetSecured
)

// String returns the lowercase name of the target state.
func (t TargetState) String() string {
	if t == TargetSecured {
		return "secured"
	}
	return "unsecured"
}

// MarshalText implements encoding.TextMarshaler.
func (t TargetState) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TargetState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "secured":
		*t = TargetSecured
	case "unsecured", "":
		*t = TargetUnsecured
	default:
		return fmt.Errorf("unknown target state %q", b)
	}
	return nil
}

// BlockReason explains why traffic is blocked. The zero value is only used
// for states that are not blocked.
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockAuthFailed
	BlockNoMatchingRelay
	BlockSetFirewallPolicyError
	BlockStartTunnelError
	BlockIpv6Unavailable
)

var blockReasonNames = map[BlockReason]string{
	BlockNone:                   "none",
	BlockAuthFailed:             "auth_failed",
	BlockNoMatchingRelay:        "no_matching_relay",
	BlockSetFirewallPolicyError: "set_firewall_policy_error",
	BlockStartTunnelError:       "start_tunnel_error",
	BlockIpv6Unavailable:        "ipv6_unavailable",
}

// String returns the snake_case name of the reason.
func (r BlockReason) String() string {
	if name, ok := blockReasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Description returns a sentence suitable for showing to a user.
func (r BlockReason) Description() string {
	switch r {
	case BlockAuthFailed:
		return "Authentication with the relay failed"
	case BlockNoMatchingRelay:
		return "No relay matches the current constraints"
	case BlockSetFirewallPolicyError:
		return "Failed to apply the firewall policy"
	case BlockStartTunnelError:
		return "Failed to start the tunnel"
	case BlockIpv6Unavailable:
		return "The selected relay requires IPv6, which is not available"
	default:
		return "Not blocked"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r BlockReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *BlockReason) UnmarshalText(b []byte) error {
	for reason, name := range blockReasonNames {
		if name == string(b) {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("unknown block reason %q", b)
}

// AfterKind is what happens once a tunnel has been torn down.
type AfterKind int

const (
	AfterNothing AfterKind = iota
	AfterReconnect
	AfterBlock
)

// String returns the lowercase name of the action.
func (k AfterKind) String() string {
	switch k {
	case AfterReconnect:
		return "reconnect"
	case AfterBlock:
		return "block"
	default:
		return "nothing"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k AfterKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AfterKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "nothing", "":
		*k = AfterNothing
	case "reconnect":
		*k = AfterReconnect
	case "block":
		*k = AfterBlock
	default:
		return fmt.Errorf("unknown after-disconnect action %q", b)
	}
	return nil
}

// AfterDisconnect is carried by the Disconnecting state. Reason is set only
// when Kind is AfterBlock.
type AfterDisconnect struct {
	Kind   AfterKind   `json:"kind"`
	Reason BlockReason `json:"reason,omitzero"`
}

// String renders the action, including the block reason if any.
func (a AfterDisconnect) String() string {
	if a.Kind == AfterBlock {
		return "block(" + a.Reason.String() + ")"
	}
	return a.Kind.String()
}

// StateKind enumerates the externally visible tunnel states.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateBlocked
)

var stateKindNames = []string{"disconnected", "connecting", "connected", "disconnecting", "blocked"}

// String returns the lowercase state name.
func (k StateKind) String() string {
	if k >= 0 && int(k) < len(stateKindNames) {
		return stateKindNames[k]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k StateKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *StateKind) UnmarshalText(b []byte) error {
	for i, name := range stateKindNames {
		if name == string(b) {
			*k = StateKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tunnel state %q", b)
}

// TunnelState is the state reported to listeners. Which of the optional
// fields are set depends on Kind:
//
//   - Connecting: Endpoint and Location once a relay has been chosen
//   - Connected: Endpoint and Location
//   - Disconnecting: After
//   - Blocked: Reason
type TunnelState struct {
	Kind     StateKind       `json:"state"`
	Endpoint *relay.Endpoint `json:"endpoint,omitempty"`
	Location *relay.Location `json:"location,omitempty"`
	// Relay is the hostname of the exit relay.
	Relay string `json:"relay,omitempty"`
	// Attempt is the retry attempt a Connecting state belongs to.
	Attempt uint32          `json:"attempt,omitzero"`
	After   AfterDisconnect `json:"after_disconnect,omitzero"`
	Reason  BlockReason     `json:"block_reason,omitzero"`
}

// Disconnected returns the Disconnected state.
func Disconnected() TunnelState {
	return TunnelState{Kind: StateDisconnected}
}

// Connecting returns the Connecting state for candidate, or a Connecting
// state without an endpoint when candidate is nil.
func Connecting(candidate *relay.Candidate) TunnelState {
	s := TunnelState{Kind: StateConnecting}
	s.setCandidate(candidate)
	return s
}

// Connected returns the Connected state for candidate.
func Connected(candidate *relay.Candidate) TunnelState {
	s := TunnelState{Kind: StateConnected}
	s.setCandidate(candidate)
	return s
}

// Disconnecting returns the Disconnecting state.
func Disconnecting(after AfterDisconnect) TunnelState {
	return TunnelState{Kind: StateDisconnecting, After: after}
}

// Blocked returns the Blocked state.
func Blocked(reason BlockReason) TunnelState {
	return TunnelState{Kind: StateBlocked, Reason: reason}
}

func (s *TunnelState) setCandidate(c *relay.Candidate) {
	if c == nil {
		return
	}
	ep := c.Endpoint
	loc := c.Location()
	s.Endpoint = &ep
	s.Location = &loc
	if c.Exit != nil {
		s.Relay = c.Exit.Hostname
	}
}

// IsSecured reports whether the state keeps traffic from leaking, either
// through the tunnel or by blocking it.
func (s TunnelState) IsSecured() bool {
	return s.Kind == StateConnected || s.Kind == StateBlocked
}

// String renders the state for logs and plain CLI output.
func (s TunnelState) String() string {
	switch s.Kind {
	case StateConnecting, StateConnected:
		if s.Endpoint == nil {
			return s.Kind.String()
		}
		out := fmt.Sprintf("%s to %s", s.Kind, s.Endpoint)
		if s.Relay != "" {
			out += " (" + s.Relay
			if s.Location != nil {
				out += ", " + s.Location.String()
			}
			out += ")"
		}
		if s.Attempt > 0 {
			out += fmt.Sprintf(", attempt %d", s.Attempt)
		}
		return out
	case StateDisconnecting:
		return fmt.Sprintf("disconnecting, then %s", s.After)
	case StateBlocked:
		return fmt.Sprintf("blocked: %s", s.Reason)
	default:
		return s.Kind.String()
	}
}
