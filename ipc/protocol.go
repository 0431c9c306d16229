// Package ipc implements the control protocol between the vpnd daemon and
// its command-line client: newline-delimited JSON requests and responses
// over a unix socket. A "listen" request turns the connection into a stream
// of tunnel states.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/yllada/vpnd/config"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

// Methods understood by the daemon.
const (
	MethodConnect       = "connect"
	MethodDisconnect    = "disconnect"
	MethodReconnect     = "reconnect"
	MethodStatus        = "status"
	MethodListen        = "listen"
	MethodGetSettings   = "get_settings"
	MethodSetRelay      = "set_relay"
	MethodSetCustomList = "set_custom_list"
	MethodRelayList     = "relay_list"
	MethodUpdateRelays  = "update_relays"
	MethodAccount       = "account"
	MethodSetAccount    = "set_account"
	MethodClearAccount  = "clear_account"
	MethodRotateKey     = "rotate_key"
)

// Request is one line sent by a client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. For a listen request the
// daemon keeps sending responses, one per tunnel state.
type Response struct {
	ID     string          `json:"id"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// CommandResult is returned by connect, disconnect, reconnect and set_relay.
// Accepted is false when the command did not change anything.
type CommandResult struct {
	Accepted bool `json:"accepted"`
}

// Status is the result of a status request.
type Status struct {
	State       vpn.TunnelState `json:"state"`
	Target      vpn.TargetState `json:"target"`
	LiveTunnels int             `json:"live_tunnels"`
}

// Settings is the result of get_settings.
type Settings = config.Settings

// CustomListParams creates, replaces or, with no members, deletes a custom list.
type CustomListParams struct {
	Name    string                `json:"name"`
	Members []relay.GeoConstraint `json:"members,omitempty"`
}

// RelayInfo summarizes one relay for listing.
type RelayInfo struct {
	Hostname string     `json:"hostname"`
	Kind     relay.Kind `json:"kind"`
	Country  string     `json:"country"`
	City     string     `json:"city"`
	Location string     `json:"location"`
	Provider string     `json:"provider"`
	Owned    bool       `json:"owned"`
	Active   bool       `json:"active"`
}

// RelayList is the result of relay_list.
type RelayList struct {
	Relays  []RelayInfo `json:"relays"`
	Updated time.Time   `json:"updated,omitzero"`
}

// Account is the result of account and rotate_key. The token is masked.
type Account struct {
	Token     string `json:"token,omitempty"`
	LoggedIn  bool   `json:"logged_in"`
	PublicKey string `json:"public_key,omitempty"`
}

// SetAccountParams carries the account number for set_account.
type SetAccountParams struct {
	Token string `json:"token"`
}

// MaskToken hides all but the last four digits of an account number.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return token
	}
	masked := make([]byte, 0, len(token)+len(token)/4)
	for i := range len(token) {
		if i > 0 && i%4 == 0 {
			masked = append(masked, ' ')
		}
		if i < len(token)-4 {
			masked = append(masked, '*')
		} else {
			masked = append(masked, token[i])
		}
	}
	return string(masked)
}
