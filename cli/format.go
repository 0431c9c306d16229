package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yllada/vpnd/config"
	"github.com/yllada/vpnd/ipc"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

// formatState renders a tunnel state for one line of output.
func formatState(s vpn.TunnelState) string {
	switch s.Kind {
	case vpn.StateConnected:
		return "Connected: " + describeRelay(s)
	case vpn.StateConnecting:
		if s.Endpoint == nil {
			return "Connecting..."
		}
		out := "Connecting: " + describeRelay(s)
		if s.Attempt > 0 {
			out += fmt.Sprintf(" (attempt %d)", s.Attempt+1)
		}
		return out
	case vpn.StateDisconnecting:
		switch s.After.Kind {
		case vpn.AfterReconnect:
			return "Reconnecting..."
		case vpn.AfterBlock:
			return "Disconnecting, then blocking: " + s.After.Reason.Description()
		default:
			return "Disconnecting..."
		}
	case vpn.StateBlocked:
		return "Blocked: " + s.Reason.Description()
	default:
		return "Disconnected"
	}
}

func describeRelay(s vpn.TunnelState) string {
	var parts []string
	if s.Relay != "" {
		parts = append(parts, s.Relay)
	}
	if s.Location != nil {
		parts = append(parts, "in "+s.Location.String())
	}
	if s.Endpoint != nil {
		parts = append(parts, fmt.Sprintf("(%s %s)", s.Endpoint.Protocol, s.Endpoint))
	}
	return strings.Join(parts, " ")
}

func printStatus(w io.Writer, st ipc.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "State:\t%s\n", formatState(st.State))
	fmt.Fprintf(tw, "Target:\t%s\n", st.Target)
	if st.State.IsSecured() {
		fmt.Fprintf(tw, "Secured:\tyes\n")
	} else {
		fmt.Fprintf(tw, "Secured:\tno\n")
	}
	tw.Flush()
}

func printAccount(w io.Writer, acct ipc.Account) {
	if !acct.LoggedIn {
		fmt.Fprintln(w, "Not logged in.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Account:\t%s\n", acct.Token)
	if acct.PublicKey != "" {
		fmt.Fprintf(tw, "Device key:\t%s\n", acct.PublicKey)
	}
	tw.Flush()
}

// relayFilter narrows the relay list output.
type relayFilter struct {
	country string
	kind    string
	all     bool
}

func (f relayFilter) match(r ipc.RelayInfo) bool {
	if !f.all && !r.Active {
		return false
	}
	if f.country != "" && !strings.EqualFold(f.country, r.Country) {
		return false
	}
	if f.kind != "" && !strings.EqualFold(f.kind, r.Kind.String()) {
		return false
	}
	return true
}

func printRelays(w io.Writer, list ipc.RelayList, filter relayFilter) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOSTNAME\tKIND\tLOCATION\tPROVIDER\tOWNED")
	fmt.Fprintln(tw, "--------\t----\t--------\t--------\t-----")

	shown := 0
	for _, r := range list.Relays {
		if !filter.match(r) {
			continue
		}
		owned := "No"
		if r.Owned {
			owned = "Yes"
		}
		hostname := r.Hostname
		if !r.Active {
			hostname += " (inactive)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", hostname, r.Kind, r.Location, r.Provider, owned)
		shown++
	}
	tw.Flush()

	summary := fmt.Sprintf("%d of %d relays", shown, len(list.Relays))
	if !list.Updated.IsZero() {
		summary += fmt.Sprintf(", list updated %s ago", formatDuration(time.Since(list.Updated)))
	}
	fmt.Fprintln(w, summary)
}

func printCustomLists(w io.Writer, s config.Settings) {
	names := s.ListNames()
	if len(names) == 0 {
		fmt.Fprintln(w, "No custom lists.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLOCATIONS")
	for _, name := range names {
		members := make([]string, 0, len(s.CustomLists[name]))
		for _, m := range s.CustomLists[name] {
			members = append(members, m.String())
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, strings.Join(members, ", "))
	}
	tw.Flush()
}

// formatQuery lists the constraints that are not "any".
func formatQuery(q relay.Query) string {
	var parts []string
	add := func(name string, value fmt.Stringer, isAny bool) {
		if !isAny {
			parts = append(parts, name+"="+value.String())
		}
	}
	add("location", q.Location, q.Location.IsAny())
	add("protocol", q.Protocol, q.Protocol == relay.AnyProtocol)
	if q.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", q.Port))
	}
	add("transport", q.Transport, q.Transport == relay.AnyTransport)
	add("ip-version", q.IPVersion, q.IPVersion == relay.AnyIPVersion)
	add("ownership", q.Ownership, q.Ownership == relay.AnyOwnership)
	if len(q.Providers) > 0 {
		parts = append(parts, "providers="+strings.Join(q.Providers, ","))
	}
	add("obfuscation", q.Obfuscation, q.Obfuscation == relay.ObfuscationAuto)
	add("bridge", q.Bridge, q.Bridge == relay.BridgeAuto)
	add("bridge-location", q.BridgeLocation, q.BridgeLocation.IsAny())
	if q.Multihop {
		parts = append(parts, "multihop", "entry="+q.EntryLocation.String())
	}
	if len(parts) == 0 {
		return "any relay"
	}
	return strings.Join(parts, " ")
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
