// Package firewall enforces the daemon's leak protection with nftables.
//
// Every policy is rendered as a complete "inet vpnd" table and loaded with
// a single "nft -f -" invocation, so the switch from one policy to the next
// is atomic: there is no moment where neither set of rules is installed.
package firewall

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"slices"
	"strings"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

// TableName is the nftables table owned by the daemon.
const TableName = "vpnd"

// Local networks reachable when LAN access is allowed.
var (
	lanNetworks4 = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"}
	lanNetworks6 = []string{"fe80::/10", "fc00::/7"}
	multicast4   = []string{"224.0.0.0/4", "255.255.255.255/32"}
	multicast6   = []string{"ff00::/8"}
)

// Firewall applies vpn.Policy values as nftables rulesets.
type Firewall struct {
	nft string
	run func(ctx context.Context, nft string, ruleset string) error
}

var _ vpn.Firewall = (*Firewall)(nil)

// New returns a Firewall using the nft binary from PATH.
func New() *Firewall {
	return &Firewall{nft: "nft", run: runNft}
}

// ApplyPolicy atomically replaces the daemon's rules with those of policy.
func (f *Firewall) ApplyPolicy(ctx context.Context, policy vpn.Policy) error {
	common.LogDebug("Firewall: Applying %s policy", policy.Kind)
	if err := f.run(ctx, f.nft, Render(policy)); err != nil {
		return common.WrapIn("firewall", err, "failed to apply "+policy.Kind.String()+" policy")
	}
	return nil
}

// ResetPolicy removes the daemon's table, restoring unrestricted traffic.
func (f *Firewall) ResetPolicy(ctx context.Context) error {
	common.LogDebug("Firewall: Resetting policy")
	// Declaring the table first makes the delete succeed when it is absent.
	ruleset := fmt.Sprintf("table inet %s\ndelete table inet %s\n", TableName, TableName)
	if err := f.run(ctx, f.nft, ruleset); err != nil {
		return common.WrapIn("firewall", err, "failed to reset policy")
	}
	return nil
}

func runNft(ctx context.Context, nft string, ruleset string) error {
	cmd := exec.CommandContext(ctx, nft, "-f", "-")
	cmd.Stdin = strings.NewReader(ruleset)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Render returns the nftables script installing policy.
func Render(policy vpn.Policy) string {
	var b strings.Builder
	line := func(indent int, format string, args ...any) {
		b.WriteString(strings.Repeat("\t", indent))
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line(0, "table inet %s", TableName)
	line(0, "delete table inet %s", TableName)
	line(0, "table inet %s {", TableName)

	line(1, "chain output {")
	line(2, "type filter hook output priority 0; policy drop;")
	line(2, `oif "lo" accept`)
	// DHCP and neighbour discovery keep the physical link usable.
	line(2, "udp sport 68 udp dport 67 accept")
	line(2, "udp sport 546 udp dport 547 accept")
	line(2, "icmpv6 type { nd-router-solicit, nd-neighbor-solicit, nd-neighbor-advert } accept")
	if rule := peerRule(policy); rule != "" {
		line(2, "%s accept", rule)
	}
	if policy.Kind == vpn.PolicyConnected && policy.Interface != "" {
		line(2, "oifname %q accept", policy.Interface)
	}
	if policy.AllowLAN {
		line(2, "ip daddr { %s } accept", strings.Join(slices.Concat(lanNetworks4, multicast4), ", "))
		line(2, "ip6 daddr { %s } accept", strings.Join(slices.Concat(lanNetworks6, multicast6), ", "))
	}
	line(2, "reject")
	line(1, "}")

	line(1, "chain input {")
	line(2, "type filter hook input priority 0; policy drop;")
	line(2, `iif "lo" accept`)
	line(2, "udp sport 67 udp dport 68 accept")
	line(2, "udp sport 547 udp dport 546 accept")
	line(2, "icmpv6 type { nd-router-advert, nd-neighbor-solicit, nd-neighbor-advert, nd-redirect } accept")
	if policy.Peer.IsValid() && policy.Kind != vpn.PolicyBlocked {
		peer := policy.Peer.Addr().Unmap()
		line(2, "%s saddr %s ct state established,related accept", family(peer), peer)
	}
	if policy.Kind == vpn.PolicyConnected && policy.Interface != "" {
		line(2, "iifname %q accept", policy.Interface)
	}
	if policy.AllowLAN {
		line(2, "ip saddr { %s } accept", strings.Join(lanNetworks4, ", "))
		line(2, "ip6 saddr { %s } accept", strings.Join(lanNetworks6, ", "))
	}
	line(1, "}")

	line(0, "}")
	return b.String()
}

// peerRule matches traffic to the relay endpoint, or returns "" when the
// policy has no peer.
func peerRule(policy vpn.Policy) string {
	if policy.Kind == vpn.PolicyBlocked || !policy.Peer.IsValid() {
		return ""
	}
	addr := policy.Peer.Addr().Unmap()
	var proto string
	switch policy.PeerTransport {
	case relay.TCP:
		proto = "meta l4proto tcp"
	case relay.UDP:
		proto = "meta l4proto udp"
	default:
		proto = "meta l4proto { tcp, udp }"
	}
	return fmt.Sprintf("%s daddr %s %s th dport %d", family(addr), addr, proto, policy.Peer.Port())
}

func family(addr netip.Addr) string {
	if addr.Is4() {
		return "ip"
	}
	return "ip6"
}
