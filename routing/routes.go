// Package routing sends traffic into the tunnel with the ip command.
//
// The tunnel takes the two halves of each address space (0.0.0.0/1 and
// 128.0.0.0/1, ::/1 and 8000::/1) so that the original default route stays
// in place and can still carry the relay connection and any excluded
// networks.
package routing

import (
	"context"
	"errors"
	"net/netip"
	"os/exec"
	"strings"
	"sync"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/vpn"
)

var tunnelPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/1"),
	netip.MustParsePrefix("128.0.0.0/1"),
	netip.MustParsePrefix("::/1"),
	netip.MustParsePrefix("8000::/1"),
}

// route is one entry in the main routing table.
type route struct {
	prefix netip.Prefix
	via    netip.Addr
	dev    string
}

func (r route) args(verb string) []string {
	var args []string
	if r.prefix.Addr().Is6() {
		args = append(args, "-6")
	}
	args = append(args, "route", verb, r.prefix.String())
	if r.via.IsValid() {
		args = append(args, "via", r.via.String())
	}
	if r.dev != "" {
		args = append(args, "dev", r.dev)
	}
	return args
}

// gateway is the original, non-tunnel default route of one address family.
type gateway struct {
	via netip.Addr
	dev string
}

func (g gateway) valid() bool { return g.dev != "" }

// Manager installs tunnel routes and remembers them for removal.
type Manager struct {
	run  func(ctx context.Context, args ...string) (string, error)
	ipv6 func() bool

	mu        sync.Mutex
	installed []route
}

var _ vpn.RouteManager = (*Manager)(nil)

// New returns a Manager using the ip command from PATH.
func New() *Manager {
	return &Manager{run: runIP, ipv6: IPv6Available}
}

func runIP(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
	if err != nil {
		return string(out), errors.New(strings.TrimSpace(string(out)) + ": " + err.Error())
	}
	return string(out), nil
}

// AddRoutes routes everything through routes.Interface except the relay
// and the excluded networks, which keep using the original gateway.
func (m *Manager) AddRoutes(ctx context.Context, routes vpn.Routes) error {
	gw4 := m.defaultGateway(ctx, false, routes.Interface)
	gw6 := m.defaultGateway(ctx, true, routes.Interface)
	ipv6 := m.ipv6 == nil || m.ipv6()

	viaGateway := func(p netip.Prefix) (route, bool) {
		gw := gw4
		if p.Addr().Is6() {
			gw = gw6
		}
		if !gw.valid() {
			return route{}, false
		}
		return route{prefix: p.Masked(), via: gw.via, dev: gw.dev}, true
	}

	var wanted []route
	if routes.Peer.IsValid() {
		peer := routes.Peer.Unmap()
		if r, ok := viaGateway(netip.PrefixFrom(peer, peer.BitLen())); ok {
			wanted = append(wanted, r)
		}
	}
	for _, p := range tunnelPrefixes {
		if p.Addr().Is6() && !ipv6 {
			continue
		}
		wanted = append(wanted, route{prefix: p, dev: routes.Interface})
	}
	for _, p := range routes.Excluded {
		r, ok := viaGateway(p)
		if !ok {
			common.LogWarn("Routing: No original gateway for excluded network %s", p)
			continue
		}
		wanted = append(wanted, r)
	}

	for _, r := range wanted {
		if _, err := m.run(ctx, r.args("replace")...); err != nil {
			// IPv6 may be disabled on the tunnel device only.
			if r.prefix.Addr().Is6() && r.dev == routes.Interface {
				common.LogWarn("Routing: Could not add %s via %s: %v", r.prefix, r.dev, err)
				continue
			}
			clearErr := m.ClearRoutes(ctx)
			return errors.Join(common.WrapIn("routing", err, "failed to add route "+r.prefix.String()), clearErr)
		}
		common.LogDebug("Routing: ip %s", strings.Join(r.args("replace"), " "))
		m.mu.Lock()
		m.installed = append(m.installed, r)
		m.mu.Unlock()
	}
	common.LogInfo("Routing: Traffic routed through %s (%d excluded networks)", routes.Interface, len(routes.Excluded))
	return nil
}

// ClearRoutes removes every route added since the last clear. Routes that
// vanished with their device are not an error.
func (m *Manager) ClearRoutes(ctx context.Context) error {
	m.mu.Lock()
	installed := m.installed
	m.installed = nil
	m.mu.Unlock()

	var errs []error
	for i := len(installed) - 1; i >= 0; i-- {
		r := installed[i]
		out, err := m.run(ctx, r.args("del")...)
		if err != nil && !routeGone(out) {
			errs = append(errs, common.WrapIn("routing", err, "failed to remove route "+r.prefix.String()))
		}
	}
	return errors.Join(errs...)
}

func routeGone(out string) bool {
	return strings.Contains(out, "No such process") || strings.Contains(out, "Cannot find device")
}

// defaultGateway finds the default route not going through the tunnel.
func (m *Manager) defaultGateway(ctx context.Context, v6 bool, tunnel string) gateway {
	args := []string{"route", "show", "default"}
	if v6 {
		args = append([]string{"-6"}, args...)
	}
	out, err := m.run(ctx, args...)
	if err != nil {
		common.LogDebug("Routing: Could not read default route: %v", err)
		return gateway{}
	}
	return parseDefaultRoute(out, tunnel)
}

// parseDefaultRoute reads the output of "ip route show default" and returns
// the first default route not using the tunnel device.
func parseDefaultRoute(out, tunnel string) gateway {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "default" {
			continue
		}
		var gw gateway
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				if addr, err := netip.ParseAddr(fields[i+1]); err == nil {
					gw.via = addr
				}
			case "dev":
				gw.dev = fields[i+1]
			}
		}
		if gw.dev != "" && gw.dev != tunnel {
			return gw
		}
	}
	return gateway{}
}
