// Package dns points the system resolver at the tunnel through
// systemd-resolved's D-Bus API.
package dns

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/vpn"
)

const (
	resolvedDest = "org.freedesktop.resolve1"
	resolvedPath = dbus.ObjectPath("/org/freedesktop/resolve1")
	managerIface = "org.freedesktop.resolve1.Manager"
)

// linkAddress is the (iay) structure SetLinkDNS takes.
type linkAddress struct {
	Family  int32
	Address []byte
}

// linkDomain is the (sb) structure SetLinkDomains takes.
type linkDomain struct {
	Domain      string
	RoutingOnly bool
}

// Resolved configures per-link DNS in systemd-resolved. The link the
// servers were set on is remembered so that Reset can revert it.
type Resolved struct {
	obj   dbus.BusObject
	index func(name string) (int, error)

	mu   sync.Mutex
	link int
}

var _ vpn.DNSMonitor = (*Resolved)(nil)

// NewResolved connects to the system bus.
func NewResolved() (*Resolved, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, common.WrapIn("dns", err, "failed to connect to system bus")
	}
	return newResolved(conn.Object(resolvedDest, resolvedPath), interfaceIndex), nil
}

func newResolved(obj dbus.BusObject, index func(string) (int, error)) *Resolved {
	return &Resolved{obj: obj, index: index}
}

func interfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return iface.Index, nil
}

// Set makes servers the resolvers for every domain, reached via iface.
func (r *Resolved) Set(ctx context.Context, iface string, servers []netip.Addr) error {
	idx, err := r.index(iface)
	if err != nil {
		return common.WrapIn("dns", err, "failed to look up "+iface)
	}

	addrs := make([]linkAddress, 0, len(servers))
	for _, s := range servers {
		family := int32(2) // AF_INET
		if !s.Unmap().Is4() {
			family = 10 // AF_INET6
		}
		addrs = append(addrs, linkAddress{Family: family, Address: s.Unmap().AsSlice()})
	}

	calls := []struct {
		method string
		args   []any
	}{
		{"SetLinkDNS", []any{int32(idx), addrs}},
		// "~." routes every lookup to this link.
		{"SetLinkDomains", []any{int32(idx), []linkDomain{{Domain: ".", RoutingOnly: true}}}},
		{"SetLinkDefaultRoute", []any{int32(idx), true}},
	}
	for _, c := range calls {
		if err := r.obj.CallWithContext(ctx, managerIface+"."+c.method, 0, c.args...).Err; err != nil {
			return common.WrapIn("dns", err, c.method+" failed")
		}
	}

	r.mu.Lock()
	r.link = idx
	r.mu.Unlock()
	common.LogInfo("DNS: Using %v on %s", servers, iface)
	return nil
}

// Reset reverts the link configured by the last Set.
func (r *Resolved) Reset(ctx context.Context) error {
	r.mu.Lock()
	idx := r.link
	r.link = 0
	r.mu.Unlock()
	if idx == 0 {
		return nil
	}

	err := r.obj.CallWithContext(ctx, managerIface+".RevertLink", 0, int32(idx)).Err
	if err != nil {
		// The tunnel interface may already be gone, taking its settings with it.
		if _, lookupErr := net.InterfaceByIndex(idx); lookupErr != nil {
			return nil
		}
		return common.WrapIn("dns", err, "RevertLink failed")
	}
	common.LogInfo("DNS: Reverted link %d", idx)
	return nil
}
