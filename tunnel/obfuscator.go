package tunnel

import (
	"net/netip"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
)

// startObfuscator runs udp2tcp so that WireGuard can send its UDP traffic
// to a loopback port which is forwarded over TCP to the relay. It returns
// the local endpoint WireGuard should use.
func (m *Monitor) startObfuscator(o *relay.Obfuscator) (netip.AddrPort, *process, error) {
	port, err := freePort("udp")
	if err != nil {
		return netip.AddrPort{}, nil, common.WrapIn("tunnel", err, "failed to reserve obfuscator port")
	}
	local := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)

	proc, err := startProcess(m.config.Udp2Tcp, nil,
		"--udp-listen", local.String(),
		"--tcp-forward", o.Endpoint.String(),
		"--nodelay",
	)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	common.LogInfo("Tunnel: udp2tcp forwarding %s to %s", local, o.Endpoint)
	return local, proc, nil
}
