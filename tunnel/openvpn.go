package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

// startOpenVPN writes the session's configuration and credentials and
// starts the OpenVPN process. The tunnel is up once OpenVPN reports that
// initialization completed.
func (m *Monitor) startOpenVPN(ctx context.Context, c relay.Candidate) (vpn.TunnelHandle, error) {
	if m.config.OpenVPNCredentials == nil {
		return nil, fmt.Errorf("%w: no OpenVPN credentials configured", common.ErrCredentialsNotFound)
	}
	username, password, err := m.config.OpenVPNCredentials(ctx)
	if err != nil {
		return nil, err
	}

	dir, err := m.sessionDir()
	if err != nil {
		return nil, common.WrapIn("tunnel", err, "failed to create session directory")
	}
	cleanup := []func(){func() { os.RemoveAll(dir) }}
	release := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	opts := openvpnOptions{
		iface:     m.config.Interface,
		endpoint:  c.Endpoint,
		ca:        m.config.OpenVPNCA,
		credsPath: filepath.Join(dir, "credentials"),
	}
	if c.Bridge != nil {
		bridge, err := m.startBridge(c)
		if err != nil {
			release()
			return nil, err
		}
		cleanup = append(cleanup, bridge.Close)
		opts.socksProxy = bridge.Addr()
	}

	if err := os.WriteFile(opts.credsPath, []byte(username+"\n"+password+"\n"), 0600); err != nil {
		release()
		return nil, common.WrapIn("tunnel", err, "failed to write credentials")
	}
	confPath := filepath.Join(dir, "openvpn.conf")
	if err := os.WriteFile(confPath, []byte(renderOpenVPNConfig(opts)), 0600); err != nil {
		release()
		return nil, common.WrapIn("tunnel", err, "failed to write configuration")
	}

	h := newHandle(cleanup)
	out := &openvpnOutput{meta: vpn.TunnelMetadata{Interface: m.config.Interface}}
	authFailed := make(chan struct{}, 1)
	proc, err := startProcess(m.config.OpenVPN, func(line string) {
		ev, ok := out.feed(line)
		if !ok {
			return
		}
		switch ev.Kind {
		case vpn.EventUp:
			common.LogInfo("Tunnel: OpenVPN connection established on %s", ev.Metadata.Interface)
		case vpn.EventAuthFailed:
			common.LogError("Tunnel: OpenVPN authentication failed: %s", ev.Reason)
			select {
			case authFailed <- struct{}{}:
			default:
			}
		}
		h.emit(ev)
	}, "--config", confPath)
	if err != nil {
		release()
		return nil, err
	}

	go m.superviseProcess(h, proc, authFailed)
	return h, nil
}

// superviseProcess relays Close and Kill to proc and finishes h once proc
// has exited. A signal on giveUp terminates proc as Close would.
func (m *Monitor) superviseProcess(h *handle, proc *process, giveUp <-chan struct{}) {
	stop, kill := h.stop, h.kill
	for {
		select {
		case <-giveUp:
			giveUp = nil
			proc.terminate()
		case <-stop:
			stop = nil
			proc.terminate()
		case <-kill:
			kill = nil
			proc.kill()
		case <-proc.exited:
			h.finish(proc.err)
			return
		}
	}
}

type openvpnOptions struct {
	iface      string
	endpoint   relay.Endpoint
	ca         string
	credsPath  string
	socksProxy netip.AddrPort
}

// renderOpenVPNConfig builds the client configuration. Routes and DNS are
// left to the daemon, so OpenVPN only configures the device.
func renderOpenVPNConfig(o openvpnOptions) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("client")
	line("dev %s", o.iface)
	line("dev-type tun")
	if o.endpoint.Transport == relay.TCP || o.socksProxy.IsValid() {
		line("proto tcp-client")
	} else {
		line("proto udp")
	}
	line("remote %s %d", o.endpoint.Address.Addr(), o.endpoint.Address.Port())
	line("nobind")
	line("auth-user-pass %s", o.credsPath)
	line("remote-cert-tls server")
	line("route-noexec")
	line("pull-filter ignore \"dhcp-option\"")
	if o.ca != "" {
		line("ca %s", o.ca)
	}
	if o.socksProxy.IsValid() {
		line("socks-proxy %s %d", o.socksProxy.Addr(), o.socksProxy.Port())
	}
	line("verb 3")
	return b.String()
}

// openvpnOutput tracks what OpenVPN has reported so far.
type openvpnOutput struct {
	meta vpn.TunnelMetadata
	up   bool
}

// feed inspects one line of OpenVPN output and returns the event it
// signals, if any.
func (o *openvpnOutput) feed(line string) (vpn.TunnelEvent, bool) {
	switch {
	case strings.Contains(line, "PUSH_REPLY"):
		o.parsePushReply(line)
	case strings.Contains(line, "TUN/TAP device ") && strings.HasSuffix(line, " opened"):
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "device" && i+1 < len(fields) {
				o.meta.Interface = fields[i+1]
			}
		}
	case strings.Contains(line, "AUTH_FAILED"):
		reason := "authentication failed"
		if _, after, ok := strings.Cut(line, "AUTH_FAILED,"); ok {
			reason = strings.TrimRight(strings.TrimSpace(after), "'")
		}
		return vpn.TunnelEvent{Kind: vpn.EventAuthFailed, Reason: reason}, true
	case strings.Contains(line, "Initialization Sequence Completed") && !o.up:
		o.up = true
		meta := o.meta
		meta.IPs = append([]netip.Addr(nil), o.meta.IPs...)
		return vpn.TunnelEvent{Kind: vpn.EventUp, Metadata: meta}, true
	}
	return vpn.TunnelEvent{}, false
}

// parsePushReply extracts the tunnel addresses and gateway from the
// options pushed by the server.
func (o *openvpnOutput) parsePushReply(line string) {
	_, reply, ok := strings.Cut(line, "PUSH_REPLY,")
	if !ok {
		return
	}
	reply = strings.TrimRight(reply, "'")

	var peer netip.Addr
	for _, opt := range strings.Split(reply, ",") {
		fields := strings.Fields(opt)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "route-gateway":
			if gw, err := netip.ParseAddr(fields[1]); err == nil {
				o.meta.Gateway = gw
			}
		case "ifconfig":
			if ip, err := netip.ParseAddr(fields[1]); err == nil {
				o.meta.IPs = append(o.meta.IPs, ip)
			}
			// In net30 and p2p topologies the second operand is the peer.
			if len(fields) > 2 {
				if ip, err := netip.ParseAddr(fields[2]); err == nil && !isNetmask(ip) {
					peer = ip
				}
			}
		case "ifconfig-ipv6":
			if prefix, err := netip.ParsePrefix(fields[1]); err == nil {
				o.meta.IPs = append(o.meta.IPs, prefix.Addr())
			}
		}
	}
	if !o.meta.Gateway.IsValid() && peer.IsValid() {
		o.meta.Gateway = peer
	}
}

func isNetmask(ip netip.Addr) bool {
	if !ip.Is4() {
		return false
	}
	b := ip.As4()
	mask := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	// A netmask is a run of ones followed by zeros.
	return mask != 0 && (^mask)&(^mask+1) == 0
}
