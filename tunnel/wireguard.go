package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

var errInterfaceGone = errors.New("tunnel interface disappeared")

// startWireGuard brings the interface up with wg-quick and supervises it.
// The tunnel counts as up after the first completed handshake.
func (m *Monitor) startWireGuard(ctx context.Context, c relay.Candidate) (vpn.TunnelHandle, error) {
	if m.config.WireGuardKey == nil {
		return nil, fmt.Errorf("%w: no WireGuard key configured", common.ErrCredentialsNotFound)
	}
	if c.Exit == nil || c.Exit.PublicKey == "" {
		return nil, fmt.Errorf("relay %s has no WireGuard public key", c)
	}
	if len(m.config.WireGuardAddresses) == 0 {
		return nil, errors.New("no WireGuard tunnel addresses configured")
	}
	key, err := m.config.WireGuardKey(ctx)
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

	endpoint := c.Endpoint.Address
	var obfuscator *process
	if c.Obfuscator != nil {
		local, proc, err := m.startObfuscator(c.Obfuscator)
		if err != nil {
			release()
			return nil, err
		}
		obfuscator = proc
		endpoint = local
		cleanup = append(cleanup, func() { proc.stop(m.config.StopGrace) })
	}

	// wg-quick names the interface after the configuration file.
	confPath := filepath.Join(dir, m.config.Interface+".conf")
	conf := renderWireGuardConfig(wireguardOptions{
		privateKey: key,
		addresses:  m.config.WireGuardAddresses,
		// The entry relay of a multihop pair forwards to the exit, whose
		// key terminates the tunnel.
		peerKey:  c.Exit.PublicKey,
		endpoint: endpoint,
	})
	if err := os.WriteFile(confPath, []byte(conf), 0600); err != nil {
		release()
		return nil, common.WrapIn("tunnel", err, "failed to write configuration")
	}

	if out, err := exec.CommandContext(ctx, m.config.WireGuardQuick, "up", confPath).CombinedOutput(); err != nil {
		release()
		return nil, common.WrapIn("tunnel", err, "wg-quick up failed: "+strings.TrimSpace(string(out)))
	}
	cleanup = append(cleanup, func() { m.wireguardDown(confPath) })

	h := newHandle(cleanup)
	go m.superviseWireGuard(h, obfuscator)
	return h, nil
}

func (m *Monitor) superviseWireGuard(h *handle, obfuscator *process) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	var obfuscatorExited <-chan struct{}
	if obfuscator != nil {
		obfuscatorExited = obfuscator.exited
	}

	up := false
	for {
		select {
		case <-h.stop:
			h.finish(nil)
			return
		case <-h.kill:
			h.finish(nil)
			return
		case <-obfuscatorExited:
			h.finish(fmt.Errorf("obfuscator exited: %w", obfuscator.err))
			return
		case <-ticker.C:
			if !interfaceExists(m.config.Interface) {
				h.finish(errInterfaceGone)
				return
			}
			if up {
				continue
			}
			if m.handshakeCompleted() {
				up = true
				common.LogInfo("Tunnel: WireGuard handshake completed on %s", m.config.Interface)
				h.emit(vpn.TunnelEvent{Kind: vpn.EventUp, Metadata: m.wireguardMetadata()})
			}
		}
	}
}

func (m *Monitor) wireguardMetadata() vpn.TunnelMetadata {
	meta := vpn.TunnelMetadata{
		Interface: m.config.Interface,
		Gateway:   m.config.WireGuardGateway,
	}
	for _, p := range m.config.WireGuardAddresses {
		meta.IPs = append(meta.IPs, p.Addr())
	}
	return meta
}

func (m *Monitor) handshakeCompleted() bool {
	out, err := exec.Command(m.config.WireGuard, "show", m.config.Interface, "latest-handshakes").Output()
	if err != nil {
		common.LogDebug("Tunnel: wg show failed: %v", err)
		return false
	}
	return parseLatestHandshakes(string(out))
}

func (m *Monitor) wireguardDown(confPath string) {
	out, err := exec.Command(m.config.WireGuardQuick, "down", confPath).CombinedOutput()
	if err != nil {
		common.LogWarn("Tunnel: wg-quick down failed: %v - %s", err, strings.TrimSpace(string(out)))
	}
}

// parseLatestHandshakes reports whether any peer in the output of
// "wg show <iface> latest-handshakes" has completed a handshake.
func parseLatestHandshakes(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if ts, err := strconv.ParseInt(fields[1], 10, 64); err == nil && ts > 0 {
			return true
		}
	}
	return false
}

func interfaceExists(name string) bool {
	_, err := os.Stat(filepath.Join("/sys/class/net", name))
	return err == nil
}

type wireguardOptions struct {
	privateKey string
	addresses  []netip.Prefix
	peerKey    string
	endpoint   netip.AddrPort
}

// renderWireGuardConfig builds a wg-quick configuration. Table = off keeps
// routing with the daemon; DNS is likewise configured separately.
func renderWireGuardConfig(o wireguardOptions) string {
	addrs := make([]string, len(o.addresses))
	for i, p := range o.addresses {
		addrs[i] = p.String()
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", o.privateKey)
	fmt.Fprintf(&b, "Address = %s\n", strings.Join(addrs, ", "))
	b.WriteString("Table = off\n")
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", o.peerKey)
	b.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	fmt.Fprintf(&b, "Endpoint = %s\n", o.endpoint)
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}
