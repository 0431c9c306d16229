// Package tunnel starts and supervises the processes behind a VPN tunnel:
// OpenVPN, wg-quick, the udp2tcp obfuscator and the shadowsocks bridge.
//
// Monitor implements vpn.TunnelMonitor. Each started tunnel is owned by a
// single supervising goroutine which reports Up once the tunnel carries
// traffic and a terminal event when it stops for any reason other than
// Close or Kill.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

// Config holds the binaries and credentials used to bring tunnels up.
type Config struct {
	// Interface is the name given to the tunnel device.
	Interface string
	// RuntimeDir holds per-tunnel configuration and credential files.
	RuntimeDir string

	OpenVPN          string
	WireGuardQuick   string
	WireGuard        string
	Udp2Tcp          string
	ShadowsocksLocal string

	// OpenVPNCA is the relay CA certificate passed to OpenVPN.
	OpenVPNCA string
	// OpenVPNCredentials returns the username and password for OpenVPN relays.
	OpenVPNCredentials func(ctx context.Context) (string, string, error)

	// WireGuardKey returns the base64 private key of this device.
	WireGuardKey func(ctx context.Context) (string, error)
	// WireGuardAddresses are the in-tunnel addresses assigned to this device.
	WireGuardAddresses []netip.Prefix
	// WireGuardGateway is the in-tunnel gateway of every WireGuard relay.
	WireGuardGateway netip.Addr

	// PollInterval is how often the WireGuard interface is checked.
	PollInterval time.Duration
	// StopGrace bounds how long helper processes get to exit.
	StopGrace time.Duration
}

// DefaultConfig returns a Config using binaries from PATH.
func DefaultConfig() Config {
	return Config{
		Interface:        common.DefaultTunnelInterface,
		RuntimeDir:       common.GetRuntimeDir(),
		OpenVPN:          "openvpn",
		WireGuardQuick:   "wg-quick",
		WireGuard:        "wg",
		Udp2Tcp:          "udp2tcp",
		ShadowsocksLocal: "sslocal",
		WireGuardGateway: netip.MustParseAddr("10.64.0.1"),
		PollInterval:     common.MonitorInterval,
		StopGrace:        2 * time.Second,
	}
}

// Monitor starts tunnels for relay candidates.
type Monitor struct {
	config Config
}

var _ vpn.TunnelMonitor = (*Monitor)(nil)

// NewMonitor creates a Monitor. Zero fields of config take their defaults.
func NewMonitor(config Config) *Monitor {
	def := DefaultConfig()
	if config.Interface == "" {
		config.Interface = def.Interface
	}
	if config.RuntimeDir == "" {
		config.RuntimeDir = def.RuntimeDir
	}
	if config.OpenVPN == "" {
		config.OpenVPN = def.OpenVPN
	}
	if config.WireGuardQuick == "" {
		config.WireGuardQuick = def.WireGuardQuick
	}
	if config.WireGuard == "" {
		config.WireGuard = def.WireGuard
	}
	if config.Udp2Tcp == "" {
		config.Udp2Tcp = def.Udp2Tcp
	}
	if config.ShadowsocksLocal == "" {
		config.ShadowsocksLocal = def.ShadowsocksLocal
	}
	if !config.WireGuardGateway.IsValid() {
		config.WireGuardGateway = def.WireGuardGateway
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.StopGrace <= 0 {
		config.StopGrace = def.StopGrace
	}
	return &Monitor{config: config}
}

// Start brings up a tunnel to the candidate's endpoint.
func (m *Monitor) Start(ctx context.Context, c relay.Candidate) (vpn.TunnelHandle, error) {
	common.LogInfo("Tunnel: Starting %s tunnel to %s", c.Protocol, c)
	switch c.Protocol {
	case relay.WireGuard:
		return m.startWireGuard(ctx, c)
	case relay.OpenVPN:
		return m.startOpenVPN(ctx, c)
	default:
		return nil, fmt.Errorf("unsupported tunnel protocol %q", c.Protocol)
	}
}

// sessionDir creates a private directory for one tunnel's files.
func (m *Monitor) sessionDir() (string, error) {
	dir := filepath.Join(m.config.RuntimeDir, "tunnel-"+common.ShortID(common.GenerateID()))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// freePort asks the kernel for an unused loopback port.
func freePort(network string) (uint16, error) {
	switch network {
	case "udp":
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			return 0, err
		}
		defer conn.Close()
		return uint16(conn.LocalAddr().(*net.UDPAddr).Port), nil
	default:
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, err
		}
		defer ln.Close()
		return uint16(ln.Addr().(*net.TCPAddr).Port), nil
	}
}
