package tunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"time"

	"github.com/armon/go-socks5"
	"github.com/sirupsen/logrus"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
)

// bridgeProxy carries OpenVPN's TCP connection through a shadowsocks
// bridge. OpenVPN talks SOCKS5 to a loopback listener; connections to the
// relay are handed to an sslocal process tunnelling to that relay through
// the bridge.
type bridgeProxy struct {
	front   *socksFront
	forward *process
	grace   time.Duration
}

func (m *Monitor) startBridge(c relay.Candidate) (*bridgeProxy, error) {
	b := c.Bridge
	port, err := freePort("tcp")
	if err != nil {
		return nil, common.WrapIn("tunnel", err, "failed to reserve bridge port")
	}
	forward := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)

	proc, err := startProcess(m.config.ShadowsocksLocal, nil,
		"--protocol", "tunnel",
		"--local-addr", forward.String(),
		"--forward-addr", c.Endpoint.Address.String(),
		"--server-addr", b.Endpoint.String(),
		"--encrypt-method", b.Cipher,
		"--password", b.Password,
	)
	if err != nil {
		return nil, err
	}

	front, err := newSocksFront(c.Endpoint.Address, forward.String())
	if err != nil {
		proc.stop(m.config.StopGrace)
		return nil, err
	}
	common.LogInfo("Tunnel: Bridge %s ready on %s", b.Relay.Hostname, front.Addr())
	return &bridgeProxy{
		front:   front,
		forward: proc,
		grace:   m.config.StopGrace,
	}, nil
}

func (p *bridgeProxy) Addr() netip.AddrPort { return p.front.Addr() }

func (p *bridgeProxy) Close() {
	p.front.Close()
	p.forward.stop(p.grace)
}

// socksFront is a loopback SOCKS5 server that accepts only CONNECT requests
// to a single target and dials forward for each of them.
type socksFront struct {
	listener net.Listener
	logs     io.Closer
}

func newSocksFront(target netip.AddrPort, forward string) (*socksFront, error) {
	logs := common.LogWith(logrus.Fields{"component": "bridge"}).WriterLevel(logrus.DebugLevel)
	server, err := socks5.New(&socks5.Config{
		Rules:  onlyTarget{target: target},
		Logger: log.New(logs, "", 0),
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", forward)
		},
	})
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("socks5: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logs.Close()
		return nil, common.WrapIn("tunnel", err, "failed to listen for SOCKS5")
	}
	go func() {
		if err := server.Serve(ln); err != nil {
			common.LogDebug("Tunnel: SOCKS5 server stopped: %v", err)
		}
	}()
	return &socksFront{listener: ln, logs: logs}, nil
}

func (f *socksFront) Addr() netip.AddrPort {
	ap := f.listener.Addr().(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (f *socksFront) Close() {
	f.listener.Close()
	f.logs.Close()
}

// onlyTarget permits CONNECT to the relay endpoint and nothing else.
type onlyTarget struct {
	target netip.AddrPort
}

func (r onlyTarget) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	if req.Command != socks5.ConnectCommand || req.DestAddr == nil {
		return ctx, false
	}
	ip, ok := netip.AddrFromSlice(req.DestAddr.IP)
	if !ok {
		return ctx, false
	}
	return ctx, ip.Unmap() == r.target.Addr().Unmap() && uint16(req.DestAddr.Port) == r.target.Port()
}
