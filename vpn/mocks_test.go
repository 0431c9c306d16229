package vpn

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/yllada/vpnd/relay"
)

type mockFirewall struct {
	mu       sync.Mutex
	applied  []Policy
	resets   int
	applyErr func(Policy) error
	resetErr error
}

func (f *mockFirewall) ApplyPolicy(ctx context.Context, p Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, p)
	if f.applyErr != nil {
		return f.applyErr(p)
	}
	return nil
}

func (f *mockFirewall) ResetPolicy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *mockFirewall) setResetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetErr = err
}

func (f *mockFirewall) policies() []Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Policy(nil), f.applied...)
}

func (f *mockFirewall) lastPolicy() (Policy, bool) {
	p := f.policies()
	if len(p) == 0 {
		return Policy{}, false
	}
	return p[len(p)-1], true
}

type mockDNS struct {
	mu      sync.Mutex
	iface   string
	servers []netip.Addr
	sets    int
	resets  int
	setErr  error
}

func (d *mockDNS) Set(ctx context.Context, iface string, servers []netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets++
	d.iface = iface
	d.servers = servers
	return d.setErr
}

func (d *mockDNS) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

type mockRoutes struct {
	mu     sync.Mutex
	added  []Routes
	clears int
	addErr error
}

func (r *mockRoutes) AddRoutes(ctx context.Context, routes Routes) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, routes)
	return r.addErr
}

func (r *mockRoutes) ClearRoutes(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	return nil
}

var testMetadata = TunnelMetadata{
	Interface: "wg-test",
	IPs:       []netip.Addr{netip.MustParseAddr("10.64.0.2")},
	Gateway:   netip.MustParseAddr("10.64.0.1"),
}

func upEvents(n int) []TunnelEvent {
	return []TunnelEvent{{Kind: EventUp, Metadata: testMetadata}}
}

// mockTunnel starts mockHandles. script decides what the n-th started tunnel
// reports; a script ending in AuthFailed or Down makes the tunnel exit on
// its own, otherwise it runs until closed.
type mockTunnel struct {
	mu          sync.Mutex
	script      func(n int) []TunnelEvent
	startErr    func(n int) error
	ignoreClose bool
	starts      int
	live        int
	maxLive     int
	candidates  []relay.Candidate
	handles     []*mockHandle
}

func (t *mockTunnel) Start(ctx context.Context, c relay.Candidate) (TunnelHandle, error) {
	t.mu.Lock()
	n := t.starts
	t.starts++
	t.candidates = append(t.candidates, c)
	if t.startErr != nil {
		if err := t.startErr(n); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	t.live++
	t.maxLive = max(t.maxLive, t.live)
	script := upEvents
	if t.script != nil {
		script = t.script
	}
	ignoreClose := t.ignoreClose
	t.mu.Unlock()

	h := newMockHandle(script(n), ignoreClose, func() {
		t.mu.Lock()
		t.live--
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.handles = append(t.handles, h)
	t.mu.Unlock()
	return h, nil
}

func (t *mockTunnel) startCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

func (t *mockTunnel) maxConcurrent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxLive
}

func (t *mockTunnel) lastHandle() *mockHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.handles) == 0 {
		return nil
	}
	return t.handles[len(t.handles)-1]
}

type mockHandle struct {
	events      chan TunnelEvent
	done        chan struct{}
	ignoreClose bool
	onExit      func()
	exitOnce    sync.Once
	eventsOnce  sync.Once
	closed      atomic.Int32
	killed      atomic.Bool
}

func newMockHandle(script []TunnelEvent, ignoreClose bool, onExit func()) *mockHandle {
	h := &mockHandle{
		events:      make(chan TunnelEvent, len(script)+1),
		done:        make(chan struct{}),
		ignoreClose: ignoreClose,
		onExit:      onExit,
	}
	for _, ev := range script {
		h.events <- ev
		if ev.Kind != EventUp {
			h.finish()
			break
		}
	}
	return h
}

func (h *mockHandle) Events() <-chan TunnelEvent { return h.events }
func (h *mockHandle) Done() <-chan struct{}      { return h.done }

func (h *mockHandle) Close() {
	h.closed.Add(1)
	if !h.ignoreClose {
		h.finish()
	}
}

func (h *mockHandle) Kill() {
	h.killed.Store(true)
	h.finish()
}

// drop reports the tunnel as down and exits, as a crashed process would.
func (h *mockHandle) drop() {
	h.eventsOnce.Do(func() {
		h.events <- TunnelEvent{Kind: EventDown}
		close(h.events)
	})
	h.exit()
}

func (h *mockHandle) finish() {
	h.eventsOnce.Do(func() { close(h.events) })
	h.exit()
}

func (h *mockHandle) exit() {
	h.exitOnce.Do(func() {
		h.onExit()
		close(h.done)
	})
}

func testCatalogue() *relay.Catalogue {
	wg := func(host, city, v4, v6 string) relay.Relay {
		return relay.Relay{
			Hostname: host,
			IPv4:     netip.MustParseAddr(v4),
			IPv6:     netip.MustParseAddr(v6),
			Kind:     relay.KindWireGuard,
			Active:   true,
			Weight:   1,
			Location: relay.Location{
				Country:     "Sweden",
				CountryCode: "se",
				City:        city,
				CityCode:    city[:3],
			},
		}
	}
	return &relay.Catalogue{
		Relays: []relay.Relay{
			wg("se-got-wg-001", "gothenburg", "185.213.154.1", "2a03:1b20::1"),
			wg("se-sto-wg-001", "stockholm", "185.213.155.1", "2a03:1b20::2"),
		},
		WireGuardPorts: []relay.PortRange{{First: 53, Last: 53}, {First: 443, Last: 443}, {First: 51820, Last: 51820}},
	}
}
