// Package vpn provides the tunnel state machine.
// This file contains the Manager type, which owns the lifecycle of the
// single logical tunnel connection and drives the firewall, DNS, routing
// and tunnel collaborators.
package vpn

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/retry"
)

// Config wires a Manager to its collaborators. Firewall, DNS, Routes,
// Tunnel and Relays are required.
type Config struct {
	Firewall Firewall
	DNS      DNSMonitor
	Routes   RouteManager
	Tunnel   TunnelMonitor
	Relays   RelaySource

	// Selector defaults to a randomly seeded relay.Selector.
	Selector RelaySelector
	// Scheduler defaults to retry.NewScheduler with the package delays.
	Scheduler *retry.Scheduler
	// Clock, if set, is checked after every authentication failure.
	Clock ClockCheck

	// Query and Target are the persisted settings read at startup.
	Query  relay.Query
	Target TargetState
	// OnTargetChange is called from the manager loop whenever the target
	// state changes, so it can be persisted.
	OnTargetChange func(TargetState)

	// DNSServers overrides the tunnel gateway as resolver.
	DNSServers            []netip.Addr
	ExcludedNetworks      []netip.Prefix
	AllowLAN              bool
	BlockWhenDisconnected bool

	EstablishTimeout time.Duration
	TeardownGrace    time.Duration
	ShutdownTimeout  time.Duration

	// MaxAuthRetries is how many consecutive authentication failures are
	// retried; the next one blocks. Zero selects the default, so at least
	// one retry is always made.
	MaxAuthRetries int
	// MaxStartRetries is how many consecutive tunnel start failures are
	// retried; the next one blocks. Zero selects the default.
	MaxStartRetries int
	// MaxSelectionAttempts bounds consecutive attempts that found no relay.
	// Zero selects the default.
	MaxSelectionAttempts int

	// Connectivity configures the check run while connected. A zero
	// Interval disables it.
	Connectivity ConnectivityConfig

	// IPv6Available reports whether the host can reach IPv6 endpoints.
	// nil means it can.
	IPv6Available func() bool
}

func (c *Config) applyDefaults() {
	if c.Selector == nil {
		c.Selector = relay.NewRandomSelector()
	}
	if c.Scheduler == nil {
		c.Scheduler = retry.NewScheduler(0, 0)
	}
	if c.EstablishTimeout <= 0 {
		c.EstablishTimeout = common.EstablishTimeout
	}
	if c.TeardownGrace <= 0 {
		c.TeardownGrace = common.TeardownGrace
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = common.ShutdownTimeout
	}
	if c.MaxAuthRetries <= 0 {
		c.MaxAuthRetries = common.MaxAuthRetries
	}
	if c.MaxStartRetries <= 0 {
		c.MaxStartRetries = common.MaxStartRetries
	}
	if c.MaxSelectionAttempts <= 0 {
		c.MaxSelectionAttempts = common.MaxSelectionAttempts
	}
}

type eventKind int

const (
	evTunnel eventKind = iota
	evStartFailed
	evTaskExited
	evRetry
	evEstablishTimeout
	evConnectivityLost
)

func (k eventKind) String() string {
	switch k {
	case evTunnel:
		return "tunnel"
	case evStartFailed:
		return "start_failed"
	case evTaskExited:
		return "task_exited"
	case evRetry:
		return "retry"
	case evEstablishTimeout:
		return "establish_timeout"
	default:
		return "connectivity_lost"
	}
}

// event is produced by a detached task. gen is the generation of the
// attempt that spawned it; events from older generations are dropped.
type event struct {
	kind   eventKind
	gen    uint64
	tunnel TunnelEvent
	err    error
}

// tunnelTask owns a TunnelHandle for its lifetime.
type tunnelTask struct {
	gen    uint64
	cancel context.CancelFunc
}

// Manager is the tunnel state machine. All state transitions happen inside
// Run, one command or event at a time; the other methods only exchange
// messages with it.
type Manager struct {
	cfg      Config
	commands chan Command
	events   chan event
	done     chan struct{}
	started  atomic.Bool
	hub      *broadcaster
	live     atomic.Int32

	// Everything below is owned by the Run goroutine.
	ctx               context.Context
	state             TunnelState
	target            TargetState
	query             relay.Query
	attempt           uint32
	authFailures      int
	startFailures     int
	selectionFailures int
	generation        uint64
	task              *tunnelTask
	candidate         *relay.Candidate
	pending           bool
	overrides         bool
	retryTimer        *time.Timer
	establishTimer    *time.Timer
	stopWatch         context.CancelFunc
	shutdown          bool
	shutdownC         <-chan time.Time
}

// NewManager creates a tunnel manager. It does nothing until Run is called.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Firewall == nil:
		return nil, errors.New("vpn: firewall is required")
	case cfg.DNS == nil:
		return nil, errors.New("vpn: DNS monitor is required")
	case cfg.Routes == nil:
		return nil, errors.New("vpn: route manager is required")
	case cfg.Tunnel == nil:
		return nil, errors.New("vpn: tunnel monitor is required")
	case cfg.Relays == nil:
		return nil, errors.New("vpn: relay source is required")
	}
	cfg.applyDefaults()

	return &Manager{
		cfg:      cfg,
		commands: make(chan Command),
		events:   make(chan event, 16),
		done:     make(chan struct{}),
		hub:      newBroadcaster(Disconnected()),
		state:    Disconnected(),
		target:   cfg.Target,
		query:    cfg.Query,
	}, nil
}

// State returns the most recently published tunnel state.
func (m *Manager) State() TunnelState {
	return m.hub.current()
}

// Subscribe returns a channel that yields the current state followed by
// every transition, in order. The channel is closed when the manager stops
// or cancel is called.
func (m *Manager) Subscribe() (<-chan TunnelState, func()) {
	return m.hub.subscribe()
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// LiveTunnels returns the number of tunnel tasks that have not exited yet.
// It never exceeds one.
func (m *Manager) LiveTunnels() int {
	return int(m.live.Load())
}

// Run processes commands and events until Shutdown is sent or ctx is
// cancelled. Either way it first drives the tunnel to Disconnected, bounded
// by the shutdown timeout.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("vpn: manager is already running")
	}
	defer close(m.done)
	defer m.hub.close()

	// Collaborator calls made while shutting down must outlive ctx.
	m.ctx = context.WithoutCancel(ctx)

	common.LogInfo("Tunnel manager started (target: %s)", m.target)
	if m.target == TargetSecured {
		m.connect()
	} else {
		m.enterDisconnected()
	}

	ctxDone := ctx.Done()
	for {
		settled := m.state.Kind == StateDisconnected || m.state.Kind == StateBlocked
		if m.shutdown && settled && m.task == nil {
			m.stopTimers()
			common.LogInfo("Tunnel manager stopped in state %s", m.state)
			return nil
		}

		select {
		case cmd := <-m.commands:
			m.handleCommand(cmd)
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-ctxDone:
			ctxDone = nil
			m.beginShutdown()
		case <-m.shutdownC:
			m.stopTimers()
			if m.task != nil {
				m.task.cancel()
			}
			common.LogWarn("Shutdown timed out in state %s", m.state)
			return common.ErrTimeout
		}
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) handleCommand(cmd Command) {
	common.LogDebug("Command %s in state %s", cmd.Kind, m.state.Kind)

	if m.shutdown && cmd.Kind != CmdShutdown {
		cmd.respond(false)
		return
	}

	switch cmd.Kind {
	case CmdConnect:
		m.setTarget(TargetSecured)
		cmd.respond(m.connect())
	case CmdDisconnect:
		m.setTarget(TargetUnsecured)
		cmd.respond(m.disconnect())
	case CmdReconnect:
		cmd.respond(m.reconnect())
	case CmdSettingsChanged:
		cmd.respond(m.settingsChanged(cmd.Query))
	case CmdShutdown:
		m.beginShutdown()
		cmd.respond(true)
	default:
		cmd.respond(false)
	}
}

func (m *Manager) handleEvent(ev event) {
	if ev.kind == evTaskExited {
		if m.task != nil && m.task.gen == ev.gen {
			m.taskExited()
		}
		return
	}
	if ev.gen != m.generation {
		common.LogDebug("Dropping stale %s event (generation %d, current %d)", ev.kind, ev.gen, m.generation)
		return
	}

	switch ev.kind {
	case evRetry:
		m.retryTimer = nil
		if m.state.Kind == StateConnecting {
			m.beginAttempt()
		}
	case evEstablishTimeout:
		m.establishTimer = nil
		if m.state.Kind == StateConnecting {
			common.LogWarn("Tunnel not established within %v", m.cfg.EstablishTimeout)
			m.retryAttempt()
		}
	case evConnectivityLost:
		if m.state.Kind == StateConnected {
			common.LogWarn("Connectivity through the tunnel lost")
			m.retryAttempt()
		}
	case evStartFailed:
		m.startFailed(ev.err)
	case evTunnel:
		m.handleTunnelEvent(ev.tunnel)
	}
}

func (m *Manager) handleTunnelEvent(te TunnelEvent) {
	switch te.Kind {
	case EventUp:
		if m.state.Kind == StateConnecting {
			m.enterConnected(te.Metadata)
		}
	case EventAuthFailed:
		m.authFailures++
		common.LogWarn("Authentication failed (%d/%d): %s", m.authFailures, m.cfg.MaxAuthRetries, te.Reason)
		m.checkClock()
		if m.authFailures > m.cfg.MaxAuthRetries {
			m.fail(BlockAuthFailed)
			return
		}
		m.retryAttempt()
	case EventDown:
		if te.Err != nil {
			common.LogWarn("Tunnel went down: %v", te.Err)
		} else {
			common.LogInfo("Tunnel went down")
		}
		m.retryAttempt()
	}
}

func (m *Manager) taskExited() {
	m.task = nil

	switch m.state.Kind {
	case StateDisconnecting:
		m.resolveAfter()
	case StateConnecting:
		switch {
		case m.pending:
			m.beginAttempt()
		case m.retryTimer == nil:
			// Exited without reporting why.
			m.retryAttempt()
		}
	case StateConnected:
		m.retryAttempt()
	}
}

func (m *Manager) connect() bool {
	switch m.state.Kind {
	case StateDisconnected, StateBlocked:
		m.resetAttempts()
		m.beginAttempt()
		return true
	case StateConnecting:
		m.restart()
		return true
	case StateDisconnecting:
		m.resetAttempts()
		m.setState(Disconnecting(AfterDisconnect{Kind: AfterReconnect}))
		return true
	default:
		return false
	}
}

func (m *Manager) disconnect() bool {
	switch m.state.Kind {
	case StateDisconnected:
		return false
	case StateBlocked:
		m.enterDisconnected()
		return true
	case StateDisconnecting:
		if m.state.After.Kind == AfterNothing {
			return false
		}
		m.setState(Disconnecting(AfterDisconnect{Kind: AfterNothing}))
		return true
	default:
		m.teardown(AfterDisconnect{Kind: AfterNothing})
		return true
	}
}

func (m *Manager) reconnect() bool {
	switch m.state.Kind {
	case StateConnecting, StateConnected:
		m.restart()
		return true
	default:
		return false
	}
}

func (m *Manager) settingsChanged(q relay.Query) bool {
	if q.Equal(m.query) {
		return false
	}
	m.query = q
	common.LogInfo("Relay constraints changed")

	switch m.state.Kind {
	case StateConnecting, StateConnected:
		m.restart()
	}
	return true
}

func (m *Manager) beginShutdown() {
	if m.shutdown {
		return
	}
	common.LogInfo("Shutting down tunnel manager")
	m.shutdown = true
	m.shutdownC = time.After(m.cfg.ShutdownTimeout)

	switch m.state.Kind {
	case StateDisconnected:
	case StateBlocked:
		m.enterDisconnected()
	default:
		m.disconnect()
	}
}

// restart abandons the current attempt or tunnel and starts again from
// attempt 0 without waiting for a backoff.
func (m *Manager) restart() {
	m.resetAttempts()
	if m.task == nil {
		m.beginAttempt()
		return
	}
	m.teardown(AfterDisconnect{Kind: AfterReconnect})
}

// teardown stops the current tunnel and enters Disconnecting. after is
// resolved once the tunnel task has exited.
func (m *Manager) teardown(after AfterDisconnect) {
	m.stopTimers()
	m.generation++
	m.pending = false
	if m.task != nil {
		m.task.cancel()
	}
	m.setState(Disconnecting(after))
	if m.task == nil {
		m.resolveAfter()
	}
}

func (m *Manager) resolveAfter() {
	after := m.state.After
	switch after.Kind {
	case AfterReconnect:
		m.beginAttempt()
	case AfterBlock:
		m.enterBlocked(after.Reason)
	default:
		m.enterDisconnected()
	}
}

// fail blocks with reason, tearing the tunnel down first if there is one.
func (m *Manager) fail(reason BlockReason) {
	if m.task != nil {
		m.teardown(AfterDisconnect{Kind: AfterBlock, Reason: reason})
		return
	}
	m.enterBlocked(reason)
}

func (m *Manager) policyFailed(domain, action string, err error) {
	err = common.WrapIn(domain, err, action)
	common.LogWith(logrus.Fields{"state": m.state.Kind.String()}).WithError(err).Error("Policy failure")
	m.fail(BlockSetFirewallPolicyError)
}

// beginAttempt selects a relay and starts a tunnel to it. If the previous
// tunnel is still exiting, the attempt starts once it is gone.
func (m *Manager) beginAttempt() {
	m.stopTimers()
	if m.task != nil {
		m.pending = true
		if m.state.Kind != StateConnecting {
			m.setState(Connecting(nil))
		}
		return
	}
	m.pending = false
	m.generation++
	m.candidate = nil

	if m.overrides {
		if err := m.clearOverrides(); err != nil {
			m.policyFailed("routing", "clear tunnel overrides", err)
			return
		}
	}

	snapshot := m.cfg.Relays.Snapshot()
	ipv6 := m.ipv6Available()
	step := m.cfg.Scheduler.Next(m.attempt, m.query, ipv6)
	candidate, err := m.cfg.Selector.Select(m.query, snapshot, step)
	if err != nil && !step.IsZero() && relay.IsRetryable(err) {
		// The step only expresses a preference; the user's own constraints
		// may still match.
		common.LogDebug("No relay for %s, falling back to the configured constraints: %v", step, err)
		step = relay.RelaxationStep{}
		candidate, err = m.cfg.Selector.Select(m.query, snapshot, step)
	}
	if err == nil && !ipv6 && m.query.IPVersion != relay.IPv6 && candidate.PeerAddress().Addr().Is6() {
		// Only relays without an IPv4 address matched.
		step.IPVersion = relay.IPv4
		candidate, err = m.cfg.Selector.Select(m.query, snapshot, step)
	}
	if err != nil {
		m.selectionFailures++
		if relay.IsRetryable(err) && m.selectionFailures < m.cfg.MaxSelectionAttempts {
			common.LogWarn("No relay for attempt %d with %s: %v", m.attempt, step, err)
			m.scheduleRetry()
			if m.state.Kind != StateConnecting {
				m.setState(Connecting(nil))
			}
			return
		}
		common.LogError("Relay selection failed: %v", err)
		m.enterBlocked(BlockNoMatchingRelay)
		return
	}
	m.selectionFailures = 0

	if candidate.PeerAddress().Addr().Is6() && !ipv6 {
		common.LogError("Relay %s needs IPv6, which is unavailable", candidate.FirstHop().Hostname)
		m.enterBlocked(BlockIpv6Unavailable)
		return
	}

	policy := Policy{
		Kind:          PolicyConnecting,
		Peer:          candidate.PeerAddress(),
		PeerTransport: candidate.PeerTransport(),
		AllowLAN:      m.cfg.AllowLAN,
	}
	if err := m.cfg.Firewall.ApplyPolicy(m.ctx, policy); err != nil {
		m.policyFailed("firewall", "apply connecting policy", err)
		return
	}

	m.candidate = &candidate
	m.setState(Connecting(&candidate))
	m.startTask(candidate)

	gen := m.generation
	m.establishTimer = time.AfterFunc(m.cfg.EstablishTimeout, func() {
		m.post(event{kind: evEstablishTimeout, gen: gen})
	})
}

// retryAttempt abandons the current attempt and schedules the next one.
func (m *Manager) retryAttempt() {
	m.stopTimers()
	m.generation++
	m.pending = false
	if m.task != nil {
		m.task.cancel()
	}
	m.scheduleRetry()
	if m.state.Kind != StateConnecting {
		m.setState(Connecting(nil))
	}
}

func (m *Manager) scheduleRetry() {
	m.attempt++
	delay := m.cfg.Scheduler.Delay(m.attempt)
	gen := m.generation
	common.LogInfo("Retrying in %v (attempt %d)", delay, m.attempt)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.post(event{kind: evRetry, gen: gen})
	})
}

func (m *Manager) startFailed(err error) {
	m.startFailures++
	common.LogWarn("Failed to start tunnel (%d/%d): %v", m.startFailures, m.cfg.MaxStartRetries, err)
	if m.startFailures > m.cfg.MaxStartRetries {
		m.fail(BlockStartTunnelError)
		return
	}
	m.retryAttempt()
}

func (m *Manager) enterConnected(meta TunnelMetadata) {
	m.stopTimers()
	candidate := m.candidate

	policy := Policy{
		Kind:          PolicyConnected,
		Peer:          candidate.PeerAddress(),
		PeerTransport: candidate.PeerTransport(),
		Interface:     meta.Interface,
		AllowLAN:      m.cfg.AllowLAN,
	}
	if err := m.cfg.Firewall.ApplyPolicy(m.ctx, policy); err != nil {
		m.policyFailed("firewall", "apply connected policy", err)
		return
	}

	m.overrides = true
	if servers := m.dnsServers(meta); len(servers) > 0 {
		if err := m.cfg.DNS.Set(m.ctx, meta.Interface, servers); err != nil {
			m.policyFailed("dns", "set tunnel resolvers", err)
			return
		}
	}
	routes := Routes{
		Interface: meta.Interface,
		Peer:      candidate.PeerAddress().Addr(),
		Excluded:  m.cfg.ExcludedNetworks,
	}
	if err := m.cfg.Routes.AddRoutes(m.ctx, routes); err != nil {
		m.policyFailed("routing", "add tunnel routes", err)
		return
	}

	m.resetAttempts()
	m.setState(Connected(candidate))
	m.startWatcher()
}

func (m *Manager) dnsServers(meta TunnelMetadata) []netip.Addr {
	if len(m.cfg.DNSServers) > 0 {
		return m.cfg.DNSServers
	}
	if meta.Gateway.IsValid() {
		return []netip.Addr{meta.Gateway}
	}
	return nil
}

func (m *Manager) clearOverrides() error {
	m.overrides = false
	routeErr := m.cfg.Routes.ClearRoutes(m.ctx)
	dnsErr := m.cfg.DNS.Reset(m.ctx)
	return errors.Join(routeErr, dnsErr)
}

func (m *Manager) enterDisconnected() {
	m.stopTimers()
	m.candidate = nil
	m.pending = false

	if err := m.clearOverrides(); err != nil {
		m.policyFailed("routing", "clear tunnel overrides", err)
		return
	}

	var err error
	if m.cfg.BlockWhenDisconnected {
		err = m.cfg.Firewall.ApplyPolicy(m.ctx, Policy{Kind: PolicyBlocked, AllowLAN: m.cfg.AllowLAN})
	} else {
		err = m.cfg.Firewall.ResetPolicy(m.ctx)
	}
	if err != nil {
		m.policyFailed("firewall", "apply disconnected policy", err)
		return
	}
	m.setState(Disconnected())
}

// enterBlocked must only be called with no tunnel task alive.
func (m *Manager) enterBlocked(reason BlockReason) {
	m.stopTimers()
	m.candidate = nil
	m.pending = false

	if err := m.clearOverrides(); err != nil {
		common.LogError("Failed to clear tunnel overrides while blocking: %v", err)
	}
	if err := m.cfg.Firewall.ApplyPolicy(m.ctx, Policy{Kind: PolicyBlocked, AllowLAN: m.cfg.AllowLAN}); err != nil {
		err = common.WrapIn("firewall", err, "apply blocked policy")
		common.LogError("Traffic may not be blocked: %v", err)
	}
	m.setState(Blocked(reason))
}

func (m *Manager) startTask(candidate relay.Candidate) {
	ctx, cancel := context.WithCancel(m.ctx)
	task := &tunnelTask{gen: m.generation, cancel: cancel}
	m.task = task
	m.live.Add(1)
	go m.runTask(ctx, task, candidate)
}

func (m *Manager) runTask(ctx context.Context, task *tunnelTask, candidate relay.Candidate) {
	defer func() {
		task.cancel()
		m.live.Add(-1)
		m.post(event{kind: evTaskExited, gen: task.gen})
	}()

	handle, err := m.cfg.Tunnel.Start(ctx, candidate)
	if err != nil {
		m.post(event{kind: evStartFailed, gen: task.gen, err: err})
		return
	}

	events := handle.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.post(event{kind: evTunnel, gen: task.gen, tunnel: ev})
		case <-ctx.Done():
			m.stopHandle(handle)
			return
		}
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		m.stopHandle(handle)
	}
}

// stopHandle closes the tunnel and kills it if it has not exited within the
// teardown grace period.
func (m *Manager) stopHandle(handle TunnelHandle) {
	handle.Close()

	timer := time.NewTimer(m.cfg.TeardownGrace)
	defer timer.Stop()

	select {
	case <-handle.Done():
	case <-timer.C:
		common.LogWarn("Tunnel did not exit within %v, killing it", m.cfg.TeardownGrace)
		handle.Kill()
		<-handle.Done()
	}
}

func (m *Manager) checkClock() {
	if m.cfg.Clock == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer cancel()
		if err := m.cfg.Clock.Check(ctx); err != nil {
			common.LogWarn("Clock check after authentication failure: %v", err)
		}
	}()
}

func (m *Manager) stopTimers() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.establishTimer != nil {
		m.establishTimer.Stop()
		m.establishTimer = nil
	}
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

func (m *Manager) ipv6Available() bool {
	return m.cfg.IPv6Available == nil || m.cfg.IPv6Available()
}

func (m *Manager) resetAttempts() {
	m.attempt = 0
	m.authFailures = 0
	m.startFailures = 0
	m.selectionFailures = 0
}

func (m *Manager) setTarget(t TargetState) {
	if m.target == t {
		return
	}
	m.target = t
	if m.cfg.OnTargetChange != nil {
		m.cfg.OnTargetChange(t)
	}
}

func (m *Manager) setState(s TunnelState) {
	if s.Kind == StateConnecting {
		s.Attempt = m.attempt
	}
	m.state = s
	common.LogWith(logrus.Fields{
		"state":      s.Kind.String(),
		"attempt":    m.attempt,
		"generation": m.generation,
	}).Info(s.String())
	m.hub.publish(s)
}
