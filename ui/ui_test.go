package ui

import (
	"context"
	"net/netip"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

func connectedState() vpn.TunnelState {
	return vpn.TunnelState{
		Kind:  vpn.StateConnected,
		Relay: "se-got-wg-001",
		Endpoint: &relay.Endpoint{
			Address:   netip.MustParseAddrPort("185.213.154.68:51820"),
			Protocol:  relay.WireGuard,
			Transport: relay.UDP,
		},
		Location: &relay.Location{Country: "Sweden", CountryCode: "se", City: "Gothenburg", CityCode: "got"},
	}
}

func newTestModel(states chan vpn.TunnelState, now *time.Time) StatusModel {
	m := NewStatusModel(states)
	m.now = func() time.Time { return *now }
	return m
}

func TestStatusModel_View(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestModel(make(chan vpn.TunnelState), &now)
	assert.Contains(t, m.View(), "Waiting for the daemon")

	tests := []struct {
		name  string
		state vpn.TunnelState
		want  []string
	}{
		{
			name:  "connected",
			state: connectedState(),
			want:  []string{"Connected", "se-got-wg-001", "Gothenburg, Sweden", "185.213.154.68:51820/udp", "yes"},
		},
		{
			name:  "connecting retry",
			state: vpn.TunnelState{Kind: vpn.StateConnecting, Attempt: 2},
			want:  []string{"Connecting", "Attempt", "3", "no"},
		},
		{
			name:  "blocked",
			state: vpn.Blocked(vpn.BlockAuthFailed),
			want:  []string{"Blocked", "Authentication with the relay failed", "yes"},
		},
		{
			name:  "reconnecting",
			state: vpn.Disconnecting(vpn.AfterDisconnect{Kind: vpn.AfterReconnect}),
			want:  []string{"Reconnecting"},
		},
		{
			name:  "disconnected",
			state: vpn.Disconnected(),
			want:  []string{"Disconnected", "no"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated, cmd := m.Update(stateMsg(tt.state))
			require.NotNil(t, cmd)
			view := updated.View()
			for _, w := range tt.want {
				assert.Contains(t, view, w)
			}
		})
	}
}

func TestStatusModel_Since(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var model tea.Model = newTestModel(make(chan vpn.TunnelState), &now)

	model, _ = model.Update(stateMsg(connectedState()))
	now = now.Add(90 * time.Second)
	assert.Contains(t, model.View(), "1m30s")

	// Same kind keeps the timestamp.
	model, _ = model.Update(stateMsg(connectedState()))
	assert.Contains(t, model.View(), "1m30s")

	model, _ = model.Update(stateMsg(vpn.Disconnected()))
	assert.Contains(t, model.View(), "0s")
}

func TestStatusModel_WaitsOnChannel(t *testing.T) {
	states := make(chan vpn.TunnelState, 1)
	now := time.Now()
	m := newTestModel(states, &now)

	states <- connectedState()
	msg := waitForState(states)()
	assert.Equal(t, stateMsg(connectedState()), msg)

	close(states)
	updated, cmd := m.Update(waitForState(states)())
	require.NotNil(t, cmd)
	assert.True(t, updated.(StatusModel).closed)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestStatusModel_Quit(t *testing.T) {
	now := time.Now()
	m := newTestModel(make(chan vpn.TunnelState), &now)

	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := m.Update(key)
		require.NotNil(t, cmd, key.String())
		assert.Equal(t, tea.QuitMsg{}, cmd())
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	assert.Nil(t, cmd)
}

type notifyCall struct {
	method string
	args   []any
}

type fakeBus struct {
	dbus.BusObject
	calls []notifyCall
	err   error
}

func (b *fakeBus) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call {
	b.calls = append(b.calls, notifyCall{method: method, args: args})
	return &dbus.Call{Err: b.err, Body: []any{uint32(len(b.calls))}}
}

func TestNotifier_Observe(t *testing.T) {
	bus := &fakeBus{}
	n := newNotifier(bus)
	ctx := context.Background()

	// Baseline only.
	n.Observe(ctx, vpn.Disconnected())
	assert.Empty(t, bus.calls)

	n.Observe(ctx, vpn.Connecting(nil))
	assert.Empty(t, bus.calls)

	n.Observe(ctx, connectedState())
	require.Len(t, bus.calls, 1)
	call := bus.calls[0]
	assert.Equal(t, notifyIface+".Notify", call.method)
	assert.Equal(t, uint32(0), call.args[1])
	assert.Equal(t, "VPN Connected", call.args[3])
	assert.Equal(t, "Connected to se-got-wg-001 in Gothenburg, Sweden", call.args[4])

	// Repeated kind is not announced again.
	n.Observe(ctx, connectedState())
	assert.Len(t, bus.calls, 1)

	n.Observe(ctx, vpn.Blocked(vpn.BlockNoMatchingRelay))
	require.Len(t, bus.calls, 2)
	assert.Equal(t, "Traffic Blocked", bus.calls[1].args[3])
	// Replaces the previous bubble.
	assert.Equal(t, uint32(1), bus.calls[1].args[1])
	hints := bus.calls[1].args[6].(map[string]dbus.Variant)
	assert.Equal(t, urgencyCritical, hints["urgency"].Value())
}

func TestNotifier_Tee(t *testing.T) {
	bus := &fakeBus{}
	n := newNotifier(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan vpn.TunnelState, 3)
	in <- vpn.Disconnected()
	in <- connectedState()
	in <- vpn.Disconnected()
	close(in)

	var got []vpn.StateKind
	for s := range n.Tee(ctx, in) {
		got = append(got, s.Kind)
	}
	assert.Equal(t, []vpn.StateKind{vpn.StateDisconnected, vpn.StateConnected, vpn.StateDisconnected}, got)
	assert.Len(t, bus.calls, 2)
}
