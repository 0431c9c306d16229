package ipc

import (
	"context"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/config"
	"github.com/yllada/vpnd/keyring"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

type fakeTunnel struct {
	mu      sync.Mutex
	state   vpn.TunnelState
	queries []relay.Query
	states  chan vpn.TunnelState
}

func (f *fakeTunnel) Connect(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Kind == vpn.StateConnecting {
		return false, nil
	}
	f.state = vpn.Connecting(nil)
	return true, nil
}

func (f *fakeTunnel) Disconnect(ctx context.Context) (bool, error) {
	return false, vpn.ErrStopped
}

func (f *fakeTunnel) Reconnect(ctx context.Context) (bool, error) {
	return false, nil
}

func (f *fakeTunnel) SetQuery(ctx context.Context, q relay.Query) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return true, nil
}

func (f *fakeTunnel) State() vpn.TunnelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTunnel) Subscribe() (<-chan vpn.TunnelState, func()) {
	return f.states, func() {}
}

func (f *fakeTunnel) LiveTunnels() int { return 0 }

func (f *fakeTunnel) lastQuery() relay.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

type fakeAccounts struct {
	token string
	key   keyring.Key
}

func (a *fakeAccounts) AccountToken() (string, error) {
	if a.token == "" {
		return "", keyring.ErrNotFound
	}
	return a.token, nil
}

func (a *fakeAccounts) SetAccountToken(token string) error {
	if len(token) != 16 {
		return keyring.ErrInvalidToken
	}
	a.token = token
	return nil
}

func (a *fakeAccounts) ClearAccount() error {
	a.token = ""
	return nil
}

func (a *fakeAccounts) WireGuardKey() (keyring.Key, error) { return a.key, nil }

func (a *fakeAccounts) RotateWireGuardKey() (keyring.Key, error) {
	k, err := keyring.GeneratePrivateKey()
	if err != nil {
		return keyring.Key{}, err
	}
	a.key = k
	return k, nil
}

type testEnv struct {
	tunnel    *fakeTunnel
	settings  *config.SettingsStore
	refreshed chan struct{}
	client    *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	settings, err := config.OpenSettings(filepath.Join(dir, "settings.yaml"))
	require.NoError(t, err)

	key, err := keyring.GeneratePrivateKey()
	require.NoError(t, err)

	env := &testEnv{
		tunnel:    &fakeTunnel{state: vpn.Disconnected(), states: make(chan vpn.TunnelState, 4)},
		settings:  settings,
		refreshed: make(chan struct{}, 1),
	}
	pool := relay.NewPool(&relay.Catalogue{
		Relays: []relay.Relay{
			{Hostname: "se-sto-wg-001", Kind: relay.KindWireGuard, Active: true,
				Location: relay.Location{Country: "Sweden", CountryCode: "se", City: "Stockholm", CityCode: "sto"}},
			{Hostname: "de-ber-ovpn-001", Kind: relay.KindOpenVPN, Active: true,
				Location: relay.Location{Country: "Germany", CountryCode: "de", City: "Berlin", CityCode: "ber"}},
		},
	})

	srv := NewServer(filepath.Join(dir, "vpnd.sock"), Backend{
		Tunnel:   env.tunnel,
		Settings: settings,
		Relays:   pool,
		Accounts: &fakeAccounts{key: key},
		Refresh:  func() { env.refreshed <- struct{}{} },
	})
	ln, err := srv.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	env.client, err = Dial(context.Background(), filepath.Join(dir, "vpnd.sock"))
	require.NoError(t, err)
	t.Cleanup(func() { env.client.Close() })
	return env
}

func TestDial_NotRunning(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(t.TempDir(), "missing.sock"))
	assert.ErrorIs(t, err, common.ErrNotRunning)
}

func TestClient_Commands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	accepted, err := env.client.Connect(ctx)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = env.client.Connect(ctx)
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = env.client.Reconnect(ctx)
	require.NoError(t, err)
	assert.False(t, accepted)

	_, err = env.client.Disconnect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), vpn.ErrStopped.Error())

	st, err := env.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, vpn.StateConnecting, st.State.Kind)
	assert.Equal(t, vpn.TargetUnsecured, st.Target)
}

func TestClient_UnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	err := env.client.Call(context.Background(), "reboot", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}

func TestClient_SetRelay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q := relay.Query{Protocol: relay.WireGuard}
	q.Location.Country = "se"
	accepted, err := env.client.SetRelay(ctx, q)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.True(t, env.tunnel.lastQuery().Equal(q))

	s, err := env.client.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "se", s.Relay.Location.Country)
	assert.Equal(t, "se", env.settings.Get().Relay.Location.Country)

	bad := relay.Query{Protocol: relay.OpenVPN, Multihop: true}
	_, err = env.client.SetRelay(ctx, bad)
	assert.Error(t, err)
	assert.False(t, env.settings.Get().Relay.Multihop)
}

func TestClient_CustomLists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.SetCustomList(ctx, "nordics", []relay.GeoConstraint{{Country: "se"}, {Country: "no"}})
	require.NoError(t, err)

	q := relay.Query{}
	q.Location.ListName = "nordics"
	_, err = env.client.SetRelay(ctx, q)
	require.NoError(t, err)
	assert.Len(t, env.tunnel.lastQuery().Location.Members, 2)

	_, err = env.client.SetRelay(ctx, relay.Query{Location: relay.LocationConstraint{ListName: "work"}})
	assert.Error(t, err)
}

func TestClient_RelayList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	list, err := env.client.RelayList(ctx)
	require.NoError(t, err)
	require.Len(t, list.Relays, 2)
	assert.Equal(t, "de-ber-ovpn-001", list.Relays[0].Hostname)
	assert.Equal(t, relay.KindOpenVPN, list.Relays[0].Kind)
	assert.Equal(t, "Stockholm, Sweden", list.Relays[1].Location)

	accepted, err := env.client.UpdateRelays(ctx)
	require.NoError(t, err)
	assert.True(t, accepted)
	select {
	case <-env.refreshed:
	case <-time.After(time.Second):
		t.Fatal("refresh not triggered")
	}
}

func TestClient_Account(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acct, err := env.client.Account(ctx)
	require.NoError(t, err)
	assert.False(t, acct.LoggedIn)

	_, err = env.client.SetAccount(ctx, "123")
	assert.Error(t, err)

	acct, err = env.client.SetAccount(ctx, "1234567890123456")
	require.NoError(t, err)
	assert.True(t, acct.LoggedIn)
	assert.Equal(t, "**** **** **** 3456", acct.Token)
	assert.NotEmpty(t, acct.PublicKey)

	rotated, err := env.client.RotateKey(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, acct.PublicKey, rotated.PublicKey)

	require.NoError(t, env.client.ClearAccount(ctx))
	acct, err = env.client.Account(ctx)
	require.NoError(t, err)
	assert.False(t, acct.LoggedIn)
}

func TestClient_Listen(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states, err := env.client.Listen(ctx)
	require.NoError(t, err)

	ep := relay.Endpoint{Address: netip.MustParseAddrPort("185.213.154.1:51820"), Protocol: relay.WireGuard}
	env.tunnel.states <- vpn.Disconnected()
	env.tunnel.states <- vpn.TunnelState{Kind: vpn.StateConnected, Endpoint: &ep, Relay: "se-got-wg-001"}
	env.tunnel.states <- vpn.Blocked(vpn.BlockAuthFailed)

	want := []vpn.StateKind{vpn.StateDisconnected, vpn.StateConnected, vpn.StateBlocked}
	var got []vpn.TunnelState
	for range want {
		select {
		case s := <-states:
			got = append(got, s)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for state")
		}
	}
	for i, kind := range want {
		assert.Equal(t, kind, got[i].Kind)
	}
	require.NotNil(t, got[1].Endpoint)
	assert.Equal(t, ep, *got[1].Endpoint)
	assert.Equal(t, vpn.BlockAuthFailed, got[2].Reason)

	cancel()
	closed := make(chan struct{})
	go func() {
		for range states {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1234567890123456", "**** **** **** 3456"},
		{"12345678", "**** 5678"},
		{"123", "123"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskToken(tt.in))
	}
}

func TestRelayList_Empty(t *testing.T) {
	list := relayList(nil)
	assert.NotNil(t, list.Relays)
	assert.Empty(t, list.Relays)
}
