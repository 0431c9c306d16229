package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/config"
	"github.com/yllada/vpnd/keyring"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

// maxRequestSize bounds a single request line.
const maxRequestSize = 1 << 20

// Tunnel is the part of *vpn.Manager the server drives.
type Tunnel interface {
	Connect(ctx context.Context) (bool, error)
	Disconnect(ctx context.Context) (bool, error)
	Reconnect(ctx context.Context) (bool, error)
	SetQuery(ctx context.Context, q relay.Query) (bool, error)
	State() vpn.TunnelState
	Subscribe() (<-chan vpn.TunnelState, func())
	LiveTunnels() int
}

// Accounts is the part of *keyring.Store the server exposes.
type Accounts interface {
	AccountToken() (string, error)
	SetAccountToken(token string) error
	ClearAccount() error
	WireGuardKey() (keyring.Key, error)
	RotateWireGuardKey() (keyring.Key, error)
}

// Backend is what the server answers requests with. Refresh may be nil.
type Backend struct {
	Tunnel   Tunnel
	Settings *config.SettingsStore
	Relays   vpn.RelaySource
	Accounts Accounts
	Refresh  func()
}

// Server accepts client connections on a unix socket.
type Server struct {
	path    string
	backend Backend

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a server that will listen on path.
func NewServer(path string, backend Backend) *Server {
	return &Server{
		path:    path,
		backend: backend,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen creates the socket, replacing a stale one left by a previous run.
func (s *Server) Listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("error creating socket directory: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(s.path, 0660); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Serve listens and handles connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener handles connections accepted from ln until ctx is
// cancelled, then closes every open connection and waits for the handlers.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	common.LogInfo("IPC: Listening on %s", ln.Addr())

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{Error: "malformed request: " + err.Error()})
			return
		}

		log := common.LogWith(logrus.Fields{"id": common.ShortID(req.ID), "method": req.Method})
		log.Debug("IPC request")

		if req.Method == MethodListen {
			s.stream(ctx, conn, enc, req.ID)
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, common.IPCTimeout)
		result, err := s.dispatch(reqCtx, req)
		cancel()

		resp := Response{ID: req.ID}
		if err != nil {
			log.WithError(err).Debug("IPC request failed")
			resp.Error = err.Error()
		} else if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Result = raw
			}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// stream sends every tunnel state until the client hangs up.
func (s *Server) stream(ctx context.Context, conn net.Conn, enc *json.Encoder, id string) {
	states, cancel := s.backend.Tunnel.Subscribe()
	defer cancel()

	// The client sends nothing more; a read returning means it went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var buf [1]byte
		for {
			if _, err := conn.Read(buf[:]); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case state, ok := <-states:
			if !ok {
				return
			}
			raw, err := json.Marshal(state)
			if err != nil {
				return
			}
			if err := enc.Encode(Response{ID: id, Result: raw}); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	b := s.backend
	switch req.Method {
	case MethodConnect:
		return command(b.Tunnel.Connect(ctx))
	case MethodDisconnect:
		return command(b.Tunnel.Disconnect(ctx))
	case MethodReconnect:
		return command(b.Tunnel.Reconnect(ctx))
	case MethodStatus:
		return Status{
			State:       b.Tunnel.State(),
			Target:      b.Settings.Get().Target,
			LiveTunnels: b.Tunnel.LiveTunnels(),
		}, nil
	case MethodGetSettings:
		return b.Settings.Get(), nil
	case MethodSetRelay:
		var q relay.Query
		if err := decodeParams(req, &q); err != nil {
			return nil, err
		}
		return s.setRelay(ctx, func(st *config.Settings) error {
			st.Relay = q
			return nil
		})
	case MethodSetCustomList:
		var p CustomListParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, errors.New("custom list name is required")
		}
		return s.setRelay(ctx, func(st *config.Settings) error {
			if len(p.Members) == 0 {
				delete(st.CustomLists, p.Name)
			} else {
				st.CustomLists[p.Name] = p.Members
			}
			return nil
		})
	case MethodRelayList:
		return relayList(b.Relays.Snapshot()), nil
	case MethodUpdateRelays:
		if b.Refresh == nil {
			return CommandResult{}, nil
		}
		b.Refresh()
		return CommandResult{Accepted: true}, nil
	case MethodAccount:
		return s.account()
	case MethodSetAccount:
		var p SetAccountParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := b.Accounts.SetAccountToken(p.Token); err != nil {
			return nil, err
		}
		return s.account()
	case MethodClearAccount:
		return CommandResult{Accepted: true}, b.Accounts.ClearAccount()
	case MethodRotateKey:
		if _, err := b.Accounts.RotateWireGuardKey(); err != nil {
			return nil, err
		}
		return s.account()
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

// setRelay persists a settings change and hands the resulting constraints to
// the tunnel manager.
func (s *Server) setRelay(ctx context.Context, fn func(*config.Settings) error) (any, error) {
	updated, err := s.backend.Settings.Update(fn)
	if err != nil {
		return nil, err
	}
	q, err := updated.Query()
	if err != nil {
		return nil, err
	}
	return command(s.backend.Tunnel.SetQuery(ctx, q))
}

func (s *Server) account() (Account, error) {
	token, err := s.backend.Accounts.AccountToken()
	if errors.Is(err, keyring.ErrNotFound) {
		return Account{}, nil
	}
	if err != nil {
		return Account{}, err
	}
	acct := Account{Token: MaskToken(token), LoggedIn: true}

	key, err := s.backend.Accounts.WireGuardKey()
	if err != nil {
		return acct, nil
	}
	if pub, err := key.PublicKey(); err == nil {
		acct.PublicKey = pub.String()
	}
	return acct, nil
}

func command(accepted bool, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return CommandResult{Accepted: accepted}, nil
}

func decodeParams(req Request, v any) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("%s: missing params", req.Method)
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("%s: invalid params: %w", req.Method, err)
	}
	return nil
}

func relayList(cat *relay.Catalogue) RelayList {
	if cat == nil {
		return RelayList{Relays: []RelayInfo{}}
	}
	list := RelayList{Relays: make([]RelayInfo, 0, len(cat.Relays)), Updated: cat.Updated}
	for _, r := range cat.Relays {
		list.Relays = append(list.Relays, RelayInfo{
			Hostname: r.Hostname,
			Kind:     r.Kind,
			Country:  r.Location.CountryCode,
			City:     r.Location.CityCode,
			Location: r.Location.String(),
			Provider: r.Provider,
			Owned:    r.Owned,
			Active:   r.Active,
		})
	}
	sort.Slice(list.Relays, func(i, j int) bool {
		a, b := list.Relays[i], list.Relays[j]
		if a.Country != b.Country {
			return a.Country < b.Country
		}
		if a.City != b.City {
			return a.City < b.City
		}
		return a.Hostname < b.Hostname
	})
	return list
}
