package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

// Client talks to the daemon over one connection. It is not safe for
// concurrent use.
type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
}

// Dial connects to the daemon socket at path. It returns
// common.ErrNotRunning when nothing is listening.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w (no socket at %s)", common.ErrNotRunning, path)
		}
		if errors.Is(err, syscall.EACCES) {
			return nil, fmt.Errorf("%w: %s", common.ErrPermissionDenied, path)
		}
		return nil, err
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), 64<<20)
	return &Client{conn: conn, enc: json.NewEncoder(conn), scanner: scanner}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(ctx context.Context, method string, params any) (string, error) {
	req := Request{ID: common.GenerateID(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return "", err
		}
		req.Params = raw
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	if err := c.enc.Encode(req); err != nil {
		return "", err
	}
	return req.ID, nil
}

func (c *Client) receive(id string) (Response, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Response{}, err
		}
		return Response{}, common.ErrShutdown
	}
	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("malformed response: %w", err)
	}
	if resp.ID != id {
		if resp.Error != "" {
			return Response{}, errors.New(resp.Error)
		}
		return Response{}, fmt.Errorf("response for %q, want %q", resp.ID, id)
	}
	return resp, nil
}

// Call sends one request and decodes the result into result, which may be
// nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(common.IPCTimeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	id, err := c.send(ctx, method, params)
	if err != nil {
		return err
	}
	resp, err := c.receive(id)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%s: %w", method, common.ErrTimeout)
		}
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%s: invalid result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) command(ctx context.Context, method string, params any) (bool, error) {
	var res CommandResult
	if err := c.Call(ctx, method, params, &res); err != nil {
		return false, err
	}
	return res.Accepted, nil
}

// Connect asks the daemon to secure traffic.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	return c.command(ctx, MethodConnect, nil)
}

// Disconnect asks the daemon to tear the tunnel down.
func (c *Client) Disconnect(ctx context.Context) (bool, error) {
	return c.command(ctx, MethodDisconnect, nil)
}

// Reconnect asks the daemon for a fresh tunnel.
func (c *Client) Reconnect(ctx context.Context) (bool, error) {
	return c.command(ctx, MethodReconnect, nil)
}

// Status returns the daemon's current state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Call(ctx, MethodStatus, nil, &st)
	return st, err
}

// Settings returns the persisted settings.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := c.Call(ctx, MethodGetSettings, nil, &s)
	return s, err
}

// SetRelay replaces the relay constraints.
func (c *Client) SetRelay(ctx context.Context, q relay.Query) (bool, error) {
	return c.command(ctx, MethodSetRelay, q)
}

// SetCustomList replaces a custom list. No members deletes it.
func (c *Client) SetCustomList(ctx context.Context, name string, members []relay.GeoConstraint) (bool, error) {
	return c.command(ctx, MethodSetCustomList, CustomListParams{Name: name, Members: members})
}

// RelayList returns the relays in the daemon's catalogue.
func (c *Client) RelayList(ctx context.Context) (RelayList, error) {
	var list RelayList
	err := c.Call(ctx, MethodRelayList, nil, &list)
	return list, err
}

// UpdateRelays asks the daemon to refresh its relay list.
func (c *Client) UpdateRelays(ctx context.Context) (bool, error) {
	return c.command(ctx, MethodUpdateRelays, nil)
}

// Account returns the logged-in account, if any.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var a Account
	err := c.Call(ctx, MethodAccount, nil, &a)
	return a, err
}

// SetAccount stores a new account number.
func (c *Client) SetAccount(ctx context.Context, token string) (Account, error) {
	var a Account
	err := c.Call(ctx, MethodSetAccount, SetAccountParams{Token: token}, &a)
	return a, err
}

// ClearAccount removes the account number and device key.
func (c *Client) ClearAccount(ctx context.Context) error {
	return c.Call(ctx, MethodClearAccount, nil, nil)
}

// RotateKey replaces the WireGuard device key.
func (c *Client) RotateKey(ctx context.Context) (Account, error) {
	var a Account
	err := c.Call(ctx, MethodRotateKey, nil, &a)
	return a, err
}

// Listen turns the connection into a state stream. The channel yields the
// current state and then every transition; it is closed when ctx is
// cancelled or the daemon goes away. The client must not be used for
// anything else afterwards.
func (c *Client) Listen(ctx context.Context) (<-chan vpn.TunnelState, error) {
	c.conn.SetDeadline(time.Time{})
	id, err := c.send(ctx, MethodListen, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan vpn.TunnelState)
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	go func() {
		defer close(out)
		defer stop()
		for {
			resp, err := c.receive(id)
			if err != nil {
				return
			}
			var state vpn.TunnelState
			if err := json.Unmarshal(resp.Result, &state); err != nil {
				return
			}
			select {
			case out <- state:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
