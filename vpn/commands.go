package vpn

import (
	"context"
	"errors"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
)

// ErrStopped is returned when a command is sent to a manager whose loop has
// exited.
var ErrStopped = common.ErrShutdown

// CommandKind enumerates what callers can ask the manager to do.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdDisconnect
	CmdReconnect
	CmdSettingsChanged
	CmdShutdown
)

// String returns the lowercase command name.
func (k CommandKind) String() string {
	switch k {
	case CmdConnect:
		return "connect"
	case CmdDisconnect:
		return "disconnect"
	case CmdReconnect:
		return "reconnect"
	case CmdSettingsChanged:
		return "settings_changed"
	case CmdShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Command is processed by the manager loop in arrival order.
type Command struct {
	Kind CommandKind
	// Query is the new constraint set for CmdSettingsChanged.
	Query relay.Query

	reply chan<- bool
}

func (c Command) respond(accepted bool) {
	if c.reply != nil {
		c.reply <- accepted
	}
}

// Send queues cmd and waits until the loop has handled it. The result tells
// whether the command changed anything; a Reconnect while disconnected, for
// example, is ignored.
func (m *Manager) Send(ctx context.Context, cmd Command) (bool, error) {
	reply := make(chan bool, 1)
	cmd.reply = reply

	select {
	case m.commands <- cmd:
	case <-m.done:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case accepted := <-reply:
		return accepted, nil
	case <-m.done:
		select {
		case accepted := <-reply:
			return accepted, nil
		default:
			return false, ErrStopped
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Connect asks for traffic to be tunneled.
func (m *Manager) Connect(ctx context.Context) (bool, error) {
	return m.Send(ctx, Command{Kind: CmdConnect})
}

// Disconnect asks for the tunnel to be torn down.
func (m *Manager) Disconnect(ctx context.Context) (bool, error) {
	return m.Send(ctx, Command{Kind: CmdDisconnect})
}

// Reconnect replaces the current tunnel with a fresh attempt.
func (m *Manager) Reconnect(ctx context.Context) (bool, error) {
	return m.Send(ctx, Command{Kind: CmdReconnect})
}

// SetQuery replaces the relay constraints. A tunnel that is up or being set
// up is restarted if the constraints changed.
func (m *Manager) SetQuery(ctx context.Context, q relay.Query) (bool, error) {
	if err := q.Validate(); err != nil {
		return false, err
	}
	return m.Send(ctx, Command{Kind: CmdSettingsChanged, Query: q})
}

// Shutdown disconnects and stops the loop, waiting for it to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	if _, err := m.Send(ctx, Command{Kind: CmdShutdown}); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
