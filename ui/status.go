package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/vpnd/vpn"
)

type (
	stateMsg  vpn.TunnelState
	closedMsg struct{}
	tickMsg   time.Time
)

// StatusModel is a bubbletea model that follows a state stream.
type StatusModel struct {
	states  <-chan vpn.TunnelState
	state   vpn.TunnelState
	seen    bool
	since   time.Time
	now     func() time.Time
	spinner spinner.Model
	closed  bool
}

// NewStatusModel returns a model reading from states. The model quits when
// states is closed.
func NewStatusModel(states <-chan vpn.TunnelState) StatusModel {
	return StatusModel{
		states:  states,
		now:     time.Now,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(lipgloss.NewStyle().Foreground(colorWarning))),
	}
}

// RunStatus draws the status panel until the user quits, ctx is done or the
// daemon closes the stream.
func RunStatus(ctx context.Context, states <-chan vpn.TunnelState) error {
	p := tea.NewProgram(NewStatusModel(states), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if m, ok := final.(StatusModel); ok && m.closed {
		return errors.New("daemon closed the connection")
	}
	return nil
}

func waitForState(states <-chan vpn.TunnelState) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-states
		if !ok {
			return closedMsg{}
		}
		return stateMsg(s)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m StatusModel) Init() tea.Cmd {
	return tea.Batch(waitForState(m.states), m.spinner.Tick, tick())
}

func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case stateMsg:
		s := vpn.TunnelState(msg)
		if !m.seen || s.Kind != m.state.Kind {
			m.since = m.now()
		}
		m.state = s
		m.seen = true
		return m, waitForState(m.states)

	case closedMsg:
		m.closed = true
		return m, tea.Quit

	case tickMsg:
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m StatusModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("vpnd"))
	b.WriteString("\n\n")

	if !m.seen {
		b.WriteString(m.spinner.View() + " Waiting for the daemon...")
		return borderFor(m.state).Render(b.String()) + "\n" + helpStyle.Render("q: quit") + "\n"
	}

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	title := badgeStyle(m.state).Render(headline(m.state))
	if m.state.Kind == vpn.StateConnecting || m.state.Kind == vpn.StateDisconnecting {
		title = m.spinner.View() + " " + title
	}
	b.WriteString(title + "\n\n")

	if m.state.Relay != "" {
		row("Relay", m.state.Relay)
	}
	if m.state.Location != nil {
		row("Location", m.state.Location.String())
	}
	if m.state.Endpoint != nil {
		row("Endpoint", fmt.Sprintf("%s %s", m.state.Endpoint.Protocol, m.state.Endpoint))
	}
	if m.state.Kind == vpn.StateConnecting && m.state.Attempt > 0 {
		row("Attempt", fmt.Sprintf("%d", m.state.Attempt+1))
	}
	if m.state.Kind == vpn.StateBlocked {
		row("Reason", m.state.Reason.Description())
	}
	secured := "no"
	if m.state.IsSecured() {
		secured = "yes"
	}
	row("Secured", secured)
	row("Since", m.now().Sub(m.since).Round(time.Second).String())

	return borderFor(m.state).Render(strings.TrimRight(b.String(), "\n")) + "\n" + helpStyle.Render("q: quit") + "\n"
}

func headline(s vpn.TunnelState) string {
	switch s.Kind {
	case vpn.StateConnected:
		return "Connected"
	case vpn.StateConnecting:
		return "Connecting"
	case vpn.StateDisconnecting:
		if s.After.Kind == vpn.AfterReconnect {
			return "Reconnecting"
		}
		return "Disconnecting"
	case vpn.StateBlocked:
		return "Blocked"
	default:
		return "Disconnected"
	}
}
