package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/vpnd/vpn"
)

// Palette shared with the desktop theme.
const (
	colorAccent  = lipgloss.Color("#3584e4")
	colorSuccess = lipgloss.Color("#2ec27e")
	colorWarning = lipgloss.Color("#e5a50a")
	colorError   = lipgloss.Color("#e01b24")
	colorDim     = lipgloss.Color("#77767b")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorDim).
			Width(10)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorDim).
			Italic(true)
)

// stateColor picks the colour for a state: green when traffic is secured
// by a live tunnel, red when it is blocked, amber in between.
func stateColor(s vpn.TunnelState) lipgloss.Color {
	switch s.Kind {
	case vpn.StateConnected:
		return colorSuccess
	case vpn.StateBlocked:
		return colorError
	case vpn.StateConnecting, vpn.StateDisconnecting:
		return colorWarning
	default:
		return colorDim
	}
}

func badgeStyle(s vpn.TunnelState) lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(stateColor(s))
}

func borderFor(s vpn.TunnelState) lipgloss.Style {
	return panelStyle.BorderForeground(stateColor(s))
}
