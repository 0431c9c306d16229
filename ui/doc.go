// Package ui renders the tunnel state for people watching it.
//
// Two outputs are provided:
//
//   - StatusModel: a bubbletea program that follows the daemon's state
//     stream and redraws a single status panel in the terminal
//   - Notifier: desktop notifications sent over the session bus when the
//     tunnel comes up, goes down or starts blocking traffic
//
// Both consume vpn.TunnelState values and never talk to the daemon
// themselves; the cli package owns the connection.
//
// # File Organization
//
//   - styles.go: lipgloss styles and the state colour palette
//   - status.go: the bubbletea status model and RunStatus
//   - notify.go: freedesktop notifications via D-Bus
package ui
