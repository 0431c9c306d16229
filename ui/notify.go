package ui

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/vpn"
)

const (
	notifyDest  = "org.freedesktop.Notifications"
	notifyPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyIface = "org.freedesktop.Notifications"
)

// Urgency hint values understood by notification daemons.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// Notification is one desktop notification.
type Notification struct {
	Title   string
	Message string
	Icon    string
	Urgency byte
}

// Notifier sends desktop notifications for state changes. Consecutive
// states of the same kind produce a single notification.
type Notifier struct {
	obj  dbus.BusObject
	last vpn.StateKind
	seen bool
	// replaces is the id of the previous notification so the desktop
	// shows one bubble per session rather than a stack.
	replaces uint32
}

// NewNotifier connects to the session bus.
func NewNotifier() (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, common.WrapIn("ui", err, "failed to connect to session bus")
	}
	return newNotifier(conn.Object(notifyDest, notifyPath)), nil
}

func newNotifier(obj dbus.BusObject) *Notifier {
	return &Notifier{obj: obj}
}

// Show sends note, replacing the previous notification.
func (n *Notifier) Show(ctx context.Context, note Notification) error {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(note.Urgency),
	}
	call := n.obj.CallWithContext(ctx, notifyIface+".Notify", 0,
		common.AppName, n.replaces, note.Icon, note.Title, note.Message,
		[]string{}, hints, int32(-1))
	if call.Err != nil {
		return common.WrapIn("ui", call.Err, "failed to send notification")
	}
	var id uint32
	if err := call.Store(&id); err == nil {
		n.replaces = id
	}
	return nil
}

// Observe notifies about s if its kind differs from the last one seen.
// The first state only sets the baseline. Transitional Connecting and
// Disconnecting states are not announced.
func (n *Notifier) Observe(ctx context.Context, s vpn.TunnelState) {
	first := !n.seen
	if !first && s.Kind == n.last {
		return
	}
	n.seen = true
	n.last = s.Kind
	if first {
		return
	}

	note, ok := notificationFor(s)
	if !ok {
		return
	}
	if err := n.Show(ctx, note); err != nil {
		common.LogDebug("Notification failed: %v", err)
	}
}

func notificationFor(s vpn.TunnelState) (Notification, bool) {
	switch s.Kind {
	case vpn.StateConnected:
		msg := "Traffic is secured"
		if s.Relay != "" {
			msg = "Connected to " + s.Relay
			if s.Location != nil {
				msg += " in " + s.Location.String()
			}
		}
		return Notification{Title: "VPN Connected", Message: msg, Icon: "network-vpn", Urgency: urgencyLow}, true
	case vpn.StateDisconnected:
		return Notification{Title: "VPN Disconnected", Message: "Traffic is not secured", Icon: "network-vpn-disconnected", Urgency: urgencyNormal}, true
	case vpn.StateBlocked:
		return Notification{Title: "Traffic Blocked", Message: s.Reason.Description(), Icon: "network-vpn-error", Urgency: urgencyCritical}, true
	default:
		return Notification{}, false
	}
}

// Tee forwards states unchanged, observing each one on the way. The
// returned channel is closed when states is closed or ctx is done.
func (n *Notifier) Tee(ctx context.Context, states <-chan vpn.TunnelState) <-chan vpn.TunnelState {
	out := make(chan vpn.TunnelState)
	go func() {
		defer close(out)
		for s := range states {
			n.Observe(ctx, s)
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
