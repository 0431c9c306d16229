// Package vpn implements the tunnel state machine of the vpnd daemon.
//
// The Manager owns a single logical tunnel connection. It reacts to
// commands from the IPC layer (Connect, Disconnect, Reconnect,
// SettingsChanged, Shutdown) and to events from the tunnel it started,
// and drives the firewall, DNS and routing collaborators so that every
// state change in network exposure is backed by a firewall policy.
//
// # States
//
//   - Disconnected: no tunnel; the firewall is reset, or blocks everything
//     when lockdown is enabled
//   - Connecting: a relay has been selected and its tunnel is starting,
//     or the next attempt is waiting out its backoff
//   - Connected: the tunnel is up, DNS and routes point into it
//   - Disconnecting: the tunnel is being torn down; what follows is
//     recorded in AfterDisconnect
//   - Blocked: all traffic is blocked until the user connects again
//
// # Concurrency
//
// Run is a single select loop over a command channel and an event channel.
// State is only touched inside that loop. Tunnel processes, retry timers and
// connectivity checks run in their own goroutines and report back through
// the event channel, tagged with the generation of the attempt that started
// them; anything from an older generation is dropped. At most one tunnel
// task is alive at a time: a new attempt waits until the previous task has
// exited.
//
// # Retries
//
// Failed attempts advance a retry counter that selects the next relaxation
// step and backoff delay from the retry package. Dropped tunnels are retried
// indefinitely; authentication failures, tunnel start failures and relay
// selection failures are retried a bounded number of times before the
// manager blocks.
package vpn
