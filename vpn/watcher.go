// Package vpn provides the tunnel state machine.
// This file contains the connectivity watcher that runs while connected and
// reports a lost tunnel even when the tunnel process itself stays up.
package vpn

import (
	"context"
	"net"
	"time"

	"github.com/yllada/vpnd/common"
)

// HealthState represents the result of the most recent connectivity checks.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// ConnectivityConfig holds configuration for the connectivity watcher.
type ConnectivityConfig struct {
	// Interval is how often to check connectivity. Zero disables the watcher.
	Interval time.Duration
	// FailureThreshold is how many consecutive failures mean the tunnel is lost.
	FailureThreshold int
	// Timeout bounds a single dial.
	Timeout time.Duration
	// TestHosts are dialed in order until one answers.
	TestHosts []string
	// Dial defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultConnectivityConfig returns sensible defaults for connectivity checks.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		Interval:         30 * time.Second,
		FailureThreshold: 3,
		Timeout:          5 * time.Second,
		TestHosts: []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
			"208.67.222.222:53",
		},
	}
}

// connectivityWatcher dials test hosts through the tunnel and calls onLost
// once FailureThreshold consecutive checks have failed.
type connectivityWatcher struct {
	config           ConnectivityConfig
	onLost           func()
	state            HealthState
	consecutiveFails int
	latency          time.Duration
}

func newConnectivityWatcher(config ConnectivityConfig, onLost func()) *connectivityWatcher {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Dial == nil {
		var d net.Dialer
		config.Dial = d.DialContext
	}
	return &connectivityWatcher{config: config, onLost: onLost}
}

// run checks connectivity on every tick until ctx is cancelled or the
// tunnel is declared lost.
func (w *connectivityWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.check(ctx) == HealthUnhealthy {
				w.onLost()
				return
			}
		}
	}
}

// check runs one connectivity test and updates the health state.
func (w *connectivityWatcher) check(ctx context.Context) HealthState {
	oldState := w.state

	latency, err := w.testConnectivity(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return w.state
		}
		w.consecutiveFails++
		w.latency = 0
		common.LogWarn("Connectivity check failed (attempt %d/%d): %v",
			w.consecutiveFails, w.config.FailureThreshold, err)

		if w.consecutiveFails >= w.config.FailureThreshold {
			w.state = HealthUnhealthy
		} else {
			w.state = HealthDegraded
		}
	} else {
		w.consecutiveFails = 0
		w.latency = latency
		w.state = HealthHealthy
	}

	if oldState != w.state {
		if w.state == HealthHealthy {
			common.LogInfo("Tunnel health changed: %s -> %s (latency %v)", oldState, w.state, w.latency.Round(time.Millisecond))
		} else {
			common.LogInfo("Tunnel health changed: %s -> %s", oldState, w.state)
		}
	}
	return w.state
}

// testConnectivity returns the latency of the first test host that answers.
func (w *connectivityWatcher) testConnectivity(ctx context.Context) (time.Duration, error) {
	var lastErr error = common.ErrTimeout
	for _, host := range w.config.TestHosts {
		dialCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		start := time.Now()
		conn, err := w.config.Dial(dialCtx, "tcp", host)
		cancel()
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// startWatcher begins connectivity checks for the current generation.
func (m *Manager) startWatcher() {
	if m.cfg.Connectivity.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.stopWatch = cancel

	gen := m.generation
	w := newConnectivityWatcher(m.cfg.Connectivity, func() {
		m.post(event{kind: evConnectivityLost, gen: gen})
	})
	go w.run(ctx)
}
