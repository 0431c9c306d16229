package vpn

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthState_String(t *testing.T) {
	tests := []struct {
		state    HealthState
		expected string
	}{
		{HealthHealthy, "Healthy"},
		{HealthDegraded, "Degraded"},
		{HealthUnhealthy, "Unhealthy"},
		{HealthUnknown, "Unknown"},
		{HealthState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("HealthState.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDefaultConnectivityConfig(t *testing.T) {
	config := DefaultConnectivityConfig()

	if config.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", config.Interval)
	}
	if config.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %v, want 3", config.FailureThreshold)
	}
	if len(config.TestHosts) == 0 {
		t.Error("TestHosts should not be empty")
	}
}

// scriptedDial fails the first n dials and succeeds afterwards.
func scriptedDial(failures int) (func(context.Context, string, string) (net.Conn, error), *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if int(calls.Add(1)) <= failures {
			return nil, errors.New("network unreachable")
		}
		c1, c2 := net.Pipe()
		c2.Close()
		return c1, nil
	}, &calls
}

func TestConnectivityWatcher_Check(t *testing.T) {
	dial, _ := scriptedDial(2)
	w := newConnectivityWatcher(ConnectivityConfig{
		FailureThreshold: 3,
		TestHosts:        []string{"10.64.0.1:53"},
		Dial:             dial,
	}, func() {})

	steps := []HealthState{HealthDegraded, HealthDegraded, HealthHealthy, HealthHealthy}
	for i, want := range steps {
		if got := w.check(context.Background()); got != want {
			t.Errorf("check #%d = %v, want %v", i+1, got, want)
		}
	}
	if w.consecutiveFails != 0 {
		t.Errorf("consecutiveFails = %d, want 0 after success", w.consecutiveFails)
	}
}

func TestConnectivityWatcher_LatencyResetOnFailure(t *testing.T) {
	var fail atomic.Bool
	w := newConnectivityWatcher(ConnectivityConfig{
		TestHosts: []string{"10.64.0.1:53"},
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if fail.Load() {
				return nil, errors.New("network unreachable")
			}
			time.Sleep(2 * time.Millisecond)
			c1, c2 := net.Pipe()
			c2.Close()
			return c1, nil
		},
	}, func() {})

	w.check(context.Background())
	if w.latency < 2*time.Millisecond {
		t.Errorf("latency = %v, want at least 2ms", w.latency)
	}

	fail.Store(true)
	w.check(context.Background())
	if w.latency != 0 {
		t.Errorf("latency = %v, want 0 after a failed check", w.latency)
	}
}

func TestConnectivityWatcher_TriesEveryHost(t *testing.T) {
	dial, calls := scriptedDial(2)
	w := newConnectivityWatcher(ConnectivityConfig{
		TestHosts: []string{"a:53", "b:53", "c:53"},
		Dial:      dial,
	}, func() {})

	if got := w.check(context.Background()); got != HealthHealthy {
		t.Errorf("check = %v, want Healthy", got)
	}
	if calls.Load() != 3 {
		t.Errorf("dials = %d, want 3", calls.Load())
	}
}

func TestConnectivityWatcher_RunReportsLoss(t *testing.T) {
	dial, _ := scriptedDial(1000)
	lost := make(chan struct{})
	w := newConnectivityWatcher(ConnectivityConfig{
		Interval:         time.Millisecond,
		FailureThreshold: 2,
		TestHosts:        []string{"10.64.0.1:53"},
		Dial:             dial,
	}, func() { close(lost) })

	done := make(chan struct{})
	go func() {
		w.run(context.Background())
		close(done)
	}()

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("onLost was not called")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after reporting loss")
	}
}

func TestConnectivityWatcher_CancelIsNotFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := newConnectivityWatcher(ConnectivityConfig{
		TestHosts: []string{"10.64.0.1:53"},
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, ctx.Err()
		},
	}, func() {})

	if got := w.check(ctx); got != HealthUnknown {
		t.Errorf("check = %v, want Unknown", got)
	}
	if w.consecutiveFails != 0 {
		t.Errorf("consecutiveFails = %d, want 0", w.consecutiveFails)
	}
}
