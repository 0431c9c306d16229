// Package retry decides how a failed connection attempt is retried: which
// constraints to relax next and how long to wait before trying.
package retry

import (
	"time"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
)

// order is walked one step per failed attempt. Each step only fills in what
// the user left open, so an explicit choice is never overridden.
var order = []relay.RelaxationStep{
	{},
	{Protocol: relay.WireGuard},
	{Protocol: relay.WireGuard, Port: 443},
	{Protocol: relay.WireGuard, IPVersion: relay.IPv6},
	{Protocol: relay.OpenVPN, Transport: relay.TCP, Port: 443},
	{Protocol: relay.WireGuard, Obfuscation: relay.ObfuscationUdp2Tcp},
	{Protocol: relay.WireGuard, Obfuscation: relay.ObfuscationUdp2Tcp, IPVersion: relay.IPv6},
	{Protocol: relay.OpenVPN, Transport: relay.TCP, Bridge: relay.BridgeOn},
}

// Scheduler computes relaxation steps and backoff delays from an attempt
// counter. It holds no per-connection state; the counter belongs to the
// caller.
type Scheduler struct {
	base time.Duration
	max  time.Duration
}

// NewScheduler returns a scheduler with the given backoff bounds. Zero values
// fall back to the package defaults.
func NewScheduler(base, max time.Duration) *Scheduler {
	if base <= 0 {
		base = common.RetryBaseDelay
	}
	if max <= 0 {
		max = common.RetryMaxDelay
	}
	if max < base {
		max = base
	}
	return &Scheduler{base: base, max: max}
}

// Sequence returns a copy of the full relaxation sequence.
func Sequence() []relay.RelaxationStep {
	return append([]relay.RelaxationStep(nil), order...)
}

// Steps returns the steps of the sequence that are compatible with q, in
// order. The first, empty step is always included. Steps that prefer IPv6
// are left out when the host has no IPv6 connectivity.
func (s *Scheduler) Steps(q relay.Query, ipv6Available bool) []relay.RelaxationStep {
	steps := make([]relay.RelaxationStep, 0, len(order))
	for i, step := range order {
		if i == 0 {
			steps = append(steps, step)
			continue
		}
		if !ipv6Available && step.IPVersion == relay.IPv6 {
			continue
		}
		if _, ok := step.Apply(q); ok {
			steps = append(steps, step)
		}
	}
	return steps
}

// Next returns the step for attempt. Attempts past the end of the sequence
// keep getting the last compatible step.
func (s *Scheduler) Next(attempt uint32, q relay.Query, ipv6Available bool) relay.RelaxationStep {
	steps := s.Steps(q, ipv6Available)
	idx := int(min(attempt, uint32(len(steps)-1)))
	return steps[idx]
}

// Delay returns how long to wait before attempt. The first attempt is
// immediate; after that the delay doubles up to the configured maximum.
func (s *Scheduler) Delay(attempt uint32) time.Duration {
	if attempt == 0 {
		return 0
	}
	// Compare against max shifted down so base<<attempt never overflows.
	if attempt >= 63 || s.base > s.max>>attempt {
		return s.max
	}
	return s.base << attempt
}
