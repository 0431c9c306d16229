package relay

import (
	"strconv"
	"strings"
)

// RelaxationStep fills in constraints the user left open. A step never
// overrides a constraint the user set explicitly.
type RelaxationStep struct {
	Protocol    TunnelProtocol
	Port        uint16
	Transport   TransportProtocol
	IPVersion   IPVersion
	Obfuscation ObfuscationMode
	Bridge      BridgeMode
}

// IsZero reports whether the step leaves the query unchanged.
func (s RelaxationStep) IsZero() bool {
	return s == RelaxationStep{}
}

// Apply merges the step into q. It returns false when the step contradicts
// one of the user's constraints or produces a query no relay can satisfy.
func (s RelaxationStep) Apply(q Query) (Query, bool) {
	ok := true

	q.Protocol, ok = mergeField(q.Protocol, s.Protocol, AnyProtocol, ok)
	q.Transport, ok = mergeField(q.Transport, s.Transport, AnyTransport, ok)
	q.IPVersion, ok = mergeField(q.IPVersion, s.IPVersion, AnyIPVersion, ok)
	q.Obfuscation, ok = mergeField(q.Obfuscation, s.Obfuscation, ObfuscationAuto, ok)
	q.Bridge, ok = mergeField(q.Bridge, s.Bridge, BridgeAuto, ok)
	q.Port, ok = mergeField(q.Port, s.Port, 0, ok)

	if !ok {
		return q, false
	}
	return q, q.Validate() == nil
}

func mergeField[T comparable](user, step, anyValue T, ok bool) (T, bool) {
	switch {
	case step == anyValue:
		return user, ok
	case user == anyValue:
		return step, ok
	case user == step:
		return user, ok
	default:
		return user, false
	}
}

// String renders the non-empty fields of the step.
func (s RelaxationStep) String() string {
	if s.IsZero() {
		return "{}"
	}
	var parts []string
	if s.Protocol != AnyProtocol {
		parts = append(parts, s.Protocol.String())
	}
	if s.Transport != AnyTransport {
		parts = append(parts, s.Transport.String())
	}
	if s.Port != 0 {
		parts = append(parts, "port "+strconv.Itoa(int(s.Port)))
	}
	if s.IPVersion != AnyIPVersion {
		parts = append(parts, s.IPVersion.String())
	}
	if s.Obfuscation != ObfuscationAuto {
		parts = append(parts, s.Obfuscation.String())
	}
	if s.Bridge != BridgeAuto {
		parts = append(parts, "bridge "+s.Bridge.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
