package relay

import "errors"

// Sentinel errors matched by RejectError.Is.
var (
	ErrInvalidConstraints = errors.New("invalid constraints")
	ErrNoRelay            = errors.New("no matching relay")
	ErrNoBridge           = errors.New("no matching bridge")
	ErrNoObfuscator       = errors.New("no matching obfuscator")
	ErrNoEndpoint         = errors.New("no usable endpoint")
)

// RejectKind classifies why a selection failed.
type RejectKind int

const (
	RejectInvalidConstraints RejectKind = iota
	RejectNoRelay
	RejectNoBridge
	RejectNoObfuscator
	RejectNoEndpoint
)

func (k RejectKind) sentinel() error {
	switch k {
	case RejectInvalidConstraints:
		return ErrInvalidConstraints
	case RejectNoRelay:
		return ErrNoRelay
	case RejectNoBridge:
		return ErrNoBridge
	case RejectNoObfuscator:
		return ErrNoObfuscator
	default:
		return ErrNoEndpoint
	}
}

// String returns the sentinel message for the kind.
func (k RejectKind) String() string {
	return k.sentinel().Error()
}

// RejectError is returned by Selector.Select instead of a candidate.
type RejectError struct {
	Kind RejectKind
	// Detail names the relay or hop involved, if any.
	Detail string
	Cause  error
}

func (e *RejectError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches the sentinel for the rejection kind.
func (e *RejectError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *RejectError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a later, more relaxed attempt could succeed.
func (e *RejectError) Retryable() bool {
	return e.Kind != RejectInvalidConstraints
}

func reject(kind RejectKind, detail string) *RejectError {
	return &RejectError{Kind: kind, Detail: detail}
}

// IsRetryable reports whether err is a selection failure worth retrying.
func IsRetryable(err error) bool {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}
