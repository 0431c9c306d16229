// Package common provides shared constants, types, and utilities
// used across the vpnd daemon and its command-line client.
package common

import (
	"errors"

	"github.com/samber/oops"
)

// Sentinel errors for daemon operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Connection errors.
	ErrNotRunning = errors.New("daemon is not running")
	ErrTimeout    = errors.New("operation timed out")
	ErrShutdown   = errors.New("daemon is shutting down")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// Permission errors.
	ErrPermissionDenied = errors.New("permission denied")
	ErrRootRequired     = errors.New("root privileges required")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return oops.Wrapf(err, "%s", message)
}

// WrapIn wraps an error with additional context tagged with the subsystem
// that produced it, so the causal chain survives into the log.
func WrapIn(domain string, err error, message string) error {
	if err == nil {
		return nil
	}
	return oops.In(domain).Wrapf(err, "%s", message)
}
