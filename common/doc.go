// Package common provides shared constants, types, and utilities
// used throughout vpnd.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: timeouts, retry bounds, file names
//   - Errors: sentinel errors and wrapping helpers built on oops
//   - Logger: leveled logrus logging with rotating file output
//   - Utils: directory layout and identifiers
//
// # Usage
//
//	common.LogInfo("Connecting to %s", hostname)
//
//	common.LogWith(logrus.Fields{"state": state}).Info("transition")
//
//	if errors.Is(err, common.ErrNotRunning) {
//	    // daemon socket missing
//	}
package common
