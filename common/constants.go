// Package common provides shared constants, types, and utilities
// used across the vpnd daemon and its command-line client.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "vpnd"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpnd"
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "VPND"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	SettingsFileName    = "settings.yaml"
	RelayCacheFileName  = "relays.db"
	CredentialsFileName = ".credentials"
	LogFileName         = "vpnd.log"
	SocketFileName      = "vpnd.sock"
)

// Default timeouts and intervals.
const (
	// EstablishTimeout is how long a tunnel may take to come up before the attempt is abandoned.
	EstablishTimeout = 30 * time.Second
	// TeardownGrace is how long a tunnel gets to exit cleanly before it is killed.
	TeardownGrace = 5 * time.Second
	// ShutdownTimeout bounds how long the daemon waits to reach Disconnected on exit.
	ShutdownTimeout = 10 * time.Second
	// RetryBaseDelay is the base of the exponential reconnect backoff.
	RetryBaseDelay = 1 * time.Second
	// RetryMaxDelay caps the exponential reconnect backoff.
	RetryMaxDelay = 60 * time.Second
	// RelayRefreshInterval is how often the relay list is re-fetched.
	RelayRefreshInterval = 1 * time.Hour
	// MonitorInterval is how often tunnel interfaces are polled.
	MonitorInterval = 500 * time.Millisecond
	// IPCTimeout is the default timeout for a single client request.
	IPCTimeout = 5 * time.Second
)

// Retry bounds.
const (
	// MaxAuthRetries is the number of consecutive authentication failures tolerated before blocking.
	MaxAuthRetries = 2
	// MaxStartRetries is the number of consecutive tunnel start failures tolerated before blocking.
	MaxStartRetries = 2
	// MaxSelectionAttempts is the number of consecutive relay selection failures tolerated before blocking.
	MaxSelectionAttempts = 8
)

// DefaultTunnelInterface is the name given to the tunnel device.
const DefaultTunnelInterface = "vpnd0"

// DefaultNTPServer is queried when diagnosing authentication failures.
const DefaultNTPServer = "pool.ntp.org"
