// Package main provides the entry point for vpnd.
// vpnd is a VPN daemon for Linux that keeps a single WireGuard or OpenVPN
// tunnel up and blocks traffic whenever the tunnel cannot be secured.
//
// Features:
//   - Relay selection from a cached, periodically refreshed relay list
//   - Automatic reconnection with exponential backoff
//   - Firewall lockdown while connecting, on errors and on request
//   - Account and device key storage using the system keyring
//   - Command-line client and live terminal status view
//
// Usage:
//
//	vpnd daemon            # run the daemon (as root)
//	vpnd connect --wait    # secure traffic and wait for the tunnel
//	vpnd status --watch    # follow the tunnel state
//
// Environment:
//
//	The daemon requires nftables, iproute2 and wireguard-tools or OpenVPN
//	to be installed on the system. Settings can be overridden with VPND_*
//	environment variables.
package main

import (
	"os"

	"github.com/yllada/vpnd/cli"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	os.Exit(cli.Execute(cli.BuildInfo{
		Version: appVersion,
		Time:    buildTime,
		Commit:  commitSHA,
	}))
}
