package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/config"
	"github.com/yllada/vpnd/dns"
	"github.com/yllada/vpnd/firewall"
	"github.com/yllada/vpnd/ipc"
	"github.com/yllada/vpnd/keyring"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/retry"
	"github.com/yllada/vpnd/routing"
	"github.com/yllada/vpnd/tunnel"
	"github.com/yllada/vpnd/vpn"
)

// openvpnPassword is sent alongside the account number, which is the
// OpenVPN username.
const openvpnPassword = "m"

// logRotationInterval is how often the daemon checks the log file size.
const logRotationInterval = 10 * time.Minute

func newDaemonCommand(opts *options, build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the tunnel daemon",
		Long: "Run the tunnel daemon. It restores the last target state, keeps the relay list " +
			"fresh and serves client commands on the control socket until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Geteuid() != 0 {
				return fmt.Errorf("%w: the daemon manages firewall rules and routes", common.ErrRootRequired)
			}
			return runDaemon(cmd.Context(), opts, build)
		},
	}
}

func runDaemon(ctx context.Context, opts *options, build BuildInfo) error {
	cfg, configDir, err := opts.loadConfig(true)
	if err != nil {
		return err
	}

	level, _ := common.ParseLevel(cfg.Log.Level)
	if opts.verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       level,
		EnableFile:  cfg.Log.File,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	common.LogInfo("Starting %s v%s", common.AppName, build.Version)

	dataDir, err := common.GetDataDir()
	if err != nil {
		return err
	}

	settings, err := config.OpenSettings(cfg.SettingsPath(configDir))
	if err != nil {
		return err
	}
	query, err := settings.Get().Query()
	if err != nil {
		return err
	}

	secrets := keyring.Open(dataDir)

	cache, err := relay.OpenCache(cfg.CachePath(dataDir))
	if err != nil {
		common.LogWarn("Relay cache disabled: %v", err)
	} else {
		defer cache.Close()
	}
	pool := relay.NewPool(nil)
	updater := relay.NewUpdater(pool, cache, relay.UpdaterConfig{
		URL:      cfg.Relay.ListURL,
		Interval: cfg.Relay.RefreshInterval,
	})
	// Seed the pool before the manager makes its first selection.
	if err := updater.LoadCache(ctx); err != nil && !errors.Is(err, relay.ErrCacheEmpty) {
		common.LogWarn("Could not load relay cache: %v", err)
	}

	resolver, err := dns.NewResolved()
	if err != nil {
		return err
	}

	dnsServers, _ := cfg.DNSServers()
	excluded, _ := cfg.ExcludedNetworks()
	wgAddresses, _ := cfg.WireGuardAddresses()

	monitor := tunnel.NewMonitor(tunnel.Config{
		Interface: cfg.Tunnel.Interface,
		OpenVPNCA: cfg.Tunnel.OpenVPNCA,
		OpenVPNCredentials: func(ctx context.Context) (string, string, error) {
			token, err := secrets.AccountToken()
			if err != nil {
				return "", "", fmt.Errorf("no account number: %w", err)
			}
			return token, openvpnPassword, nil
		},
		WireGuardKey: func(ctx context.Context) (string, error) {
			key, err := secrets.WireGuardKey()
			if err != nil {
				return "", err
			}
			return key.String(), nil
		},
		WireGuardAddresses: wgAddresses,
	})

	manager, err := vpn.NewManager(vpn.Config{
		Firewall:              firewall.New(),
		DNS:                   resolver,
		Routes:                routing.New(),
		Tunnel:                monitor,
		Relays:                pool,
		Scheduler:             retry.NewScheduler(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		Clock:                 vpn.NewNTPClock(cfg.Auth.NTPServer, cfg.Auth.MaxClockSkew),
		Query:                 query,
		Target:                settings.Get().Target,
		OnTargetChange:        settings.SetTarget,
		DNSServers:            dnsServers,
		ExcludedNetworks:      excluded,
		AllowLAN:              cfg.Firewall.AllowLAN,
		BlockWhenDisconnected: cfg.Firewall.BlockWhenDisconnected,
		EstablishTimeout:      cfg.Tunnel.EstablishTimeout,
		TeardownGrace:         cfg.Tunnel.TeardownGrace,
		ShutdownTimeout:       cfg.ShutdownTimeout,
		MaxAuthRetries:        cfg.Auth.MaxRetries,
		MaxStartRetries:       cfg.Tunnel.MaxStartRetries,
		MaxSelectionAttempts:  cfg.Retry.MaxSelectionAttempts,
		Connectivity:          vpn.DefaultConnectivityConfig(),
		IPv6Available:         routing.IPv6Available,
	})
	if err != nil {
		return err
	}

	server := ipc.NewServer(cfg.IPC.SocketPath, ipc.Backend{
		Tunnel:   manager,
		Settings: settings,
		Relays:   pool,
		Accounts: secrets,
		Refresh:  updater.Trigger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		return updater.Run(gctx)
	})
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(logRotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				common.GetLogger().CheckRotation()
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, common.ErrTimeout) {
		common.LogError("Tunnel did not shut down cleanly within %v", cfg.ShutdownTimeout)
	}
	common.LogInfo("%s stopped", common.AppName)
	return err
}
