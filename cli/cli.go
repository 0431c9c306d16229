// Package cli provides the vpnd command-line interface: the daemon itself
// and the client commands that control it over the local socket.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/config"
	"github.com/yllada/vpnd/ipc"
)

// BuildInfo is injected at build time via ldflags.
type BuildInfo struct {
	Version string
	Time    string
	Commit  string
}

// options are the persistent flags shared by every command.
type options struct {
	configFile string
	socket     string
	verbose    bool
	timeout    time.Duration
}

// NewRootCommand builds the command tree.
func NewRootCommand(build BuildInfo) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           common.AppName,
		Short:         "Tunnel daemon and control client",
		Long:          "vpnd keeps a single VPN tunnel up, blocking traffic whenever it cannot be secured.",
		Version:       build.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := common.LevelWarn
			if opts.verbose {
				level = common.LevelDebug
			}
			common.GetLogger().SetLevel(level)
			return nil
		},
	}
	root.SetVersionTemplate(versionString(build))

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default: config.yaml in the config directory)")
	flags.StringVar(&opts.socket, "socket", "", "daemon socket path")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	flags.DurationVar(&opts.timeout, "timeout", common.IPCTimeout, "timeout for a single request")

	root.AddCommand(
		newDaemonCommand(opts, build),
		newConnectCommand(opts),
		newDisconnectCommand(opts),
		newReconnectCommand(opts),
		newStatusCommand(opts),
		newRelayCommand(opts),
		newAccountCommand(opts),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(build BuildInfo) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand(build).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func versionString(build BuildInfo) string {
	s := fmt.Sprintf("%s v%s\n", common.AppName, build.Version)
	if build.Time != "" && build.Time != "unknown" {
		s += fmt.Sprintf("  Build:  %s\n  Commit: %s\n", build.Time, build.Commit)
	}
	return s
}

// loadConfig reads the daemon configuration. The config directory is only
// created when running as the daemon.
func (o *options) loadConfig(create bool) (*config.Config, string, error) {
	dir := filepath.Join("/etc", common.ConfigDirName)
	if create {
		var err error
		if dir, err = common.GetConfigDir(); err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(o.configFile, dir)
	if err != nil {
		return nil, "", err
	}
	if o.socket != "" {
		cfg.IPC.SocketPath = o.socket
	}
	return cfg, dir, nil
}

func (o *options) socketPath() string {
	if o.socket != "" {
		return o.socket
	}
	if cfg, _, err := o.loadConfig(false); err == nil {
		return cfg.IPC.SocketPath
	}
	return filepath.Join(common.GetRuntimeDir(), common.SocketFileName)
}

// dial connects to the daemon.
func (o *options) dial(ctx context.Context) (*ipc.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return ipc.Dial(ctx, o.socketPath())
}

// requestContext bounds a single request.
func (o *options) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}
