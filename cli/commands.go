package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yllada/vpnd/ipc"
	"github.com/yllada/vpnd/ui"
	"github.com/yllada/vpnd/vpn"
)

func newConnectCommand(opts *options) *cobra.Command {
	var (
		wait        bool
		waitTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Secure traffic through the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			// Subscribe before connecting so no transition is missed.
			var states <-chan vpn.TunnelState
			ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
			defer cancel()
			if wait {
				listener, err := opts.dial(cmd.Context())
				if err != nil {
					return err
				}
				defer listener.Close()
				if states, err = listener.Listen(ctx); err != nil {
					return err
				}
			}

			reqCtx, reqCancel := opts.requestContext(cmd)
			defer reqCancel()
			if _, err := client.Connect(reqCtx); err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}
			if !wait {
				fmt.Println("Connecting...")
				return nil
			}
			return waitForSecured(ctx, states)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until connected or blocked")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 2*time.Minute, "how long --wait waits")
	return cmd
}

// waitForSecured prints progress until the tunnel is connected or blocked.
func waitForSecured(ctx context.Context, states <-chan vpn.TunnelState) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timed out")
		case s, ok := <-states:
			if !ok {
				if ctx.Err() != nil {
					return fmt.Errorf("connection timed out")
				}
				return errors.New("daemon closed the connection")
			}
			switch s.Kind {
			case vpn.StateConnected:
				fmt.Printf("✓ %s\n", formatState(s))
				return nil
			case vpn.StateBlocked:
				return fmt.Errorf("traffic blocked: %s", s.Reason.Description())
			case vpn.StateConnecting:
				if s.Endpoint != nil {
					fmt.Println(formatState(s))
				}
			}
		}
	}
}

func newDisconnectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Tear down the tunnel and stop securing traffic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleCommand(cmd, opts, (*ipc.Client).Disconnect, "Disconnecting...", "Already disconnected.")
		},
	}
}

func newReconnectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Replace the tunnel with a fresh one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleCommand(cmd, opts, (*ipc.Client).Reconnect, "Reconnecting...", "Not connected; nothing to do.")
		},
	}
}

func simpleCommand(cmd *cobra.Command, opts *options, call func(*ipc.Client, context.Context) (bool, error), done, ignored string) error {
	client, err := opts.dial(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := opts.requestContext(cmd)
	defer cancel()
	accepted, err := call(client, ctx)
	if err != nil {
		return err
	}
	if accepted {
		fmt.Println(done)
	} else {
		fmt.Println(ignored)
	}
	return nil
}

func newStatusCommand(opts *options) *cobra.Command {
	var (
		watch  bool
		asJSON bool
		notify bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if !watch {
				ctx, cancel := opts.requestContext(cmd)
				defer cancel()
				st, err := client.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(st)
				}
				printStatus(os.Stdout, st)
				return nil
			}

			states, err := client.Listen(cmd.Context())
			if err != nil {
				return err
			}
			if notify {
				notifier, err := ui.NewNotifier()
				if err != nil {
					return err
				}
				states = notifier.Tee(cmd.Context(), states)
			}
			if !asJSON && term.IsTerminal(int(os.Stdout.Fd())) {
				return ui.RunStatus(cmd.Context(), states)
			}
			for s := range states {
				if asJSON {
					if err := writeJSON(s); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), formatState(s))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow state changes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&notify, "notify", false, "with --watch, show desktop notifications")
	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAccountCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the account used to authenticate with relays",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the account number and device key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				acct, err := c.Account(ctx)
				if err != nil {
					return err
				}
				printAccount(os.Stdout, acct)
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set TOKEN",
		Short: "Store the account number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				acct, err := c.SetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				printAccount(os.Stdout, acct)
				return nil
			})
		},
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the account number and device key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				if err := c.ClearAccount(ctx); err != nil {
					return err
				}
				fmt.Println("✓ Logged out")
				return nil
			})
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate-key",
		Short: "Replace the WireGuard device key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				acct, err := c.RotateKey(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("✓ New public key: %s\n", acct.PublicKey)
				return nil
			})
		},
	}

	cmd.AddCommand(show, set, logout, rotate)
	return cmd
}

func withClient(cmd *cobra.Command, opts *options, fn func(context.Context, *ipc.Client) error) error {
	client, err := opts.dial(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := opts.requestContext(cmd)
	defer cancel()
	return fn(ctx, client)
}
