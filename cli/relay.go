package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yllada/vpnd/ipc"
	"github.com/yllada/vpnd/relay"
)

func newRelayCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "List relays and change relay constraints",
	}
	cmd.AddCommand(
		newRelayListCommand(opts),
		newRelaySetCommand(opts),
		newRelayUpdateCommand(opts),
		newCustomListCommand(opts),
	)
	return cmd
}

func newRelayListCommand(opts *options) *cobra.Command {
	var filter relayFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter.kind != "" {
				var k relay.Kind
				if err := k.UnmarshalText([]byte(filter.kind)); err != nil {
					return err
				}
			}
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				list, err := c.RelayList(ctx)
				if err != nil {
					return err
				}
				printRelays(os.Stdout, list, filter)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.country, "country", "", "only relays in this country code")
	cmd.Flags().StringVar(&filter.kind, "kind", "", "only relays of this kind (wireguard, openvpn, bridge)")
	cmd.Flags().BoolVar(&filter.all, "all", false, "include inactive relays")
	return cmd
}

func newRelayUpdateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Refresh the relay list now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				accepted, err := c.UpdateRelays(ctx)
				if err != nil {
					return err
				}
				if accepted {
					fmt.Println("Relay list refresh requested.")
				} else {
					fmt.Println("Relay list refresh is not enabled.")
				}
				return nil
			})
		},
	}
}

// queryFlags holds the relay set flags. Only flags the user changed are
// applied on top of the current constraints.
type queryFlags struct {
	location       string
	list           string
	protocol       string
	port           uint16
	transport      string
	ipVersion      string
	ownership      string
	providers      []string
	obfuscation    string
	bridge         string
	bridgeLocation string
	multihop       bool
	entryLocation  string
	distinctEntry  bool
}

func (f *queryFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.location, "location", "", `exit location: "any" or country[/city[/hostname]]`)
	fs.StringVar(&f.list, "list", "", "exit location from a custom list")
	fs.StringVar(&f.protocol, "protocol", "", "tunnel protocol: any, wireguard, openvpn")
	fs.Uint16Var(&f.port, "port", 0, "relay port, 0 for any")
	fs.StringVar(&f.transport, "transport", "", "OpenVPN transport: any, udp, tcp")
	fs.StringVar(&f.ipVersion, "ip-version", "", "relay address family: any, ipv4, ipv6")
	fs.StringVar(&f.ownership, "ownership", "", "any, owned, rented")
	fs.StringSliceVar(&f.providers, "providers", nil, "hosting providers, empty for any")
	fs.StringVar(&f.obfuscation, "obfuscation", "", "auto, off, udp2tcp")
	fs.StringVar(&f.bridge, "bridge", "", "bridge mode: auto, off, on")
	fs.StringVar(&f.bridgeLocation, "bridge-location", "", "bridge location")
	fs.BoolVar(&f.multihop, "multihop", false, "route through a separate entry relay")
	fs.StringVar(&f.entryLocation, "entry-location", "", "multihop entry location")
	fs.BoolVar(&f.distinctEntry, "distinct-entry-location", false, "entry and exit must be in different cities")
}

// apply changes q according to the flags set in fs.
func (f *queryFlags) apply(fs *pflag.FlagSet, q *relay.Query) error {
	var errs []error
	text := func(name, value string, dst interface{ UnmarshalText([]byte) error }) {
		if fs.Changed(name) {
			if err := dst.UnmarshalText([]byte(strings.ToLower(value))); err != nil {
				errs = append(errs, err)
			}
		}
	}
	location := func(name, value string, dst *relay.LocationConstraint) {
		if !fs.Changed(name) {
			return
		}
		geo, err := relay.ParseGeoConstraint(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", name, err))
			return
		}
		*dst = relay.LocationConstraint{GeoConstraint: geo}
	}

	location("location", f.location, &q.Location)
	if fs.Changed("list") {
		q.Location = relay.LocationConstraint{ListName: f.list}
	}
	text("protocol", f.protocol, &q.Protocol)
	if fs.Changed("port") {
		q.Port = f.port
	}
	text("transport", f.transport, &q.Transport)
	text("ip-version", f.ipVersion, &q.IPVersion)
	text("ownership", f.ownership, &q.Ownership)
	if fs.Changed("providers") {
		q.Providers = f.providers
	}
	text("obfuscation", f.obfuscation, &q.Obfuscation)
	text("bridge", f.bridge, &q.Bridge)
	location("bridge-location", f.bridgeLocation, &q.BridgeLocation)
	if fs.Changed("multihop") {
		q.Multihop = f.multihop
	}
	location("entry-location", f.entryLocation, &q.EntryLocation)
	if fs.Changed("distinct-entry-location") {
		q.DistinctEntryLocation = f.distinctEntry
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func newRelaySetCommand(opts *options) *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change relay constraints",
		Long: "Change relay constraints. Only the flags given are changed; " +
			"a tunnel that is up or being set up is restarted if the constraints changed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NFlag() == 0 {
				return fmt.Errorf("no constraint given")
			}
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				current, err := c.Settings(ctx)
				if err != nil {
					return err
				}
				q := current.Relay
				if err := flags.apply(cmd.Flags(), &q); err != nil {
					return err
				}
				if err := q.Validate(); err != nil {
					return err
				}
				if _, err := c.SetRelay(ctx, q); err != nil {
					return err
				}
				fmt.Printf("✓ Relay constraints: %s\n", formatQuery(q))
				return nil
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newCustomListCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "custom-list",
		Short: "Manage named groups of locations",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show custom lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				s, err := c.Settings(ctx)
				if err != nil {
					return err
				}
				printCustomLists(os.Stdout, s)
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set NAME LOCATION...",
		Short: "Create or replace a custom list",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			members := make([]relay.GeoConstraint, 0, len(args)-1)
			for _, arg := range args[1:] {
				geo, err := relay.ParseGeoConstraint(arg)
				if err != nil {
					return err
				}
				if geo.IsAny() {
					return fmt.Errorf("custom list members must name a location")
				}
				members = append(members, geo)
			}
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				_, err := c.SetCustomList(ctx, args[0], members)
				return err
			})
		},
	}

	remove := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a custom list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ipc.Client) error {
				_, err := c.SetCustomList(ctx, args[0], nil)
				return err
			})
		},
	}

	cmd.AddCommand(show, set, remove)
	return cmd
}
