// Package config provides configuration management for vpnd.
// It handles the daemon configuration, read with viper from a YAML file and
// VPND_* environment variables, and the user settings the daemon persists.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yllada/vpnd/common"
)

// Config represents the daemon configuration.
type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
		File  bool   `mapstructure:"file"`
	} `mapstructure:"log"`

	// SettingsFile holds the persisted target state and relay constraints.
	// Empty means settings.yaml in the config directory.
	SettingsFile string `mapstructure:"settings_file"`

	Relay struct {
		// CachePath is the relay list database. Empty means the data directory.
		CachePath       string        `mapstructure:"cache_path"`
		ListURL         string        `mapstructure:"list_url"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	} `mapstructure:"relay"`

	Retry struct {
		BaseDelay            time.Duration `mapstructure:"base_delay"`
		MaxDelay             time.Duration `mapstructure:"max_delay"`
		MaxSelectionAttempts int           `mapstructure:"max_selection_attempts"`
	} `mapstructure:"retry"`

	Auth struct {
		MaxRetries   int           `mapstructure:"max_retries"`
		MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`
		NTPServer    string        `mapstructure:"ntp_server"`
	} `mapstructure:"auth"`

	Tunnel struct {
		EstablishTimeout   time.Duration `mapstructure:"establish_timeout"`
		TeardownGrace      time.Duration `mapstructure:"teardown_grace"`
		MaxStartRetries    int           `mapstructure:"max_start_retries"`
		Interface          string        `mapstructure:"interface"`
		WireGuardAddresses []string      `mapstructure:"wireguard_addresses"`
		OpenVPNCA          string        `mapstructure:"openvpn_ca"`
	} `mapstructure:"tunnel"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Firewall struct {
		AllowLAN              bool `mapstructure:"allow_lan"`
		BlockWhenDisconnected bool `mapstructure:"block_when_disconnected"`
	} `mapstructure:"firewall"`

	DNS struct {
		Servers []string `mapstructure:"servers"`
	} `mapstructure:"dns"`

	Routing struct {
		ExcludedNetworks []string `mapstructure:"excluded_networks"`
	} `mapstructure:"routing"`

	IPC struct {
		SocketPath string `mapstructure:"socket_path"`
	} `mapstructure:"ipc"`
}

// DefaultRelayListURL is where the relay catalogue is fetched from.
const DefaultRelayListURL = "https://api.mullvad.net/app/v1/relays"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", true)
	v.SetDefault("settings_file", "")

	v.SetDefault("relay.cache_path", "")
	v.SetDefault("relay.list_url", DefaultRelayListURL)
	v.SetDefault("relay.refresh_interval", common.RelayRefreshInterval)

	v.SetDefault("retry.base_delay", common.RetryBaseDelay)
	v.SetDefault("retry.max_delay", common.RetryMaxDelay)
	v.SetDefault("retry.max_selection_attempts", common.MaxSelectionAttempts)

	v.SetDefault("auth.max_retries", common.MaxAuthRetries)
	v.SetDefault("auth.max_clock_skew", 60*time.Second)
	v.SetDefault("auth.ntp_server", common.DefaultNTPServer)

	v.SetDefault("tunnel.establish_timeout", common.EstablishTimeout)
	v.SetDefault("tunnel.teardown_grace", common.TeardownGrace)
	v.SetDefault("tunnel.max_start_retries", common.MaxStartRetries)
	v.SetDefault("tunnel.interface", common.DefaultTunnelInterface)
	v.SetDefault("tunnel.wireguard_addresses", []string{})
	v.SetDefault("tunnel.openvpn_ca", "")

	v.SetDefault("shutdown_timeout", common.ShutdownTimeout)

	v.SetDefault("firewall.allow_lan", false)
	v.SetDefault("firewall.block_when_disconnected", false)
	v.SetDefault("dns.servers", []string{})
	v.SetDefault("routing.excluded_networks", []string{})
	v.SetDefault("ipc.socket_path", filepath.Join(common.GetRuntimeDir(), common.SocketFileName))
}

// Load reads the configuration. An explicit path must exist; without one,
// config.yaml is looked up in configDir and defaults apply when it is
// missing. Environment variables such as VPND_LOG_LEVEL override both.
func Load(path, configDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(common.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(configDir)
		v.SetConfigName(strings.TrimSuffix(common.ConfigFileName, filepath.Ext(common.ConfigFileName)))
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
		}
		common.LogDebug("Config: No config file in %s, using defaults", configDir)
	} else {
		common.LogDebug("Config: Using config file %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// validate verifies that configuration values are valid.
func (c *Config) validate() error {
	if _, err := common.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Auth.MaxRetries < 1 || c.Tunnel.MaxStartRetries < 1 || c.Retry.MaxSelectionAttempts < 1 {
		return fmt.Errorf("auth.max_retries, tunnel.max_start_retries and retry.max_selection_attempts must be at least 1")
	}
	if c.Tunnel.Interface == "" {
		return fmt.Errorf("tunnel.interface must be set")
	}
	if _, err := c.DNSServers(); err != nil {
		return err
	}
	if _, err := c.ExcludedNetworks(); err != nil {
		return err
	}
	if _, err := c.WireGuardAddresses(); err != nil {
		return err
	}
	return nil
}

// DNSServers returns the configured resolvers.
func (c *Config) DNSServers() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(c.DNS.Servers))
	for _, s := range c.DNS.Servers {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("dns.servers: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ExcludedNetworks returns the networks kept outside the tunnel. A bare
// address is a single host.
func (c *Config) ExcludedNetworks() ([]netip.Prefix, error) {
	return parsePrefixes("routing.excluded_networks", c.Routing.ExcludedNetworks)
}

// WireGuardAddresses returns the in-tunnel addresses of this device.
func (c *Config) WireGuardAddresses() ([]netip.Prefix, error) {
	return parsePrefixes("tunnel.wireguard_addresses", c.Tunnel.WireGuardAddresses)
}

func parsePrefixes(key string, values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, s := range values {
		s = strings.TrimSpace(s)
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// SettingsPath resolves the settings file location.
func (c *Config) SettingsPath(configDir string) string {
	if c.SettingsFile != "" {
		return c.SettingsFile
	}
	return filepath.Join(configDir, common.SettingsFileName)
}

// CachePath resolves the relay cache location.
func (c *Config) CachePath(dataDir string) string {
	if c.Relay.CachePath != "" {
		return c.Relay.CachePath
	}
	return filepath.Join(dataDir, common.RelayCacheFileName)
}
