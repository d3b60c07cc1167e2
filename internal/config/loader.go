package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrConfigVersionTooNew = errors.New("config version too new")

// checkConfigFilePermissions rejects a config file with overly permissive
// permissions (group/world readable). Config files carry the database DSN.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads a YAML configuration file, fills in defaults, and validates.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Durations are strings in YAML; parse them by hand.
	var raw struct {
		Version  int            `yaml:"version,omitempty"`
		Identity IdentityConfig `yaml:"identity"`
		Database DatabaseConfig `yaml:"database"`
		Images   ImagesConfig   `yaml:"images"`
		Network  struct {
			PrimaryPort           uint16 `yaml:"primary_port"`
			ServerNeighborPort    uint16 `yaml:"server_neighbor_port"`
			ClientNonCustomerPort uint16 `yaml:"client_non_customer_port"`
			ClientCustomerPort    uint16 `yaml:"client_customer_port"`
			ClientAppServicePort  uint16 `yaml:"client_app_service_port"`
			KeepAliveInterval     string `yaml:"keep_alive_interval"`
		} `yaml:"network"`
		Limits   LimitsConfig `yaml:"limits"`
		Protocol struct {
			RelayPairingTimeout     string `yaml:"relay_pairing_timeout"`
			CallNotificationTimeout string `yaml:"call_notification_timeout"`
			CancelRedirectRetention string `yaml:"cancel_redirect_retention"`
		} `yaml:"protocol"`
		Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning was added
	version := raw.Version
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade profiled", ErrConfigVersionTooNew, version, CurrentConfigVersion)
	}

	cfg := Default()
	cfg.Version = version
	if raw.Identity.KeyFile != "" {
		cfg.Identity = raw.Identity
	}
	cfg.Database = raw.Database
	if raw.Images.Directory != "" {
		cfg.Images = raw.Images
	}
	if raw.Network.PrimaryPort != 0 {
		cfg.Network.PrimaryPort = raw.Network.PrimaryPort
	}
	if raw.Network.ServerNeighborPort != 0 {
		cfg.Network.ServerNeighborPort = raw.Network.ServerNeighborPort
	}
	if raw.Network.ClientNonCustomerPort != 0 {
		cfg.Network.ClientNonCustomerPort = raw.Network.ClientNonCustomerPort
	}
	if raw.Network.ClientCustomerPort != 0 {
		cfg.Network.ClientCustomerPort = raw.Network.ClientCustomerPort
	}
	if raw.Network.ClientAppServicePort != 0 {
		cfg.Network.ClientAppServicePort = raw.Network.ClientAppServicePort
	}
	if raw.Limits.MaxHostedIdentities != 0 {
		cfg.Limits.MaxHostedIdentities = raw.Limits.MaxHostedIdentities
	}
	if raw.Limits.MaxIdentityRelations != 0 {
		cfg.Limits.MaxIdentityRelations = raw.Limits.MaxIdentityRelations
	}
	if raw.Limits.MaxFollowerServersCount != 0 {
		cfg.Limits.MaxFollowerServersCount = raw.Limits.MaxFollowerServersCount
	}
	if raw.Limits.NeighborhoodInitParallelism != 0 {
		cfg.Limits.NeighborhoodInitParallelism = raw.Limits.NeighborhoodInitParallelism
	}
	if raw.Telemetry.Metrics.Enabled {
		cfg.Telemetry.Metrics.Enabled = true
	}
	if raw.Telemetry.Metrics.ListenAddress != "" {
		cfg.Telemetry.Metrics.ListenAddress = raw.Telemetry.Metrics.ListenAddress
	}

	var derr error
	parse := func(field, val string, dst *time.Duration) {
		if val == "" || derr != nil {
			return
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			derr = fmt.Errorf("invalid %s: %w", field, err)
			return
		}
		*dst = d
	}
	parse("keep_alive_interval", raw.Network.KeepAliveInterval, &cfg.Network.KeepAliveInterval)
	parse("relay_pairing_timeout", raw.Protocol.RelayPairingTimeout, &cfg.Protocol.RelayPairingTimeout)
	parse("call_notification_timeout", raw.Protocol.CallNotificationTimeout, &cfg.Protocol.CallNotificationTimeout)
	parse("cancel_redirect_retention", raw.Protocol.CancelRedirectRetention, &cfg.Protocol.CancelRedirectRetention)
	if derr != nil {
		return nil, derr
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func Validate(cfg *Config) error {
	ports := map[uint16]string{}
	for _, p := range []struct {
		name string
		port uint16
	}{
		{"primary_port", cfg.Network.PrimaryPort},
		{"server_neighbor_port", cfg.Network.ServerNeighborPort},
		{"client_non_customer_port", cfg.Network.ClientNonCustomerPort},
		{"client_customer_port", cfg.Network.ClientCustomerPort},
		{"client_app_service_port", cfg.Network.ClientAppServicePort},
	} {
		if p.port == 0 {
			return fmt.Errorf("%s must be set", p.name)
		}
		if other, dup := ports[p.port]; dup {
			return fmt.Errorf("%s and %s share port %d", p.name, other, p.port)
		}
		ports[p.port] = p.name
	}
	if cfg.Network.KeepAliveInterval <= 0 {
		return errors.New("keep_alive_interval must be positive")
	}
	if cfg.Limits.MaxHostedIdentities <= 0 {
		return errors.New("max_hosted_identities must be positive")
	}
	if cfg.Limits.MaxIdentityRelations <= 0 {
		return errors.New("max_identity_relations must be positive")
	}
	if cfg.Limits.MaxFollowerServersCount <= 0 {
		return errors.New("max_follower_servers_count must be positive")
	}
	if cfg.Limits.NeighborhoodInitParallelism <= 0 {
		return errors.New("neighborhood_initialization_parallelism must be positive")
	}
	return nil
}
