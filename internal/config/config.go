// Package config loads and validates the server's YAML configuration.
package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the full server configuration.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Database  DatabaseConfig  `yaml:"database"`
	Images    ImagesConfig    `yaml:"images"`
	Network   NetworkConfig   `yaml:"network"`
	Limits    LimitsConfig    `yaml:"limits"`
	Protocol  ProtocolConfig  `yaml:"protocol,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// DatabaseConfig points at the relational store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ImagesConfig points at the image blob directory.
type ImagesConfig struct {
	Directory string `yaml:"directory"`
}

// NetworkConfig holds the five role ports and connection housekeeping.
type NetworkConfig struct {
	PrimaryPort           uint16 `yaml:"primary_port"`
	ServerNeighborPort    uint16 `yaml:"server_neighbor_port"`
	ClientNonCustomerPort uint16 `yaml:"client_non_customer_port"`
	ClientCustomerPort    uint16 `yaml:"client_customer_port"`
	ClientAppServicePort  uint16 `yaml:"client_app_service_port"`

	// KeepAliveInterval closes sessions idle past this duration.
	KeepAliveInterval time.Duration `yaml:"-"`
}

// LimitsConfig caps the durable state.
type LimitsConfig struct {
	MaxHostedIdentities          int `yaml:"max_hosted_identities"`
	MaxIdentityRelations         int `yaml:"max_identity_relations"`
	MaxFollowerServersCount      int `yaml:"max_follower_servers_count"`
	NeighborhoodInitParallelism  int `yaml:"neighborhood_initialization_parallelism"`
}

// ProtocolConfig holds protocol timing knobs.
type ProtocolConfig struct {
	// RelayPairingTimeout destroys relays never paired on both sides.
	RelayPairingTimeout time.Duration `yaml:"-"`
	// CallNotificationTimeout bounds the callee's answer.
	CallNotificationTimeout time.Duration `yaml:"-"`
	// CancelRedirectRetention keeps a redirected profile findable after
	// its hosting agreement was cancelled.
	CancelRedirectRetention time.Duration `yaml:"-"`
}

// TelemetryConfig holds observability settings.
// All features are disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// Default returns the configuration used when a field is absent.
func Default() *Config {
	return &Config{
		Version:  CurrentConfigVersion,
		Identity: IdentityConfig{KeyFile: "profiled.key"},
		Images:   ImagesConfig{Directory: "images"},
		Network: NetworkConfig{
			PrimaryPort:           16987,
			ServerNeighborPort:    16988,
			ClientNonCustomerPort: 16989,
			ClientCustomerPort:    16990,
			ClientAppServicePort:  16991,
			KeepAliveInterval:     60 * time.Second,
		},
		Limits: LimitsConfig{
			MaxHostedIdentities:         10000,
			MaxIdentityRelations:        100,
			MaxFollowerServersCount:     200,
			NeighborhoodInitParallelism: 3,
		},
		Protocol: ProtocolConfig{
			RelayPairingTimeout:     60 * time.Second,
			CallNotificationTimeout: 30 * time.Second,
			CancelRedirectRetention: 14 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{ListenAddress: "127.0.0.1:9091"},
		},
	}
}
