package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiled.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/profiled"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.PrimaryPort != 16987 {
		t.Errorf("primary port = %d, want default 16987", cfg.Network.PrimaryPort)
	}
	if cfg.Network.KeepAliveInterval != 60*time.Second {
		t.Errorf("keep alive = %v, want 60s", cfg.Network.KeepAliveInterval)
	}
	if cfg.Protocol.CancelRedirectRetention != 14*24*time.Hour {
		t.Errorf("redirect retention = %v, want 14 days", cfg.Protocol.CancelRedirectRetention)
	}
	if cfg.Limits.MaxHostedIdentities != 10000 {
		t.Errorf("max hosted = %d, want 10000", cfg.Limits.MaxHostedIdentities)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
network:
  primary_port: 20001
  server_neighbor_port: 20002
  client_non_customer_port: 20003
  client_customer_port: 20004
  client_app_service_port: 20005
  keep_alive_interval: 90s
limits:
  max_hosted_identities: 42
protocol:
  cancel_redirect_retention: 48h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.PrimaryPort != 20001 || cfg.Network.ClientAppServicePort != 20005 {
		t.Error("ports not overridden")
	}
	if cfg.Network.KeepAliveInterval != 90*time.Second {
		t.Errorf("keep alive = %v", cfg.Network.KeepAliveInterval)
	}
	if cfg.Limits.MaxHostedIdentities != 42 {
		t.Errorf("max hosted = %d", cfg.Limits.MaxHostedIdentities)
	}
	if cfg.Protocol.CancelRedirectRetention != 48*time.Hour {
		t.Errorf("retention = %v", cfg.Protocol.CancelRedirectRetention)
	}
}

func TestLoadRejectsDuplicatePorts(t *testing.T) {
	path := writeConfig(t, `
network:
  primary_port: 20001
  server_neighbor_port: 20001
`)
	if _, err := Load(path); err == nil {
		t.Error("duplicate ports accepted")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
network:
  keep_alive_interval: soon
`)
	if _, err := Load(path); err == nil {
		t.Error("unparseable duration accepted")
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := writeConfig(t, "version: 99\n")
	if _, err := Load(path); !errors.Is(err, ErrConfigVersionTooNew) {
		t.Errorf("err = %v, want ErrConfigVersionTooNew", err)
	}
}

func TestLoadRejectsWorldReadable(t *testing.T) {
	path := writeConfig(t, "version: 1\n")
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("world-readable config accepted")
	}
}
