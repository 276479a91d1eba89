package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	data := strings.Repeat("x: value\n", 200000) // ~1.6MB
	_, err := LoadConfig(writeConfig(t, data))
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
identity: web1.example.net
collectives: [mcollective, uk]
main_collective: mcollective
connector: redis
redis:
  addr: localhost:6379
direct_addressing: true
discovery_timeout: 3
publish_timeout: 500ms
default_batch_size: 5
default_batch_sleep_time: 1.5
agents:
  rpcutil:
    rate_limit: 10
    burst: 20
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Identity != "web1.example.net" {
		t.Errorf("expected identity web1.example.net, got %s", cfg.Identity)
	}
	if cfg.DiscoveryTimeout.Duration != 3*time.Second {
		t.Errorf("expected 3s discovery timeout, got %v", cfg.DiscoveryTimeout)
	}
	if cfg.PublishTimeout.Duration != 500*time.Millisecond {
		t.Errorf("expected 500ms publish timeout, got %v", cfg.PublishTimeout)
	}
	if cfg.DefaultBatchSleepTime.Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s batch sleep, got %v", cfg.DefaultBatchSleepTime)
	}
	if cfg.Agents["rpcutil"].Burst != 20 {
		t.Errorf("expected burst 20, got %d", cfg.Agents["rpcutil"].Burst)
	}
	if cfg.Redis.Prefix != "fleet:" {
		t.Errorf("expected default prefix, got %q", cfg.Redis.Prefix)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "identity: n1\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.MainCollective != "mcollective" || len(cfg.Collectives) != 1 {
		t.Errorf("unexpected collectives %v main %s", cfg.Collectives, cfg.MainCollective)
	}
	if cfg.DefaultDiscoveryMethod != "mc" {
		t.Errorf("expected mc discovery, got %s", cfg.DefaultDiscoveryMethod)
	}
	if cfg.DirectAddressingThreshold != 10 {
		t.Errorf("expected threshold 10, got %d", cfg.DirectAddressingThreshold)
	}
	if cfg.TTL.Duration != time.Minute {
		t.Errorf("expected 60s ttl, got %v", cfg.TTL)
	}
	if cfg.PublishTimeout.Duration != 2*time.Second {
		t.Errorf("expected 2s publish timeout, got %v", cfg.PublishTimeout)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FLEET_IDENTITY", "from-env")
	t.Setenv("FLEET_PSK", "s3cret")

	cfg, err := LoadConfig(writeConfig(t, "identity: from-file\nsecurity:\n  provider: psk\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Identity != "from-env" {
		t.Errorf("expected env identity, got %s", cfg.Identity)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected psk from env to validate, got %v", err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "identity: [unterminated")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadConfig(writeConfig(t, "ttl: forever\n")); err == nil {
		t.Error("expected duration error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown connector", mutate: func(c *Config) { c.Connector = "stomp" }, wantErr: "unknown connector"},
		{name: "redis without addr", mutate: func(c *Config) { c.Connector = "redis" }, wantErr: "redis.addr"},
		{name: "psk without key", mutate: func(c *Config) { c.Security.Provider = "psk" }, wantErr: "security.psk"},
		{name: "bad limit method", mutate: func(c *Config) { c.RPCLimitMethod = "fastest" }, wantErr: "rpclimitmethod"},
		{name: "batch without direct addressing", mutate: func(c *Config) { c.DefaultBatchSize = 2 }, wantErr: "direct_addressing"},
		{name: "main collective missing", mutate: func(c *Config) { c.MainCollective = "other" }, wantErr: "main_collective"},
		{name: "negative rate", mutate: func(c *Config) { c.Agents = map[string]AgentConfig{"x": {RateLimit: -1}} }, wantErr: "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Identity = "n1"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Identity = "n1"
	cfg.DiscoveryTimeout.Duration = 4 * time.Second

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.DiscoveryTimeout.Duration != 4*time.Second {
		t.Errorf("expected 4s, got %v", loaded.DiscoveryTimeout)
	}
}
