package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.Redis.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"signal path without slash", func(c *Config) { c.Signal.Path = "ws" }},
		{"zero pong wait", func(c *Config) { c.Signal.PongWait = 0 }},
		{"zero send buffer", func(c *Config) { c.Signal.SendBuffer = 0 }},
		{"zero max messages", func(c *Config) { c.Registry.MaxMessages = 0 }},
		{"negative sweep interval", func(c *Config) { c.Registry.SweepInterval = -time.Second }},
		{"port range half set", func(c *Config) { c.WebRTC.PortRange.Min = 5000 }},
		{"port range inverted", func(c *Config) {
			c.WebRTC.PortRange.Min = 6000
			c.WebRTC.PortRange.Max = 5000
		}},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"zero negotiation timeout", func(c *Config) { c.Client.NegotiationTimeout = 0 }},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
		{"redis without address", func(c *Config) { c.Redis.Address = "" }},
		{"redis without channel", func(c *Config) { c.Redis.Channel = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Registry.MaxMessages != 100 {
		t.Errorf("expected default max messages 100, got %d", cfg.Registry.MaxMessages)
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := []byte(`
server:
  address: ":9000"
registry:
  max_messages: 50
logging:
  level: debug
`)
	if err := os.WriteFile(path, yamlDoc, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEETRELAY_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("server.address = %q, want :9000", cfg.Server.Address)
	}
	if cfg.Registry.MaxMessages != 50 {
		t.Errorf("registry.max_messages = %d, want 50", cfg.Registry.MaxMessages)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env override not applied, logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Signal.PongWait != 60*time.Second {
		t.Errorf("unset fields must keep defaults, pong_wait = %v", cfg.Signal.PongWait)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoadFirst_PicksExistingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, used, err := LoadFirst(filepath.Join(dir, "nope.yaml"), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != path {
		t.Errorf("used = %q, want %q", used, path)
	}
	if cfg.Server.Address != ":7000" {
		t.Errorf("server.address = %q", cfg.Server.Address)
	}
}
