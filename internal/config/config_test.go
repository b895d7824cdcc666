package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shineum/batv-milter/internal/filter"
)

var envVars = []string{
	"BATV_LISTEN", "BATV_SOCKET_MODE",
	"BATV_SIGN", "BATV_VERIFY", "BATV_LIFETIME", "BATV_DELIMITER",
	"BATV_KEY_FILE", "BATV_KEY_MAP_FILE", "BATV_WATCH_KEYS",
	"BATV_INTERNAL_HOSTS", "BATV_ON_INTERNAL_ERROR",
	"METRICS_LISTEN", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envVars {
		t.Setenv(env, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Milter.Listen != "unix:/run/batv-milter/batv-milter.sock" {
		t.Errorf("Milter.Listen: got %q", cfg.Milter.Listen)
	}
	if !cfg.BATV.Sign || !cfg.BATV.Verify {
		t.Errorf("Sign/Verify: got %v/%v, want true/true", cfg.BATV.Sign, cfg.BATV.Verify)
	}
	if cfg.BATV.Lifetime != 7 {
		t.Errorf("BATV.Lifetime: got %d, want 7", cfg.BATV.Lifetime)
	}
	if cfg.Delimiter() != 0 {
		t.Errorf("Delimiter: got %q, want none", cfg.Delimiter())
	}
	if got := strings.Join(cfg.BATV.InternalHosts, ","); got != "127.0.0.0/8,::1" {
		t.Errorf("BATV.InternalHosts: got %q, want %q", got, "127.0.0.0/8,::1")
	}
	if p, err := cfg.FailurePolicy(); err != nil || p != filter.FailTempFail {
		t.Errorf("FailurePolicy: got %v (%v), want tempfail", p, err)
	}
	if cfg.Metrics.Listen != "" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics: got %+v", cfg.Metrics)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BATV_LISTEN", "inet:8891@127.0.0.1")
	t.Setenv("BATV_SOCKET_MODE", "0660")
	t.Setenv("BATV_SIGN", "false")
	t.Setenv("BATV_LIFETIME", "14")
	t.Setenv("BATV_DELIMITER", "+")
	t.Setenv("BATV_KEY_FILE", "/etc/batv/key")
	t.Setenv("BATV_WATCH_KEYS", "true")
	t.Setenv("BATV_INTERNAL_HOSTS", "10.0.0.0/8, 192.168.0.0/16,")
	t.Setenv("BATV_ON_INTERNAL_ERROR", "ACCEPT")
	t.Setenv("METRICS_LISTEN", ":9100")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Milter.Listen != "inet:8891@127.0.0.1" {
		t.Errorf("Milter.Listen: got %q", cfg.Milter.Listen)
	}
	if mode, err := cfg.SocketMode(); err != nil || mode != 0o660 {
		t.Errorf("SocketMode: got %o (%v), want 660", mode, err)
	}
	if cfg.BATV.Sign {
		t.Error("BATV.Sign: got true, want false")
	}
	if !cfg.BATV.Verify {
		t.Error("BATV.Verify: got false, want default true")
	}
	if cfg.BATV.Lifetime != 14 {
		t.Errorf("BATV.Lifetime: got %d, want 14", cfg.BATV.Lifetime)
	}
	if cfg.Delimiter() != '+' {
		t.Errorf("Delimiter: got %q, want '+'", cfg.Delimiter())
	}
	if !cfg.BATV.WatchKeys {
		t.Error("BATV.WatchKeys: got false, want true")
	}
	if got := strings.Join(cfg.BATV.InternalHosts, ","); got != "10.0.0.0/8,192.168.0.0/16" {
		t.Errorf("BATV.InternalHosts: got %q", got)
	}
	if p, _ := cfg.FailurePolicy(); p != filter.FailAccept {
		t.Errorf("FailurePolicy: got %v, want accept", p)
	}
	if cfg.Metrics.Listen != ":9100" {
		t.Errorf("Metrics.Listen: got %q, want %q", cfg.Metrics.Listen, ":9100")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_InvalidEnvNumbersIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("BATV_LIFETIME", "soon")
	t.Setenv("BATV_VERIFY", "maybe")

	cfg, _ := Load()
	if cfg.BATV.Lifetime != 7 {
		t.Errorf("BATV.Lifetime: got %d, want default 7", cfg.BATV.Lifetime)
	}
	if !cfg.BATV.Verify {
		t.Error("BATV.Verify: got false, want default true")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
milter:
  listen: /var/spool/postfix/batv/batv.sock
  socket_mode: "0666"
batv:
  verify: false
  lifetime: 30
  sub_address_delimiter: "-"
  key_map_file: /etc/batv/keys.yaml
  internal_hosts:
    - 10.0.0.0/8
  on_internal_error: reject
metrics:
  listen: 127.0.0.1:9100
logging:
  level: warn
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Milter.Listen != "/var/spool/postfix/batv/batv.sock" {
		t.Errorf("Milter.Listen: got %q", cfg.Milter.Listen)
	}
	if !cfg.BATV.Sign {
		t.Error("BATV.Sign: got false, want default true")
	}
	if cfg.BATV.Verify {
		t.Error("BATV.Verify: got true, want false")
	}
	if cfg.BATV.Lifetime != 30 {
		t.Errorf("BATV.Lifetime: got %d, want 30", cfg.BATV.Lifetime)
	}
	if cfg.Delimiter() != '-' {
		t.Errorf("Delimiter: got %q, want '-'", cfg.Delimiter())
	}
	if len(cfg.BATV.InternalHosts) != 1 || cfg.BATV.InternalHosts[0] != "10.0.0.0/8" {
		t.Errorf("BATV.InternalHosts: got %v, want [10.0.0.0/8]", cfg.BATV.InternalHosts)
	}
	if p, _ := cfg.FailurePolicy(); p != filter.FailReject {
		t.Errorf("FailurePolicy: got %v, want reject", p)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path: got %q, want default", cfg.Metrics.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFromFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "batv:\n  lifetime: 30\n  key_file: /a\n")
	t.Setenv("BATV_LIFETIME", "3")
	t.Setenv("BATV_KEY_FILE", "/b")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.BATV.Lifetime != 3 {
		t.Errorf("BATV.Lifetime: got %d, want 3", cfg.BATV.Lifetime)
	}
	if cfg.BATV.KeyFile != "/b" {
		t.Errorf("BATV.KeyFile: got %q, want %q", cfg.BATV.KeyFile, "/b")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
	if _, err := LoadFromFile(writeConfig(t, "batv: [not, a, map]\n")); err == nil {
		t.Error("expected error for malformed YAML, got nil")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad listen", func(c *Config) { c.Milter.Listen = "udp:1" }, "milter.listen"},
		{"bad socket mode", func(c *Config) { c.Milter.SocketMode = "rw-rw----" }, "socket_mode"},
		{"lifetime zero", func(c *Config) { c.BATV.Lifetime = 0 }, "lifetime"},
		{"lifetime too long", func(c *Config) { c.BATV.Lifetime = 998 }, "lifetime"},
		{"long delimiter", func(c *Config) { c.BATV.SubAddressDelimiter = "+-" }, "delimiter"},
		{"no keys", func(c *Config) { c.BATV.KeyFile = "" }, "key_file"},
		{"bad policy", func(c *Config) { c.BATV.OnInternalError = "bounce" }, "on_internal_error"},
		{"bad host", func(c *Config) { c.BATV.InternalHosts = []string{"10.0.0.0/33"} }, "internal_hosts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := Load()
			cfg.BATV.KeyFile = "/etc/batv/key"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate: got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
