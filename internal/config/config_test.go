package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskflow/internal/config"
)

// isolate points TASKFLOW_HOME at a temp dir and clears every override.
func isolate(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "tf")
	t.Setenv("TASKFLOW_HOME", home)
	for _, k := range []string{"TASKFLOW_BIND_ADDR", "TASKFLOW_URL", "TASKFLOW_TOKEN", "TASKFLOW_LOG_LEVEL", "TASKFLOW_DB"} {
		t.Setenv(k, "")
	}
	return home
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_NeedsInitWhenNoConfig(t *testing.T) {
	home := isolate(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit=true")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := isolate(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Client.BaseURL != "http://127.0.0.1:18790" {
		t.Fatalf("client.base_url = %q", cfg.Client.BaseURL)
	}
	if cfg.DBPath != filepath.Join(home, "taskflow.db") {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.Retention.Schedule != "0 3 * * *" || cfg.Retention.MaxAgeDays != 90 {
		t.Fatalf("unexpected retention defaults: %+v", cfg.Retention)
	}
	if err := cfg.Resilience().Validate(); err != nil {
		t.Fatalf("default resilience config invalid: %v", err)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `
bind_addr: 127.0.0.1:9999
log_level: DEBUG
server:
  auth:
    enabled: true
    keys:
      - key: tf_abcdefghijklmnopqrstuvwx
        name: ci-bot
  rate_limit:
    enabled: true
    requests_per_minute: 30
    burst_size: 3
client:
  request_timeout: 750ms
  max_retries: 5
  backoff_base: 50ms
  backoff_max: 2s
retention:
  max_age_days: 7
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NeedsInit {
		t.Fatal("did not expect NeedsInit")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level not normalized: %q", cfg.LogLevel)
	}
	if cfg.Client.BaseURL != "http://127.0.0.1:9999" {
		t.Fatalf("base url should follow bind addr, got %q", cfg.Client.BaseURL)
	}
	if len(cfg.Server.Auth.Keys) != 1 || cfg.Server.Auth.Keys[0].Name != "ci-bot" {
		t.Fatalf("unexpected auth keys: %+v", cfg.Server.Auth.Keys)
	}
	rc := cfg.Resilience()
	if rc.RequestTimeout != 750*time.Millisecond || rc.MaxRetries != 5 || rc.BackoffBase != 50*time.Millisecond {
		t.Fatalf("unexpected resilience config: %+v", rc)
	}
	// Untouched fields keep their defaults.
	if rc.BackoffMultiplier != 2 || rc.PoolSize != 16 {
		t.Fatalf("defaults lost: %+v", rc)
	}
	if cfg.Retention.MaxAgeDays != 7 {
		t.Fatalf("retention.max_age_days = %d", cfg.Retention.MaxAgeDays)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "bind_addr: 127.0.0.1:9000\nclient:\n  base_url: http://file.example:1\n")
	t.Setenv("TASKFLOW_URL", "http://env.example:2/")
	t.Setenv("TASKFLOW_TOKEN", "tf_envtokenenvtokenenvtoken")
	t.Setenv("TASKFLOW_DB", "/tmp/other.db")
	t.Setenv("TASKFLOW_LOG_LEVEL", "warn")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Client.BaseURL != "http://env.example:2" {
		t.Fatalf("base url = %q", cfg.Client.BaseURL)
	}
	if cfg.Resilience().AuthToken != "tf_envtokenenvtokenenvtoken" {
		t.Fatal("token override not applied")
	}
	if cfg.DBPath != "/tmp/other.db" || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected overrides: db=%q log=%q", cfg.DBPath, cfg.LogLevel)
	}
}

func TestLoad_InvalidConfigReportsEveryField(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `
log_level: loud
server:
  auth:
    enabled: true
client:
  jitter: 1.5
  failure_threshold: 0
`)

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "server.auth.enabled", "jitter", "failure_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err.Error(), want)
		}
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "server: [unterminated\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	isolate(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a := cfg.Fingerprint()
	if a != cfg.Fingerprint() {
		t.Fatal("fingerprint should be stable")
	}
	cfg.Server.RateLimit.RequestsPerMinute++
	if cfg.Fingerprint() == a {
		t.Fatal("fingerprint should change with rate limit")
	}
	cfg.Server.RateLimit.RequestsPerMinute--
	cfg.Client.Token = "tf_changedchangedchangedchanged"
	if cfg.Fingerprint() != a {
		t.Fatal("fingerprint must not depend on secret values")
	}
}
