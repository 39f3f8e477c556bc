package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/resilient"
)

// APIKeyEntry is one accepted bearer token. Name is recorded as the actor
// of every write made with the key.
type APIKeyEntry struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// ServerConfig configures `taskflow serve`.
type ServerConfig struct {
	Auth         AuthConfig      `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	CORS         CORSConfig      `yaml:"cors"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// ClientConfig is the caller side of the wire: where the store lives and
// how hard to try reaching it. Every field maps onto resilient.Config.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	Jitter            float64       `yaml:"jitter"`

	FailureThreshold float64       `yaml:"failure_threshold"`
	MinimumVolume    int           `yaml:"minimum_volume"`
	Window           time.Duration `yaml:"window"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`

	PoolSize    int           `yaml:"pool_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RetentionConfig drives the event pruning job. MaxAgeDays 0 keeps
// history forever.
type RetentionConfig struct {
	Schedule   string `yaml:"schedule"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry otel.Config     `yaml:"telemetry"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Resilience returns the explicit client configuration. It does not fill
// gaps: a zero field stays zero and resilient.New rejects it.
func (c Config) Resilience() resilient.Config {
	cc := c.Client
	return resilient.Config{
		BaseURL:           cc.BaseURL,
		RequestTimeout:    cc.RequestTimeout,
		MaxRetries:        cc.MaxRetries,
		BackoffBase:       cc.BackoffBase,
		BackoffMultiplier: cc.BackoffMultiplier,
		BackoffMax:        cc.BackoffMax,
		Jitter:            cc.Jitter,
		FailureThreshold:  cc.FailureThreshold,
		MinimumVolume:     cc.MinimumVolume,
		Window:            cc.Window,
		ResetTimeout:      cc.ResetTimeout,
		PoolSize:          cc.PoolSize,
		IdleTimeout:       cc.IdleTimeout,
		AuthToken:         cc.Token,
	}
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour. Secrets contribute only their count.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|log=%s|auth=%t/%d|rl=%t/%d/%d|url=%s|retries=%d|threshold=%g|retention=%s/%d",
		c.BindAddr, c.DBPath, c.LogLevel,
		c.Server.Auth.Enabled, len(c.Server.Auth.Keys),
		c.Server.RateLimit.Enabled, c.Server.RateLimit.RequestsPerMinute, c.Server.RateLimit.BurstSize,
		c.Client.BaseURL, c.Client.MaxRetries, c.Client.FailureThreshold,
		c.Retention.Schedule, c.Retention.MaxAgeDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Server: ServerConfig{
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 600,
				BurstSize:         50,
			},
			MaxBodyBytes: 1 << 20,
			DrainTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			RequestTimeout:    5 * time.Second,
			MaxRetries:        3,
			BackoffBase:       200 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Second,
			Jitter:            0.2,
			FailureThreshold:  50,
			MinimumVolume:     10,
			Window:            time.Minute,
			ResetTimeout:      30 * time.Second,
			PoolSize:          16,
			IdleTimeout:       90 * time.Second,
		},
		Retention: RetentionConfig{
			Schedule:   "0 3 * * *",
			MaxAgeDays: 90,
		},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "taskflow",
			SampleRate:  1,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKFLOW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskflow")
}

// Load reads $TASKFLOW_HOME/config.yaml over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskflow home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskflow.db")
	}
	if cfg.Client.BaseURL == "" {
		cfg.Client.BaseURL = "http://" + cfg.BindAddr
	}
	cfg.Client.BaseURL = strings.TrimRight(cfg.Client.BaseURL, "/")
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.DrainTimeout <= 0 {
		cfg.Server.DrainTimeout = 5 * time.Second
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		errs = append(errs, fmt.Errorf("bind_addr %q: %w", c.BindAddr, err))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel))
	}
	if c.Server.Auth.Enabled {
		if len(c.Server.Auth.Keys) == 0 {
			errs = append(errs, errors.New("server.auth.enabled requires at least one key"))
		}
		for i, k := range c.Server.Auth.Keys {
			if strings.TrimSpace(k.Key) == "" {
				errs = append(errs, fmt.Errorf("server.auth.keys[%d].key is empty", i))
			}
		}
	}
	if c.Retention.MaxAgeDays < 0 {
		errs = append(errs, errors.New("retention.max_age_days must be >= 0"))
	}
	if err := c.Resilience().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("client: %w", err))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKFLOW_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKFLOW_URL"); raw != "" {
		cfg.Client.BaseURL = raw
	}
	if raw := os.Getenv("TASKFLOW_TOKEN"); raw != "" {
		cfg.Client.Token = raw
	}
	if raw := os.Getenv("TASKFLOW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKFLOW_DB"); raw != "" {
		cfg.DBPath = raw
	}
}
