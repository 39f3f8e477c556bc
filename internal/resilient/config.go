package resilient

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config is the complete client configuration. Every field except AuthToken
// must be set; New rejects a partial Config instead of filling defaults.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration

	// MaxRetries counts retries after the first attempt.
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	// Jitter is the randomization fraction applied to each delay, 0 <= j < 1.
	Jitter float64

	// FailureThreshold is a percentage in (0, 100]. The breaker opens when the
	// window failure rate is strictly above it.
	FailureThreshold float64
	MinimumVolume    int
	// Window is the length of the rolling window the failure rate is taken
	// over.
	Window       time.Duration
	ResetTimeout time.Duration

	PoolSize    int
	IdleTimeout time.Duration

	AuthToken string
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be > 0"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, errors.New("backoff_base must be > 0"))
	}
	if c.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("backoff_multiplier must be >= 1"))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, errors.New("backoff_max must be >= backoff_base"))
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		errs = append(errs, errors.New("jitter must be in [0, 1)"))
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 100 {
		errs = append(errs, errors.New("failure_threshold must be in (0, 100]"))
	}
	if c.MinimumVolume < 1 {
		errs = append(errs, errors.New("minimum_volume must be >= 1"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be > 0"))
	}
	if c.ResetTimeout <= 0 {
		errs = append(errs, errors.New("reset_timeout must be > 0"))
	}
	if c.PoolSize < 1 {
		errs = append(errs, errors.New("pool_size must be >= 1"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be > 0"))
	}
	return errors.Join(errs...)
}
