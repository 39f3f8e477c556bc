// Package doctor runs local diagnostics for 'taskflow doctor'.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/maintenance"
	"github.com/basket/taskflow/internal/persistence"
	"github.com/basket/taskflow/internal/resilient"
	"github.com/basket/taskflow/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed. Warnings do not count.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEnvironment,
		checkClient,
		checkAuth,
		checkDatabase,
		checkPermissions,
		checkRetention,
		checkStore,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml; running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

// checkEnvironment lists the TASKFLOW_* variables that override config.yaml.
// Credential values are masked.
func checkEnvironment(_ context.Context, _ *config.Config) CheckResult {
	var set []string
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(name, "TASKFLOW_") || value == "" {
			continue
		}
		set = append(set, name+"="+shared.RedactField(name, value))
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: StatusPass, Message: "No TASKFLOW_* overrides"}
	}
	sort.Strings(set)
	return CheckResult{
		Name:    "Environment",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d TASKFLOW_* override(s)", len(set)),
		Detail:  strings.Join(set, " "),
	}
}

// checkClient builds the resilient client from config, which applies the
// same validation the CLI does before its first request.
func checkClient(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Client", Status: StatusSkip, Message: "Config missing"}
	}
	c, err := resilient.New(cfg.Resilience())
	if err != nil {
		return CheckResult{Name: "Client", Status: StatusFail, Message: err.Error()}
	}
	c.Close()
	cc := cfg.Client
	return CheckResult{
		Name:    "Client",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d retries, breaker at %g%% over %s", cc.MaxRetries, cc.FailureThreshold, cc.Window),
		Detail:  fmt.Sprintf("timeout=%s backoff=%s..%s pool=%d", cc.RequestTimeout, cc.BackoffBase, cc.BackoffMax, cc.PoolSize),
	}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	auth := cfg.Server.Auth
	switch {
	case auth.Enabled && len(auth.Keys) == 0:
		return CheckResult{Name: "Auth", Status: StatusFail, Message: "Auth is enabled but no keys are configured"}
	case !auth.Enabled:
		return CheckResult{Name: "Auth", Status: StatusWarn, Message: "Auth is disabled", Detail: "any client that reaches " + cfg.BindAddr + " can write tasks"}
	case cfg.Client.Token == "":
		return CheckResult{Name: "Auth", Status: StatusWarn, Message: fmt.Sprintf("%d key(s) configured but the client has no token", len(auth.Keys))}
	}
	return CheckResult{Name: "Auth", Status: StatusPass, Message: fmt.Sprintf("%d key(s) configured", len(auth.Keys))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: "Not created yet; 'taskflow serve' creates it", Detail: cfg.DBPath}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	n, err := store.TotalEventCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Schema valid", Detail: fmt.Sprintf("%s, %d task events", cfg.DBPath, n)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkRetention(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Retention", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := maintenance.NextRunTime(cfg.Retention.Schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Retention", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{
		Name:    "Retention",
		Status:  StatusPass,
		Message: fmt.Sprintf("Events older than %d days purged on %q", cfg.Retention.MaxAgeDays, cfg.Retention.Schedule),
		Detail:  "next run " + next.Format(time.RFC3339),
	}
}

// checkStore dials the store's TCP address. It does not speak HTTP;
// 'taskflow status' does that.
func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: StatusSkip, Message: "Config missing"}
	}
	u, err := url.Parse(cfg.Client.BaseURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Invalid base_url %q", shared.Redact(cfg.Client.BaseURL))}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Store",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unreachable", host),
			Detail:  err.Error(),
		}
	}
	conn.Close()
	return CheckResult{Name: "Store", Status: StatusPass, Message: fmt.Sprintf("%s reachable (%dms)", host, latency.Milliseconds())}
}
