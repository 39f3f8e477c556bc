package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskflow/internal/audit"
	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/gateway"
	"github.com/basket/taskflow/internal/maintenance"
	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/persistence"
	"github.com/basket/taskflow/internal/telemetry"
)

func (a *app) serveCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task store: HTTP API, change stream and retention",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			logger, closer, err := telemetry.NewLogger(a.cfg.HomeDir, a.cfg.LogLevel, quiet)
			if err != nil {
				return fmt.Errorf("E_LOGGER_INIT: %w", err)
			}
			defer closer.Close()
			slog.SetDefault(logger)

			ln, err := net.Listen("tcp", a.cfg.BindAddr)
			if err != nil {
				logger.Error("startup failure", "reason_code", "E_LISTENER_BIND", "error", err)
				return fmt.Errorf("E_LISTENER_BIND: %w", err)
			}
			return serve(cmd.Context(), a.cfg, logger, ln)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log to the file under $TASKFLOW_HOME/logs only")
	return cmd
}

// serve runs the store on ln until ctx is cancelled, then drains. It owns
// ln and every component it starts.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, ln net.Listener) error {
	fail := func(code string, err error) error {
		logger.Error("startup failure", "reason_code", code, "error", err)
		_ = ln.Close()
		return fmt.Errorf("%s: %w", code, err)
	}
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())
	if cfg.NeedsInit {
		logger.Info("no config.yaml found; running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if !cfg.Server.Auth.Enabled {
		if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
			if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
				logger.Warn("auth is disabled on a non-loopback bind; any reachable client can write tasks", "bind_addr", cfg.BindAddr)
			}
		}
	}

	provider, err := otelpkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fail("E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetMetrics(metrics)
	logger.Info("startup phase", "phase", "schema_migrated", "db", filepath.Clean(cfg.DBPath))

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fail("E_AUDIT_OPEN", err)
	}
	defer auditLog.Close()

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		Audit:             auditLog,
		Server:            cfg.Server,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		return fail("E_GATEWAY_INIT", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	gw.StartBackground(runCtx)

	retention, err := maintenance.NewScheduler(maintenance.Config{
		Store:      store,
		Logger:     logger,
		Schedule:   cfg.Retention.Schedule,
		MaxAgeDays: cfg.Retention.MaxAgeDays,
	})
	if err != nil {
		return fail("E_RETENTION_SCHEDULE", err)
	}
	retention.Start(runCtx)
	defer retention.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(runCtx); err != nil {
		return fail("E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload rejected; retaining previous settings", "error", err)
				continue
			}
			gw.Reload(next.Server)
		}
	}()

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		logger.Error("gateway stopped", "error", err)
		return err
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	gw.CloseStreams()
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("drain timed out; closing remaining connections", "error", err)
		_ = server.Close()
	}
	logger.Info("shutdown complete")
	return nil
}
