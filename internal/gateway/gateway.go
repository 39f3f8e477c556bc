// Package gateway serves the authoritative task store over HTTP: the
// /api/tasks routes, /healthz and the /ws change stream.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/basket/taskflow/internal/audit"
	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/config"
	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/persistence"
	"github.com/basket/taskflow/internal/shared"
	"github.com/basket/taskflow/internal/task"
)

type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
	// Audit receives rejected requests. Nil disables the audit file.
	Audit *audit.Log

	Server config.ServerConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	schemas *bodySchemas

	auth      *AuthMiddleware
	rateLimit *RateLimitMiddleware

	// closing ends open websocket streams; http.Server.Shutdown does not
	// track hijacked connections.
	closing   chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileBodySchemas()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		schemas:   schemas,
		auth:      NewAuthMiddleware(cfg.Server.Auth),
		rateLimit: NewRateLimitMiddleware(cfg.Server.RateLimit),
		closing:   make(chan struct{}),
	}
	s.rateLimit.SetMetrics(cfg.Metrics)
	s.auth.SetAudit(cfg.Audit)
	return s, nil
}

// Reload applies hot-reloadable settings: auth keys and rate limits.
// CORS, body limits and the listen address need a restart.
func (s *Server) Reload(cfg config.ServerConfig) {
	s.auth.Update(cfg.Auth)
	s.rateLimit.Update(cfg.RateLimit)
	s.logger.Info("gateway config reloaded",
		"auth_enabled", cfg.Auth.Enabled,
		"auth_keys", len(cfg.Auth.Keys),
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"requests_per_minute", cfg.RateLimit.RequestsPerMinute,
	)
}

// StartBackground runs housekeeping tied to ctx.
func (s *Server) StartBackground(ctx context.Context) {
	s.rateLimit.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// CloseStreams disconnects every websocket client. Safe to call twice.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handlePatchTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.Server.MaxBodyBytes)(h)
	h = s.rateLimit.Wrap(h)
	h = s.auth.Wrap(h)
	h = NewCORSMiddleware(s.cfg.Server.CORS)(h)
	h = s.observe(h)
	return otelhttp.NewHandler(h, "taskflow.gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade on /ws.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil && r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// observe assigns the trace id, echoes it back, and records one log line
// and one duration sample per request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get(shared.TraceHeader)
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		w.Header().Set(shared.TraceHeader, traceID)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.cfg.Metrics.RecordRequest(ctx, route, rec.status, elapsed.Seconds())
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "http request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.cfg.Store.Ping(ctx) == nil
	var events int64
	if dbOK {
		if n, err := s.cfg.Store.TotalEventCount(ctx); err == nil {
			events = n
		}
	}
	subscribers := 0
	if s.cfg.Bus != nil {
		subscribers = s.cfg.Bus.SubscriberCount()
	}

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"version":            otelpkg.Version,
		"task_events":        events,
		"stream_subscribers": subscribers,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the wire error envelope: {"error": {...}}.
type errorBody struct {
	Code           string      `json:"code"`
	Message        string      `json:"message"`
	Expected       *int64      `json:"expected,omitempty"`
	Actual         *int64      `json:"actual,omitempty"`
	ExpectedStatus task.Status `json:"expected_status,omitempty"`
	ActualStatus   task.Status `json:"actual_status,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, extra func(*errorBody)) {
	body := errorBody{Code: code, Message: message}
	if extra != nil {
		extra(&body)
	}
	writeJSON(w, status, map[string]any{"error": body})
}
