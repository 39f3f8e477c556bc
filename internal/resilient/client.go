// Package resilient is the HTTP client every repository call goes through.
// It layers per-attempt timeouts, bounded retries with exponential backoff
// and a three-mode circuit breaker over a pooled transport.
package resilient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/shared"
	"github.com/basket/taskflow/internal/taskerr"
)

const maxResponseBytes = 4 << 20

// A Retry-After hint may stretch one wait to at most this many BackoffMax.
const retryAfterCapFactor = 4

// Request describes one logical call. Body, when non-nil, is JSON encoded
// once and replayed on every attempt.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

// idempotent reports whether the request may be sent more than once. A
// guarded write is safe to replay: a duplicate application fails the
// version check instead of applying twice.
func (r *Request) idempotent() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return r.Header.Get("If-Match") != ""
}

// Response is a fully read store answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %d response: %w", r.StatusCode, err)
	}
	return nil
}

// Client is safe for concurrent use. The transport pool and the breaker are
// its only shared state.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	breaker *breaker

	logger  *slog.Logger
	metrics *otelpkg.Metrics
	tracer  trace.Tracer
	sleep   func(context.Context, time.Duration) error
}

type options struct {
	logger    *slog.Logger
	transport http.RoundTripper
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	metrics   *otelpkg.Metrics
	tracer    trace.Tracer
}

// Option customizes a Client.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the pooled transport. The pool settings in Config
// are then the caller's responsibility.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithClock sets the time source used by the breaker.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleeper sets how backoff delays are waited out. The sleeper must
// return ctx.Err() if ctx ends first.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func WithMetrics(m *otelpkg.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// New validates cfg and builds a client. No field of cfg is defaulted.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &taskerr.Error{Kind: taskerr.KindValidation, Op: "resilient.New", Message: "invalid client config", Cause: err}
	}
	base, _ := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))

	o := options{now: time.Now, sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(otelpkg.TracerName)
	}
	rt := o.transport
	if rt == nil {
		rt = newPooledTransport(cfg)
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Transport: otelhttp.NewTransport(rt)},
		logger:  o.logger.With("component", "client"),
		metrics: o.metrics,
		tracer:  o.tracer,
		sleep:   o.sleep,
	}
	c.breaker = newBreaker(cfg, o.now, c.onTransition)
	return c, nil
}

func newPooledTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.PoolSize,
		MaxIdleConnsPerHost:   cfg.PoolSize,
		MaxConnsPerHost:       cfg.PoolSize,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   cfg.RequestTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// State returns a snapshot of the breaker.
func (c *Client) State() CircuitSnapshot {
	return c.breaker.snapshot()
}

// Close releases idle pooled connections. In-flight calls are unaffected.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Do sends req through the breaker and the retry loop. Domain answers (2xx,
// 404, 409, 412) come back as a Response; everything else is a
// *taskerr.Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	const op = "client.do"
	if req == nil || req.Method == "" || !strings.HasPrefix(req.Path, "/") {
		return nil, taskerr.Validation(op, "", "request needs a method and an absolute path")
	}
	if err := ctx.Err(); err != nil {
		return nil, taskerr.Cancelled(op, err)
	}

	tk, err := c.breaker.admit()
	if err != nil {
		c.metrics.AddShortCircuit(ctx)
		c.logger.Debug("call short-circuited", "method", req.Method, "path", req.Path, "trace_id", shared.TraceID(ctx))
		return nil, err
	}

	ctx, span := otelpkg.StartClientSpan(ctx, c.tracer, "client.do",
		otelpkg.AttrHTTPMethod.String(req.Method),
		otelpkg.AttrHTTPURLPath.String(req.Path),
		otelpkg.AttrBreakerMode.String(string(c.breaker.snapshot().Mode)),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.send(ctx, op, req)
	switch {
	case err == nil:
		c.breaker.success(tk)
		span.SetAttributes(otelpkg.AttrHTTPStatus.Int(resp.StatusCode))
	case taskerr.Is(err, taskerr.KindCancelled):
		c.breaker.release(tk)
		span.SetStatus(codes.Error, "cancelled")
	default:
		c.breaker.failure(tk)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(taskerr.KindOf(err)))
	}
	c.metrics.RecordClientCall(ctx, req.Method, time.Since(start).Seconds(), string(taskerr.KindOf(err)))
	return resp, err
}

func (c *Client) send(ctx context.Context, op string, req *Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, taskerr.Internal(op, fmt.Errorf("encode request body: %w", err))
		}
	}
	target := c.resolve(req)

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.BackoffBase,
		RandomizationFactor: c.cfg.Jitter,
		Multiplier:          c.cfg.BackoffMultiplier,
		MaxInterval:         c.cfg.BackoffMax,
	}
	bo.Reset()

	retryable := req.idempotent()
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, op, req, target, body)
		if err == nil {
			return resp, nil
		}
		if !retryable || !taskerr.IsRetryable(err) || attempt >= c.cfg.MaxRetries {
			return nil, err
		}

		delay := bo.NextBackOff()
		if hint := retryAfterOf(err); hint > delay {
			delay = max(delay, min(hint, c.cfg.BackoffMax*retryAfterCapFactor))
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return nil, err
		}
		c.metrics.AddRetry(ctx, req.Method)
		c.logger.Warn("retrying request",
			"method", req.Method,
			"path", req.Path,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
			"trace_id", shared.TraceID(ctx),
		)
		trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
			otelpkg.AttrAttempt.Int(attempt+1),
			otelpkg.AttrErrorKind.String(string(taskerr.KindOf(err))),
		))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, taskerr.Cancelled(op, err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, op string, req *Request, target string, body []byte) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(actx, req.Method, target, rdr)
	if err != nil {
		return nil, taskerr.Internal(op, fmt.Errorf("build request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	if tid := shared.TraceID(ctx); tid != "-" {
		httpReq.Header.Set(shared.TraceHeader, tid)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(op, ctx, actx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(op, ctx, actx, err)
	}
	if !isDomainAnswer(resp.StatusCode) {
		return nil, classifyStatus(op, resp.StatusCode, resp.Header, data)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) resolve(req *Request) string {
	u := *c.base
	u.Path = c.base.Path + req.Path
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return u.String()
}

func (c *Client) onTransition(from, to Mode) {
	c.metrics.AddBreakerTransition(context.Background(), string(from), string(to))
	level := slog.LevelInfo
	if to == ModeOpen {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "circuit breaker transition", "from", from, "to", to)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
