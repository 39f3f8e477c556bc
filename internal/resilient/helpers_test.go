package resilient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		BaseURL:           "http://store.test",
		RequestTimeout:    time.Second,
		MaxRetries:        3,
		BackoffBase:       10 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        time.Second,
		Jitter:            0,
		FailureThreshold:  50,
		MinimumVolume:     4,
		Window:            time.Minute,
		ResetTimeout:      30 * time.Second,
		PoolSize:          4,
		IdleTimeout:       30 * time.Second,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// stubTransport answers every round trip with fn and counts calls.
type stubTransport struct {
	calls atomic.Int64
	fn    func(*http.Request) (*http.Response, error)
}

func (s *stubTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	return s.fn(r)
}

func (s *stubTransport) Calls() int {
	return int(s.calls.Load())
}

func respond(r *http.Request, code int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}
}

func statusTransport(code int) *stubTransport {
	return &stubTransport{fn: func(r *http.Request) (*http.Response, error) {
		return respond(r, code, `{"error":{"code":"x","message":"status test"}}`, nil), nil
	}}
}

func errorTransport(err error) *stubTransport {
	return &stubTransport{fn: func(*http.Request) (*http.Response, error) {
		return nil, err
	}}
}

type harness struct {
	client  *Client
	clock   *fakeClock
	sleeper *recordingSleeper
	rt      *stubTransport
}

func newHarness(t *testing.T, cfg Config, rt *stubTransport) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), sleeper: &recordingSleeper{}, rt: rt}
	c, err := New(cfg,
		WithTransport(rt),
		WithClock(h.clock.Now),
		WithSleeper(h.sleeper.Sleep),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	h.client = c
	return h
}

func get(path string) *Request {
	return &Request{Method: http.MethodGet, Path: path}
}
