// Package repository turns task operations into store wire requests and
// store answers back into typed results. It holds no state of its own;
// every call goes through the resilient client.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/basket/taskflow/internal/resilient"
	"github.com/basket/taskflow/internal/task"
	"github.com/basket/taskflow/internal/taskerr"
)

// Doer sends one logical request. *resilient.Client implements it.
type Doer interface {
	Do(ctx context.Context, req *resilient.Request) (*resilient.Response, error)
}

type Repository struct {
	client Doer
	logger *slog.Logger
}

func New(client Doer, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{client: client, logger: logger}
}

// Health is the store's /healthz report.
type Health struct {
	Healthy           bool   `json:"healthy"`
	DBOK              bool   `json:"db_ok"`
	Version           string `json:"version"`
	TaskEvents        int64  `json:"task_events"`
	StreamSubscribers int    `json:"stream_subscribers"`
	ConfigFingerprint string `json:"config_fingerprint"`
}

// storeError is the store's error envelope.
type storeError struct {
	Error struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Expected *int64 `json:"expected"`
		Actual   *int64 `json:"actual"`

		ExpectedStatus task.Status `json:"expected_status"`
		ActualStatus   task.Status `json:"actual_status"`
	} `json:"error"`
}

const (
	expectedStatusHeader = "X-Expected-Status"
	idempotencyKeyHeader = "Idempotency-Key"
)

// UpdateOption adds a guard to Update.
type UpdateOption func(http.Header)

// WithExpectedStatus makes the store refuse the write unless the task is
// still in s.
func WithExpectedStatus(s task.Status) UpdateOption {
	return func(h http.Header) {
		if s != "" {
			h.Set(expectedStatusHeader, string(s))
		}
	}
}

// WithMutationID lets the store recognise a resend of a write it already
// committed and answer with that commit.
func WithMutationID(id string) UpdateOption {
	return func(h http.Header) {
		if id != "" {
			h.Set(idempotencyKeyHeader, id)
		}
	}
}

// taskPath joins an id that requireID has already checked. The client
// escapes the path itself.
func taskPath(id string) string {
	return "/api/tasks/" + id
}

// etag renders a version the way the store's ETag header does.
func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

func requireID(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return taskerr.Validation(op, "", "task id is required")
	}
	if strings.ContainsAny(id, "/?#") {
		return taskerr.Validation(op, id, "task id must not contain '/', '?' or '#'")
	}
	return nil
}

// unexpected reports a store answer the protocol does not allow for op.
func unexpected(op, id string, resp *resilient.Response) error {
	return &taskerr.Error{
		Kind:       taskerr.KindInternal,
		Op:         op,
		TaskID:     id,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected store answer %d", resp.StatusCode),
	}
}

func decodeTask(op, id string, resp *resilient.Response) (*task.Task, error) {
	var t task.Task
	if err := resp.Decode(&t); err != nil {
		return nil, taskerr.Internal(op, err)
	}
	if t.ID == "" || !t.Status.Valid() || t.Version < 1 {
		return nil, &taskerr.Error{Kind: taskerr.KindInternal, Op: op, TaskID: id, Message: "store returned a malformed task"}
	}
	return &t, nil
}

func (r *Repository) Create(ctx context.Context, in task.NewTask) (*task.Task, error) {
	const op = "repository.create"
	resp, err := r.client.Do(ctx, &resilient.Request{Method: http.MethodPost, Path: "/api/tasks", Body: in})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, unexpected(op, "", resp)
	}
	return decodeTask(op, "", resp)
}

func (r *Repository) Get(ctx context.Context, id string) (*task.Task, error) {
	const op = "repository.get"
	if err := requireID(op, id); err != nil {
		return nil, err
	}
	resp, err := r.client.Do(ctx, &resilient.Request{Method: http.MethodGet, Path: taskPath(id)})
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return decodeTask(op, id, resp)
	case http.StatusNotFound:
		return nil, taskerr.NotFound(op, id)
	default:
		return nil, unexpected(op, id, resp)
	}
}

// Update sends a guarded write. The expected version travels as If-Match;
// a stale version comes back as a Conflict carrying both versions.
func (r *Repository) Update(ctx context.Context, id string, changes task.Changes, expectedVersion int64, opts ...UpdateOption) (*task.Task, error) {
	const op = "repository.update"
	if err := requireID(op, id); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("If-Match", etag(expectedVersion))
	for _, o := range opts {
		o(header)
	}
	resp, err := r.client.Do(ctx, &resilient.Request{
		Method: http.MethodPatch,
		Path:   taskPath(id),
		Header: header,
		Body:   changes,
	})
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return decodeTask(op, id, resp)
	case http.StatusNotFound:
		return nil, taskerr.NotFound(op, id)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return nil, conflictFrom(op, id, expectedVersion, resp)
	default:
		return nil, unexpected(op, id, resp)
	}
}

// conflictFrom reads expected/actual from the envelope. The store's
// "expected" must echo ours; an absent "actual" is reported as -1. A
// status_conflict keeps the version and names both statuses.
func conflictFrom(op, id string, expectedVersion int64, resp *resilient.Response) error {
	var env storeError
	_ = resp.Decode(&env)
	if env.Error.Code == "status_conflict" {
		c := taskerr.Conflict(op, id, expectedVersion, expectedVersion)
		c.Message = fmt.Sprintf("task is %s, not %s", env.Error.ActualStatus, env.Error.ExpectedStatus)
		return c
	}
	actual := int64(-1)
	if env.Error.Actual != nil {
		actual = *env.Error.Actual
	} else if v, err := strconv.ParseInt(strings.Trim(resp.Header.Get("ETag"), `"`), 10, 64); err == nil {
		actual = v
	}
	if env.Error.Expected != nil && *env.Error.Expected != expectedVersion {
		return &taskerr.Error{
			Kind:    taskerr.KindInternal,
			Op:      op,
			TaskID:  id,
			Message: fmt.Sprintf("store checked version %d, request carried %d", *env.Error.Expected, expectedVersion),
		}
	}
	return taskerr.Conflict(op, id, expectedVersion, actual)
}

// Page is one search result page.
type Page struct {
	Tasks []task.Task `json:"tasks"`
	Total int         `json:"total"`
}

func (r *Repository) List(ctx context.Context, f task.Filter) (*Page, error) {
	const op = "repository.list"
	f = f.Normalize()
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	for k, v := range map[string]string{"project": f.Project, "sprint": f.Sprint, "assignee": f.Assignee, "q": f.Query} {
		if v != "" {
			q.Set(k, v)
		}
	}
	q.Set("limit", strconv.Itoa(f.Limit))
	q.Set("offset", strconv.Itoa(f.Offset))

	resp, err := r.client.Do(ctx, &resilient.Request{Method: http.MethodGet, Path: "/api/tasks", Query: q})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unexpected(op, "", resp)
	}
	var page Page
	if err := resp.Decode(&page); err != nil {
		return nil, taskerr.Internal(op, err)
	}
	if page.Tasks == nil {
		page.Tasks = []task.Task{}
	}
	return &page, nil
}

func (r *Repository) History(ctx context.Context, id string) ([]task.Event, error) {
	const op = "repository.history"
	if err := requireID(op, id); err != nil {
		return nil, err
	}
	resp, err := r.client.Do(ctx, &resilient.Request{Method: http.MethodGet, Path: taskPath(id) + "/events"})
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, taskerr.NotFound(op, id)
	default:
		return nil, unexpected(op, id, resp)
	}
	var body struct {
		Events []task.Event `json:"events"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, taskerr.Internal(op, err)
	}
	return body.Events, nil
}

// Health probes /healthz. An unhealthy store answers 503, which the client
// treats as a transient failure.
func (r *Repository) Health(ctx context.Context) (*Health, error) {
	const op = "repository.health"
	resp, err := r.client.Do(ctx, &resilient.Request{Method: http.MethodGet, Path: "/healthz"})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unexpected(op, "", resp)
	}
	var h Health
	if err := resp.Decode(&h); err != nil {
		return nil, taskerr.Internal(op, err)
	}
	if !h.Healthy {
		return &h, taskerr.Unavailable(op, "store reports unhealthy")
	}
	return &h, nil
}
