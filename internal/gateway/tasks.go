package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/taskflow/internal/persistence"
	"github.com/basket/taskflow/internal/task"
	"github.com/basket/taskflow/internal/telemetry"
)

const (
	ExpectedStatusHeader = "X-Expected-Status"
	IdempotencyKeyHeader = "Idempotency-Key"

	maxIdempotencyKey = 128
)

// ETag renders a version as a strong entity tag.
func ETag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// ParseIfMatch accepts `"7"`, `W/"7"` and a bare `7`. The wildcard is
// refused: every guarded write names the version it was based on.
func ParseIfMatch(raw string) (int64, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	if v == "*" {
		return 0, fmt.Errorf("If-Match: * is not supported")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("If-Match %q is not a task version", raw)
	}
	return n, nil
}

func writeTask(w http.ResponseWriter, status int, t *task.Task) {
	w.Header().Set("ETag", ETag(t.Version))
	writeJSON(w, status, t)
}

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", errBadBody)
	}
	return raw, nil
}

// writeStoreError maps store and decoding failures onto the wire.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var mismatch *persistence.VersionMismatchError
	var statusMismatch *persistence.StatusMismatchError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &mismatch):
		writeError(w, http.StatusConflict, "version_conflict", mismatch.Error(), func(b *errorBody) {
			b.Expected = &mismatch.Expected
			b.Actual = &mismatch.Actual
		})
	case errors.As(err, &statusMismatch):
		writeError(w, http.StatusConflict, "status_conflict", statusMismatch.Error(), func(b *errorBody) {
			b.Expected = &statusMismatch.Version
			b.Actual = &statusMismatch.Version
			b.ExpectedStatus = statusMismatch.Expected
			b.ActualStatus = statusMismatch.Actual
		})
	case errors.Is(err, persistence.ErrIllegalTransition):
		writeError(w, http.StatusUnprocessableEntity, "illegal_transition", err.Error(), nil)
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found", nil)
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error(), nil)
	case errors.Is(err, errBadBody), errors.Is(err, persistence.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	default:
		telemetry.WithTrace(r.Context(), s.logger).Error("store request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	var in task.NewTask
	if err := decodeValidated(s.schemas.create, raw, &in); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	created, err := s.cfg.Store.CreateTask(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/tasks/"+created.ID)
	writeTask(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeTask(w, http.StatusOK, t)
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		writeError(w, http.StatusPreconditionRequired, "precondition_required",
			"updates must carry If-Match with the expected version", nil)
		return
	}
	expected, err := ParseIfMatch(ifMatch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	opts, err := updateGuards(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	var changes task.Changes
	if err := decodeValidated(s.schemas.patch, raw, &changes); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	updated, err := s.cfg.Store.UpdateTask(r.Context(), r.PathValue("id"), changes, expected, opts...)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeTask(w, http.StatusOK, updated)
}

// updateGuards reads the optional X-Expected-Status and Idempotency-Key
// headers of a PATCH.
func updateGuards(r *http.Request) ([]persistence.UpdateOption, error) {
	var opts []persistence.UpdateOption
	if raw := r.Header.Get(ExpectedStatusHeader); raw != "" {
		st, err := task.ParseStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ExpectedStatusHeader, err)
		}
		opts = append(opts, persistence.ExpectStatus(st))
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		if len(key) > maxIdempotencyKey {
			return nil, fmt.Errorf("%s longer than %d bytes", IdempotencyKeyHeader, maxIdempotencyKey)
		}
		opts = append(opts, persistence.MutationID(key))
	}
	return opts, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseFilter(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	f := task.Filter{
		Project:  q.Get("project"),
		Sprint:   q.Get("sprint"),
		Assignee: q.Get("assignee"),
		Query:    q.Get("q"),
	}
	if raw := q.Get("status"); raw != "" {
		st, err := task.ParseStatus(raw)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	return f.Normalize(), nil
}
