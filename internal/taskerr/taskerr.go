// Package taskerr is the error taxonomy shared by every layer between the
// callers and the store. Expected failures are *Error values tagged with a
// Kind so call sites can switch on the kind instead of matching strings.
package taskerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONCURRENCY_CONFLICT"
	KindUnavailable Kind = "BACKEND_UNAVAILABLE"
	KindTimeout     Kind = "TIMEOUT"
	KindNetwork     Kind = "NETWORK"
	KindCancelled   Kind = "CANCELLED"
	KindRejected    Kind = "REJECTED"
	KindInternal    Kind = "INTERNAL"
)

// Retryable reports whether a fresh attempt of the same request may
// succeed. Conflicts are not retryable: the caller must re-read first.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Kind       Kind
	Op         string
	TaskID     string
	Message    string
	Expected   int64
	Actual     int64
	StatusCode int
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.TaskID != "" {
		fmt.Fprintf(&b, " (task %s)", e.TaskID)
	}
	if e.Kind == KindConflict {
		fmt.Fprintf(&b, ": expected version %d, actual %d", e.Expected, e.Actual)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind so errors.Is(err, taskerr.ErrNotFound)
// works for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.TaskID == "" && t.Message == ""
}

// Sentinels for errors.Is.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrNetwork     = &Error{Kind: KindNetwork}
	ErrCancelled   = &Error{Kind: KindCancelled}
	ErrRejected    = &Error{Kind: KindRejected}
	ErrInternal    = &Error{Kind: KindInternal}
)

func Validation(op, taskID, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, TaskID: taskID, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, taskID string) *Error {
	return &Error{Kind: KindNotFound, Op: op, TaskID: taskID}
}

// Conflict reports a version mismatch. The stored entity was not modified.
func Conflict(op, taskID string, expected, actual int64) *Error {
	return &Error{Kind: KindConflict, Op: op, TaskID: taskID, Expected: expected, Actual: actual}
}

func Unavailable(op, message string) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Message: message}
}

func Timeout(op string, cause error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Cause: cause}
}

func Network(op string, cause error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Cause: cause}
}

func Cancelled(op string, cause error) *Error {
	return &Error{Kind: KindCancelled, Op: op, Cause: cause}
}

func Internal(op string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Cause: cause}
}

// KindOf extracts the kind of err. Context errors map to KindCancelled;
// anything outside the taxonomy is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// AsConflict returns the conflict details when err is a version mismatch.
func AsConflict(err error) (expected, actual int64, ok bool) {
	var te *Error
	if errors.As(err, &te) && te.Kind == KindConflict {
		return te.Expected, te.Actual, true
	}
	return 0, 0, false
}
