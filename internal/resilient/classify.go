package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskflow/internal/taskerr"
)

// isDomainAnswer reports statuses a healthy store uses to answer a
// well-formed request. They reach the caller as a Response.
func isDomainAnswer(code int) bool {
	switch code {
	case http.StatusNotFound, http.StatusConflict, http.StatusPreconditionFailed:
		return true
	}
	return code >= 200 && code < 300
}

func isOverload(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// classifyStatus maps a non-domain status to a typed error.
func classifyStatus(op string, code int, header http.Header, body []byte) error {
	msg := remoteMessage(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	e := &taskerr.Error{Op: op, StatusCode: code, Message: fmt.Sprintf("store answered %d: %s", code, msg)}
	switch {
	case isOverload(code):
		e.Kind = taskerr.KindNetwork
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusPreconditionRequired:
		e.Kind = taskerr.KindValidation
	default:
		e.Kind = taskerr.KindRejected
	}
	return e
}

// classifyTransport maps an error from the round trip. parent is the
// caller's context and attempt the per-attempt one derived from it.
func classifyTransport(op string, parent, attempt context.Context, err error) error {
	if parent.Err() != nil {
		return taskerr.Cancelled(op, parent.Err())
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return taskerr.Timeout(op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return taskerr.Timeout(op, err)
	}
	return taskerr.Network(op, err)
}

// remoteMessage extracts error.message from the store's error envelope.
func remoteMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if len(body) == 0 || json.Unmarshal(body, &env) != nil {
		return ""
	}
	return env.Error.Message
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or
// past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func retryAfterOf(err error) time.Duration {
	var te *taskerr.Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
