package gateway_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/task"
)

func (h *gatewayHarness) dialWS(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.ts.URL, "http")+"/ws"+query, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + gatewayTestAuthToken}},
	})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// waitSubscribers blocks until the stream handlers have subscribed to the bus.
func (h *gatewayHarness) waitSubscribers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.bus.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d stream subscribers, have %d", n, h.bus.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readChange(t *testing.T, conn *websocket.Conn) bus.TaskChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev bus.TaskChangeEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read change event: %v", err)
	}
	return ev
}

func TestStream_PushesCommittedChanges(t *testing.T) {
	h := newGatewayHarness(t, authedConfig())
	conn := h.dialWS(t, "")
	h.waitSubscribers(t, 1)

	created := h.create(t, "Streamed")
	ev := readChange(t, conn)
	if ev.Type != task.EventCreated || ev.TaskID != created.ID || ev.Version != 1 {
		t.Fatalf("unexpected create event: %+v", ev)
	}

	resp, data := h.do(t, http.MethodPatch, "/api/tasks/"+created.ID, map[string]any{"status": "READY"}, map[string]string{"If-Match": `"1"`})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", resp.StatusCode, data)
	}
	ev = readChange(t, conn)
	if ev.Type != task.EventStatusChanged || ev.From != "NEW" || ev.To != "READY" || ev.Version != 2 {
		t.Fatalf("unexpected state change event: %+v", ev)
	}
}

func TestStream_TaskFilter(t *testing.T) {
	h := newGatewayHarness(t, authedConfig())
	watched := h.create(t, "Watched")

	conn := h.dialWS(t, "?task_id="+watched.ID)
	h.waitSubscribers(t, 1)

	other := h.create(t, "Other")
	resp, _ := h.do(t, http.MethodPatch, "/api/tasks/"+other.ID, map[string]any{"priority": 0}, map[string]string{"If-Match": `"1"`})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch other: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPatch, "/api/tasks/"+watched.ID, map[string]any{"priority": 4}, map[string]string{"If-Match": `"1"`})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch watched: %d", resp.StatusCode)
	}

	ev := readChange(t, conn)
	if ev.TaskID != watched.ID || ev.Type != task.EventUpdated || ev.Version != 2 {
		t.Fatalf("filter leaked or wrong event: %+v", ev)
	}
}

func TestStream_RejectsMissingAuth(t *testing.T) {
	h := newGatewayHarness(t, authedConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestStream_CloseStreamsDisconnects(t *testing.T) {
	h := newGatewayHarness(t, authedConfig())
	conn := h.dialWS(t, "")
	h.waitSubscribers(t, 1)

	h.srv.CloseStreams()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev bus.TaskChangeEvent
	err := wsjson.Read(ctx, conn, &ev)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
