package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/telemetry"
)

const streamWriteTimeout = 5 * time.Second

// handleWS upgrades to a websocket and pushes every committed task change
// as a JSON frame. ?task_id=X narrows the stream to one task. The stream is
// one-way; client frames are discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream not configured", nil)
		return
	}
	taskFilter := r.URL.Query().Get("task_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.CORS.AllowedOrigins,
	})
	if err != nil {
		return
	}
	logger := telemetry.WithTrace(r.Context(), s.logger)

	sub := s.cfg.Bus.Subscribe(bus.TopicTaskPrefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	// CloseRead drains client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.cfg.Metrics.StreamOpened(ctx)
	defer s.cfg.Metrics.StreamClosed(context.WithoutCancel(ctx))
	logger.Info("ws: client connected", "task_filter", taskFilter)

	for {
		select {
		case <-s.closing:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			logger.Info("ws: client disconnected", "dropped", sub.Dropped())
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			change, ok := ev.Payload.(bus.TaskChangeEvent)
			if !ok {
				continue
			}
			if taskFilter != "" && change.TaskID != taskFilter {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, change)
			cancel()
			if err != nil {
				logger.Warn("ws: write failed, closing", "error", err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
