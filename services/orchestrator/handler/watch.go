package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
)

const watchWriteTimeout = 5 * time.Second

// Watch handles GET /api/v1/sessions/{key}/watch. It upgrades to a websocket
// and pushes every lifecycle event published for the session, whichever
// connection submitted the work. Events published before the upgrade are
// not replayed.
func (h *REST) Watch(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: accept failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := h.mgr.Bus().Subscribe(bus.TopicLifecycle)
	defer h.mgr.Bus().Unsubscribe(sub)

	// Watchers only listen; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("ws: watcher connected", slog.String("correlation_key", key))

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws: watcher disconnected", slog.String("correlation_key", key))
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			lc, ok := ev.Payload.(bus.Lifecycle)
			if !ok || lc.CorrelationKey != key {
				continue
			}
			if err := writeWatch(ctx, conn, lc); err != nil {
				h.logger.Debug("ws: write failed",
					slog.String("correlation_key", key),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func writeWatch(ctx context.Context, conn *websocket.Conn, lc bus.Lifecycle) error {
	ctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, lc)
}
