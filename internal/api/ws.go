package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/starford/vitrum/internal/bus"
)

// WebSocketHandler upgrades /ws to a full-duplex connection driven by the
// Live-Reload Bus. It carries no auth check of its own -- the socket shares
// the UI's same-origin trust boundary, per SPEC_FULL §4.H.
type WebSocketHandler struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// NewWebSocketHandler constructs a WebSocketHandler.
func NewWebSocketHandler(b *bus.Bus, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{bus: b, logger: logger}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	write := func(ctx context.Context, data []byte) error {
		return conn.Write(ctx, websocket.MessageText, data)
	}
	read := func(ctx context.Context) ([]byte, error) {
		_, data, err := conn.Read(ctx)
		return data, err
	}

	if err := h.bus.ServeConn(r.Context(), write, read); err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		h.logger.Debug("ws: connection closed", slog.String("error", err.Error()))
	}
}
