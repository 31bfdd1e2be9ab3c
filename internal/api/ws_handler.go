package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kronk/taskengine/internal/api/shared"
	"github.com/kronk/taskengine/internal/notify"
)

// LiveHub registers live connections for a principal.
type LiveHub interface {
	Subscribe(principal string, conn notify.Conn) *notify.Subscription
	Unsubscribe(sub *notify.Subscription)
}

// WebSocketConfig tunes live connections.
type WebSocketConfig struct {
	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// PingInterval is how often the server pings; a peer silent for two
	// intervals is disconnected
	PingInterval time.Duration

	// CheckOrigin overrides the same-origin check when set
	CheckOrigin func(r *http.Request) bool
}

// DefaultWebSocketConfig returns a WebSocketConfig with reasonable defaults
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout: notify.DefaultWriteTimeout,
		PingInterval: 30 * time.Second,
	}
}

// maxInboundMessage bounds client frames; clients only send control frames.
const maxInboundMessage = 512

// WebSocketHandler upgrades GET /ws and subscribes the connection to the
// caller's task events until the peer goes away.
type WebSocketHandler struct {
	hub      LiveHub
	upgrader websocket.Upgrader
	config   WebSocketConfig
	logger   *slog.Logger
}

// NewWebSocketHandler creates a WebSocketHandler.
func NewWebSocketHandler(hub LiveHub, config WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultWebSocketConfig().PingInterval
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		logger: logger.With("component", "ws_handler"),
	}
}

// Subscribe handles GET /ws.
func (h *WebSocketHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	principal := shared.GetPrincipal(r.Context())
	if principal == "" {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Principal not found")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", "principal", principal, "error", err)
		return
	}

	conn := notify.NewWebSocketConn(ws, h.config.WriteTimeout)
	sub := h.hub.Subscribe(principal, conn)
	defer h.hub.Unsubscribe(sub)

	pongWait := 2 * h.config.PingInterval
	ws.SetReadLimit(maxInboundMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, done)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed unexpectedly",
					"principal", principal,
					"subscription_id", sub.ID,
					"error", err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) pingLoop(conn *notify.WebSocketConn, done <-chan struct{}) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}
