package chat

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// joinWait bounds how long a freshly accepted socket may take to identify
// itself before the server hangs up.
const joinWait = 10 * time.Second

// WebSocketHandler upgrades HTTP requests to chat connections and pumps
// inbound events into the service.
type WebSocketHandler struct {
	svc           *Service
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(svc *Service, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()

	// The first frame must be a join; identity is resolved upstream and
	// handed to us as trusted values.
	join, err := h.readJoin(ctx, ws)
	if err != nil {
		slog.Warn("Connection failed to join", "error", err, "ip", r.RemoteAddr)
		h.writeError(ws, err)
		return
	}

	conn := NewConnection(join.UserID, join.Role, ws)
	conn.Start()
	h.svc.Registry().Register(conn)
	defer h.svc.HandleDisconnect(conn)

	slog.Info("Chat connection joined", "user_id", conn.UserID, "role", conn.Role, "conn_id", conn.ID, "ip", r.RemoteAddr)

	h.readLoop(ctx, ws, conn)
	slog.Info("Chat connection ended", "user_id", conn.UserID, "conn_id", conn.ID)
}

func (h *WebSocketHandler) readJoin(ctx context.Context, ws *websocket.Conn) (*JoinPayload, error) {
	joinCtx, cancel := context.WithTimeout(ctx, joinWait)
	defer cancel()

	_, data, err := ws.Read(joinCtx)
	if err != nil {
		return nil, &ValidationError{Field: "join", Reason: "no join frame received"}
	}
	in, err := DecodeInbound(data)
	if err != nil {
		return nil, err
	}
	if in.Type != EventJoin {
		return nil, &ValidationError{Field: "type", Reason: "first event must be join"}
	}
	return in.Join, nil
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", conn.UserID)
			} else {
				slog.Debug("WebSocket read error", "error", err, "user_id", conn.UserID)
			}
			return
		}

		in, err := DecodeInbound(data)
		if err != nil {
			// Malformed payloads are surfaced to the sender; the
			// connection stays open.
			h.svc.sendError(conn, err)
			continue
		}

		switch in.Type {
		case EventJoin:
			h.svc.sendError(conn, &ValidationError{Field: "type", Reason: "already joined"})
		case EventChatMessage:
			h.svc.HandleChatMessage(conn, in.Chat)
		case EventTyping:
			h.svc.HandleTyping(conn, in.Typing)
		case EventGetHistory:
			h.svc.HandleHistory(conn, in.History)
		case EventAdminApprove:
			h.svc.HandleAdminApprove(conn, in.Approve)
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// writeError reports a pre-join failure directly on the raw socket.
func (h *WebSocketHandler) writeError(ws *websocket.Conn, cause error) {
	data, err := Encode(EventError, ErrorPayload{Message: cause.Error()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write pre-join error", "error", err)
	}
}
