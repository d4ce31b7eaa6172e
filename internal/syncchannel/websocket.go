package syncchannel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Inbox accepts inbound action requests for a session. Implementations queue
// them for the session's single processing loop.
type Inbox interface {
	// Exists reports whether the session is active.
	Exists(sessionID string) bool

	// Deliver queues req for the session.
	Deliver(sessionID string, req ActionRequest) error

	// Resync asks the session to send its current snapshot to one newly
	// attached receiver, in order with everything else the session publishes.
	Resync(sessionID string, t Target) error
}

// wsReceiver writes frames to one websocket connection.
type wsReceiver struct {
	conn *websocket.Conn
}

func (r *wsReceiver) Send(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, r.conn, f)
}

// WebSocketHandler serves the channel to remote displays over websockets.
type WebSocketHandler struct {
	hub           *Hub
	inbox         Inbox
	allowedOrigin string
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(logger *slog.Logger, hub *Hub, inbox Inbox, allowedOrigin string) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, inbox: inbox, allowedOrigin: allowedOrigin, logger: logger}
}

// Serve upgrades the request and relays frames for sessionID until the peer leaves.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !h.inbox.Exists(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns()})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "session_id", sessionID, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "session_id", sessionID, "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.hub.Attach(ctx, sessionID, &wsReceiver{conn: ws})
	defer sub.Detach()
	if err := h.inbox.Resync(sessionID, sub); err != nil {
		h.logger.Warn("Resync not queued", "session_id", sessionID, "error", err)
	}

	h.readLoop(ctx, ws, sessionID)
	h.logger.Info("Sync channel closed", "session_id", sessionID)
}

func (h *WebSocketHandler) originPatterns() []string {
	if h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return []string{"*"}
	}
	if u, err := url.Parse(h.allowedOrigin); err == nil && u.Host != "" {
		return []string{u.Host}
	}
	return []string{h.allowedOrigin}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "session_id", sessionID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.logger.Debug("Dropping binary frame", "session_id", sessionID)
			continue
		}
		h.handleFrame(sessionID, data)
	}
}

func (h *WebSocketHandler) handleFrame(sessionID string, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		h.logger.Warn("Dropping malformed frame", "session_id", sessionID, "error", err)
		return
	}
	if f.Topic != TopicSchedule {
		h.logger.Debug("Ignoring inbound frame", "session_id", sessionID, "topic", f.Topic)
		return
	}
	req, ok, err := DecodeAction(f.Payload)
	if err != nil {
		h.logger.Warn("Dropping malformed action", "session_id", sessionID, "error", err)
		return
	}
	if !ok {
		h.logger.Debug("Ignoring unrecognized action", "session_id", sessionID, "action", req.Action)
		return
	}
	if err := h.inbox.Deliver(sessionID, req); err != nil {
		h.logger.Warn("Action not delivered", "session_id", sessionID, "action", req.Action, "error", err)
	}
}
