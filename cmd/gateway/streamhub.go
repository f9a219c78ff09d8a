package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vegasmandawg/sonia-core/internal/idgen"
	"github.com/vegasmandawg/sonia-core/internal/session"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
	"github.com/vegasmandawg/sonia-core/internal/turn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope every inbound and outbound UI stream frame
// shares: a discriminating type plus a free-form payload.
type wsMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// streamHub fans turn.Events out to the websocket connections subscribed to
// the turn's session, and implements turn.StreamSink so the pipeline never
// knows about the transport.
type streamHub struct {
	logger telemetry.Logger

	mu          sync.RWMutex
	conns       map[string][]*wsConn
	turnSession map[string]string
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func newStreamHub(logger telemetry.Logger) *streamHub {
	return &streamHub{
		logger:      logger,
		conns:       make(map[string][]*wsConn),
		turnSession: make(map[string]string),
	}
}

// trackTurn records which session owns turnID so a later Emit (which only
// carries the turn id) can be routed to that session's connections.
func (h *streamHub) trackTurn(turnID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turnSession[turnID] = sessionID
}

func (h *streamHub) untrackTurn(turnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turnSession, turnID)
}

func (h *streamHub) subscribe(sessionID string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sessionID] = append(h.conns[sessionID], c)
}

func (h *streamHub) unsubscribe(sessionID string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.conns[sessionID]
	for i, p := range peers {
		if p == c {
			h.conns[sessionID] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(h.conns[sessionID]) == 0 {
		delete(h.conns, sessionID)
	}
}

func (h *streamHub) broadcast(sessionID string, msg wsMessage) {
	h.mu.RLock()
	peers := append([]*wsConn(nil), h.conns[sessionID]...)
	h.mu.RUnlock()
	for _, c := range peers {
		if err := c.writeJSON(msg); err != nil {
			h.logger.Warn(context.Background(), "ui stream write failed", "session_id", sessionID, "error", err)
		}
	}
}

// Emit implements turn.StreamSink: every pipeline progress event becomes a
// state.conversation frame on the owning session's connections. A turn whose
// session is unknown (already finished, or the turn ran with no subscriber)
// is silently dropped.
func (h *streamHub) Emit(ctx context.Context, ev turn.Event) {
	h.mu.RLock()
	sessionID, ok := h.turnSession[ev.TurnID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data := map[string]any{"turn_id": ev.TurnID, "state": string(ev.State)}
	for k, v := range ev.Data {
		data[k] = v
	}
	h.broadcast(sessionID, wsMessage{Type: "state.conversation", Data: data})
}

// handleWS upgrades the request and runs the read loop for one UI client:
// inbound input.text frames become turns, control.* frames are
// acknowledged or rejected, and every pipeline event for the session is
// streamed back.
func (h *streamHub) handleWS(sessions *session.Manager, pipeline *turn.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		conversationID := r.URL.Query().Get("conversation_id")
		profile := r.URL.Query().Get("profile")
		if userID == "" || conversationID == "" {
			http.Error(w, "user_id and conversation_id are required", http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &wsConn{ws: ws}
		defer ws.Close()

		sessionID, err := findOrCreateSession(r.Context(), sessions, userID, conversationID, profile)
		if err != nil {
			_ = conn.writeJSON(wsMessage{Type: "error", Data: map[string]any{"message": err.Error()}})
			return
		}

		h.subscribe(sessionID, conn)
		defer h.unsubscribe(sessionID, conn)

		_ = conn.writeJSON(wsMessage{Type: "session.created", Data: map[string]any{"session_id": sessionID}})

		for {
			var in wsMessage
			if err := ws.ReadJSON(&in); err != nil {
				return
			}
			h.handleInbound(r.Context(), sessionID, pipeline, conn, in)
		}
	}
}

func (h *streamHub) handleInbound(ctx context.Context, sessionID string, pipeline *turn.Pipeline, conn *wsConn, in wsMessage) {
	switch in.Type {
	case "input.text":
		text, _ := in.Data["text"].(string)
		if text == "" {
			_ = conn.writeJSON(wsMessage{Type: "nack.control", Data: map[string]any{"reason": "empty text"}})
			return
		}
		_ = conn.writeJSON(wsMessage{Type: "turn.user", Data: map[string]any{"text": text}})

		turnID := idgen.New(idgen.PrefixTurn)
		h.trackTurn(turnID, sessionID)
		defer h.untrackTurn(turnID)

		resp, err := pipeline.HandleTurn(ctx, turn.Request{
			SessionID: sessionID,
			TurnID:    turnID,
			Mode:      "chat",
			UserText:  text,
		})
		if err != nil {
			_ = conn.writeJSON(wsMessage{Type: "error", Data: map[string]any{"message": err.Error()}})
			return
		}
		_ = conn.writeJSON(wsMessage{Type: "turn.assistant", Data: map[string]any{
			"turn_id": resp.TurnID,
			"text":    resp.AssistantText,
		}})

	case "control.toggle", "control.interrupt", "control.replay", "control.hold":
		_ = conn.writeJSON(wsMessage{Type: "ack.control", Data: map[string]any{"type": in.Type}})

	default:
		_ = conn.writeJSON(wsMessage{Type: "nack.control", Data: map[string]any{"reason": "unknown type", "type": in.Type}})
	}
}
