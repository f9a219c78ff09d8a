package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/confirmation"
	"github.com/vegasmandawg/sonia-core/internal/httpapi"
	"github.com/vegasmandawg/sonia-core/internal/idgen"
	"github.com/vegasmandawg/sonia-core/internal/session"
	"github.com/vegasmandawg/sonia-core/internal/turn"
)

type turnRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Profile        string `json:"profile"`
	InputText      string `json:"input_text"`
	IdempotencyKey string `json:"idempotency_key"`
}

// handleTurn finds or creates the session for (user_id, conversation_id) and
// runs one turn through the pipeline.
func handleTurn(sessions *session.Manager, pipeline *turn.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpapi.WriteError(w, fmt.Errorf("%w: invalid request body", httpapi.ErrBadRequest))
			return
		}
		if req.UserID == "" || req.ConversationID == "" || req.InputText == "" {
			httpapi.WriteError(w, fmt.Errorf("%w: user_id, conversation_id and input_text are required", httpapi.ErrBadRequest))
			return
		}

		sessionID, err := findOrCreateSession(r.Context(), sessions, req.UserID, req.ConversationID, req.Profile)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}

		start := time.Now()
		resp, err := pipeline.HandleTurn(r.Context(), turn.Request{
			SessionID:      sessionID,
			TurnID:         idgen.New(idgen.PrefixTurn),
			Mode:           "chat",
			UserText:       req.InputText,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}

		httpapi.WriteOK(w, http.StatusOK, map[string]any{
			"turn_id":        resp.TurnID,
			"assistant_text": resp.AssistantText,
			"duration_ms":    float64(time.Since(start).Milliseconds()),
			"latency":        resp.Latency,
			"error":          resp.Error,
		})
	}
}

// handleApprove decides a pending confirmation and, once approved,
// re-dispatches the tool call through the turn pipeline so the turn it
// belongs to actually finishes rather than sitting at awaiting_approval
// forever.
func handleApprove(confirmations *confirmation.Manager, pipeline *turn.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := confirmations.Approve(r.Context(), id); err != nil {
			httpapi.WriteError(w, err)
			return
		}

		result, err := pipeline.CompleteApprovedTool(r.Context(), id)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}

		httpapi.WriteOK(w, http.StatusOK, map[string]any{
			"status":    "approval_confirmed",
			"action_id": id,
			"result": map[string]any{
				"status":      result.Status,
				"stdout":      result.Stdout,
				"stderr":      result.Stderr,
				"return_code": result.ReturnCode,
				"message":     result.DenialReason,
			},
		})
	}
}

// findOrCreateSession scans the manager's active sessions for one matching
// (userID, conversationID). The durable session store is keyed by session
// id, not by the pair a client addresses turns with, so this linear scan
// over the in-memory cache stands in for a lookup index.
func findOrCreateSession(ctx context.Context, sessions *session.Manager, userID, conversationID, profile string) (string, error) {
	for _, s := range sessions.Active() {
		if s.UserID == userID && s.ConversationID == conversationID {
			return s.SessionID, nil
		}
	}
	created, err := sessions.Create(ctx, userID, conversationID, profile)
	if err != nil {
		return "", err
	}
	return created.SessionID, nil
}
