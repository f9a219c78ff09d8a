package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/confirmation"
	"github.com/vegasmandawg/sonia-core/internal/executor"
	"github.com/vegasmandawg/sonia-core/internal/httpapi"
)

type toolAPI struct {
	exec          *executor.Executor
	confirmations *confirmation.Manager
	toolTimeout   time.Duration
}

type executeRequest struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	TimeoutMS int            `json:"timeout_ms"`
}

// execute runs one tool invocation through the executor's
// ALLOW/CONFIRM/DENY contract and maps the outcome onto the
// executed|policy_denied|requires_approval|not_implemented status set.
func (a *toolAPI) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, fmt.Errorf("%w: invalid request body", httpapi.ErrBadRequest))
		return
	}
	if req.ToolName == "" {
		httpapi.WriteError(w, fmt.Errorf("%w: tool_name is required", httpapi.ErrBadRequest))
		return
	}

	outcome := a.exec.Execute(r.Context(), "", "", "direct", "", req.ToolName, req.Args)

	switch outcome.Status {
	case executor.StatusOK:
		httpapi.WriteOK(w, http.StatusOK, map[string]any{
			"status": "executed",
			"result": map[string]any{
				"stdout":      outcome.Stdout,
				"stderr":      outcome.Stderr,
				"return_code": outcome.ReturnCode,
				"elapsed_ms":  outcome.ElapsedMS,
			},
		})
	case executor.StatusRequiresApproval:
		httpapi.WriteOK(w, http.StatusAccepted, map[string]any{
			"status":    "requires_approval",
			"action_id": outcome.ActionID,
			"message":   outcome.Reason,
		})
	case executor.StatusPolicyDenied:
		httpapi.WriteOK(w, http.StatusForbidden, map[string]any{
			"status":  "policy_denied",
			"message": outcome.Reason,
		})
	case executor.StatusValidationFailed:
		httpapi.WriteOK(w, http.StatusBadRequest, map[string]any{
			"status":  "not_implemented",
			"message": fmt.Sprintf("invalid arguments: %v", outcome.ValidationErrs),
		})
	default:
		httpapi.WriteOK(w, http.StatusInternalServerError, map[string]any{
			"status":  "not_implemented",
			"message": outcome.Reason,
		})
	}
}

// approve decides a pending confirmation by id, then, once approved,
// re-dispatches the tool call the confirmation was minted for. The caller
// only ever sees "approval_confirmed" once the underlying tool has actually
// run (or failed) — "approved" alone would leave the action dangling.
func (a *toolAPI) approve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.confirmations.Approve(r.Context(), id); err != nil {
		httpapi.WriteError(w, err)
		return
	}

	outcome := a.exec.ExecuteApproved(r.Context(), id)
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"status":    "approval_confirmed",
		"action_id": id,
		"result": map[string]any{
			"status":      outcome.Status,
			"stdout":      outcome.Stdout,
			"stderr":      outcome.Stderr,
			"return_code": outcome.ReturnCode,
			"elapsed_ms":  outcome.ElapsedMS,
			"message":     outcome.Reason,
		},
	})
}

// listTools reports every registered tool's metadata.
func (a *toolAPI) listTools(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"tools": a.exec.Tools()})
}
