package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vegasmandawg/sonia-core/internal/httpapi"
	"github.com/vegasmandawg/sonia-core/internal/supervisor"
)

type supervisorAPI struct {
	sup *supervisor.Supervisor
}

// status reports the full supervision snapshot.
func (a *supervisorAPI) status(w http.ResponseWriter, r *http.Request) {
	st := a.sup.GetStatus()
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"services":         st.Services,
		"dependency_graph": st.DependencyGraph,
		"maintenance_mode": st.MaintenanceMode,
		"uptime_seconds":   st.UptimeSeconds,
	})
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// maintenance toggles auto-restart suppression.
func (a *supervisorAPI) maintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, fmt.Errorf("%w: invalid request body", httpapi.ErrBadRequest))
		return
	}
	previous := a.sup.SetMaintenanceMode(req.Enabled)
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"maintenance_mode": req.Enabled,
		"previous":         previous,
	})
}

// restart issues an explicit restart of one service. Maintenance mode does
// not block it; the restart window's budget and backoff still apply.
func (a *supervisorAPI) restart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	result, err := a.sup.RestartService(r.Context(), name)
	if err != nil {
		httpapi.WriteError(w, fmt.Errorf("%w: %v", httpapi.ErrBadRequest, err))
		return
	}
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	httpapi.WriteOK(w, status, map[string]any{
		"service":   result.Service,
		"restarted": result.OK,
		"pid":       result.PID,
		"attempt":   result.Attempt,
		"backoff_s": result.BackoffS,
		"error":     result.Error,
	})
}
