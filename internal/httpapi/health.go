package httpapi

import (
	"net/http"
	"time"
)

// HealthHandler serves the `GET /healthz` contract every service exposes:
// `{ok, service, timestamp}`.
func HealthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteOK(w, http.StatusOK, map[string]any{
			"service":   service,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
