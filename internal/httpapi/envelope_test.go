package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vegasmandawg/sonia-core/internal/apperrors"
	"github.com/vegasmandawg/sonia-core/internal/session"
)

func TestWriteOKSetsOkTrue(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOK(rec, http.StatusCreated, map[string]any{"id": "abc"})

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
	require.Equal(t, "abc", body["id"])
}

func TestWriteErrorMapsSentinelErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, session.ErrNotFound)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["ok"])
	errBody := body["error"].(map[string]any)
	require.Equal(t, "not_found", errBody["code"])
}

func TestWriteErrorMapsApprovalRequired(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &apperrors.ApprovalRequired{ActionID: "act-1", Token: "tok-1"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errBody := body["error"].(map[string]any)
	require.Equal(t, "approval_required", errBody["code"])
}

func TestHealthHandlerReportsService(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	HealthHandler("gateway")(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "gateway", body["service"])
	require.Equal(t, true, body["ok"])
	require.NotEmpty(t, body["timestamp"])
}
