// Package httpapi implements the ambient HTTP surface shared by every
// service: the {ok, ...} / {ok:false, error:{code,message}} response
// envelope, the errorToHTTP status dispatcher, and the structured-logging
// plus tracing middleware pair every handler is wrapped in.
package httpapi

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the "error" field of a failure envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteOK encodes a success envelope: the given fields plus "ok": true.
func WriteOK(w http.ResponseWriter, status int, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["ok"] = true
	writeJSON(w, status, fields)
}

// WriteError encodes a {"ok": false, "error": {...}} envelope, deriving the
// status and code from err via errorToHTTP.
func WriteError(w http.ResponseWriter, err error) {
	status, code := errorToHTTP(err)
	writeJSON(w, status, map[string]any{
		"ok": false,
		"error": ErrorBody{
			Code:    code,
			Message: err.Error(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
