package httpapi

import (
	"errors"
	"net/http"

	"github.com/vegasmandawg/sonia-core/internal/apperrors"
	"github.com/vegasmandawg/sonia-core/internal/confirmation"
	"github.com/vegasmandawg/sonia-core/internal/memory"
	"github.com/vegasmandawg/sonia-core/internal/session"
	"github.com/vegasmandawg/sonia-core/internal/store"
)

// ErrBadRequest marks a malformed or incomplete request body. Wrap it with
// fmt.Errorf("%w: ...", ErrBadRequest) to add a caller-facing reason.
var ErrBadRequest = errors.New("bad request")

// errorToHTTP maps an error kind to an HTTP status and a short machine-
// readable code, so handlers never hand-roll their own status switch.
func errorToHTTP(err error) (status int, code string) {
	var approval *apperrors.ApprovalRequired
	var conflict *apperrors.ConcurrencyConflict

	switch {
	case errors.As(err, &approval):
		return http.StatusAccepted, "approval_required"
	case errors.As(err, &conflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, store.ErrConcurrencyConflict), errors.Is(err, memory.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, confirmation.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrEnded):
		return http.StatusGone, "session_ended"
	case errors.Is(err, confirmation.ErrAlreadyDecided):
		return http.StatusConflict, "already_decided"
	case errors.Is(err, confirmation.ErrExpired):
		return http.StatusGone, "confirmation_expired"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
