package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentPassesThroughStatusAndBody(t *testing.T) {
	handler := Instrument("test.route", nil, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hi"))
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)
	handler(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "hi", rec.Body.String())
}
