package httpapi

import (
	"net/http"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

// statusRecorder captures the status code a handler wrote so middleware can
// log it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Instrument wraps next in the structured-logging plus tracing middleware
// pair every handler is served through: a span named after the route,
// followed by a request-scoped log line recording method, path, status, and
// duration.
func Instrument(route string, logger telemetry.Logger, tracer telemetry.Tracer, next http.HandlerFunc) http.HandlerFunc {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), route)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		logger.Info(ctx, "http request",
			"route", route,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
		)
	}
}
