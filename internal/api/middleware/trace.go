package middleware

import (
	"log/slog"
	"net/http"

	"github.com/kronk/taskengine/internal/api/shared"
	"github.com/kronk/taskengine/internal/platform/logger"
)

// TraceHeader echoes the request trace id back to the client.
const TraceHeader = "X-Trace-ID"

// NewTraceMiddleware assigns each request a trace id and stores a logger
// carrying it in the request context. Apply it before any other middleware
// that logs.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			traceID := shared.GetTraceID(ctx)

			log := base.With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, log)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			w.Header().Set(TraceHeader, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
