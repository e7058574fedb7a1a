package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/capdesk/idgen"
	"github.com/hazyhaar/capdesk/kit"
)

var traceIDs = idgen.Short(8)

// TraceID gives each request a trace id (an inbound X-Trace-ID is kept),
// echoes it in the response headers and stores it under kit.TraceIDKey.
// A per-request logger carrying the id is stored under LoggerKey.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" || len(traceID) > 64 {
				traceID = traceIDs()
			}
			w.Header().Set("X-Trace-ID", traceID)

			ctx := kit.WithTraceID(r.Context(), traceID)
			ctx = kit.WithRemoteAddr(ctx, ExtractIP(r))
			reqLogger := logger.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
