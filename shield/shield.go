// Package shield holds the HTTP middleware the capdesk hub puts in front
// of its routes: security headers, request body limits, trace ids with a
// per-request logger, and per-client rate limiting of the push triggers.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(logger, 1<<20) {
//		r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the hub middleware in order:
// SecurityHeaders → MaxBody → TraceID.
func DefaultStack(logger *slog.Logger, maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		TraceID(logger),
	}
}
