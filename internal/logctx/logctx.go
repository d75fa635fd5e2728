// Package logctx carries the slog logger and the task gid being worked on through a context.
package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	gidKey    contextKey = "gid"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithGID marks ctx as working on the task gid. TraceHandler adds it to every record logged
// with that context.
func WithGID(ctx context.Context, gid string) context.Context {
	return context.WithValue(ctx, gidKey, gid)
}

// GIDFromContext returns the gid stored by WithGID, or "".
func GIDFromContext(ctx context.Context) string {
	gid, _ := ctx.Value(gidKey).(string)

	return gid
}
