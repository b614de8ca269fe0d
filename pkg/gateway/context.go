package gateway

import (
	"context"

	"github.com/harun/finagent/internal/tracing"
	"github.com/rs/zerolog"
)

type ctxKey string

const clientIDKey ctxKey = "clientID"

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

// connLogger carries the trace fields and client id of a connection.
func connLogger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	logger := tracing.LoggerFromContext(ctx, base)
	if id := clientIDFromContext(ctx); id != "" {
		logger = logger.With().Str("clientId", id).Logger()
	}
	return logger
}
