package contextx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKeyType       struct{}
	requestIDKeyType    struct{}
	connectionIDKeyType struct{}
)

var (
	loggerKey       = loggerKeyType{}
	requestIDKey    = requestIDKeyType{}
	connectionIDKey = connectionIDKeyType{}
)

// Logger helpers.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// Logger returns the logger stored in ctx, or fallback.
func Logger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// Request ID helpers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Connection ID helpers, set for work triggered by a websocket frame.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey, id)
}

func ConnectionID(ctx context.Context) string {
	id, _ := ctx.Value(connectionIDKey).(string)
	return id
}

// Fields returns the request-scoped values as a map for error context.
func Fields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{})
	if ctx == nil {
		return fields
	}
	if id := RequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	if id := ConnectionID(ctx); id != "" {
		fields["connection_id"] = id
	}
	return fields
}
