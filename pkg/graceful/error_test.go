package graceful

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nmxmxh/fundpulse/pkg/contextx"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"plain", base, codes.Unknown},
		{"context error", WrapErr(context.Background(), codes.Unavailable, "store down", base), codes.Unavailable},
		{"wrapped context error", fmt.Errorf("tick: %w", WrapErr(context.Background(), codes.Aborted, "conflict", nil)), codes.Aborted},
		{"grpc status", status.Error(codes.NotFound, "missing"), codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestContextErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapErr(context.Background(), codes.Unavailable, "store unavailable", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "store unavailable: connection refused", err.Error())
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestControlRejected(t *testing.T) {
	ctx := contextx.WithConnectionID(context.Background(), "c-1")
	err := Rejected(ctx, "admin only")
	assert.True(t, IsControlRejected(err))
	assert.Equal(t, "c-1", err.Context["connection_id"])
	assert.True(t, IsControlRejected(Invalid(ctx, "bad payload", nil)))
	assert.False(t, IsControlRejected(WrapErr(ctx, codes.Unavailable, "down", nil)))
}

func TestLogAndWrap(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), zapcore.DebugLevel)
	log := zap.New(core)

	ctx := contextx.WithRequestID(context.Background(), "req-7")
	err := LogAndWrap(ctx, log, codes.Unavailable, "apply donation failed", errors.New("timeout"))
	assert.Equal(t, codes.Unavailable, CodeOf(err))
	assert.Contains(t, buf.String(), `"request_id":"req-7"`)
	assert.Contains(t, buf.String(), `"level":"error"`)

	buf.Reset()
	LogAndWrap(ctx, log, codes.PermissionDenied, "rejected", nil)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
