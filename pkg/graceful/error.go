package graceful

import (
	"context"
	"errors"
	"fmt"

	"github.com/nmxmxh/fundpulse/pkg/contextx"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ContextError wraps an error with context, gRPC code, and structured fields.
type ContextError struct {
	Code    codes.Code
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *ContextError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ContextError) Unwrap() error { return e.Cause }

// GRPCStatus returns a gRPC status error for this error context.
func (e *ContextError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

// WrapErr creates a ContextError with context fields, code, message, and cause.
func WrapErr(ctx context.Context, code codes.Code, msg string, cause error) *ContextError {
	return &ContextError{
		Code:    code,
		Message: msg,
		Cause:   cause,
		Context: contextx.Fields(ctx),
	}
}

// LogAndWrap logs the error with context and returns a ContextError.
func LogAndWrap(ctx context.Context, log *zap.Logger, code codes.Code, msg string, cause error, fields ...zap.Field) *ContextError {
	ce := WrapErr(ctx, code, msg, cause)
	if log != nil {
		zapFields := make([]zap.Field, 0, len(ce.Context)+len(fields)+2)
		for k, v := range ce.Context {
			zapFields = append(zapFields, zap.Any(k, v))
		}
		zapFields = append(zapFields, fields...)
		zapFields = append(zapFields, zap.String("code", code.String()))
		if cause != nil {
			zapFields = append(zapFields, zap.Error(cause))
		}
		if code == codes.PermissionDenied || code == codes.InvalidArgument || code == codes.AlreadyExists {
			log.Warn(msg, zapFields...)
		} else {
			log.Error(msg, zapFields...)
		}
	}
	return ce
}

// Rejected builds a ControlRejected error for a caller lacking permission.
func Rejected(ctx context.Context, msg string) *ContextError {
	return WrapErr(ctx, codes.PermissionDenied, msg, nil)
}

// Invalid builds a ControlRejected error for a malformed request.
func Invalid(ctx context.Context, msg string, cause error) *ContextError {
	return WrapErr(ctx, codes.InvalidArgument, msg, cause)
}

// CodeOf returns the classification code of err. Plain errors are Unknown.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ce *ContextError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

// IsControlRejected reports whether err must be reported to the sender only.
func IsControlRejected(err error) bool {
	c := CodeOf(err)
	return c == codes.PermissionDenied || c == codes.InvalidArgument || c == codes.Unauthenticated
}
