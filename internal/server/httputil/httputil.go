package httputil

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/fundpulse/pkg/auth"
	"github.com/nmxmxh/fundpulse/pkg/graceful"
	"github.com/nmxmxh/fundpulse/pkg/json"
)

// WriteJSONError writes a JSON error response and logs the error.
func WriteJSONError(w http.ResponseWriter, log *zap.Logger, status int, msg string, err error, contextFields ...zap.Field) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fields := contextFields
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if status >= http.StatusInternalServerError {
		log.Error(msg, fields...)
	} else {
		log.Debug(msg, fields...)
	}
	details := ""
	if err != nil {
		details = err.Error()
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   msg,
		"details": details,
	}); err != nil {
		log.Error("Failed to write error response", zap.Error(err))
	}
}

// WriteError maps err to an HTTP status through its gRPC code.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := graceful.CodeOf(err)
	msg := http.StatusText(GRPCStatusToHTTPStatus(code))
	var ce *graceful.ContextError
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	WriteJSONError(w, log, GRPCStatusToHTTPStatus(code), msg, err, zap.String("code", code.String()))
}

// WriteJSONResponse writes a JSON response and logs on error.
func WriteJSONResponse(w http.ResponseWriter, log *zap.Logger, v interface{}) {
	WriteJSONStatus(w, log, http.StatusOK, v)
}

func WriteJSONStatus(w http.ResponseWriter, log *zap.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to write JSON response", zap.Error(err))
	}
}

// RequireAdmin rejects callers whose identity is not an admin. It expects
// auth.Middleware to have run.
func RequireAdmin(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.FromContext(r.Context())
		switch {
		case !id.IsAuthenticated():
			WriteJSONError(w, log, http.StatusUnauthorized, "unauthorized", nil)
		case !id.IsAdmin():
			WriteJSONError(w, log, http.StatusForbidden, "forbidden", nil, zap.String("user_id", id.UserID))
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// GRPCStatusToHTTPStatus converts a gRPC status code to an appropriate HTTP status code.
func GRPCStatusToHTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499 // Client Closed Request
	case codes.Unknown:
		return http.StatusInternalServerError
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Aborted:
		return http.StatusConflict
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
