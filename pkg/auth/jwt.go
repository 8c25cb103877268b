package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// ParseAndExtractAuthContext parses an HS256 JWT and returns its claims.
func ParseAndExtractAuthContext(tokenStr, secret string) (*Context, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	authCtx := &Context{
		UserID:    toString(claims["sub"]),
		Roles:     toStringSlice(claims["roles"]),
		Audience:  toString(claims["aud"]),
		JWTID:     toString(claims["jti"]),
		IssuedAt:  toTime(claims["iat"]),
		ExpiresAt: toTime(claims["exp"]),
		RawClaims: claims,
	}
	// Tokens issued by the platform's session service carry "role" rather than "roles".
	if role := toString(claims["role"]); role != "" && !HasRole(authCtx, role) {
		authCtx.Roles = append(authCtx.Roles, role)
	}
	return authCtx, nil
}

// SignToken issues an HS256 token for userID with the given roles.
func SignToken(secret, userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ResolveIdentity returns the identity for a bearer token. Missing or invalid
// tokens resolve to Anonymous; the error is returned for logging only.
func ResolveIdentity(tokenStr, secret string) (Identity, error) {
	if tokenStr == "" {
		return Anonymous(), nil
	}
	authCtx, err := ParseAndExtractAuthContext(tokenStr, secret)
	if err != nil {
		return Anonymous(), err
	}
	return authCtx.Identity(), nil
}

// TokenFromRequest extracts a token from the Authorization header, the
// Sec-WebSocket-Protocol header ("jwt, <token>"), or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if tok := extractBearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		for i, part := range parts {
			part = strings.TrimSpace(part)
			if part == "jwt" && i+1 < len(parts) {
				return strings.TrimSpace(parts[i+1])
			}
			if strings.HasPrefix(part, "jwt ") {
				return strings.TrimPrefix(part, "jwt ")
			}
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware resolves the caller identity and stores it in the request context.
func Middleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := ResolveIdentity(extractBearerToken(r.Header.Get("Authorization")), secret)
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
	})
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toStringSlice(v interface{}) []string {
	switch arr := v.(type) {
	case []interface{}:
		res := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return arr
	}
	return nil
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	}
	return time.Time{}
}
