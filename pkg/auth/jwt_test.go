package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestResolveIdentity(t *testing.T) {
	userTok, err := SignToken(testSecret, "u-1", []string{RoleUser}, time.Hour)
	require.NoError(t, err)
	adminTok, err := SignToken(testSecret, "a-1", []string{RoleUser, RoleAdmin}, time.Hour)
	require.NoError(t, err)
	expiredTok, err := SignToken(testSecret, "u-2", []string{RoleUser}, -time.Minute)
	require.NoError(t, err)
	foreignTok, err := SignToken("other-secret", "u-3", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    Identity
		wantErr bool
	}{
		{"no token", "", Anonymous(), false},
		{"user", userTok, Identity{Kind: KindUser, UserID: "u-1"}, false},
		{"admin", adminTok, Identity{Kind: KindAdmin, UserID: "a-1"}, false},
		{"expired", expiredTok, Anonymous(), true},
		{"wrong secret", foreignTok, Anonymous(), true},
		{"garbage", "not-a-jwt", Anonymous(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveIdentity(tt.token, testSecret)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSingleRoleClaim(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "a-9",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	id, err := ResolveIdentity(tok, testSecret)
	require.NoError(t, err)
	assert.True(t, id.IsAdmin())
	assert.True(t, id.IsAuthenticated())
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "jwt, def")
	assert.Equal(t, "def", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws?token=ghi", nil)
	assert.Equal(t, "ghi", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	tok, err := SignToken(testSecret, "u-1", []string{RoleUser}, time.Hour)
	require.NoError(t, err)

	var seen Identity
	h := Middleware(testSecret, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, Identity{Kind: KindUser, UserID: "u-1"}, seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, Anonymous(), seen)
}
