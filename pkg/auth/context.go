package auth

import (
	"context"
	"time"
)

// Role names carried in the "roles" claim.
const (
	RoleGuest = "guest"
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Kind classifies a connection or request identity.
type Kind string

const (
	KindAnonymous Kind = "anonymous"
	KindUser      Kind = "user"
	KindAdmin     Kind = "admin"
)

// Identity is the resolved caller: anonymous, a user, or an admin (admins are
// also users and carry a UserID).
type Identity struct {
	Kind   Kind   `json:"kind"`
	UserID string `json:"userId,omitempty"`
}

// Anonymous returns the identity used when no valid token is presented.
func Anonymous() Identity {
	return Identity{Kind: KindAnonymous}
}

func (i Identity) IsAdmin() bool { return i.Kind == KindAdmin }

func (i Identity) IsAuthenticated() bool {
	return i.Kind != KindAnonymous && i.UserID != ""
}

// Context is the parsed token.
type Context struct {
	UserID    string
	Roles     []string
	Audience  string
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RawClaims map[string]interface{}
}

// HasRole checks if the current user has the given role.
func HasRole(auth *Context, role string) bool {
	if auth == nil {
		return false
	}
	for _, r := range auth.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Identity derives the caller identity from the token. A token without a
// subject is treated as anonymous.
func (c *Context) Identity() Identity {
	if c == nil || c.UserID == "" {
		return Anonymous()
	}
	if HasRole(c, RoleAdmin) {
		return Identity{Kind: KindAdmin, UserID: c.UserID}
	}
	return Identity{Kind: KindUser, UserID: c.UserID}
}

type contextKey struct{}

// NewContext returns a new context with the given identity.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(contextKey{}).(Identity); ok {
		return id
	}
	return Anonymous()
}
