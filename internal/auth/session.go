package auth

import (
	"context"
	"strings"
	"time"
)

const (
	// DefaultSessionIssuer identifies session tokens minted by this backend.
	DefaultSessionIssuer = "taskquest-api"
	// DefaultSessionAudience is the audience embedded in session tokens.
	DefaultSessionAudience = "taskquest-pwa"
	// DefaultSessionCookieName names the cookie carrying the session token.
	DefaultSessionCookieName = "taskquest_session"
)

// IDTokenVerifier verifies a third-party ID token.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (GoogleClaims, error)
}

// SessionUser is the profile a session is minted for.
type SessionUser struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Session is the authenticated principal of one request.
type Session struct {
	User      SessionUser `json:"user"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// UserID returns the canonical owner id of the session.
func (s Session) UserID() string {
	return s.User.UserID
}

// Valid reports whether the session names a user and has not expired at now.
func (s Session) Valid(now time.Time) bool {
	if strings.TrimSpace(s.User.UserID) == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}
