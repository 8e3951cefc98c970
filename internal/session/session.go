// Package session holds the transient, server-side login state keyed by an
// opaque cookie id.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TTL is the sliding session lifetime.
const TTL = 24 * time.Hour

// Identity is the authenticated user projection carried in the session.
type Identity struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Session is one browser's state. OAuthState holds the single-use CSRF
// nonce during the authorization round trip; ReturnTo is the URL to restore
// after login. User is nil until login completes.
type Session struct {
	ID         string    `json:"id"`
	User       *Identity `json:"user,omitempty"`
	OAuthState string    `json:"oauthState,omitempty"`
	ReturnTo   string    `json:"returnTo,omitempty"`
}

// New returns an empty session with a fresh random id.
func New() *Session {
	return &Session{ID: uuid.NewString()}
}

// Store persists sessions. Get returns (nil, nil) for an unknown or expired
// id. Save must be durable before any redirect that depends on the session
// surviving the round trip — the callback may land on another replica.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}
