// Package auth drives the three-legged OAuth flow against the identity
// provider and guards it with a server-issued, single-use state nonce.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/devpool/devpool/internal/models"
	"github.com/devpool/devpool/internal/session"
)

const defaultAPIBase = "https://api.github.com"

var (
	// ErrSessionLost means the callback arrived without a session or
	// stored nonce: cookie loss, expiry, or a cross-origin replay.
	ErrSessionLost = errors.New("no login in progress")

	// ErrStateMismatch means the callback state did not match the stored
	// nonce. The nonce is consumed either way.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrNotAMember means the authenticated account is not in the
	// configured organization.
	ErrNotAMember = errors.New("not a member of the required organization")

	// ErrAuthRejected means the application's login hook refused the
	// account.
	ErrAuthRejected = errors.New("login rejected")
)

// ProviderError wraps a failed call to the identity provider (token
// exchange or profile fetch). The message shown to users stays generic; the
// wrapped cause is for logs only.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Profile is the provider's account projection.
type Profile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// LoginHook turns a provider token and profile into an application user, or
// rejects the login.
type LoginHook func(ctx context.Context, token *oauth2.Token, profile *Profile) (*models.User, error)

// Config assembles a Gateway.
type Config struct {
	OAuth   *oauth2.Config
	Store   session.Store
	Org     string // optional organization gate
	APIBase string // provider API base, overridable in tests
	OnLogin LoginHook
}

// Gateway mediates the authorization-code flow. It owns the nonce
// discipline and session handling; HTTP concerns stay in the api package.
type Gateway struct {
	oauth   *oauth2.Config
	store   session.Store
	org     string
	apiBase string
	onLogin LoginHook
}

func New(cfg Config) *Gateway {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Gateway{
		oauth:   cfg.OAuth,
		store:   cfg.Store,
		org:     cfg.Org,
		apiBase: apiBase,
		onLogin: cfg.OnLogin,
	}
}

// Initiate stores a fresh nonce (and the optional return target) on the
// session and returns the provider redirect URL. The session is persisted
// before the URL is handed out: the round trip through the provider is
// untrusted and may come back to a different replica, so the nonce has to
// be durable before the user leaves.
func (g *Gateway) Initiate(ctx context.Context, sess *session.Session, returnTo string) (string, error) {
	nonce := uuid.NewString()
	sess.OAuthState = nonce
	if returnTo != "" {
		sess.ReturnTo = returnTo
	}
	if err := g.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("persist session before redirect: %w", err)
	}
	return g.oauth.AuthCodeURL(nonce), nil
}

// Callback completes the flow. On success the session carries the
// authenticated identity under a regenerated id (the caller must reissue
// the cookie from sess.ID) and the saved return target is the returned
// redirect. Every failure is terminal for this attempt; the nonce is
// consumed regardless of outcome.
func (g *Gateway) Callback(ctx context.Context, sess *session.Session, state, code string) (string, error) {
	if sess == nil || sess.OAuthState == "" {
		return "", ErrSessionLost
	}

	nonce := sess.OAuthState
	sess.OAuthState = ""
	if err := g.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("consume nonce: %w", err)
	}

	if state == "" || state != nonce {
		return "", ErrStateMismatch
	}

	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return "", &ProviderError{Op: "token exchange", Err: err}
	}

	profile, err := g.fetchProfile(ctx, token)
	if err != nil {
		return "", &ProviderError{Op: "profile fetch", Err: err}
	}

	if g.org != "" {
		member, err := g.isOrgMember(ctx, token)
		if err != nil {
			return "", &ProviderError{Op: "membership check", Err: err}
		}
		if !member {
			return "", ErrNotAMember
		}
	}

	user, err := g.onLogin(ctx, token, profile)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	// Regenerate the session id so a pre-login id planted on the victim
	// never becomes an authenticated session.
	oldID := sess.ID
	sess.ID = uuid.NewString()
	sess.User = &session.Identity{
		UserID:   user.ID,
		Username: user.Username,
	}
	if user.AvatarURL != nil {
		sess.User.AvatarURL = *user.AvatarURL
	}
	redirect := sess.ReturnTo
	if redirect == "" {
		redirect = "/"
	}
	sess.ReturnTo = ""

	if err := g.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("persist authenticated session: %w", err)
	}
	if err := g.store.Delete(ctx, oldID); err != nil {
		return "", fmt.Errorf("retire pre-login session: %w", err)
	}
	return redirect, nil
}

func (g *Gateway) fetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	var profile Profile
	if err := g.getJSON(ctx, token, "/user", &profile); err != nil {
		return nil, err
	}
	if profile.Login == "" {
		return nil, errors.New("provider returned empty login")
	}
	return &profile, nil
}

func (g *Gateway) isOrgMember(ctx context.Context, token *oauth2.Token) (bool, error) {
	var orgs []struct {
		Login string `json:"login"`
	}
	if err := g.getJSON(ctx, token, "/user/orgs", &orgs); err != nil {
		return false, err
	}
	for _, o := range orgs {
		if o.Login == g.org {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) getJSON(ctx context.Context, token *oauth2.Token, path string, out interface{}) error {
	client := g.oauth.Client(ctx, token)
	resp, err := client.Get(g.apiBase + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
