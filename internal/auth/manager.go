// Package auth manages user sessions on top of the Supabase identity service.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/storage"
	"github.com/memelearn/service_layer/supabase/client"
)

// Provider is the identity backend. *client.AuthClient satisfies it.
type Provider interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*client.AuthResponse, error)
	SignIn(ctx context.Context, email, password string) (*client.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*client.AuthResponse, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (*client.User, error)
}

// Session is an issued credential pair.
type Session struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	User         Identity  `json:"user"`
}

// Active reports whether the session carries a usable access token.
func (s Session) Active() bool {
	return s.AccessToken != ""
}

// Event names a session transition.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// SessionChange is delivered to OnSessionChange listeners.
type SessionChange struct {
	Event   Event
	UserID  string
	Session *Session
}

// Config configures a Manager.
type Config struct {
	Provider  Provider
	Profiles  storage.ProfileStore
	JWTSecret string
	Logger    *logging.Logger

	// IdentityCacheSize and IdentityCacheTTL bound how long a token confirmed
	// by the provider is trusted without asking again.
	IdentityCacheSize int
	IdentityCacheTTL  time.Duration
}

// Manager signs users in and out and authenticates access tokens.
type Manager struct {
	provider   Provider
	profiles   storage.ProfileStore
	verifier   *Verifier
	log        *logging.Logger
	identities *expirable.LRU[string, Identity]
	now        func() time.Time

	mu        sync.Mutex
	listeners map[int]func(SessionChange)
	nextID    int
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("auth")
	}
	size := cfg.IdentityCacheSize
	if size <= 0 {
		size = 4096
	}
	ttl := cfg.IdentityCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Manager{
		provider:   cfg.Provider,
		profiles:   cfg.Profiles,
		verifier:   NewVerifier(cfg.JWTSecret),
		log:        log,
		identities: expirable.NewLRU[string, Identity](size, nil, ttl),
		now:        time.Now,
		listeners:  make(map[int]func(SessionChange)),
	}
}

// SignIn exchanges credentials for a session.
func (m *Manager) SignIn(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !user.ValidEmail(email) {
		return Session{}, svcerrors.Validation("email", "Enter a valid email address.")
	}
	if password == "" {
		return Session{}, svcerrors.Validation("password", "Password is required.")
	}

	resp, err := m.provider.SignIn(ctx, email, password)
	if err != nil {
		m.log.LogSecurityEvent(ctx, "sign_in_failed", map[string]interface{}{"email": email, "code": svcerrors.CodeOf(err)})
		return Session{}, err
	}
	sess := m.session(resp)
	m.remember(sess)
	m.notify(SessionChange{Event: EventSignedIn, UserID: sess.User.UserID, Session: &sess})
	return sess, nil
}

// SignUp registers a user and creates their profile. When the project
// requires email confirmation the returned session is inactive.
func (m *Manager) SignUp(ctx context.Context, email, password string, attrs user.Attrs) (Session, user.Profile, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if err := user.ValidateCredentials(email, password); err != nil {
		return Session{}, user.Profile{}, err
	}
	if err := attrs.Validate(); err != nil {
		return Session{}, user.Profile{}, err
	}

	resp, err := m.provider.SignUp(ctx, email, password, map[string]any{
		"name":             attrs.Name,
		"risk_tolerance":   attrs.RiskTolerance,
		"investment_goals": attrs.InvestmentGoals,
	})
	if err != nil {
		return Session{}, user.Profile{}, err
	}
	if resp.User == nil || resp.User.ID == "" {
		return Session{}, user.Profile{}, svcerrors.Malformed(client.Provider, "user", "sign-up response has no user")
	}
	sess := m.session(resp)

	profile := user.NewProfile(resp.User.ID, email, attrs, m.now().UTC())
	profile, err = m.profiles.CreateProfile(storage.WithAccessToken(ctx, sess.AccessToken), profile)
	if err != nil {
		m.log.WithContext(ctx).WithError(err).WithField("user_id", resp.User.ID).Error("profile creation failed after sign-up")
		return sess, user.Profile{}, err
	}

	if sess.Active() {
		m.remember(sess)
		m.notify(SessionChange{Event: EventSignedIn, UserID: sess.User.UserID, Session: &sess})
	}
	return sess, profile, nil
}

// SignOut revokes the session behind accessToken.
func (m *Manager) SignOut(ctx context.Context, accessToken string) error {
	var userID string
	if claims, err := m.verifier.Parse(accessToken); err == nil {
		userID = claims.Subject
	}
	m.identities.Remove(accessToken)

	if err := m.provider.SignOut(ctx, accessToken); err != nil {
		return err
	}
	m.notify(SessionChange{Event: EventSignedOut, UserID: userID})
	return nil
}

// Refresh trades a refresh token for a new session.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, svcerrors.Validation("refresh_token", "Refresh token is required.")
	}
	resp, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return Session{}, err
	}
	sess := m.session(resp)
	m.remember(sess)
	m.notify(SessionChange{Event: EventTokenRefreshed, UserID: sess.User.UserID, Session: &sess})
	return sess, nil
}

// Session returns the session described by accessToken.
func (m *Manager) Session(ctx context.Context, accessToken string) (Session, error) {
	id, err := m.Authenticate(ctx, accessToken)
	if err != nil {
		return Session{}, err
	}
	return Session{AccessToken: accessToken, ExpiresAt: id.ExpiresAt, User: id}, nil
}

// Authenticate resolves an access token to an identity. Tokens are verified
// locally when a JWT secret is configured and confirmed with the provider
// otherwise; confirmed identities are cached until the TTL or token expiry.
func (m *Manager) Authenticate(ctx context.Context, accessToken string) (Identity, error) {
	if id, ok := m.identities.Get(accessToken); ok {
		if id.ExpiresAt.IsZero() || m.now().Before(id.ExpiresAt) {
			return id, nil
		}
		m.identities.Remove(accessToken)
	}

	claims, err := m.verifier.Parse(accessToken)
	if err != nil {
		return Identity{}, err
	}
	id := claims.identity()

	if !m.verifier.Verifies() {
		u, err := m.provider.GetUser(ctx, accessToken)
		if err != nil {
			return Identity{}, err
		}
		if u.ID != id.UserID {
			return Identity{}, svcerrors.InvalidToken(nil).WithDetails("reason", "subject mismatch")
		}
		id.Email = u.Email
		if u.Role != "" {
			id.Role = u.Role
		}
	}

	m.identities.Add(accessToken, id)
	return id, nil
}

// OnSessionChange registers cb for sign-in, sign-out and refresh events.
// The returned function removes the listener.
func (m *Manager) OnSessionChange(cb func(SessionChange)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) notify(change SessionChange) {
	m.mu.Lock()
	cbs := make([]func(SessionChange), 0, len(m.listeners))
	for _, cb := range m.listeners {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(change)
	}
}

func (m *Manager) session(resp *client.AuthResponse) Session {
	sess := Session{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	switch {
	case resp.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(resp.ExpiresAt, 0).UTC()
	case resp.ExpiresIn > 0:
		sess.ExpiresAt = m.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}
	if resp.User != nil {
		sess.User = Identity{UserID: resp.User.ID, Email: resp.User.Email, Role: resp.User.Role, ExpiresAt: sess.ExpiresAt}
	}
	return sess
}

// remember caches the identity of a session the provider just issued.
func (m *Manager) remember(sess Session) {
	if sess.Active() && sess.User.UserID != "" {
		m.identities.Add(sess.AccessToken, sess.User)
	}
}
