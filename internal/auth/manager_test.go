package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/storage/memory"
	"github.com/memelearn/service_layer/supabase/client"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func signToken(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	claims := &Claims{
		Email: sub + "@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

type fakeProvider struct {
	mu          sync.Mutex
	getUserHits int
	signUpMeta  map[string]any
	signInErr   error
	users       map[string]*client.User
	token       string
}

func (f *fakeProvider) SignUp(_ context.Context, email, _ string, metadata map[string]any) (*client.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signUpMeta = metadata
	return &client.AuthResponse{
		AccessToken: f.token,
		ExpiresIn:   3600,
		User:        &client.User{ID: "u-new", Email: email},
	}, nil
}

func (f *fakeProvider) SignIn(_ context.Context, email, _ string) (*client.AuthResponse, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	return &client.AuthResponse{
		AccessToken:  f.token,
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		User:         &client.User{ID: "u1", Email: email},
	}, nil
}

func (f *fakeProvider) Refresh(context.Context, string) (*client.AuthResponse, error) {
	return &client.AuthResponse{AccessToken: f.token, ExpiresIn: 3600, User: &client.User{ID: "u1"}}, nil
}

func (f *fakeProvider) SignOut(context.Context, string) error { return nil }

func (f *fakeProvider) GetUser(_ context.Context, token string) (*client.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getUserHits++
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return nil, svcerrors.Unauthorized("invalid JWT")
}

func newManager(p Provider, secret string) (*Manager, *memory.Store) {
	store := memory.New()
	return NewManager(Config{Provider: p, Profiles: store, JWTSecret: secret, Logger: logging.NewDiscard("auth")}), store
}

func TestVerifierHMAC(t *testing.T) {
	v := NewVerifier(testSecret)

	claims, err := v.Parse(signToken(t, testSecret, "u1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "authenticated", claims.Role)

	_, err = v.Parse(signToken(t, testSecret, "u1", time.Now().Add(-time.Minute)))
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAuthentication), "expired")

	_, err = v.Parse(signToken(t, "another-secret-that-is-also-long-enough", "u1", time.Now().Add(time.Hour)))
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAuthentication), "wrong key")

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Parse(none)
	assert.Error(t, err, "alg none must be rejected")
}

func TestVerifierDecodeOnlyStillChecksExpiry(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Verifies())

	_, err := v.Parse(signToken(t, "whatever-key", "u1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = v.Parse(signToken(t, "whatever-key", "u1", time.Now().Add(-time.Hour)))
	assert.Error(t, err)

	_, err = v.Parse("not-a-jwt")
	assert.Error(t, err)
}

func TestAuthenticateConfirmsWithProviderAndCaches(t *testing.T) {
	token := signToken(t, "project-key", "u1", time.Now().Add(time.Hour))
	p := &fakeProvider{users: map[string]*client.User{token: {ID: "u1", Email: "one@example.com"}}}
	m, _ := newManager(p, "")

	id, err := m.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "one@example.com", id.Email)

	_, err = m.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, 1, p.getUserHits)

	revoked := signToken(t, "project-key", "u2", time.Now().Add(time.Hour))
	_, err = m.Authenticate(context.Background(), revoked)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAuthentication))
}

func TestAuthenticateWithSecretSkipsProvider(t *testing.T) {
	p := &fakeProvider{}
	m, _ := newManager(p, testSecret)

	sess, err := m.Session(context.Background(), signToken(t, testSecret, "u7", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "u7", sess.User.UserID)
	assert.Zero(t, p.getUserHits)
}

func TestSignUpCreatesProfile(t *testing.T) {
	p := &fakeProvider{token: "access-1"}
	m, store := newManager(p, testSecret)

	sess, profile, err := m.SignUp(context.Background(), " New@Example.com ", "longenough", user.Attrs{InvestmentGoals: []string{"learn"}})
	require.NoError(t, err)
	assert.True(t, sess.Active())
	assert.Equal(t, "new", profile.Name)
	assert.Equal(t, user.RiskMedium, profile.RiskTolerance)
	assert.Equal(t, []string{"learn"}, p.signUpMeta["investment_goals"])

	stored, err := store.GetProfile(context.Background(), "u-new")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", stored.Email)
}

func TestSignUpValidatesBeforeCallingProvider(t *testing.T) {
	p := &fakeProvider{}
	m, _ := newManager(p, "")

	_, _, err := m.SignUp(context.Background(), "a@b.co", "short", user.Attrs{})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))

	_, _, err = m.SignUp(context.Background(), "a@b.co", "longenough", user.Attrs{RiskTolerance: "yolo"})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))
	assert.Nil(t, p.signUpMeta)
}

func TestSessionChangeListeners(t *testing.T) {
	token := signToken(t, testSecret, "u1", time.Now().Add(time.Hour))
	m, _ := newManager(&fakeProvider{token: token}, testSecret)

	var events []Event
	unsubscribe := m.OnSessionChange(func(c SessionChange) { events = append(events, c.Event) })

	_, err := m.SignIn(context.Background(), "one@example.com", "pw")
	require.NoError(t, err)
	require.NoError(t, m.SignOut(context.Background(), token))

	unsubscribe()
	unsubscribe()
	_, err = m.SignIn(context.Background(), "one@example.com", "pw")
	require.NoError(t, err)

	assert.Equal(t, []Event{EventSignedIn, EventSignedOut}, events)
}

func TestSignInFailurePropagates(t *testing.T) {
	m, _ := newManager(&fakeProvider{signInErr: svcerrors.Unauthorized("Invalid login credentials")}, "")

	_, err := m.SignIn(context.Background(), "one@example.com", "bad")
	assert.Equal(t, "Invalid login credentials", svcerrors.Message(err))

	_, err = m.SignIn(context.Background(), "nope", "pw")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))
}

func TestDisabledProviderRefusesSignIn(t *testing.T) {
	m, _ := newManager(Disabled{}, "")

	_, err := m.SignIn(context.Background(), "one@example.com", "long-password")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAuthentication))

	_, err = m.Authenticate(context.Background(), signToken(t, "other", "user-1", time.Now().Add(time.Hour)))
	assert.Error(t, err)
}
