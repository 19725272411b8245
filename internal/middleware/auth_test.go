package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/memelearn/service_layer/internal/auth"
	"github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/storage"
)

type stubAuthenticator map[string]auth.Identity

func (s stubAuthenticator) Authenticate(_ context.Context, token string) (auth.Identity, error) {
	id, ok := s[token]
	if !ok {
		return auth.Identity{}, errors.InvalidToken(nil)
	}
	return id, nil
}

func newTestAuth(skip ...string) *AuthMiddleware {
	authn := stubAuthenticator{"good-token": {UserID: "user-123", ExpiresAt: time.Now().Add(time.Hour)}}
	return NewAuthMiddleware(authn, logging.NewDiscard("test"), skip)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_Handler_SkipPaths(t *testing.T) {
	handler := newTestAuth("/health").Handler(okHandler())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_Handler_MissingAuthHeader(t *testing.T) {
	handler := newTestAuth().Handler(okHandler())

	req := httptest.NewRequest("GET", "/api/trades", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_Handler_InvalidAuthHeaderFormat(t *testing.T) {
	handler := newTestAuth().Handler(okHandler())

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "token123"},
		{"wrong prefix", "Basic token123"},
		{"empty token", "Bearer "},
		{"unknown token", "Bearer nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/trades", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_Handler_ValidToken(t *testing.T) {
	var capturedUserID, capturedToken string
	handler := newTestAuth().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID = GetUserID(r.Context())
		capturedToken = storage.AccessToken(r.Context())
		if _, ok := GetIdentity(r.Context()); !ok {
			t.Error("identity missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/trades", nil)
	req.Header.Set("Authorization", "bearer good-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("User ID = %v, want user-123", capturedUserID)
	}
	if capturedToken != "good-token" {
		t.Errorf("access token = %q, want good-token", capturedToken)
	}
}

func TestAuthMiddleware_Optional(t *testing.T) {
	var sawUser string
	handler := newTestAuth().Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawUser = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/coins", nil))
	if rec.Code != http.StatusOK || sawUser != "" {
		t.Fatalf("anonymous request: status=%d user=%q", rec.Code, sawUser)
	}

	req := httptest.NewRequest("GET", "/api/coins", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if sawUser != "user-123" {
		t.Fatalf("user = %q, want user-123", sawUser)
	}

	req = httptest.NewRequest("GET", "/api/coins", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}
}

func TestRequireUserID(t *testing.T) {
	handler := RequireUserID(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(logging.WithUserID(req.Context(), "u1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}
