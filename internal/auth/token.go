package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
)

// Claims are the fields read from a Supabase access token.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID    string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verifier reads access tokens. With a secret it checks the HMAC signature;
// without one it only decodes the claims and the caller must confirm the
// token with the identity provider.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty secret yields a decode-only verifier.
func NewVerifier(secret string) *Verifier {
	v := &Verifier{now: time.Now}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

// Verifies reports whether signatures are checked locally.
func (v *Verifier) Verifies() bool {
	return len(v.secret) > 0
}

// Parse returns the claims of a valid, unexpired token.
func (v *Verifier) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, svcerrors.Unauthorized("")
	}

	claims := &Claims{}
	if v.Verifies() {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return v.secret, nil
		},
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(v.now),
		)
		if err != nil {
			return nil, svcerrors.InvalidToken(err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, svcerrors.InvalidToken(err)
		}
		if claims.ExpiresAt == nil || !v.now().Before(claims.ExpiresAt.Time) {
			return nil, svcerrors.InvalidToken(fmt.Errorf("token expired"))
		}
	}

	if claims.Subject == "" {
		return nil, svcerrors.InvalidToken(fmt.Errorf("token has no subject"))
	}
	return claims, nil
}

func (c *Claims) identity() Identity {
	id := Identity{UserID: c.Subject, Email: c.Email, Role: c.Role}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}
