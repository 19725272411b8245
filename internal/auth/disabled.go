package auth

import (
	"context"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/supabase/client"
)

// Disabled is the Provider used when no identity service is configured.
// Anonymous reads keep working; every sign-in path is refused.
type Disabled struct{}

var _ Provider = Disabled{}

func errDisabled() error {
	return svcerrors.Unauthorized("Sign-in is not configured.")
}

func (Disabled) SignUp(context.Context, string, string, map[string]any) (*client.AuthResponse, error) {
	return nil, errDisabled()
}

func (Disabled) SignIn(context.Context, string, string) (*client.AuthResponse, error) {
	return nil, errDisabled()
}

func (Disabled) Refresh(context.Context, string) (*client.AuthResponse, error) {
	return nil, errDisabled()
}

func (Disabled) SignOut(context.Context, string) error {
	return errDisabled()
}

func (Disabled) GetUser(context.Context, string) (*client.User, error) {
	return nil, errDisabled()
}
