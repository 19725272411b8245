package storage

import "context"

type accessTokenKey struct{}

// WithAccessToken attaches the caller's session token so remote backends can
// act as that user.
func WithAccessToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, accessTokenKey{}, token)
}

// AccessToken returns the session token attached to ctx.
func AccessToken(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}
