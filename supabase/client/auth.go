package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/httputil"
)

// Auth returns a GoTrue client.
func (c *Client) Auth() *AuthClient {
	return &AuthClient{client: c}
}

// AuthClient handles authentication operations.
type AuthClient struct {
	client *Client
}

// AuthResponse is the response from token-issuing operations.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// User is a GoTrue user.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	CreatedAt    string         `json:"created_at"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// SignUp registers a user with metadata stored on the identity.
func (a *AuthClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*AuthResponse, error) {
	payload := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		payload["data"] = metadata
	}
	resp, err := a.post(ctx, "/auth/v1/signup", nil, payload, "")
	if err != nil {
		return nil, err
	}

	var out AuthResponse
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	// With email confirmation enabled GoTrue returns the bare user.
	if out.User == nil {
		var u User
		if err := resp.JSON(&u); err == nil && u.ID != "" {
			out.User = &u
		}
	}
	return &out, nil
}

// SignIn exchanges credentials for a session.
func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*AuthResponse, error) {
	return a.token(ctx, "password", map[string]any{"email": email, "password": password})
}

// Refresh exchanges a refresh token for a new session.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	return a.token(ctx, "refresh_token", map[string]any{"refresh_token": refreshToken})
}

// SignOut revokes the session behind accessToken.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	_, err := a.post(ctx, "/auth/v1/logout", nil, nil, accessToken)
	return err
}

// GetUser returns the user owning accessToken.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	h := a.client.authHeaders()
	h.Set("Authorization", "Bearer "+accessToken)
	resp, err := a.client.http.Do(ctx, httputil.Request{
		Method:     http.MethodGet,
		Path:       "/auth/v1/user",
		Header:     h,
		ExpectJSON: true,
	})
	if err != nil {
		return nil, authError(resp, err)
	}

	var u User
	if err := json.Unmarshal(resp.Body, &u); err != nil {
		return nil, svcerrors.Malformed(Provider, "user", err.Error())
	}
	return &u, nil
}

func (a *AuthClient) token(ctx context.Context, grant string, payload map[string]any) (*AuthResponse, error) {
	resp, err := a.post(ctx, "/auth/v1/token", url.Values{"grant_type": {grant}}, payload, "")
	if err != nil {
		return nil, err
	}
	var out AuthResponse
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, svcerrors.Malformed(Provider, "access_token", "missing from token response")
	}
	return &out, nil
}

func (a *AuthClient) post(ctx context.Context, path string, query url.Values, payload any, bearer string) (*Response, error) {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, svcerrors.Internal("failed to encode auth request", err)
		}
		body = data
	}

	h := a.client.authHeaders()
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := a.client.http.Do(ctx, httputil.Request{
		Method:      http.MethodPost,
		Path:        path,
		Query:       query,
		Body:        body,
		ContentType: "application/json",
		Header:      h,
		NoRetry:     true,
	})
	if err != nil {
		return nil, authError(resp, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: resp.Body, Headers: resp.Header}, nil
}

// authError turns credential rejections into user-facing authentication or
// validation errors. Provider outages keep their classification.
func authError(resp *httputil.Response, err error) error {
	if resp == nil {
		return err
	}
	apiErr, _ := parseAPIError(resp.Body)
	msg := apiErr.Text()

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		if msg == "" {
			msg = "Invalid login credentials."
		}
		se := svcerrors.Unauthorized(msg)
		se.Err = err
		return se
	case http.StatusUnprocessableEntity:
		if msg == "" {
			msg = "Sign-up was rejected."
		}
		return svcerrors.Validation("email", msg)
	}
	return err
}
