// Package httputil provides the outbound HTTP client used for every upstream
// provider and the JSON response helpers used by the API.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
)

const (
	// DefaultTimeout bounds ordinary upstream calls.
	DefaultTimeout = 10 * time.Second
	// CompletionTimeout bounds text-completion calls.
	CompletionTimeout = 30 * time.Second

	defaultMaxBody = 8 << 20
)

// =============================================================================
// Upstream Client
// =============================================================================

// Client performs requests against one upstream provider and classifies
// every failure into the service error taxonomy.
type Client struct {
	httpClient *http.Client
	baseURL    string
	provider   string
	headers    http.Header
	retry      RetryConfig
	breaker    *CircuitBreaker
	maxBody    int64
}

// ClientConfig configures an upstream client.
type ClientConfig struct {
	// Provider names the upstream in errors, logs and metrics.
	Provider string
	BaseURL  string
	Timeout  time.Duration
	// Headers are attached to every request.
	Headers map[string]string
	// HTTPClient overrides the underlying client. Timeout is ignored when set.
	HTTPClient *http.Client
	// Retry configures retries; the zero value disables them.
	Retry RetryConfig
	// CircuitBreaker enables a breaker when non-nil.
	CircuitBreaker *CircuitBreakerConfig
	MaxBodyBytes   int64
}

// NewClient creates an upstream client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if v != "" {
			headers.Set(k, v)
		}
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		provider:   cfg.Provider,
		headers:    headers,
		retry:      cfg.Retry,
		maxBody:    maxBody,
	}
	if cfg.CircuitBreaker != nil {
		c.breaker = NewCircuitBreaker(cfg.Provider, *cfg.CircuitBreaker)
	}
	return c
}

// Provider returns the upstream name.
func (c *Client) Provider() string {
	return c.provider
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Breaker returns the circuit breaker, or nil when disabled.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Request describes one upstream call.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Header      http.Header
	// ExpectJSON marks a 2xx body that is not valid JSON as malformed.
	ExpectJSON bool
	// NoRetry disables retries for non-idempotent calls.
	NoRetry bool
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Do executes req. The returned error is always a *errors.ServiceError. The
// response is non-nil whenever a status line was received, so callers can
// inspect provider-specific error bodies.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var done func(success bool)
	if c.breaker != nil {
		var err error
		if done, err = c.breaker.Allow(); err != nil {
			se := svcerrors.UpstreamUnavailable(c.provider, 0)
			se.Err = err
			return nil, se
		}
	}

	var (
		resp      *Response
		err       *svcerrors.ServiceError
		cancelled error
	)
	bo := c.retry.newBackOff()
retry:
	for {
		resp, err = c.once(ctx, req)
		if err == nil || req.NoRetry || !c.shouldRetry(resp, err) || ctx.Err() != nil {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			cancelled = ctx.Err()
			break retry
		case <-time.After(wait):
		}
	}

	// Every admitted call reports back, or a half-open breaker keeps the
	// trial slot forever.
	if done != nil {
		done(err == nil || !upstreamFault(resp, err))
	}

	if cancelled != nil {
		return resp, svcerrors.Network(c.provider, cancelled)
	}
	if err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) once(ctx context.Context, req Request) (*Response, *svcerrors.ServiceError) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body *bytes.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	var httpReq *http.Request
	var err error
	if body != nil {
		httpReq, err = http.NewRequestWithContext(ctx, method, target, body)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return nil, svcerrors.Internal("failed to build upstream request", err)
	}

	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, svcerrors.Classify(svcerrors.FromTransportError(c.provider, err))
	}
	defer httpResp.Body.Close()

	data, err := ReadAllStrict(httpResp.Body, c.maxBody)
	if err != nil {
		return nil, svcerrors.Classify(svcerrors.FromTransportError(c.provider, fmt.Errorf("read body: %w", err)))
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Body: data, Header: httpResp.Header}
	result := svcerrors.TransportResult{Provider: c.provider, StatusCode: httpResp.StatusCode}
	if req.ExpectJSON && httpResp.StatusCode < 300 && !json.Valid(data) {
		result.ParseFailed = true
		result.Err = fmt.Errorf("invalid JSON from %s %s", method, req.Path)
	}
	if se := svcerrors.Classify(result); se != nil {
		return resp, se
	}
	return resp, nil
}

// upstreamFault reports whether a failure counts against the provider's
// health. Rejections of our own request (4xx) do not.
func upstreamFault(resp *Response, err *svcerrors.ServiceError) bool {
	switch err.Code {
	case svcerrors.CodeNetwork:
		return true
	case svcerrors.CodeUpstreamUnavailable:
		return resp == nil || resp.StatusCode >= 500
	}
	return false
}

func (c *Client) shouldRetry(resp *Response, err *svcerrors.ServiceError) bool {
	if err.Code == svcerrors.CodeNetwork {
		return true
	}
	if resp == nil {
		return false
	}
	for _, code := range c.retry.RetryableStatusCodes {
		if resp.StatusCode == code {
			return true
		}
	}
	return false
}

// GetJSON issues a GET and returns the raw JSON body.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, ExpectJSON: true})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PostJSON marshals payload, POSTs it and returns the raw JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, svcerrors.Internal("failed to encode upstream request", err)
	}
	resp, err := c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        data,
		ContentType: "application/json",
		ExpectJSON:  true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PostForm POSTs a form-encoded body and returns the raw JSON body.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	resp, err := c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		ExpectJSON:  true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter               float64
	RetryableStatusCodes []int
}

// DefaultRetryConfig retries transient gateway failures. 429 is left out:
// providers that rate limit us are paced by the governor instead.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// newBackOff returns a fresh schedule allowing MaxRetries further attempts.
func (rc RetryConfig) newBackOff() backoff.BackOff {
	if rc.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.InitialBackoff
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 100 * time.Millisecond
	}
	if rc.MaxBackoff > 0 {
		bo.MaxInterval = rc.MaxBackoff
	}
	if rc.BackoffMultiplier > 0 {
		bo.Multiplier = rc.BackoffMultiplier
	}
	bo.RandomizationFactor = rc.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithMaxRetries(bo, uint64(rc.MaxRetries))
}
