// Package client is a small Supabase client covering PostgREST tables, RPC
// functions, GoTrue authentication and realtime postgres changes.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/httputil"
	"github.com/memelearn/service_layer/internal/logging"
)

// Provider names Supabase in errors and metrics.
const Provider = "Supabase"

// PostgREST error codes that carry meaning for callers.
const (
	codeNoRows          = "PGRST116"
	codeUniqueViolation = "23505"
	codeRaisedException = "P0001"
)

// Client is a Supabase REST client.
type Client struct {
	http    *httputil.Client
	baseURL string
	apiKey  string
	token   string
	log     *logging.Logger
}

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// New creates a Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("supabase")
	}

	breaker := httputil.DefaultCircuitBreakerConfig()
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			Provider:       Provider,
			BaseURL:        cfg.URL,
			Timeout:        cfg.Timeout,
			HTTPClient:     cfg.HTTPClient,
			Retry:          httputil.DefaultRetryConfig(),
			CircuitBreaker: &breaker,
		}),
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		log:     log,
	}, nil
}

// URL returns the project URL.
func (c *Client) URL() string {
	return c.baseURL
}

// APIKey returns the project key used for requests.
func (c *Client) APIKey() string {
	return c.apiKey
}

// WithToken returns a client that acts as the user owning accessToken, so
// row level security and auth.uid() see that user.
func (c *Client) WithToken(accessToken string) *Client {
	cp := *c
	cp.token = accessToken
	return &cp
}

// =============================================================================
// Database Operations (PostgREST)
// =============================================================================

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table, params: url.Values{}}
}

// QueryBuilder builds PostgREST queries.
type QueryBuilder struct {
	client *Client
	table  string
	params url.Values
	single bool
	count  string
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.params.Set("select", columns)
	return q
}

func (q *QueryBuilder) filter(column, op string, value any) *QueryBuilder {
	q.params.Add(column, fmt.Sprintf("%s.%v", op, value))
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.filter(column, "eq", value)
}

// Gt adds a greater-than filter.
func (q *QueryBuilder) Gt(column string, value any) *QueryBuilder {
	return q.filter(column, "gt", value)
}

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values []string) *QueryBuilder {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return q.filter(column, "in", "("+strings.Join(quoted, ",")+")")
}

// Order adds an ORDER BY clause.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	if prev := q.params.Get("order"); prev != "" {
		q.params.Set("order", prev+","+column+"."+dir)
	} else {
		q.params.Set("order", column+"."+dir)
	}
	return q
}

// Limit sets the LIMIT.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	if n > 0 {
		q.params.Set("limit", strconv.Itoa(n))
	}
	return q
}

// Range selects rows from..to inclusive.
func (q *QueryBuilder) Range(from, to int) *QueryBuilder {
	q.params.Set("offset", strconv.Itoa(from))
	q.params.Set("limit", strconv.Itoa(to-from+1))
	return q
}

// Single expects exactly one row. Zero rows surface as NotFound.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

// Count asks PostgREST to report the row count (exact, planned, estimated).
func (q *QueryBuilder) Count(kind string) *QueryBuilder {
	q.count = kind
	return q
}

func (q *QueryBuilder) headers(prefer ...string) http.Header {
	h := q.client.authHeaders()
	if q.single {
		h.Set("Accept", "application/vnd.pgrst.object+json")
	}
	if q.count != "" {
		prefer = append(prefer, "count="+q.count)
	}
	if len(prefer) > 0 {
		h.Set("Prefer", strings.Join(prefer, ","))
	}
	return h
}

// Get executes a SELECT.
func (q *QueryBuilder) Get(ctx context.Context) (*Response, error) {
	return q.client.do(ctx, httputil.Request{
		Method:     http.MethodGet,
		Path:       "/rest/v1/" + q.table,
		Query:      q.params,
		Header:     q.headers(),
		ExpectJSON: true,
	})
}

// Insert inserts rows and returns the stored representation.
func (q *QueryBuilder) Insert(ctx context.Context, data any) (*Response, error) {
	return q.write(ctx, http.MethodPost, data, q.headers("return=representation"))
}

// Upsert inserts or merges rows on the onConflict columns.
func (q *QueryBuilder) Upsert(ctx context.Context, data any, onConflict string) (*Response, error) {
	if onConflict != "" {
		q.params.Set("on_conflict", onConflict)
	}
	return q.write(ctx, http.MethodPost, data, q.headers("resolution=merge-duplicates", "return=minimal"))
}

// Update patches the filtered rows.
func (q *QueryBuilder) Update(ctx context.Context, data any) (*Response, error) {
	return q.write(ctx, http.MethodPatch, data, q.headers("return=representation"))
}

// Delete removes the filtered rows.
func (q *QueryBuilder) Delete(ctx context.Context) (*Response, error) {
	return q.client.do(ctx, httputil.Request{
		Method: http.MethodDelete,
		Path:   "/rest/v1/" + q.table,
		Query:  q.params,
		Header: q.headers("return=minimal"),
	})
}

func (q *QueryBuilder) write(ctx context.Context, method string, data any, h http.Header) (*Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, svcerrors.Internal("failed to encode request", err)
	}
	return q.client.do(ctx, httputil.Request{
		Method:      method,
		Path:        "/rest/v1/" + q.table,
		Query:       q.params,
		Body:        body,
		ContentType: "application/json",
		Header:      h,
		NoRetry:     true,
	})
}

// =============================================================================
// RPC (Stored Procedures)
// =============================================================================

// RPC calls a Postgres function.
func (c *Client) RPC(ctx context.Context, fn string, params any) (*Response, error) {
	body := []byte("{}")
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, svcerrors.Internal("failed to encode rpc params", err)
		}
		body = data
	}
	return c.do(ctx, httputil.Request{
		Method:      http.MethodPost,
		Path:        "/rest/v1/rpc/" + fn,
		Body:        body,
		ContentType: "application/json",
		Header:      c.authHeaders(),
		NoRetry:     true,
	})
}

// =============================================================================
// Response Types
// =============================================================================

// Response is a PostgREST response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return svcerrors.Malformed(Provider, "", err.Error())
	}
	return nil
}

// Total parses the row count from Content-Range ("0-9/42"). It returns -1
// when the count was not requested.
func (r *Response) Total() int {
	cr := r.Headers.Get("Content-Range")
	_, total, ok := strings.Cut(cr, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return -1
	}
	return n
}

// APIError is the error body PostgREST and GoTrue return.
type APIError struct {
	Code             Code   `json:"code"`
	Message          string `json:"message"`
	Details          string `json:"details"`
	Hint             string `json:"hint"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	ErrorCode        string `json:"error_code"`
}

// Text returns the most specific message in the body.
func (e APIError) Text() string {
	for _, s := range []string{e.Message, e.ErrorDescription, e.Msg, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Code is an error code that PostgREST sends as a string and GoTrue
// sometimes sends as a number.
type Code string

// UnmarshalJSON accepts a string or a number.
func (c *Code) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}

func parseAPIError(body []byte) (APIError, bool) {
	var e APIError
	if len(body) == 0 || json.Unmarshal(body, &e) != nil {
		return APIError{}, false
	}
	return e, e.Code != "" || e.Text() != ""
}

// =============================================================================
// Internal Methods
// =============================================================================

func (c *Client) authHeaders() http.Header {
	token := c.token
	if token == "" {
		token = c.apiKey
	}
	h := http.Header{}
	h.Set("apikey", c.apiKey)
	h.Set("Authorization", "Bearer "+token)
	return h
}

func (c *Client) do(ctx context.Context, req httputil.Request) (*Response, error) {
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, c.refine(resp, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: resp.Body, Headers: resp.Header}, nil
}

// refine narrows a classified failure using the PostgREST error code.
func (c *Client) refine(resp *httputil.Response, err error) error {
	if resp == nil {
		return err
	}
	apiErr, ok := parseAPIError(resp.Body)
	if !ok {
		return err
	}

	c.log.Named("postgrest").WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"code":   apiErr.Code,
	}).Debug(apiErr.Text())

	switch apiErr.Code {
	case codeNoRows:
		return svcerrors.NotFound("", "")
	case codeUniqueViolation:
		return svcerrors.Validation("", "Record already exists.").WithDetails("constraint", apiErr.Details)
	case codeRaisedException:
		return svcerrors.Validation("", apiErr.Text())
	}
	if se := svcerrors.GetServiceError(err); se != nil && apiErr.Text() != "" {
		se.WithDetails("upstream_message", apiErr.Text())
	}
	return err
}
