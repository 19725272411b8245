// Package payments creates Stripe Checkout sessions for plan subscriptions
// and one-off payments, and keeps subscription records in step with Stripe.
package payments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/memelearn/service_layer/internal/config"
	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/httputil"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/storage"
)

// Provider labels Stripe in errors and metrics.
const Provider = "Stripe"

// Mode is the Checkout mode.
type Mode string

const (
	ModeSubscription Mode = "subscription"
	ModePayment      Mode = "payment"
)

// CheckoutRequest describes the session to create. Amount is in major units
// and only used in payment mode.
type CheckoutRequest struct {
	Mode          Mode              `json:"mode"`
	PlanID        string            `json:"plan_id,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency,omitempty"`
	Description   string            `json:"description,omitempty"`
	CustomerID    string            `json:"customer_id,omitempty"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	// Origin is the web client base URL used for redirects.
	Origin string `json:"-"`
	UserID string `json:"-"`
}

// CheckoutSession is the created session; the client redirects to URL.
type CheckoutSession struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Mode   Mode   `json:"mode"`
	PlanID string `json:"plan_id,omitempty"`
}

// Config configures the client.
type Config struct {
	SecretKey     string
	BaseURL       string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Plans         []config.Plan
	DefaultOrigin string
	// Subscriptions, when set, receives a pending record per subscription checkout.
	Subscriptions storage.SubscriptionStore
	Logger        *logging.Logger
}

// Client talks to the Stripe API.
type Client struct {
	http          *httputil.Client
	plans         []config.Plan
	origin        string
	subscriptions storage.SubscriptionStore
	log           *logging.Logger
	configured    bool
}

// New creates a client. Without a secret key Plans still works and checkout
// calls fail with a validation error.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("payments")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.stripe.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := httputil.DefaultCircuitBreakerConfig()
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			Provider:   Provider,
			BaseURL:    base,
			Timeout:    timeout,
			HTTPClient: cfg.HTTPClient,
			Headers: map[string]string{
				"Authorization":  "Bearer " + cfg.SecretKey,
				"Stripe-Version": "2024-06-20",
			},
			Retry:          httputil.DefaultRetryConfig(),
			CircuitBreaker: &breaker,
		}),
		plans:         append([]config.Plan(nil), cfg.Plans...),
		origin:        strings.TrimSuffix(cfg.DefaultOrigin, "/"),
		subscriptions: cfg.Subscriptions,
		log:           log,
		configured:    cfg.SecretKey != "",
	}
}

// Plans returns the pricing plans.
func (c *Client) Plans() []config.Plan {
	return append([]config.Plan(nil), c.plans...)
}

// Plan looks a plan up by id.
func (c *Client) Plan(id string) (config.Plan, bool) {
	for _, p := range c.plans {
		if p.ID == id {
			return p, true
		}
	}
	return config.Plan{}, false
}

// CreateCheckoutSession creates a hosted Checkout session and returns its
// redirect URL. Subscription checkouts are recorded as pending for the user.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if !c.configured {
		return CheckoutSession{}, svcerrors.Validation("payments", "Payments are not configured.")
	}
	form, err := c.form(req)
	if err != nil {
		return CheckoutSession{}, err
	}

	resp, err := c.http.Do(ctx, httputil.Request{
		Method:      http.MethodPost,
		Path:        "/v1/checkout/sessions",
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Header:      http.Header{"Idempotency-Key": []string{uuid.NewString()}},
		ExpectJSON:  true,
	})
	if err != nil {
		return CheckoutSession{}, refine(resp, err)
	}

	body := gjson.ParseBytes(resp.Body)
	sess := CheckoutSession{
		ID:     body.Get("id").String(),
		URL:    body.Get("url").String(),
		Mode:   req.Mode,
		PlanID: req.PlanID,
	}
	if sess.ID == "" || sess.URL == "" {
		return CheckoutSession{}, svcerrors.Malformed(Provider, "url", "checkout session has no id or url")
	}

	if req.Mode == ModeSubscription && c.subscriptions != nil && req.UserID != "" {
		_, err := c.subscriptions.CreateSubscription(ctx, user.Subscription{
			UserID:    req.UserID,
			PlanID:    req.PlanID,
			Status:    user.SubscriptionPending,
			SessionID: sess.ID,
		})
		if err != nil {
			c.log.WithContext(ctx).WithError(err).WithField("session_id", sess.ID).
				Error("failed to record pending subscription")
		}
	}
	return sess, nil
}

// ConfirmCheckout reconciles the caller's subscription with its Checkout
// session after the success redirect. A completed, paid session activates the
// subscription and an expired one cancels it; anything else leaves it pending.
func (c *Client) ConfirmCheckout(ctx context.Context, userID, sessionID string) (user.Subscription, error) {
	if !c.configured || c.subscriptions == nil {
		return user.Subscription{}, svcerrors.Validation("payments", "Payments are not configured.")
	}
	if sessionID == "" {
		return user.Subscription{}, svcerrors.Validation("session_id", "A checkout session id is required.")
	}
	sub, err := c.subscriptions.SubscriptionBySession(ctx, sessionID)
	if err != nil {
		return user.Subscription{}, err
	}
	if sub.UserID != userID {
		return user.Subscription{}, svcerrors.NotFound("subscription", sessionID)
	}
	if sub.Status != user.SubscriptionPending {
		return sub, nil
	}

	session, err := c.checkoutSession(ctx, sessionID)
	if err != nil {
		return user.Subscription{}, err
	}
	if ref := session.Get("client_reference_id").String(); ref != "" && ref != userID {
		return user.Subscription{}, svcerrors.NotFound("subscription", sessionID)
	}

	next := sub.Status
	switch session.Get("status").String() {
	case "complete":
		switch session.Get("payment_status").String() {
		case "paid", "no_payment_required":
			next = user.SubscriptionActive
		}
	case "expired":
		next = user.SubscriptionCancelled
	}
	if next == sub.Status {
		return sub, nil
	}

	updated, err := c.subscriptions.UpdateSubscriptionStatus(ctx, sub.ID, next)
	if err != nil {
		return user.Subscription{}, err
	}
	c.log.WithContext(ctx).WithField("session_id", sessionID).WithField("status", next).Info("subscription reconciled")
	return updated, nil
}

// CancelSubscription cancels the caller's active subscription at Stripe and
// marks it cancelled.
func (c *Client) CancelSubscription(ctx context.Context, userID string) (user.Subscription, error) {
	if !c.configured || c.subscriptions == nil {
		return user.Subscription{}, svcerrors.Validation("payments", "Payments are not configured.")
	}
	sub, err := c.subscriptions.ActiveSubscription(ctx, userID)
	if err != nil {
		return user.Subscription{}, err
	}

	if sub.SessionID != "" {
		session, err := c.checkoutSession(ctx, sub.SessionID)
		if err != nil {
			return user.Subscription{}, err
		}
		if stripeID := session.Get("subscription").String(); stripeID != "" {
			resp, err := c.http.Do(ctx, httputil.Request{
				Method:     http.MethodDelete,
				Path:       "/v1/subscriptions/" + url.PathEscape(stripeID),
				ExpectJSON: true,
			})
			if err != nil && !svcerrors.HasCode(err, svcerrors.CodeNotFound) {
				return user.Subscription{}, refine(resp, err)
			}
		}
	}
	return c.subscriptions.UpdateSubscriptionStatus(ctx, sub.ID, user.SubscriptionCancelled)
}

func (c *Client) checkoutSession(ctx context.Context, id string) (gjson.Result, error) {
	resp, err := c.http.Do(ctx, httputil.Request{
		Method:     http.MethodGet,
		Path:       "/v1/checkout/sessions/" + url.PathEscape(id),
		ExpectJSON: true,
	})
	if err != nil {
		return gjson.Result{}, refine(resp, err)
	}
	return gjson.ParseBytes(resp.Body), nil
}

func (c *Client) form(req CheckoutRequest) (url.Values, error) {
	origin := strings.TrimSuffix(req.Origin, "/")
	if origin == "" {
		origin = c.origin
	}
	if origin == "" {
		return nil, svcerrors.Validation("origin", "A return URL is required.")
	}

	form := url.Values{}
	form.Set("mode", string(req.Mode))
	if req.UserID != "" {
		form.Set("client_reference_id", req.UserID)
		form.Set("metadata[user_id]", req.UserID)
	}
	if req.CustomerID != "" {
		form.Set("customer", req.CustomerID)
	} else if req.CustomerEmail != "" {
		form.Set("customer_email", req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	switch req.Mode {
	case ModeSubscription:
		plan, ok := c.Plan(req.PlanID)
		if !ok {
			return nil, svcerrors.NotFound("plan", req.PlanID)
		}
		if plan.Price <= 0 {
			return nil, svcerrors.Validation("plan_id", fmt.Sprintf("The %s plan is free.", plan.Name))
		}
		if plan.PriceID == "" {
			return nil, svcerrors.Validation("plan_id", fmt.Sprintf("The %s plan is not available for checkout.", plan.Name))
		}
		form.Set("line_items[0][price]", plan.PriceID)
		form.Set("line_items[0][quantity]", "1")
		form.Set("metadata[plan_id]", plan.ID)
		form.Set("success_url", origin+"/subscription/success?session_id={CHECKOUT_SESSION_ID}")
		form.Set("cancel_url", origin+"/subscription/cancelled")

	case ModePayment:
		if !req.Amount.IsPositive() {
			return nil, svcerrors.Validation("amount", "Amount must be greater than zero.")
		}
		currency := strings.ToLower(req.Currency)
		if currency == "" {
			currency = "usd"
		}
		description := req.Description
		if description == "" {
			description = "MemeLearn payment"
		}
		cents := req.Amount.Shift(2).Round(0).IntPart()
		form.Set("line_items[0][price_data][currency]", currency)
		form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(cents, 10))
		form.Set("line_items[0][price_data][product_data][name]", description)
		form.Set("line_items[0][quantity]", "1")
		form.Set("success_url", origin+"/payment/success?session_id={CHECKOUT_SESSION_ID}")
		form.Set("cancel_url", origin+"/payment/cancelled")

	default:
		return nil, svcerrors.Validation("mode", "Mode must be subscription or payment.")
	}
	return form, nil
}

// refine surfaces Stripe's own message for rejected requests.
func refine(resp *httputil.Response, err error) error {
	if resp == nil || len(resp.Body) == 0 {
		return err
	}
	msg := gjson.GetBytes(resp.Body, "error.message").String()
	if msg == "" {
		return err
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusPaymentRequired {
		return svcerrors.Validation("checkout", msg).WithDetails("type", gjson.GetBytes(resp.Body, "error.type").String())
	}
	if se := svcerrors.GetServiceError(err); se != nil {
		se.WithDetails("upstream_message", msg)
	}
	return err
}
