package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelearn/service_layer/internal/auth"
	"github.com/memelearn/service_layer/internal/cache"
	"github.com/memelearn/service_layer/internal/config"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/llm"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/middleware"
	"github.com/memelearn/service_layer/internal/orchestrator"
	"github.com/memelearn/service_layer/internal/payments"
	"github.com/memelearn/service_layer/internal/storage"
	"github.com/memelearn/service_layer/internal/storage/memory"
)

const (
	aliceToken = "token-alice"
	adminKey   = "let-me-in"
)

type stubSessions struct{}

func (stubSessions) Authenticate(_ context.Context, token string) (auth.Identity, error) {
	if token == aliceToken {
		return auth.Identity{UserID: "alice", Email: "alice@example.com"}, nil
	}
	return auth.Identity{}, svcerrors.InvalidToken(nil)
}

func (stubSessions) SignIn(_ context.Context, email, _ string) (auth.Session, error) {
	return auth.Session{AccessToken: aliceToken, User: auth.Identity{UserID: "alice", Email: email}}, nil
}

func (stubSessions) SignUp(_ context.Context, email, password string, attrs user.Attrs) (auth.Session, user.Profile, error) {
	if err := user.ValidateCredentials(email, password); err != nil {
		return auth.Session{}, user.Profile{}, err
	}
	return auth.Session{}, user.Profile{ID: "bob", Email: email, Name: attrs.Name}, nil
}

func (stubSessions) SignOut(context.Context, string) error { return nil }

func (stubSessions) Refresh(context.Context, string) (auth.Session, error) {
	return auth.Session{}, svcerrors.InvalidToken(nil)
}

type stubMarket struct {
	cleared bool
}

func (m *stubMarket) FetchQuotes(_ context.Context, ids []string) (marketdata.Result[[]marketdata.CoinQuote], error) {
	all := map[string]marketdata.CoinQuote{
		"pepe":     {ID: "pepe", Symbol: "PEPE", Name: "Pepe", Price: decimal.RequireFromString("0.02")},
		"dogecoin": {ID: "dogecoin", Symbol: "DOGE", Name: "Dogecoin", Price: decimal.RequireFromString("0.08")},
		"bonk":     {ID: "bonk", Symbol: "BONK", Name: "Bonk", Price: decimal.RequireFromString("0.00002")},
	}
	out := []marketdata.CoinQuote{}
	for _, id := range ids {
		if q, ok := all[id]; ok {
			out = append(out, q)
		}
	}
	return marketdata.Result[[]marketdata.CoinQuote]{Value: out, Origin: marketdata.OriginUpstream}, nil
}

func (m *stubMarket) FetchCoinDetail(_ context.Context, id string) (marketdata.Result[marketdata.CoinDetail], error) {
	return marketdata.Result[marketdata.CoinDetail]{}, svcerrors.NotFound("coin", id)
}

func (m *stubMarket) FetchTrending(context.Context) (marketdata.Result[[]marketdata.TrendingCoin], error) {
	return marketdata.Result[[]marketdata.TrendingCoin]{Value: []marketdata.TrendingCoin{}, Origin: marketdata.OriginStale}, nil
}

func (m *stubMarket) FetchGlobalStats(context.Context) (marketdata.Result[marketdata.GlobalStats], error) {
	return marketdata.Result[marketdata.GlobalStats]{Origin: marketdata.OriginCache}, nil
}

func (m *stubMarket) Search(_ context.Context, q string) (marketdata.Result[[]marketdata.SearchResult], error) {
	if q == "" {
		return marketdata.Result[[]marketdata.SearchResult]{}, svcerrors.Validation("query", "Search query is required.")
	}
	return marketdata.Result[[]marketdata.SearchResult]{Value: []marketdata.SearchResult{}}, nil
}

func (m *stubMarket) CacheStats(context.Context) cache.Stats {
	return cache.Stats{Size: 1, Keys: []string{"coins-dogecoin,pepe"}}
}

func (m *stubMarket) ClearCache(context.Context) { m.cleared = true }

type stubAssistant struct {
	analysed string
}

func (a *stubAssistant) MarketAnalysis(_ context.Context, q marketdata.CoinQuote, timeframe string) (llm.Analysis, error) {
	a.analysed = q.ID
	return llm.Analysis{CoinID: q.ID, CoinName: q.Name, Timeframe: timeframe, Analysis: "volatile"}, nil
}

func (a *stubAssistant) TradingStrategy(context.Context, llm.StrategyRequest) (llm.Strategy, error) {
	return llm.Strategy{}, nil
}

func (a *stubAssistant) GenerateQuiz(context.Context, string, string, int) (llm.Quiz, error) {
	return llm.Quiz{}, nil
}

func (a *stubAssistant) Models(context.Context) []llm.Model { return []llm.Model{} }

func (a *stubAssistant) ClearCache(context.Context) {}

// stubCheckout settles subscriptions in subs as if every session were paid.
type stubCheckout struct {
	last payments.CheckoutRequest
	subs *memory.Store
}

func (c *stubCheckout) ConfirmCheckout(ctx context.Context, userID, sessionID string) (user.Subscription, error) {
	sub, err := c.subs.SubscriptionBySession(ctx, sessionID)
	if err != nil {
		return user.Subscription{}, err
	}
	if sub.UserID != userID {
		return user.Subscription{}, svcerrors.NotFound("subscription", sessionID)
	}
	return c.subs.UpdateSubscriptionStatus(ctx, sub.ID, user.SubscriptionActive)
}

func (c *stubCheckout) CancelSubscription(ctx context.Context, userID string) (user.Subscription, error) {
	sub, err := c.subs.ActiveSubscription(ctx, userID)
	if err != nil {
		return user.Subscription{}, err
	}
	return c.subs.UpdateSubscriptionStatus(ctx, sub.ID, user.SubscriptionCancelled)
}

func (c *stubCheckout) Plans() []config.Plan { return config.DefaultCatalog().Plans }

func (c *stubCheckout) CreateCheckoutSession(_ context.Context, req payments.CheckoutRequest) (payments.CheckoutSession, error) {
	c.last = req
	return payments.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/c/cs_test", Mode: req.Mode, PlanID: req.PlanID}, nil
}

type harness struct {
	handler  http.Handler
	store    *memory.Store
	market   *stubMarket
	assist   *stubAssistant
	checkout *stubCheckout
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	market := &stubMarket{}
	log := logging.NewDiscard("test")

	pool, err := orchestrator.NewPool(orchestrator.Config{
		Market:  market,
		Trades:  store,
		Polls:   store,
		Content: store,
		CoinIDs: []string{"dogecoin", "pepe"},
		Logger:  log,
	}, 10)
	require.NoError(t, err)

	h := &harness{store: store, market: market, assist: &stubAssistant{}, checkout: &stubCheckout{subs: store}}
	h.handler = New(Deps{
		Workspaces:    pool,
		Sessions:      stubSessions{},
		Market:        market,
		Assistant:     h.assist,
		Checkout:      h.checkout,
		Profiles:      store,
		Content:       store,
		Subscriptions: store,
		Snapshots:     store,
		API:           config.APIConfig{AdminKey: adminKey},
		Origins:       []string{"http://localhost:3000"},
		Logger:        log,
	}).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memelearn", body["service"])
	assert.NotEmpty(t, rec.Header().Get(middleware.TraceHeader))
}

func TestCoins_LoadsOnFirstRead(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/coins", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CategoryResponse[[]marketdata.CoinQuote]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, orchestrator.Success, resp.State.Status)
}

func TestMarketReads(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/market/trending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["degraded"])

	rec = h.do(t, http.MethodGet, "/api/coins/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/search", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrades_RequireSignIn(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"coin": "pepe", "symbol": "PEPE", "trade_type": "buy", "amount": "100", "price": "0.02"}

	rec := h.do(t, http.MethodPost, "/api/trades", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/trades", "not-a-token", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/trades", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["data"])
}

func TestTrades_RecordAndValuePortfolio(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/trades", aliceToken, map[string]any{
		"coin": "pepe", "symbol": "PEPE", "trade_type": "buy", "amount": "100", "price": "0.02",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decodeBody(t, rec)["trade"].(map[string]any)
	assert.Equal(t, "alice", saved["user_id"])
	assert.Equal(t, "2", saved["total"])

	rec = h.do(t, http.MethodGet, "/api/trades", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["data"], 1)

	rec = h.do(t, http.MethodGet, "/api/portfolio", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	portfolio := decodeBody(t, rec)["data"].(map[string]any)
	assert.Len(t, portfolio["positions"], 1)
}

func TestPolls_CreateAndVote(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/polls", aliceToken, map[string]any{
		"question": "Which meme coin will perform best next month?",
		"options":  []string{"DOGE", "PEPE", "SHIB"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created poll.Poll
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = h.do(t, http.MethodPost, "/api/polls/"+created.ID+"/vote", aliceToken, map[string]string{"option": "PEPE"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var voted poll.Poll
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &voted))
	assert.Equal(t, 1, voted.Votes["PEPE"])
	assert.Equal(t, 1, voted.TotalVotes)

	rec = h.do(t, http.MethodPost, "/api/polls/"+created.ID+"/vote", aliceToken, map[string]string{"option": "DOGE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/polls", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["data"], 1)
}

func TestSignUpValidation(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "bob@example", "password": "longenough"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "bob@example.com", "password": "longenough"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["confirm_email"])

	rec = h.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "a@b.co", "password": "x", "extra": "y"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestProfile_ReadAndUpdate(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.CreateProfile(context.Background(), user.Profile{ID: "alice", Name: "Alice", Email: "alice@example.com", RiskTolerance: user.RiskMedium})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/profile", aliceToken, map[string]string{"risk_tolerance": "reckless"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/profile", aliceToken, map[string]any{"risk_tolerance": "high", "investment_goals": []string{"learn"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/profile", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "high", body["risk_tolerance"])
	assert.Equal(t, "Alice", body["name"])
	assert.Equal(t, []any{"learn"}, body["investment_goals"])
}

func TestAnalysis_QuotesFromGatewayWhenNotTracked(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/analysis/bonk", "", map[string]string{"timeframe": "7d"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "bonk", h.assist.analysed)
	assert.Equal(t, "7d", decodeBody(t, rec)["timeframe"])

	rec = h.do(t, http.MethodPost, "/api/analysis/unknown-coin", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckout_CarriesCaller(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewBufferString(`{"mode":"subscription","plan_id":"pro"}`))
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", h.checkout.last.UserID)
	assert.Equal(t, "alice@example.com", h.checkout.last.CustomerEmail)
	assert.Equal(t, "http://localhost:3000", h.checkout.last.Origin)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscription_ConfirmThenCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.CreateSubscription(ctx, user.Subscription{UserID: "alice", PlanID: "premium", Status: user.SubscriptionPending, SessionID: "cs_test"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/subscription", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "pending is not active")

	rec = h.do(t, http.MethodPost, "/api/subscription/confirm", aliceToken, map[string]string{"session_id": "cs_test"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, user.SubscriptionActive, decodeBody(t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/api/subscription", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "premium", decodeBody(t, rec)["plan_id"])

	rec = h.do(t, http.MethodDelete, "/api/subscription", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, user.SubscriptionCancelled, decodeBody(t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/api/subscription", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/subscription/confirm", "", map[string]string{"session_id": "cs_test"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMarketCache_ListsPersistedQuotes(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	require.NoError(t, h.store.UpsertMarketSnapshots(context.Background(), []storage.MarketSnapshot{
		{CoinID: "dogecoin", Symbol: "DOGE", Name: "Dogecoin", Price: decimal.RequireFromString("0.08"), LastUpdated: now},
		{CoinID: "pepe", Symbol: "PEPE", Name: "Pepe", Price: decimal.RequireFromString("0.00001"), LastUpdated: now.Add(-time.Minute)},
	}))

	rec := h.do(t, http.MethodGet, "/api/market/cache", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []storage.MarketSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "dogecoin", all[0].CoinID, "newest first")

	rec = h.do(t, http.MethodGet, "/api/market/cache?ids=PEPE,%20", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered []storage.MarketSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "pepe", filtered[0].CoinID)
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/refresh", "", map[string]string{"category": "weather"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/refresh", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "alice", snap.UserID)
	for _, cat := range orchestrator.Categories {
		assert.Equal(t, orchestrator.Success, snap.Status[cat].Status, cat)
	}
}

func TestCache_AdminOnly(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/cache", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/cache", nil)
	req.Header.Set(middleware.AdminKeyHeader, adminKey)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	market := decodeBody(t, rec)["market"].(map[string]any)
	assert.Equal(t, float64(1), market["size"])

	req = httptest.NewRequest(http.MethodDelete, "/api/cache", nil)
	req.Header.Set(middleware.AdminKeyHeader, adminKey)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, h.market.cleared)
}
