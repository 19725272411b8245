// Package httpapi exposes the workspaces, market data and collaborators over
// a JSON HTTP API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/memelearn/service_layer/internal/auth"
	"github.com/memelearn/service_layer/internal/cache"
	"github.com/memelearn/service_layer/internal/config"
	"github.com/memelearn/service_layer/internal/domain/user"
	"github.com/memelearn/service_layer/internal/llm"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/metrics"
	"github.com/memelearn/service_layer/internal/middleware"
	"github.com/memelearn/service_layer/internal/orchestrator"
	"github.com/memelearn/service_layer/internal/payments"
	"github.com/memelearn/service_layer/internal/storage"
)

// Sessions signs users in and out. *auth.Manager satisfies it.
type Sessions interface {
	middleware.Authenticator
	SignIn(ctx context.Context, email, password string) (auth.Session, error)
	SignUp(ctx context.Context, email, password string, attrs user.Attrs) (auth.Session, user.Profile, error)
	SignOut(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (auth.Session, error)
}

// Market is the market data gateway plus its cache controls.
type Market interface {
	orchestrator.Market
	CacheStats(ctx context.Context) cache.Stats
	ClearCache(ctx context.Context)
}

// Assistant produces analysis, strategies and quizzes. *llm.Client satisfies it.
type Assistant interface {
	MarketAnalysis(ctx context.Context, q marketdata.CoinQuote, timeframe string) (llm.Analysis, error)
	TradingStrategy(ctx context.Context, req llm.StrategyRequest) (llm.Strategy, error)
	GenerateQuiz(ctx context.Context, topic, difficulty string, count int) (llm.Quiz, error)
	Models(ctx context.Context) []llm.Model
	ClearCache(ctx context.Context)
}

// Checkout starts Stripe checkouts. *payments.Client satisfies it.
type Checkout interface {
	Plans() []config.Plan
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutRequest) (payments.CheckoutSession, error)
	ConfirmCheckout(ctx context.Context, userID, sessionID string) (user.Subscription, error)
	CancelSubscription(ctx context.Context, userID string) (user.Subscription, error)
}

var (
	_ Sessions  = (*auth.Manager)(nil)
	_ Market    = (*marketdata.Gateway)(nil)
	_ Assistant = (*llm.Client)(nil)
	_ Checkout  = (*payments.Client)(nil)
)

// Deps are the collaborators behind the API.
type Deps struct {
	Workspaces    *orchestrator.Pool
	Sessions      Sessions
	Market        Market
	Assistant     Assistant
	Checkout      Checkout
	Profiles      storage.ProfileStore
	Content       storage.ContentStore
	Subscriptions storage.SubscriptionStore
	// Snapshots serves the persisted last-known quotes.
	Snapshots storage.MarketStore
	API           config.APIConfig
	Origins       []string
	Service       string
	Version       string
	Logger        *logging.Logger
}

// Server routes API requests.
type Server struct {
	deps    Deps
	log     *logging.Logger
	authn   *middleware.AuthMiddleware
	started time.Time
}

// New creates the server.
func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	if deps.Service == "" {
		deps.Service = "memelearn"
	}
	return &Server{
		deps:    deps,
		log:     log,
		authn:   middleware.NewAuthMiddleware(deps.Sessions, log, nil),
		started: time.Now(),
	}
}

// Handler returns the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	if s.deps.API.RequestsPerSecond > 0 {
		h = middleware.NewRateLimiter(s.deps.API.RequestsPerSecond, s.deps.API.Burst, s.log).Handler(h)
	}
	h = middleware.NewCORSMiddleware(s.deps.Origins).Handler(h)
	return middleware.NewTracingMiddleware(s.log).Handler(h)
}

// Router registers every route.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.InstrumentHandler)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authn.Optional)
	signedIn := func(h http.HandlerFunc) http.Handler { return middleware.RequireUserID(h) }
	admin := middleware.NewAdminAuth(s.deps.API.AdminKey, s.log).Handler

	api.HandleFunc("/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	api.HandleFunc("/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefreshSession).Methods(http.MethodPost)
	api.Handle("/auth/signout", signedIn(s.handleSignOut)).Methods(http.MethodPost)

	api.Handle("/profile", signedIn(s.handleProfile)).Methods(http.MethodGet)
	api.Handle("/profile", signedIn(s.handleUpdateProfile)).Methods(http.MethodPatch)

	api.HandleFunc("/coins", s.handleCoins).Methods(http.MethodGet)
	api.HandleFunc("/coins/{id}", s.handleCoinDetail).Methods(http.MethodGet)
	api.HandleFunc("/market/trending", s.handleTrending).Methods(http.MethodGet)
	api.HandleFunc("/market/global", s.handleGlobalStats).Methods(http.MethodGet)
	api.HandleFunc("/market/cache", s.handleMarketCache).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)

	api.HandleFunc("/polls", s.handlePolls).Methods(http.MethodGet)
	api.Handle("/polls", signedIn(s.handleCreatePoll)).Methods(http.MethodPost)
	api.Handle("/polls/{id}/vote", signedIn(s.handleVote)).Methods(http.MethodPost)

	api.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	api.Handle("/trades", signedIn(s.handleRecordTrade)).Methods(http.MethodPost)
	api.HandleFunc("/portfolio", s.handlePortfolio).Methods(http.MethodGet)

	api.HandleFunc("/content", s.handleContent).Methods(http.MethodGet)
	api.HandleFunc("/content/generate", s.handleGenerateContent).Methods(http.MethodPost)
	api.HandleFunc("/content/{id}/view", s.handleViewContent).Methods(http.MethodPost)

	api.HandleFunc("/analysis/{id}", s.handleAnalysis).Methods(http.MethodPost)
	api.HandleFunc("/strategy", s.handleStrategy).Methods(http.MethodPost)
	api.HandleFunc("/quiz", s.handleQuiz).Methods(http.MethodPost)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)

	api.HandleFunc("/plans", s.handlePlans).Methods(http.MethodGet)
	api.Handle("/checkout", signedIn(s.handleCheckout)).Methods(http.MethodPost)
	api.Handle("/subscription", signedIn(s.handleSubscription)).Methods(http.MethodGet)
	api.Handle("/subscription", signedIn(s.handleCancelSubscription)).Methods(http.MethodDelete)
	api.Handle("/subscription/confirm", signedIn(s.handleConfirmCheckout)).Methods(http.MethodPost)

	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	api.Handle("/cache", admin(http.HandlerFunc(s.handleCacheStats))).Methods(http.MethodGet)
	api.Handle("/cache", admin(http.HandlerFunc(s.handleClearCache))).Methods(http.MethodDelete)

	return router
}

// workspace returns the caller's workspace; anonymous callers share one.
func (s *Server) workspace(r *http.Request) *orchestrator.Orchestrator {
	return s.deps.Workspaces.Get(middleware.GetUserID(r.Context()))
}
