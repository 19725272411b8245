package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/memelearn/service_layer/internal/auth"
	"github.com/memelearn/service_layer/internal/cache"
	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/trade"
	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/httputil"
	"github.com/memelearn/service_layer/internal/llm"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/middleware"
	"github.com/memelearn/service_layer/internal/orchestrator"
	"github.com/memelearn/service_layer/internal/payments"
	"github.com/memelearn/service_layer/internal/storage"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	Version    string `json:"version,omitempty"`
	Uptime     string `json:"uptime"`
	Workspaces int    `json:"workspaces"`
	Timestamp  string `json:"timestamp"`
}

// CategoryResponse carries one category's data with its loading state.
type CategoryResponse[T any] struct {
	Data  T                          `json:"data"`
	State orchestrator.CategoryState `json:"state"`
}

// MarketResponse carries a market read with where it came from.
type MarketResponse[T any] struct {
	Data     T                 `json:"data"`
	Origin   marketdata.Origin `json:"origin"`
	StoredAt time.Time         `json:"stored_at,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
}

func marketResponse[T any](res marketdata.Result[T]) MarketResponse[T] {
	return MarketResponse[T]{Data: res.Value, Origin: res.Origin, StoredAt: res.StoredAt, Degraded: res.Degraded()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Service:    s.deps.Service,
		Version:    s.deps.Version,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Workspaces: s.deps.Workspaces.Len(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// ---- auth ----

type signUpRequest struct {
	Email           string   `json:"email"`
	Password        string   `json:"password"`
	Name            string   `json:"name"`
	RiskTolerance   string   `json:"risk_tolerance"`
	InvestmentGoals []string `json:"investment_goals"`
}

type signUpResponse struct {
	Session auth.Session `json:"session"`
	Profile user.Profile `json:"profile"`
	// ConfirmEmail is set when the account exists but has no session yet.
	ConfirmEmail bool `json:"confirm_email,omitempty"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	sess, profile, err := s.deps.Sessions.SignUp(r.Context(), req.Email, req.Password, user.Attrs{
		Name:            req.Name,
		RiskTolerance:   req.RiskTolerance,
		InvestmentGoals: req.InvestmentGoals,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, signUpResponse{Session: sess, Profile: profile, ConfirmEmail: !sess.Active()})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	sess, err := s.deps.Sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	sess, err := s.deps.Sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.SignOut(r.Context(), storage.AccessToken(r.Context())); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- market ----

// ensure loads a category on first use or when ?refresh=true is given.
func (s *Server) ensure(w http.ResponseWriter, r *http.Request, ws *orchestrator.Orchestrator, cat orchestrator.Category) bool {
	force, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if !force && !ws.NeedsRefresh(cat) {
		return true
	}
	loaded := !ws.Status(cat).UpdatedAt.IsZero()
	if err := ws.Refresh(r.Context(), cat); err != nil {
		// An expired category that held data still serves it with the
		// failure in its status.
		if force || !loaded {
			httputil.WriteError(w, err)
			return false
		}
	}
	return true
}

func (s *Server) handleCoins(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(r)
	if !s.ensure(w, r, ws, orchestrator.Coins) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CategoryResponse[[]marketdata.CoinQuote]{Data: ws.Coins(), State: ws.Status(orchestrator.Coins)})
}

func (s *Server) handleCoinDetail(w http.ResponseWriter, r *http.Request) {
	res, err := s.workspace(r).CoinDetail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, marketResponse(res))
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	res, err := s.workspace(r).Trending(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, marketResponse(res))
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	res, err := s.workspace(r).GlobalStats(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, marketResponse(res))
}

// handleMarketCache lists the last persisted quote per coin, optionally
// filtered by ?ids=a,b.
func (s *Server) handleMarketCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		httputil.WriteJSON(w, http.StatusOK, []storage.MarketSnapshot{})
		return
	}
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			ids = append(ids, id)
		}
	}
	snaps, err := s.deps.Snapshots.ListMarketSnapshots(r.Context(), ids)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	res, err := s.workspace(r).Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, marketResponse(res))
}

// ---- polls ----

type pollsResponse struct {
	Data  []poll.Poll                `json:"data"`
	Votes map[string]string          `json:"votes,omitempty"`
	State orchestrator.CategoryState `json:"state"`
}

func (s *Server) handlePolls(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(r)
	if !s.ensure(w, r, ws, orchestrator.Polls) {
		return
	}
	snap := ws.Snapshot()
	httputil.WriteJSON(w, http.StatusOK, pollsResponse{Data: snap.Polls, Votes: snap.Votes, State: snap.Status[orchestrator.Polls]})
}

type createPollRequest struct {
	Question string    `json:"question"`
	Options  []string  `json:"options"`
	EndDate  time.Time `json:"end_date"`
}

func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	var req createPollRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := s.workspace(r).CreatePoll(r.Context(), poll.Poll{Question: req.Question, Options: req.Options, EndDate: req.EndDate})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.deps.Workspaces.ApplyPoll(p)
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Option string `json:"option"`
	}
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := s.workspace(r).CastVote(r.Context(), mux.Vars(r)["id"], req.Option)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

// ---- trades ----

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(r)
	if !s.ensure(w, r, ws, orchestrator.Trades) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CategoryResponse[[]trade.Trade]{Data: ws.Trades(), State: ws.Status(orchestrator.Trades)})
}

type tradeRequest struct {
	CoinID string          `json:"coin"`
	Symbol string          `json:"symbol"`
	Side   trade.Side      `json:"trade_type"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

type tradeResponse struct {
	Trade   trade.Trade   `json:"trade"`
	Holding trade.Holding `json:"holding"`
}

func (s *Server) handleRecordTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	t, h, err := s.workspace(r).RecordTrade(r.Context(), trade.Trade{
		CoinID: req.CoinID,
		Symbol: req.Symbol,
		Side:   req.Side,
		Amount: req.Amount,
		Price:  req.Price,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, tradeResponse{Trade: t, Holding: h})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(r)
	if !s.ensure(w, r, ws, orchestrator.Portfolio) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CategoryResponse[trade.Portfolio]{Data: ws.Portfolio(), State: ws.Status(orchestrator.Portfolio)})
}

// ---- content ----

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	if category != "" && s.deps.Content != nil {
		items, err := s.deps.Content.ListContent(r.Context(), category, storage.DefaultContentLimit)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, CategoryResponse[[]content.Content]{
			Data:  items,
			State: orchestrator.CategoryState{Status: orchestrator.Success, UpdatedAt: time.Now().UTC()},
		})
		return
	}

	ws := s.workspace(r)
	if !s.ensure(w, r, ws, orchestrator.Videos) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CategoryResponse[[]content.Content]{Data: ws.Videos(), State: ws.Status(orchestrator.Videos)})
}

func (s *Server) handleGenerateContent(w http.ResponseWriter, r *http.Request) {
	var req content.Request
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	c, err := s.workspace(r).GenerateContent(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) handleViewContent(w http.ResponseWriter, r *http.Request) {
	views, err := s.workspace(r).ViewContent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"view_count": views})
}

// ---- assistant ----

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Timeframe string `json:"timeframe"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	q, err := s.quote(r, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	a, err := s.deps.Assistant.MarketAnalysis(r.Context(), q, req.Timeframe)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

// quote finds id among the workspace's coins before asking the gateway.
func (s *Server) quote(r *http.Request, id string) (marketdata.CoinQuote, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, q := range s.workspace(r).Coins() {
		if q.ID == id {
			return q, nil
		}
	}
	res, err := s.deps.Market.FetchQuotes(r.Context(), []string{id})
	if err != nil {
		return marketdata.CoinQuote{}, err
	}
	for _, q := range res.Value {
		if q.ID == id {
			return q, nil
		}
	}
	return marketdata.CoinQuote{}, svcerrors.NotFound("coin", id)
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	var req llm.StrategyRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := s.deps.Assistant.TradingStrategy(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic      string `json:"topic"`
		Difficulty string `json:"difficulty"`
		Count      int    `json:"count"`
	}
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	quiz, err := s.deps.Assistant.GenerateQuiz(r.Context(), req.Topic, req.Difficulty, req.Count)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, quiz)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.deps.Assistant.Models(r.Context()))
}

// ---- payments ----

func (s *Server) handlePlans(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.deps.Checkout.Plans())
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req payments.CheckoutRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	req.UserID = middleware.GetUserID(r.Context())
	req.Origin = r.Header.Get("Origin")
	if id, ok := middleware.GetIdentity(r.Context()); ok && req.CustomerID == "" && req.CustomerEmail == "" {
		req.CustomerEmail = id.Email
	}
	sess, err := s.deps.Checkout.CreateCheckoutSession(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		httputil.NotFound(w, "No active subscription.")
		return
	}
	sub, err := s.deps.Subscriptions.ActiveSubscription(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

type confirmCheckoutRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	var req confirmCheckoutRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	sub, err := s.deps.Checkout.ConfirmCheckout(r.Context(), middleware.GetUserID(r.Context()), req.SessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Checkout.CancelSubscription(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

// ---- profile ----

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Profiles == nil {
		httputil.NotFound(w, "Profiles are not available.")
		return
	}
	p, err := s.deps.Profiles.GetProfile(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Profiles == nil {
		httputil.NotFound(w, "Profiles are not available.")
		return
	}
	var upd storage.ProfileUpdate
	if err := httputil.DecodeJSONBody(w, r, &upd); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if upd.RiskTolerance != nil {
		if err := (user.Attrs{RiskTolerance: *upd.RiskTolerance}).Validate(); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		httputil.WriteError(w, svcerrors.Validation("name", "Name cannot be empty."))
		return
	}
	p, err := s.deps.Profiles.UpdateProfile(r.Context(), middleware.GetUserID(r.Context()), upd)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

// ---- workspace ----

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.workspace(r).Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	ws := s.workspace(r)
	if req.Category == "" {
		// Per-category failures are reported in the snapshot's status map.
		if err := ws.RefreshAll(r.Context()); err != nil {
			s.log.WithContext(r.Context()).WithError(err).Debug("refresh completed with errors")
		}
		httputil.WriteJSON(w, http.StatusOK, ws.Snapshot())
		return
	}

	cat, err := orchestrator.ParseCategory(req.Category)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := ws.Refresh(r.Context(), cat); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.Snapshot())
}

// ---- cache ----

type cacheResponse struct {
	Market cache.Stats `json:"market"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, cacheResponse{Market: s.deps.Market.CacheStats(r.Context())})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.deps.Market.ClearCache(r.Context())
	if s.deps.Assistant != nil {
		s.deps.Assistant.ClearCache(r.Context())
	}
	s.log.LogSecurityEvent(r.Context(), "cache_cleared", map[string]interface{}{"path": r.URL.Path})
	w.WriteHeader(http.StatusNoContent)
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := httputil.DecodeJSONBody(w, r, dst); err != nil {
		httputil.WriteError(w, err)
		return false
	}
	return true
}
