// Package supabase implements storage.Store on a hosted Supabase project
// through PostgREST tables and stored procedures.
package supabase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/trade"
	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/storage"
	"github.com/memelearn/service_layer/supabase/client"
)

var _ storage.Store = (*Store)(nil)

// Table and procedure names.
const (
	tableUsers         = "users"
	tableTrades        = "trades"
	tableHoldings      = "portfolio_holdings"
	tablePolls         = "polls"
	tableResponses     = "poll_responses"
	tableContent       = "educational_content"
	tableMarket        = "market_data_cache"
	tableSubscriptions = "subscriptions"

	rpcUpsertHolding  = "upsert_portfolio_holding"
	rpcVote           = "vote_on_poll"
	rpcIncrementViews = "increment_content_views"
)

// Store talks to Supabase. Calls run as the user whose access token is on
// the context, falling back to the configured key.
type Store struct {
	client *client.Client
	log    *logging.Logger
	now    func() time.Time
}

// New creates a Store over c.
func New(c *client.Client, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewDiscard("storage")
	}
	return &Store{client: c, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (s *Store) Close() error { return nil }

func (s *Store) db(ctx context.Context) *client.Client {
	if token := storage.AccessToken(ctx); token != "" {
		return s.client.WithToken(token)
	}
	return s.client
}

// named fills in the resource on NotFound errors raised by PostgREST.
func named(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if svcerrors.HasCode(err, svcerrors.CodeNotFound) {
		return svcerrors.NotFound(resource, id)
	}
	return err
}

func decode[T any](resp *client.Response) (T, error) {
	var out T
	if err := resp.JSON(&out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func decodeList[T any](resp *client.Response) ([]T, error) {
	out := []T{}
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// --- ProfileStore ------------------------------------------------------------

func (s *Store) CreateProfile(ctx context.Context, p user.Profile) (user.Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.InvestmentGoals == nil {
		p.InvestmentGoals = []string{}
	}

	resp, err := s.db(ctx).From(tableUsers).Single().Insert(ctx, p)
	if err != nil {
		return user.Profile{}, err
	}
	return decode[user.Profile](resp)
}

func (s *Store) GetProfile(ctx context.Context, id string) (user.Profile, error) {
	resp, err := s.db(ctx).From(tableUsers).Select("*").Eq("id", id).Single().Get(ctx)
	if err != nil {
		return user.Profile{}, named(err, "profile", id)
	}
	return decode[user.Profile](resp)
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd storage.ProfileUpdate) (user.Profile, error) {
	patch := map[string]any{"updated_at": s.now()}
	if upd.Name != nil {
		patch["name"] = *upd.Name
	}
	if upd.RiskTolerance != nil {
		patch["risk_tolerance"] = *upd.RiskTolerance
	}
	if upd.InvestmentGoals != nil {
		patch["investment_goals"] = *upd.InvestmentGoals
	}

	resp, err := s.db(ctx).From(tableUsers).Eq("id", id).Single().Update(ctx, patch)
	if err != nil {
		return user.Profile{}, named(err, "profile", id)
	}
	return decode[user.Profile](resp)
}

// --- TradeStore --------------------------------------------------------------

// RecordTrade inserts the trade and then moves the holding through the
// upsert_portfolio_holding procedure under the trader's access token. When
// the holding update fails the trade is marked failed so the history never
// shows a completed trade that did not move the position.
func (s *Store) RecordTrade(ctx context.Context, t trade.Trade) (trade.Trade, trade.Holding, error) {
	if storage.AccessToken(ctx) == "" {
		return trade.Trade{}, trade.Holding{}, svcerrors.Unauthorized("Sign in to trade.")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}

	resp, err := s.db(ctx).From(tableTrades).Single().Insert(ctx, t)
	if err != nil {
		return trade.Trade{}, trade.Holding{}, err
	}
	var stored trade.Trade
	if err := resp.JSON(&stored); err != nil {
		return trade.Trade{}, trade.Holding{}, err
	}
	if stored.Status != trade.StatusCompleted {
		return stored, trade.Holding{}, nil
	}

	h, err := s.ApplyHoldingDelta(ctx, t.UserID, t.CoinID, t.Symbol, t.SignedAmount(), t.Price)
	if err != nil {
		if _, markErr := s.UpdateTradeStatus(ctx, stored.ID, trade.StatusFailed, ""); markErr != nil {
			s.log.Named("storage.supabase").WithError(markErr).WithField("trade_id", stored.ID).
				Warn("failed to mark trade as failed after holding update error")
		}
		return trade.Trade{}, trade.Holding{}, err
	}
	return stored, h, nil
}

func (s *Store) ListTrades(ctx context.Context, userID string, limit, offset int) ([]trade.Trade, error) {
	limit, offset = storage.ClampPage(limit, offset, storage.DefaultTradeLimit)

	resp, err := s.db(ctx).From(tableTrades).
		Select("*").
		Eq("user_id", userID).
		Order("timestamp", false).
		Range(offset, offset+limit-1).
		Get(ctx)
	if err != nil {
		return nil, err
	}
	return decodeList[trade.Trade](resp)
}

func (s *Store) UpdateTradeStatus(ctx context.Context, id string, status trade.Status, txHash string) (trade.Trade, error) {
	patch := map[string]any{"status": status}
	if txHash != "" {
		patch["transaction_hash"] = txHash
	}
	resp, err := s.db(ctx).From(tableTrades).Eq("id", id).Single().Update(ctx, patch)
	if err != nil {
		return trade.Trade{}, named(err, "trade", id)
	}
	return decode[trade.Trade](resp)
}

// ApplyHoldingDelta runs upsert_portfolio_holding, which moves the caller's
// own holding and returns the written row. The owner is taken from the access
// token on ctx; userID only has to agree with it.
func (s *Store) ApplyHoldingDelta(ctx context.Context, userID, coinID, symbol string, delta, price decimal.Decimal) (trade.Holding, error) {
	if storage.AccessToken(ctx) == "" {
		return trade.Holding{}, svcerrors.Unauthorized("Sign in to trade.")
	}
	resp, err := s.db(ctx).RPC(ctx, rpcUpsertHolding, map[string]any{
		"coin_id_param": coinID,
		"symbol_param":  symbol,
		"amount_param":  delta,
		"price_param":   price,
	})
	if err != nil {
		return trade.Holding{}, err
	}
	h, err := decode[trade.Holding](resp)
	if err != nil {
		return trade.Holding{}, err
	}
	if h.UserID != userID {
		return trade.Holding{}, svcerrors.Unauthorized("Session does not match the trading account.")
	}
	return h, nil
}

func (s *Store) ListHoldings(ctx context.Context, userID string) ([]trade.Holding, error) {
	resp, err := s.db(ctx).From(tableHoldings).
		Select("*").
		Eq("user_id", userID).
		Gt("amount", 0).
		Order("coin_id", true).
		Get(ctx)
	if err != nil {
		return nil, err
	}
	return decodeList[trade.Holding](resp)
}

// --- PollStore ---------------------------------------------------------------

func (s *Store) CreatePoll(ctx context.Context, p poll.Poll) (poll.Poll, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if p.Votes == nil {
		p.Votes = map[string]int{}
	}

	resp, err := s.db(ctx).From(tablePolls).Single().Insert(ctx, p)
	if err != nil {
		return poll.Poll{}, err
	}
	return decode[poll.Poll](resp)
}

func (s *Store) GetPoll(ctx context.Context, id string) (poll.Poll, error) {
	resp, err := s.db(ctx).From(tablePolls).Select("*").Eq("id", id).Single().Get(ctx)
	if err != nil {
		return poll.Poll{}, named(err, "poll", id)
	}
	var out poll.Poll
	if err := resp.JSON(&out); err != nil {
		return poll.Poll{}, err
	}
	if out.Votes == nil {
		out.Votes = map[string]int{}
	}
	return out, nil
}

func (s *Store) ListActivePolls(ctx context.Context, now time.Time, limit int) ([]poll.Poll, error) {
	limit, _ = storage.ClampPage(limit, 0, storage.DefaultPollLimit)

	resp, err := s.db(ctx).From(tablePolls).
		Select("*").
		Eq("is_active", true).
		Gt("end_date", now.UTC().Format(time.RFC3339)).
		Order("created_at", false).
		Limit(limit).
		Get(ctx)
	if err != nil {
		return nil, err
	}
	return decodeList[poll.Poll](resp)
}

// CastVote runs vote_on_poll, which records the response and increments the
// tally in one statement under the caller's identity. It needs the voter's
// access token on ctx.
func (s *Store) CastVote(ctx context.Context, pollID, userID, option string) (poll.Poll, error) {
	if storage.AccessToken(ctx) == "" {
		return poll.Poll{}, svcerrors.Unauthorized("Sign in to vote.")
	}
	current, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return poll.Poll{}, err
	}
	if err := current.CheckVote(userID, option, s.now()); err != nil {
		return poll.Poll{}, err
	}
	if prev, err := s.UserVote(ctx, pollID, userID); err != nil {
		return poll.Poll{}, err
	} else if prev != "" {
		return poll.Poll{}, poll.ErrAlreadyVoted(pollID)
	}

	if _, err := s.db(ctx).RPC(ctx, rpcVote, map[string]any{
		"poll_uuid":       pollID,
		"selected_option": option,
	}); err != nil {
		return poll.Poll{}, err
	}
	return s.GetPoll(ctx, pollID)
}

func (s *Store) UserVote(ctx context.Context, pollID, userID string) (string, error) {
	resp, err := s.db(ctx).From(tableResponses).
		Select("option").
		Eq("poll_id", pollID).
		Eq("user_id", userID).
		Single().
		Get(ctx)
	if svcerrors.HasCode(err, svcerrors.CodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var row poll.Response
	if err := resp.JSON(&row); err != nil {
		return "", err
	}
	return row.Option, nil
}

// --- ContentStore ------------------------------------------------------------

func (s *Store) CreateContent(ctx context.Context, c content.Content) (content.Content, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.KeyPoints == nil {
		c.KeyPoints = []string{}
	}

	resp, err := s.db(ctx).From(tableContent).Single().Insert(ctx, c)
	if err != nil {
		return content.Content{}, err
	}
	return decode[content.Content](resp)
}

func (s *Store) ListContent(ctx context.Context, category string, limit int) ([]content.Content, error) {
	limit, _ = storage.ClampPage(limit, 0, storage.DefaultContentLimit)

	q := s.db(ctx).From(tableContent).Select("*").Order("created_at", false).Limit(limit)
	if category != "" {
		q = q.Eq("category", category)
	}
	resp, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}
	return decodeList[content.Content](resp)
}

func (s *Store) IncrementViewCount(ctx context.Context, id string) (int, error) {
	resp, err := s.db(ctx).RPC(ctx, rpcIncrementViews, map[string]any{"content_uuid": id})
	if err != nil {
		return 0, named(err, "content", id)
	}
	return decode[int](resp)
}

// --- MarketStore -------------------------------------------------------------

func (s *Store) UpsertMarketSnapshots(ctx context.Context, snaps []storage.MarketSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	_, err := s.db(ctx).From(tableMarket).Upsert(ctx, snaps, "coin_id")
	return err
}

func (s *Store) ListMarketSnapshots(ctx context.Context, coinIDs []string) ([]storage.MarketSnapshot, error) {
	q := s.db(ctx).From(tableMarket).Select("*").Order("last_updated", false)
	if len(coinIDs) > 0 {
		q = q.In("coin_id", coinIDs)
	}
	resp, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}
	return decodeList[storage.MarketSnapshot](resp)
}

// --- SubscriptionStore -------------------------------------------------------

func (s *Store) CreateSubscription(ctx context.Context, sub user.Subscription) (user.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now

	resp, err := s.db(ctx).From(tableSubscriptions).Single().Insert(ctx, sub)
	if err != nil {
		return user.Subscription{}, err
	}
	return decode[user.Subscription](resp)
}

func (s *Store) ActiveSubscription(ctx context.Context, userID string) (user.Subscription, error) {
	resp, err := s.db(ctx).From(tableSubscriptions).
		Select("*").
		Eq("user_id", userID).
		Eq("status", user.SubscriptionActive).
		Order("created_at", false).
		Limit(1).
		Single().
		Get(ctx)
	if err != nil {
		return user.Subscription{}, named(err, "subscription", userID)
	}
	return decode[user.Subscription](resp)
}

func (s *Store) SubscriptionBySession(ctx context.Context, sessionID string) (user.Subscription, error) {
	resp, err := s.db(ctx).From(tableSubscriptions).
		Select("*").
		Eq("checkout_session_id", sessionID).
		Single().
		Get(ctx)
	if err != nil {
		return user.Subscription{}, named(err, "subscription", sessionID)
	}
	return decode[user.Subscription](resp)
}

func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id, status string) (user.Subscription, error) {
	resp, err := s.db(ctx).From(tableSubscriptions).
		Eq("id", id).
		Single().
		Update(ctx, map[string]any{"status": status, "updated_at": s.now()})
	if err != nil {
		return user.Subscription{}, named(err, "subscription", id)
	}
	return decode[user.Subscription](resp)
}
