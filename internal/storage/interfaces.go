// Package storage defines the persistence contracts for profiles, trades,
// holdings, polls, educational content, market snapshots and subscriptions.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/trade"
	"github.com/memelearn/service_layer/internal/domain/user"
)

// Default page sizes.
const (
	DefaultTradeLimit   = 50
	DefaultPollLimit    = 10
	DefaultContentLimit = 20
)

// ProfileStore persists user profiles.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p user.Profile) (user.Profile, error)
	GetProfile(ctx context.Context, id string) (user.Profile, error)
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (user.Profile, error)
}

// ProfileUpdate lists the mutable profile fields; nil fields are unchanged.
type ProfileUpdate struct {
	Name            *string   `json:"name,omitempty"`
	RiskTolerance   *string   `json:"risk_tolerance,omitempty"`
	InvestmentGoals *[]string `json:"investment_goals,omitempty"`
}

// TradeStore persists trades and the holdings they move.
type TradeStore interface {
	// RecordTrade stores a trade and, for completed trades, applies its
	// signed amount to the user's holding. The returned holding is the
	// authoritative post-trade position.
	RecordTrade(ctx context.Context, t trade.Trade) (trade.Trade, trade.Holding, error)
	ListTrades(ctx context.Context, userID string, limit, offset int) ([]trade.Trade, error)
	UpdateTradeStatus(ctx context.Context, id string, status trade.Status, txHash string) (trade.Trade, error)

	// ApplyHoldingDelta upserts the (user, coin) holding in one atomic step.
	ApplyHoldingDelta(ctx context.Context, userID, coinID, symbol string, delta, price decimal.Decimal) (trade.Holding, error)
	ListHoldings(ctx context.Context, userID string) ([]trade.Holding, error)
}

// PollStore persists polls and votes.
type PollStore interface {
	CreatePoll(ctx context.Context, p poll.Poll) (poll.Poll, error)
	GetPoll(ctx context.Context, id string) (poll.Poll, error)
	ListActivePolls(ctx context.Context, now time.Time, limit int) ([]poll.Poll, error)
	// CastVote records one vote per user and increments the option tally and
	// total in one atomic step, returning the updated poll.
	CastVote(ctx context.Context, pollID, userID, option string) (poll.Poll, error)
	// UserVote returns the option a user chose, or "" when they have not voted.
	UserVote(ctx context.Context, pollID, userID string) (string, error)
}

// ContentStore persists educational content.
type ContentStore interface {
	CreateContent(ctx context.Context, c content.Content) (content.Content, error)
	ListContent(ctx context.Context, category string, limit int) ([]content.Content, error)
	IncrementViewCount(ctx context.Context, id string) (int, error)
}

// MarketSnapshot is one row of the shared market data collection.
type MarketSnapshot struct {
	CoinID      string          `json:"coin_id" db:"coin_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Name        string          `json:"name" db:"name"`
	Price       decimal.Decimal `json:"price" db:"price"`
	MarketCap   *float64        `json:"market_cap" db:"market_cap"`
	Volume24h   *float64        `json:"volume_24h" db:"volume_24h"`
	Change24h   *float64        `json:"change_24h" db:"change_24h"`
	LastUpdated time.Time       `json:"last_updated" db:"last_updated"`
}

// MarketStore persists the latest quote per coin.
type MarketStore interface {
	UpsertMarketSnapshots(ctx context.Context, snaps []MarketSnapshot) error
	ListMarketSnapshots(ctx context.Context, coinIDs []string) ([]MarketSnapshot, error)
}

// SubscriptionStore persists plan subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s user.Subscription) (user.Subscription, error)
	// ActiveSubscription returns the user's active subscription, or NotFound.
	ActiveSubscription(ctx context.Context, userID string) (user.Subscription, error)
	// SubscriptionBySession returns the record created for a checkout session.
	SubscriptionBySession(ctx context.Context, sessionID string) (user.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id, status string) (user.Subscription, error)
}

// Store is the full persistence surface.
type Store interface {
	ProfileStore
	TradeStore
	PollStore
	ContentStore
	MarketStore
	SubscriptionStore
	Close() error
}

// ClampPage applies a default limit and a non-negative offset.
func ClampPage(limit, offset, def int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = def
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
