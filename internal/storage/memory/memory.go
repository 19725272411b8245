// Package memory is a thread-safe in-memory implementation of storage.Store
// for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/trade"
	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type holdingKey struct{ user, coin string }
type voteKey struct{ poll, user string }

// Store keeps every collection in maps guarded by one mutex.
type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	profiles      map[string]user.Profile
	trades        map[string]trade.Trade
	holdings      map[holdingKey]trade.Holding
	polls         map[string]poll.Poll
	responses     map[voteKey]poll.Response
	content       map[string]content.Content
	snapshots     map[string]storage.MarketSnapshot
	subscriptions map[string]user.Subscription
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		profiles:      make(map[string]user.Profile),
		trades:        make(map[string]trade.Trade),
		holdings:      make(map[holdingKey]trade.Holding),
		polls:         make(map[string]poll.Poll),
		responses:     make(map[voteKey]poll.Response),
		content:       make(map[string]content.Content),
		snapshots:     make(map[string]storage.MarketSnapshot),
		subscriptions: make(map[string]user.Subscription),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// --- ProfileStore ------------------------------------------------------------

func (s *Store) CreateProfile(_ context.Context, p user.Profile) (user.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := s.profiles[p.ID]; exists {
		return user.Profile{}, svcerrors.Validation("id", "Record already exists.")
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.profiles[p.ID] = p
	return p, nil
}

func (s *Store) GetProfile(_ context.Context, id string) (user.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return user.Profile{}, svcerrors.NotFound("profile", id)
	}
	return p, nil
}

func (s *Store) UpdateProfile(_ context.Context, id string, upd storage.ProfileUpdate) (user.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return user.Profile{}, svcerrors.NotFound("profile", id)
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.RiskTolerance != nil {
		p.RiskTolerance = *upd.RiskTolerance
	}
	if upd.InvestmentGoals != nil {
		p.InvestmentGoals = append([]string(nil), (*upd.InvestmentGoals)...)
	}
	p.UpdatedAt = s.now()
	s.profiles[id] = p
	return p, nil
}

// --- TradeStore --------------------------------------------------------------

func (s *Store) RecordTrade(_ context.Context, t trade.Trade) (trade.Trade, trade.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	s.trades[t.ID] = t

	key := holdingKey{t.UserID, t.CoinID}
	h := s.holdings[key]
	if t.Status == trade.StatusCompleted {
		h = s.applyLocked(t.UserID, t.CoinID, t.Symbol, t.SignedAmount(), t.Price)
	}
	return t, h, nil
}

func (s *Store) ListTrades(_ context.Context, userID string, limit, offset int) ([]trade.Trade, error) {
	limit, offset = storage.ClampPage(limit, offset, storage.DefaultTradeLimit)

	s.mu.RLock()
	out := make([]trade.Trade, 0)
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if offset >= len(out) {
		return []trade.Trade{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateTradeStatus(_ context.Context, id string, status trade.Status, txHash string) (trade.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return trade.Trade{}, svcerrors.NotFound("trade", id)
	}
	t.Status = status
	if txHash != "" {
		t.TxHash = txHash
	}
	s.trades[id] = t
	return t, nil
}

func (s *Store) ApplyHoldingDelta(_ context.Context, userID, coinID, symbol string, delta, price decimal.Decimal) (trade.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(userID, coinID, symbol, delta, price), nil
}

func (s *Store) applyLocked(userID, coinID, symbol string, delta, price decimal.Decimal) trade.Holding {
	key := holdingKey{userID, coinID}
	h, ok := s.holdings[key]
	if !ok {
		h = trade.Holding{UserID: userID, CoinID: coinID}
	}
	h = h.Apply(delta, price)
	h.Symbol = symbol
	h.UpdatedAt = s.now()
	s.holdings[key] = h
	return h
}

func (s *Store) ListHoldings(_ context.Context, userID string) ([]trade.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]trade.Holding, 0)
	for k, h := range s.holdings {
		if k.user == userID && h.Amount.IsPositive() {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CoinID < out[j].CoinID })
	return out, nil
}

// --- PollStore ---------------------------------------------------------------

func (s *Store) CreatePoll(_ context.Context, p poll.Poll) (poll.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.polls[p.ID] = p.Clone()
	return p, nil
}

func (s *Store) GetPoll(_ context.Context, id string) (poll.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.polls[id]
	if !ok {
		return poll.Poll{}, svcerrors.NotFound("poll", id)
	}
	return p.Clone(), nil
}

func (s *Store) ListActivePolls(_ context.Context, now time.Time, limit int) ([]poll.Poll, error) {
	limit, _ = storage.ClampPage(limit, 0, storage.DefaultPollLimit)

	s.mu.RLock()
	out := make([]poll.Poll, 0)
	for _, p := range s.polls {
		if p.Open(now) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CastVote(_ context.Context, pollID, userID, option string) (poll.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.polls[pollID]
	if !ok {
		return poll.Poll{}, svcerrors.NotFound("poll", pollID)
	}
	now := s.now()
	if err := p.CheckVote(userID, option, now); err != nil {
		return poll.Poll{}, err
	}
	key := voteKey{pollID, userID}
	if _, voted := s.responses[key]; voted {
		return poll.Poll{}, poll.ErrAlreadyVoted(pollID)
	}

	s.responses[key] = poll.Response{PollID: pollID, UserID: userID, Option: option, CreatedAt: now}
	p = p.Clone()
	p.Votes[option]++
	p.TotalVotes++
	s.polls[pollID] = p
	return p.Clone(), nil
}

func (s *Store) UserVote(_ context.Context, pollID, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.responses[voteKey{pollID, userID}].Option, nil
}

// --- ContentStore ------------------------------------------------------------

func (s *Store) CreateContent(_ context.Context, c content.Content) (content.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.KeyPoints = append([]string(nil), c.KeyPoints...)
	s.content[c.ID] = c
	return c, nil
}

func (s *Store) ListContent(_ context.Context, category string, limit int) ([]content.Content, error) {
	limit, _ = storage.ClampPage(limit, 0, storage.DefaultContentLimit)

	s.mu.RLock()
	out := make([]content.Content, 0)
	for _, c := range s.content {
		if category == "" || c.Category == category {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) IncrementViewCount(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.content[id]
	if !ok {
		return 0, svcerrors.NotFound("content", id)
	}
	c.ViewCount++
	s.content[id] = c
	return c.ViewCount, nil
}

// --- MarketStore -------------------------------------------------------------

func (s *Store) UpsertMarketSnapshots(_ context.Context, snaps []storage.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		s.snapshots[snap.CoinID] = snap
	}
	return nil
}

func (s *Store) ListMarketSnapshots(_ context.Context, coinIDs []string) ([]storage.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.MarketSnapshot, 0, len(s.snapshots))
	if len(coinIDs) == 0 {
		for _, snap := range s.snapshots {
			out = append(out, snap)
		}
	} else {
		for _, id := range coinIDs {
			if snap, ok := s.snapshots[id]; ok {
				out = append(out, snap)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

// --- SubscriptionStore -------------------------------------------------------

func (s *Store) CreateSubscription(_ context.Context, sub user.Subscription) (user.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *Store) ActiveSubscription(_ context.Context, userID string) (user.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best user.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.Status == user.SubscriptionActive && sub.CreatedAt.After(best.CreatedAt) {
			best = sub
		}
	}
	if best.ID == "" {
		return user.Subscription{}, svcerrors.NotFound("subscription", "")
	}
	return best, nil
}

func (s *Store) SubscriptionBySession(_ context.Context, sessionID string) (user.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sessionID != "" && sub.SessionID == sessionID {
			return sub, nil
		}
	}
	return user.Subscription{}, svcerrors.NotFound("subscription", sessionID)
}

func (s *Store) UpdateSubscriptionStatus(_ context.Context, id, status string) (user.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return user.Subscription{}, svcerrors.NotFound("subscription", id)
	}
	sub.Status = status
	sub.UpdatedAt = s.now()
	s.subscriptions[id] = sub
	return sub, nil
}
