// Package orchestrator owns per-user application state: coin quotes, polls,
// trades, educational videos and the valued portfolio. Each category refreshes
// independently and mutations update state only from the durable store's
// authoritative result.
package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/trade"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/metrics"
	"github.com/memelearn/service_layer/internal/storage"
)

// DefaultRefreshTimeout bounds one shared category refresh.
const DefaultRefreshTimeout = 20 * time.Second

// Market is the market data the orchestrator reads.
type Market interface {
	FetchQuotes(ctx context.Context, ids []string) (marketdata.Result[[]marketdata.CoinQuote], error)
	FetchCoinDetail(ctx context.Context, id string) (marketdata.Result[marketdata.CoinDetail], error)
	FetchTrending(ctx context.Context) (marketdata.Result[[]marketdata.TrendingCoin], error)
	FetchGlobalStats(ctx context.Context) (marketdata.Result[marketdata.GlobalStats], error)
	Search(ctx context.Context, query string) (marketdata.Result[[]marketdata.SearchResult], error)
}

// Generator writes educational content. A lesson it returns with an id is
// already stored; RememberLesson hands back the stored copy of a new one.
type Generator interface {
	GenerateLesson(ctx context.Context, req content.Request) (content.Content, error)
	RememberLesson(ctx context.Context, req content.Request, stored content.Content)
}

// Config wires an orchestrator to its collaborators.
type Config struct {
	Market    Market
	Trades    storage.TradeStore
	Polls     storage.PollStore
	Content   storage.ContentStore
	Generator Generator
	// CoinIDs are the tracked coins refreshed into the coins category.
	CoinIDs []string
	// TTLs are per-category freshness windows; zero never expires.
	TTLs           map[Category]time.Duration
	TradeLimit     int
	PollLimit      int
	ContentLimit   int
	RefreshTimeout time.Duration
	Logger         *logging.Logger
	Now            func() time.Time
}

func (c *Config) defaults() {
	if c.TradeLimit <= 0 {
		c.TradeLimit = storage.DefaultTradeLimit
	}
	if c.PollLimit <= 0 {
		c.PollLimit = storage.DefaultPollLimit
	}
	if c.ContentLimit <= 0 {
		c.ContentLimit = storage.DefaultContentLimit
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.NewDefault("orchestrator")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Orchestrator is one user's workspace. The zero user id is the shared
// anonymous workspace, which only holds public categories.
type Orchestrator struct {
	cfg    Config
	userID string
	log    *logrus.Entry
	group  singleflight.Group

	mu        sync.RWMutex
	coins     []marketdata.CoinQuote
	polls     []poll.Poll
	trades    []trade.Trade
	videos    []content.Content
	holdings  []trade.Holding
	portfolio trade.Portfolio
	prices    map[string]decimal.Decimal
	votes     map[string]string
	states    map[Category]*CategoryState
	seq       map[Category]uint64
}

// New creates a workspace for userID.
func New(userID string, cfg Config) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		cfg:    cfg,
		userID: userID,
		log:    cfg.Logger.Named("orchestrator").WithField("user_id", userID),
		prices: make(map[string]decimal.Decimal),
		votes:  make(map[string]string),
		states: make(map[Category]*CategoryState, len(Categories)),
		seq:    make(map[Category]uint64, len(Categories)),
		portfolio: trade.Portfolio{
			Positions: []trade.Position{},
		},
	}
	for _, c := range Categories {
		o.states[c] = &CategoryState{Status: Idle}
	}
	return o
}

// UserID returns the workspace owner, or "" for the anonymous workspace.
func (o *Orchestrator) UserID() string {
	return o.userID
}

// Refresh reloads one category. Concurrent calls for the same category share
// one load; each caller still returns when its own ctx is done.
func (o *Orchestrator) Refresh(ctx context.Context, cat Category) error {
	if _, err := ParseCategory(string(cat)); err != nil {
		return err
	}

	detached := context.WithoutCancel(ctx)
	ch := o.group.DoChan(string(cat), func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(detached, o.cfg.RefreshTimeout)
		defer cancel()
		return nil, o.refresh(rctx, cat)
	})

	select {
	case <-ctx.Done():
		return svcerrors.Network("workspace", ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

// NeedsRefresh reports whether cat should be loaded before it is read: it
// has never loaded, a load is in flight, or its last load is older than the
// category TTL.
func (o *Orchestrator) NeedsRefresh(cat Category) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.states[cat]
	if !ok {
		return false
	}
	switch st.Status {
	case Idle, Loading:
		return true
	}
	ttl := o.cfg.TTLs[cat]
	return ttl > 0 && o.cfg.Now().Sub(st.UpdatedAt) >= ttl
}

// RefreshAll refreshes every category concurrently and waits for all of
// them. One failing category does not stop the others; the returned error
// joins every failure.
func (o *Orchestrator) RefreshAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, cat := range Categories {
		cat := cat
		g.Go(func() error {
			if err := o.Refresh(ctx, cat); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (o *Orchestrator) refresh(ctx context.Context, cat Category) error {
	seq := o.begin(cat)

	var (
		apply func()
		cause error
		err   error
	)
	switch cat {
	case Coins:
		var res marketdata.Result[[]marketdata.CoinQuote]
		res, err = o.cfg.Market.FetchQuotes(ctx, o.cfg.CoinIDs)
		if err == nil {
			cause = res.Cause
			apply = func() {
				o.coins = res.Value
				for _, q := range res.Value {
					o.prices[q.ID] = q.Price
				}
			}
		}

	case Polls:
		var polls []poll.Poll
		polls, err = o.cfg.Polls.ListActivePolls(ctx, o.cfg.Now(), o.cfg.PollLimit)
		if err == nil {
			apply = func() { o.polls = polls }
		}

	case Trades:
		trades := []trade.Trade{}
		if o.userID != "" {
			trades, err = o.cfg.Trades.ListTrades(ctx, o.userID, o.cfg.TradeLimit, 0)
		}
		if err == nil {
			apply = func() { o.trades = trades }
		}

	case Videos:
		var videos []content.Content
		videos, err = o.cfg.Content.ListContent(ctx, "", o.cfg.ContentLimit)
		if err == nil {
			apply = func() { o.videos = videos }
		}

	case Portfolio:
		var (
			holdings []trade.Holding
			prices   map[string]decimal.Decimal
		)
		if o.userID != "" {
			holdings, err = o.cfg.Trades.ListHoldings(ctx, o.userID)
			if err == nil {
				prices, cause = o.quoteHoldings(ctx, holdings)
			}
		}
		if err == nil {
			apply = func() {
				for id, p := range prices {
					o.prices[id] = p
				}
				o.holdings = holdings
				o.portfolio = trade.Value(holdings, o.prices, o.cfg.Now())
			}
		}
	}

	if err != nil {
		o.fail(cat, seq, err)
		return err
	}
	o.finish(cat, seq, apply, cause)
	return nil
}

// quoteHoldings prices held coins. Pricing failures leave holdings valued at
// cost and are reported as the degradation cause.
func (o *Orchestrator) quoteHoldings(ctx context.Context, holdings []trade.Holding) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(holdings))
	for _, h := range holdings {
		if h.Amount.IsPositive() {
			ids = append(ids, h.CoinID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	res, err := o.cfg.Market.FetchQuotes(ctx, ids)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(res.Value))
	for _, q := range res.Value {
		prices[q.ID] = q.Price
	}
	return prices, res.Cause
}

// begin marks cat loading and issues its next sequence number.
func (o *Orchestrator) begin(cat Category) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq[cat]++
	o.states[cat].Status = Loading
	return o.seq[cat]
}

// current reports whether seq is still the latest for cat. Callers hold mu.
func (o *Orchestrator) current(cat Category, seq uint64) bool {
	if o.seq[cat] == seq {
		return true
	}
	o.log.WithField("category", cat).Debug("discarding superseded refresh")
	metrics.RecordRefresh(string(cat), "superseded")
	return false
}

func (o *Orchestrator) finish(cat Category, seq uint64, apply func(), cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(cat, seq) {
		return
	}
	apply()
	st := o.states[cat]
	st.Status = Success
	st.Degraded = cause != nil
	st.setError(cause)
	st.UpdatedAt = o.cfg.Now()

	status := "success"
	if st.Degraded {
		status = "degraded"
		o.log.WithField("category", cat).WithError(cause).Warn("refreshed from stale data")
	}
	metrics.RecordRefresh(string(cat), status)
}

func (o *Orchestrator) fail(cat Category, seq uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(cat, seq) {
		return
	}
	st := o.states[cat]
	st.Status = Error
	st.Degraded = false
	st.setError(err)
	st.UpdatedAt = o.cfg.Now()
	o.log.WithField("category", cat).WithError(err).Warn("refresh failed")
	metrics.RecordRefresh(string(cat), "error")
}

// change is a mutation's effect on one category.
type change struct {
	cat   Category
	apply func()
}

// settle applies a mutation's authoritative result to loaded categories.
// A category that is idle, loading or failed holds no complete list to merge
// into, so it is reloaded from the store instead; the reload supersedes any
// load that started before the write.
func (o *Orchestrator) settle(ctx context.Context, changes ...change) {
	var reload []Category
	o.mu.Lock()
	for _, c := range changes {
		st := o.states[c.cat]
		if st.Status != Success {
			reload = append(reload, c.cat)
			continue
		}
		c.apply()
		o.seq[c.cat]++
		st.setError(nil)
	}
	o.mu.Unlock()

	for _, cat := range reload {
		o.group.Forget(string(cat))
		if err := o.Refresh(ctx, cat); err != nil {
			o.log.WithField("category", cat).WithError(err).Warn("reload after mutation failed")
		}
	}
}

// reject records a failed mutation in the category's error slot. Data and
// loading status stay as they were.
func (o *Orchestrator) reject(cat Category, action string, err error) error {
	o.mu.Lock()
	o.states[cat].setError(err)
	o.mu.Unlock()
	o.log.WithField("category", cat).WithField("action", action).WithError(err).Warn("mutation failed")
	return err
}

// RecordTrade stores a trade and updates trades and portfolio from the
// store's result. A trade without a price is priced at the current quote.
func (o *Orchestrator) RecordTrade(ctx context.Context, t trade.Trade) (trade.Trade, trade.Holding, error) {
	if o.userID == "" {
		return trade.Trade{}, trade.Holding{}, svcerrors.Unauthorized("Sign in to trade.")
	}
	t.UserID = o.userID
	t = o.priceFromQuote(t.Normalize()).Normalize()
	if err := t.Validate(); err != nil {
		return trade.Trade{}, trade.Holding{}, err
	}

	saved, holding, err := o.cfg.Trades.RecordTrade(ctx, t)
	metrics.RecordMutation("trade", err)
	if err != nil {
		return trade.Trade{}, trade.Holding{}, o.reject(Trades, "trade", err)
	}

	o.settle(ctx,
		change{Trades, func() {
			trades := make([]trade.Trade, 0, len(o.trades)+1)
			trades = append(trades, saved)
			trades = append(trades, o.trades...)
			if len(trades) > o.cfg.TradeLimit {
				trades = trades[:o.cfg.TradeLimit]
			}
			o.trades = trades
		}},
		change{Portfolio, func() {
			if saved.Status != trade.StatusCompleted {
				return
			}
			o.holdings = replaceHolding(o.holdings, holding)
			if _, ok := o.prices[saved.CoinID]; !ok {
				o.prices[saved.CoinID] = saved.Price
			}
			o.portfolio = trade.Value(o.holdings, o.prices, o.cfg.Now())
		}},
	)
	return saved, holding, nil
}

func (o *Orchestrator) priceFromQuote(t trade.Trade) trade.Trade {
	if !t.Price.IsZero() && t.Symbol != "" {
		return t
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, q := range o.coins {
		if q.ID != t.CoinID {
			continue
		}
		if t.Price.IsZero() {
			t.Price = q.Price
		}
		if t.Symbol == "" {
			t.Symbol = q.Symbol
		}
	}
	return t
}

func replaceHolding(holdings []trade.Holding, h trade.Holding) []trade.Holding {
	out := make([]trade.Holding, 0, len(holdings)+1)
	found := false
	for _, cur := range holdings {
		if cur.CoinID == h.CoinID {
			out = append(out, h)
			found = true
			continue
		}
		out = append(out, cur)
	}
	if !found {
		out = append(out, h)
	}
	return out
}

// CastVote records the user's vote and replaces the poll with the store's
// updated tallies.
func (o *Orchestrator) CastVote(ctx context.Context, pollID, option string) (poll.Poll, error) {
	if o.userID == "" {
		return poll.Poll{}, svcerrors.Unauthorized("Sign in to vote.")
	}
	if pollID == "" {
		return poll.Poll{}, svcerrors.Validation("poll_id", "Poll id is required.")
	}

	updated, err := o.cfg.Polls.CastVote(ctx, pollID, o.userID, option)
	metrics.RecordMutation("vote", err)
	if err != nil {
		return poll.Poll{}, o.reject(Polls, "vote", err)
	}

	o.mu.Lock()
	o.votes[pollID] = option
	o.mu.Unlock()
	o.settle(ctx, change{Polls, func() { o.polls = replacePoll(o.polls, updated) }})
	return updated.Clone(), nil
}

// ApplyPoll folds a poll row pushed by the store into the workspace. Closed
// polls are dropped. Workspaces whose polls are not loaded ignore the push;
// their next load reads the row from the store.
func (o *Orchestrator) ApplyPoll(p poll.Poll) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states[Polls].Status != Success {
		return
	}
	if !p.Open(o.cfg.Now()) {
		o.polls = slices.DeleteFunc(slices.Clone(o.polls), func(cur poll.Poll) bool { return cur.ID == p.ID })
		return
	}
	o.polls = replacePoll(o.polls, p)
}

func replacePoll(polls []poll.Poll, p poll.Poll) []poll.Poll {
	out := make([]poll.Poll, 0, len(polls)+1)
	found := false
	for _, cur := range polls {
		if cur.ID == p.ID {
			out = append(out, p)
			found = true
			continue
		}
		out = append(out, cur)
	}
	if !found {
		out = append([]poll.Poll{p}, out...)
	}
	return out
}

// CreatePoll validates and stores a new poll owned by the user.
func (o *Orchestrator) CreatePoll(ctx context.Context, p poll.Poll) (poll.Poll, error) {
	if o.userID == "" {
		return poll.Poll{}, svcerrors.Unauthorized("Sign in to create polls.")
	}
	now := o.cfg.Now()
	p = p.Prepare(now)
	p.CreatedBy = o.userID
	if err := p.Validate(now); err != nil {
		return poll.Poll{}, err
	}

	saved, err := o.cfg.Polls.CreatePoll(ctx, p)
	metrics.RecordMutation("create_poll", err)
	if err != nil {
		return poll.Poll{}, o.reject(Polls, "create_poll", err)
	}
	o.settle(ctx, change{Polls, func() { o.polls = replacePoll(o.polls, saved) }})
	return saved.Clone(), nil
}

// GenerateContent writes a lesson, stores it and adds it to the videos.
func (o *Orchestrator) GenerateContent(ctx context.Context, req content.Request) (content.Content, error) {
	if o.cfg.Generator == nil {
		return content.Content{}, svcerrors.Validation("generator", "Content generation is not configured.")
	}
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return content.Content{}, err
	}

	saved, err := o.cfg.Generator.GenerateLesson(ctx, req)
	if err != nil {
		metrics.RecordMutation("generate_content", err)
		return content.Content{}, o.reject(Videos, "generate_content", err)
	}

	if saved.ID == "" {
		saved.CreatedBy = o.userID
		saved, err = o.cfg.Content.CreateContent(ctx, saved)
		metrics.RecordMutation("generate_content", err)
		if err != nil {
			return content.Content{}, o.reject(Videos, "generate_content", err)
		}
		o.cfg.Generator.RememberLesson(ctx, req, saved)
	}

	o.settle(ctx, change{Videos, func() {
		videos := make([]content.Content, 0, len(o.videos)+1)
		videos = append(videos, saved)
		o.videos = append(videos, slices.DeleteFunc(slices.Clone(o.videos), func(c content.Content) bool { return c.ID == saved.ID })...)
	}})
	return saved, nil
}

// ViewContent counts a view and updates the video's counter.
func (o *Orchestrator) ViewContent(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, svcerrors.Validation("id", "Content id is required.")
	}
	views, err := o.cfg.Content.IncrementViewCount(ctx, id)
	metrics.RecordMutation("view_content", err)
	if err != nil {
		return 0, o.reject(Videos, "view_content", err)
	}

	o.mu.Lock()
	for i := range o.videos {
		if o.videos[i].ID == id {
			videos := slices.Clone(o.videos)
			videos[i].ViewCount = views
			o.videos = videos
			break
		}
	}
	o.mu.Unlock()
	return views, nil
}

// CoinDetail reads one coin through the gateway.
func (o *Orchestrator) CoinDetail(ctx context.Context, id string) (marketdata.Result[marketdata.CoinDetail], error) {
	return o.cfg.Market.FetchCoinDetail(ctx, id)
}

// Trending reads the trending list through the gateway.
func (o *Orchestrator) Trending(ctx context.Context) (marketdata.Result[[]marketdata.TrendingCoin], error) {
	return o.cfg.Market.FetchTrending(ctx)
}

// GlobalStats reads whole-market figures through the gateway.
func (o *Orchestrator) GlobalStats(ctx context.Context) (marketdata.Result[marketdata.GlobalStats], error) {
	return o.cfg.Market.FetchGlobalStats(ctx)
}

// Search finds coins through the gateway.
func (o *Orchestrator) Search(ctx context.Context, query string) (marketdata.Result[[]marketdata.SearchResult], error) {
	return o.cfg.Market.Search(ctx, query)
}

// Status returns one category's state.
func (o *Orchestrator) Status(cat Category) CategoryState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if st, ok := o.states[cat]; ok {
		return *st
	}
	return CategoryState{Status: Idle}
}

// Coins returns the current quote batch.
func (o *Orchestrator) Coins() []marketdata.CoinQuote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.coins)
}

// Polls returns the active polls.
func (o *Orchestrator) Polls() []poll.Poll {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return clonePolls(o.polls)
}

// Trades returns the user's recent trades, newest first.
func (o *Orchestrator) Trades() []trade.Trade {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.trades)
}

// Videos returns the educational content list.
func (o *Orchestrator) Videos() []content.Content {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.videos)
}

// Portfolio returns the valued portfolio.
func (o *Orchestrator) Portfolio() trade.Portfolio {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p := o.portfolio
	p.Positions = slices.Clone(p.Positions)
	return p
}

// Snapshot copies the whole workspace under one lock.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Snapshot{
		UserID:    o.userID,
		Coins:     nonNil(slices.Clone(o.coins)),
		Polls:     clonePolls(o.polls),
		Trades:    nonNil(slices.Clone(o.trades)),
		Videos:    nonNil(slices.Clone(o.videos)),
		Portfolio: o.portfolio,
		Votes:     make(map[string]string, len(o.votes)),
		Status:    make(map[Category]CategoryState, len(o.states)),
	}
	s.Portfolio.Positions = nonNil(slices.Clone(o.portfolio.Positions))
	for k, v := range o.votes {
		s.Votes[k] = v
	}
	for k, v := range o.states {
		s.Status[k] = *v
	}
	return s
}

func clonePolls(polls []poll.Poll) []poll.Poll {
	out := make([]poll.Poll, len(polls))
	for i, p := range polls {
		out[i] = p.Clone()
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
