// Package postgres implements storage.Store on PostgreSQL with sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/trade"
	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/storage"
)

var _ storage.Store = (*Store)(nil)

const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects to dsn.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	return New(db), nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr translates driver errors into the service taxonomy.
func mapErr(resource, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return svcerrors.NotFound(resource, id)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return svcerrors.Validation(resource, "Record already exists.").WithDetails("constraint", pqErr.Constraint)
	}
	if se := svcerrors.GetServiceError(err); se != nil {
		return se
	}
	return svcerrors.Internal("database error", err)
}

// --- ProfileStore ------------------------------------------------------------

const profileColumns = `id, name, email, risk_tolerance, investment_goals, created_at, updated_at`

type profileRow struct {
	user.Profile
	Goals pq.StringArray `db:"investment_goals"`
}

func (r profileRow) profile() user.Profile {
	p := r.Profile
	p.InvestmentGoals = []string(r.Goals)
	return p
}

func (s *Store) CreateProfile(ctx context.Context, p user.Profile) (user.Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Name, p.Email, p.RiskTolerance, pq.Array(p.InvestmentGoals), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return user.Profile{}, mapErr("profile", p.ID, err)
	}
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (user.Profile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, `SELECT `+profileColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return user.Profile{}, mapErr("profile", id, err)
	}
	return row.profile(), nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd storage.ProfileUpdate) (user.Profile, error) {
	var goals interface{}
	if upd.InvestmentGoals != nil {
		goals = pq.Array(*upd.InvestmentGoals)
	}

	var row profileRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE users
		SET name = COALESCE($2, name),
		    risk_tolerance = COALESCE($3, risk_tolerance),
		    investment_goals = COALESCE($4, investment_goals),
		    updated_at = $5
		WHERE id = $1
		RETURNING `+profileColumns, id, upd.Name, upd.RiskTolerance, goals, s.now())
	if err != nil {
		return user.Profile{}, mapErr("profile", id, err)
	}
	return row.profile(), nil
}

// --- TradeStore --------------------------------------------------------------

const tradeColumns = `id, user_id, coin, symbol, trade_type, amount, price, total, status, transaction_hash, "timestamp"`

const holdingColumns = `user_id, coin_id, symbol, amount, average_price, updated_at`

// applyHoldingSQL upserts a holding with a signed delta in one statement.
// Buys fold into the weighted average price; sells leave it unchanged.
const applyHoldingSQL = `
	INSERT INTO portfolio_holdings AS h (` + holdingColumns + `)
	VALUES ($1, $2, $3, GREATEST($4::numeric, 0), $5::numeric, $6)
	ON CONFLICT (user_id, coin_id) DO UPDATE SET
	    amount = GREATEST(h.amount + $4::numeric, 0),
	    average_price = CASE
	        WHEN $4::numeric > 0
	        THEN (h.amount * h.average_price + $4::numeric * $5::numeric) / (h.amount + $4::numeric)
	        ELSE h.average_price
	    END,
	    symbol = EXCLUDED.symbol,
	    updated_at = EXCLUDED.updated_at
	RETURNING ` + holdingColumns

func (s *Store) RecordTrade(ctx context.Context, t trade.Trade) (trade.Trade, trade.Holding, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return trade.Trade{}, trade.Holding{}, mapErr("trade", t.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.UserID, t.CoinID, t.Symbol, string(t.Side), t.Amount, t.Price, t.Total, string(t.Status), t.TxHash, t.Timestamp)
	if err != nil {
		return trade.Trade{}, trade.Holding{}, mapErr("trade", t.ID, err)
	}

	var h trade.Holding
	if t.Status == trade.StatusCompleted {
		err = tx.GetContext(ctx, &h, applyHoldingSQL, t.UserID, t.CoinID, t.Symbol, t.SignedAmount(), t.Price, t.Timestamp)
		if err != nil {
			return trade.Trade{}, trade.Holding{}, mapErr("holding", t.CoinID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return trade.Trade{}, trade.Holding{}, mapErr("trade", t.ID, err)
	}
	return t, h, nil
}

func (s *Store) ListTrades(ctx context.Context, userID string, limit, offset int) ([]trade.Trade, error) {
	limit, offset = storage.ClampPage(limit, offset, storage.DefaultTradeLimit)

	out := []trade.Trade{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE user_id = $1
		ORDER BY "timestamp" DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, mapErr("trade", "", err)
	}
	return out, nil
}

func (s *Store) UpdateTradeStatus(ctx context.Context, id string, status trade.Status, txHash string) (trade.Trade, error) {
	var t trade.Trade
	err := s.db.GetContext(ctx, &t, `
		UPDATE trades
		SET status = $2, transaction_hash = COALESCE(NULLIF($3, ''), transaction_hash)
		WHERE id = $1
		RETURNING `+tradeColumns, id, string(status), txHash)
	if err != nil {
		return trade.Trade{}, mapErr("trade", id, err)
	}
	return t, nil
}

func (s *Store) ApplyHoldingDelta(ctx context.Context, userID, coinID, symbol string, delta, price decimal.Decimal) (trade.Holding, error) {
	var h trade.Holding
	if err := s.db.GetContext(ctx, &h, applyHoldingSQL, userID, coinID, symbol, delta, price, s.now()); err != nil {
		return trade.Holding{}, mapErr("holding", coinID, err)
	}
	return h, nil
}

func (s *Store) ListHoldings(ctx context.Context, userID string) ([]trade.Holding, error) {
	out := []trade.Holding{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+holdingColumns+`
		FROM portfolio_holdings
		WHERE user_id = $1 AND amount > 0
		ORDER BY coin_id
	`, userID)
	if err != nil {
		return nil, mapErr("holding", "", err)
	}
	return out, nil
}

// --- PollStore ---------------------------------------------------------------

const pollColumns = `id, question, options, votes, total_votes, is_active, end_date, created_by, created_at`

type pollRow struct {
	ID         string         `db:"id"`
	Question   string         `db:"question"`
	Options    pq.StringArray `db:"options"`
	Votes      []byte         `db:"votes"`
	TotalVotes int            `db:"total_votes"`
	IsActive   bool           `db:"is_active"`
	EndDate    time.Time      `db:"end_date"`
	CreatedBy  string         `db:"created_by"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r pollRow) poll() (poll.Poll, error) {
	p := poll.Poll{
		ID:         r.ID,
		Question:   r.Question,
		Options:    []string(r.Options),
		Votes:      map[string]int{},
		TotalVotes: r.TotalVotes,
		IsActive:   r.IsActive,
		EndDate:    r.EndDate,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
	}
	if len(r.Votes) > 0 {
		if err := json.Unmarshal(r.Votes, &p.Votes); err != nil {
			return poll.Poll{}, fmt.Errorf("decode votes for poll %s: %w", r.ID, err)
		}
	}
	return p, nil
}

func (s *Store) CreatePoll(ctx context.Context, p poll.Poll) (poll.Poll, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	votes, err := json.Marshal(p.Votes)
	if err != nil {
		return poll.Poll{}, svcerrors.Internal("failed to encode votes", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO polls (`+pollColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Question, pq.Array(p.Options), votes, p.TotalVotes, p.IsActive, p.EndDate, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return poll.Poll{}, mapErr("poll", p.ID, err)
	}
	return p, nil
}

func (s *Store) GetPoll(ctx context.Context, id string) (poll.Poll, error) {
	var row pollRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+pollColumns+` FROM polls WHERE id = $1`, id); err != nil {
		return poll.Poll{}, mapErr("poll", id, err)
	}
	p, err := row.poll()
	return p, mapErr("poll", id, err)
}

func (s *Store) ListActivePolls(ctx context.Context, now time.Time, limit int) ([]poll.Poll, error) {
	limit, _ = storage.ClampPage(limit, 0, storage.DefaultPollLimit)

	var rows []pollRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+pollColumns+`
		FROM polls
		WHERE is_active AND end_date > $1
		ORDER BY created_at DESC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, mapErr("poll", "", err)
	}

	out := make([]poll.Poll, 0, len(rows))
	for _, r := range rows {
		p, err := r.poll()
		if err != nil {
			return nil, mapErr("poll", r.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// CastVote records the response and bumps the tally inside one transaction.
// The tally update is a single in-place increment, so concurrent voters
// serialize on the poll row instead of overwriting each other.
func (s *Store) CastVote(ctx context.Context, pollID, userID, option string) (poll.Poll, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return poll.Poll{}, mapErr("poll", pollID, err)
	}
	defer tx.Rollback()

	var current pollRow
	if err := tx.GetContext(ctx, &current, `SELECT `+pollColumns+` FROM polls WHERE id = $1`, pollID); err != nil {
		return poll.Poll{}, mapErr("poll", pollID, err)
	}
	p, err := current.poll()
	if err != nil {
		return poll.Poll{}, mapErr("poll", pollID, err)
	}
	now := s.now()
	if err := p.CheckVote(userID, option, now); err != nil {
		return poll.Poll{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO poll_responses (poll_id, user_id, option, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (poll_id, user_id) DO NOTHING
	`, pollID, userID, option, now)
	if err != nil {
		return poll.Poll{}, mapErr("poll", pollID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return poll.Poll{}, poll.ErrAlreadyVoted(pollID)
	}

	var updated pollRow
	err = tx.GetContext(ctx, &updated, `
		UPDATE polls
		SET votes = jsonb_set(votes, ARRAY[$2::text], to_jsonb(COALESCE((votes->>$2::text)::int, 0) + 1), true),
		    total_votes = total_votes + 1
		WHERE id = $1
		RETURNING `+pollColumns, pollID, option)
	if err != nil {
		return poll.Poll{}, mapErr("poll", pollID, err)
	}
	if err := tx.Commit(); err != nil {
		return poll.Poll{}, mapErr("poll", pollID, err)
	}

	out, err := updated.poll()
	return out, mapErr("poll", pollID, err)
}

func (s *Store) UserVote(ctx context.Context, pollID, userID string) (string, error) {
	var option string
	err := s.db.GetContext(ctx, &option, `SELECT option FROM poll_responses WHERE poll_id = $1 AND user_id = $2`, pollID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapErr("poll", pollID, err)
	}
	return option, nil
}

// --- ContentStore ------------------------------------------------------------

const contentColumns = `id, title, description, script, key_points, takeaway, topic, category, difficulty,
	duration, word_count, is_premium, view_count, model, created_by, created_at`

type contentRow struct {
	ID          string         `db:"id"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	Script      string         `db:"script"`
	KeyPoints   pq.StringArray `db:"key_points"`
	Takeaway    string         `db:"takeaway"`
	Topic       string         `db:"topic"`
	Category    string         `db:"category"`
	Difficulty  string         `db:"difficulty"`
	Duration    int            `db:"duration"`
	WordCount   int            `db:"word_count"`
	IsPremium   bool           `db:"is_premium"`
	ViewCount   int            `db:"view_count"`
	Model       string         `db:"model"`
	CreatedBy   string         `db:"created_by"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r contentRow) content() content.Content {
	return content.Content{
		ID: r.ID, Title: r.Title, Description: r.Description, Script: r.Script,
		KeyPoints: []string(r.KeyPoints), Takeaway: r.Takeaway, Topic: r.Topic,
		Category: r.Category, Difficulty: r.Difficulty, Duration: r.Duration,
		WordCount: r.WordCount, IsPremium: r.IsPremium, ViewCount: r.ViewCount,
		Model: r.Model, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt,
	}
}

func (s *Store) CreateContent(ctx context.Context, c content.Content) (content.Content, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO educational_content (`+contentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, c.ID, c.Title, c.Description, c.Script, pq.Array(c.KeyPoints), c.Takeaway, c.Topic, c.Category,
		c.Difficulty, c.Duration, c.WordCount, c.IsPremium, c.ViewCount, c.Model, c.CreatedBy, c.CreatedAt)
	if err != nil {
		return content.Content{}, mapErr("content", c.ID, err)
	}
	return c, nil
}

func (s *Store) ListContent(ctx context.Context, category string, limit int) ([]content.Content, error) {
	limit, _ = storage.ClampPage(limit, 0, storage.DefaultContentLimit)

	var rows []contentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+contentColumns+`
		FROM educational_content
		WHERE ($1 = '' OR category = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, category, limit)
	if err != nil {
		return nil, mapErr("content", "", err)
	}

	out := make([]content.Content, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.content())
	}
	return out, nil
}

func (s *Store) IncrementViewCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		UPDATE educational_content SET view_count = view_count + 1 WHERE id = $1 RETURNING view_count
	`, id)
	if err != nil {
		return 0, mapErr("content", id, err)
	}
	return n, nil
}

// --- MarketStore -------------------------------------------------------------

const snapshotColumns = `coin_id, symbol, name, price, market_cap, volume_24h, change_24h, last_updated`

func (s *Store) UpsertMarketSnapshots(ctx context.Context, snaps []storage.MarketSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr("market snapshot", "", err)
	}
	defer tx.Rollback()

	for _, snap := range snaps {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO market_data_cache (`+snapshotColumns+`)
			VALUES (:coin_id, :symbol, :name, :price, :market_cap, :volume_24h, :change_24h, :last_updated)
			ON CONFLICT (coin_id) DO UPDATE SET
			    symbol = EXCLUDED.symbol,
			    name = EXCLUDED.name,
			    price = EXCLUDED.price,
			    market_cap = EXCLUDED.market_cap,
			    volume_24h = EXCLUDED.volume_24h,
			    change_24h = EXCLUDED.change_24h,
			    last_updated = EXCLUDED.last_updated
		`, snap)
		if err != nil {
			return mapErr("market snapshot", snap.CoinID, err)
		}
	}
	return mapErr("market snapshot", "", tx.Commit())
}

func (s *Store) ListMarketSnapshots(ctx context.Context, coinIDs []string) ([]storage.MarketSnapshot, error) {
	out := []storage.MarketSnapshot{}
	var err error
	if len(coinIDs) == 0 {
		err = s.db.SelectContext(ctx, &out, `SELECT `+snapshotColumns+` FROM market_data_cache ORDER BY last_updated DESC`)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT `+snapshotColumns+` FROM market_data_cache
			WHERE coin_id = ANY($1)
			ORDER BY last_updated DESC
		`, pq.Array(coinIDs))
	}
	if err != nil {
		return nil, mapErr("market snapshot", "", err)
	}
	return out, nil
}

// --- SubscriptionStore -------------------------------------------------------

const subscriptionColumns = `id, user_id, plan_id, status, checkout_session_id, created_at, updated_at`

func (s *Store) CreateSubscription(ctx context.Context, sub user.Subscription) (user.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (:id, :user_id, :plan_id, :status, :checkout_session_id, :created_at, :updated_at)
	`, sub)
	if err != nil {
		return user.Subscription{}, mapErr("subscription", sub.ID, err)
	}
	return sub, nil
}

func (s *Store) ActiveSubscription(ctx context.Context, userID string) (user.Subscription, error) {
	var sub user.Subscription
	err := s.db.GetContext(ctx, &sub, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, user.SubscriptionActive)
	if err != nil {
		return user.Subscription{}, mapErr("subscription", "", err)
	}
	return sub, nil
}

func (s *Store) SubscriptionBySession(ctx context.Context, sessionID string) (user.Subscription, error) {
	var sub user.Subscription
	err := s.db.GetContext(ctx, &sub, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE checkout_session_id = $1
	`, sessionID)
	if err != nil {
		return user.Subscription{}, mapErr("subscription", sessionID, err)
	}
	return sub, nil
}

func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id, status string) (user.Subscription, error) {
	var sub user.Subscription
	err := s.db.GetContext(ctx, &sub, `
		UPDATE subscriptions SET status = $2, updated_at = $3 WHERE id = $1
		RETURNING `+subscriptionColumns, id, status, s.now())
	if err != nil {
		return user.Subscription{}, mapErr("subscription", id, err)
	}
	return sub, nil
}
