package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/trade"
	"github.com/memelearn/service_layer/internal/domain/user"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/platform/migrations"
	"github.com/memelearn/service_layer/internal/storage"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := New(sqlx.NewDb(db, "postgres"))
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func holdingRows(amount, avg string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "coin_id", "symbol", "amount", "average_price", "updated_at"}).
		AddRow("u1", "pepe", "PEPE", amount, avg, fixedNow)
}

func pollRows(options string, votes string, total int, end time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "question", "options", "votes", "total_votes", "is_active", "end_date", "created_by", "created_at"}).
		AddRow("p1", "Best coin?", options, []byte(votes), total, true, end, "admin", fixedNow.Add(-time.Hour))
}

func TestRecordTradeAppliesHoldingInTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trades")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO portfolio_holdings AS h")).
		WithArgs("u1", "pepe", "PEPE", "50", "0.02", sqlmock.AnyArg()).
		WillReturnRows(holdingRows("150", "0.0133333333333333"))
	mock.ExpectCommit()

	tr := trade.Trade{
		UserID: "u1", CoinID: "PEPE", Symbol: "pepe", Side: trade.Buy,
		Amount: decimal.NewFromInt(50), Price: decimal.RequireFromString("0.02"),
	}.Normalize()

	stored, h, err := s.RecordTrade(context.Background(), tr)
	if err != nil {
		t.Fatalf("record trade: %v", err)
	}
	assert.NotEmpty(t, stored.ID)
	assert.True(t, h.Amount.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, "0.01333", h.AveragePrice.Round(5).String())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordTradeSellSendsNegativeDelta(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trades")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO portfolio_holdings AS h")).
		WithArgs("u1", "pepe", "PEPE", "-30", "0.03", sqlmock.AnyArg()).
		WillReturnRows(holdingRows("120", "0.0133333333333333"))
	mock.ExpectCommit()

	tr := trade.Trade{
		UserID: "u1", CoinID: "pepe", Symbol: "PEPE", Side: trade.Sell,
		Amount: decimal.NewFromInt(30), Price: decimal.RequireFromString("0.03"),
	}.Normalize()

	_, h, err := s.RecordTrade(context.Background(), tr)
	require.NoError(t, err)
	assert.True(t, h.Amount.Equal(decimal.NewFromInt(120)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTradePendingSkipsHolding(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trades")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, h, err := s.RecordTrade(context.Background(), trade.Trade{
		UserID: "u1", CoinID: "bonk", Side: trade.Buy, Status: trade.StatusPending,
		Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.True(t, h.Amount.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTradeRollsBackWhenHoldingFails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trades")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO portfolio_holdings")).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, _, err := s.RecordTrade(context.Background(), trade.Trade{
		UserID: "u1", CoinID: "pepe", Side: trade.Buy, Status: trade.StatusCompleted,
		Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
	})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInternal))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCastVoteIncrementsInPlace(t *testing.T) {
	s, mock := newMockStore(t)
	end := fixedNow.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM polls WHERE id = $1")).
		WithArgs("p1").
		WillReturnRows(pollRows("{A,B}", `{"A":4,"B":6}`, 10, end))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO poll_responses")).
		WithArgs("p1", "u1", "A", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SET votes = jsonb_set(votes, ARRAY[$2::text]")).
		WithArgs("p1", "A").
		WillReturnRows(pollRows("{A,B}", `{"A":5,"B":6}`, 11, end))
	mock.ExpectCommit()

	p, err := s.CastVote(context.Background(), "p1", "u1", "A")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Votes["A"])
	assert.Equal(t, 11, p.TotalVotes)
	assert.Equal(t, []string{"A", "B"}, p.Options)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCastVoteRejectsSecondVote(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM polls WHERE id = $1")).
		WillReturnRows(pollRows("{A,B}", `{}`, 0, fixedNow.Add(time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO poll_responses")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.CastVote(context.Background(), "p1", "u1", "B")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCastVoteRejectsClosedPoll(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM polls WHERE id = $1")).
		WillReturnRows(pollRows("{A,B}", `{}`, 0, fixedNow.Add(-time.Minute)))
	mock.ExpectRollback()

	_, err := s.CastVote(context.Background(), "p1", "u1", "A")
	assert.Equal(t, "This poll is closed.", svcerrors.Message(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPollNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM polls WHERE id = $1")).WillReturnError(sql.ErrNoRows)

	_, err := s.GetPoll(context.Background(), "missing")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeNotFound))
}

func TestUserVoteWithoutResponse(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT option FROM poll_responses")).
		WithArgs("p1", "u2").
		WillReturnError(sql.ErrNoRows)

	choice, err := s.UserVote(context.Background(), "p1", "u2")
	require.NoError(t, err)
	assert.Empty(t, choice)
}

func TestCreateProfileDuplicateEmail(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "users_email_key"})

	_, err := s.CreateProfile(context.Background(), user.NewProfile("u1", "a@b.co", user.Attrs{}, fixedNow))
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))
	assert.Equal(t, "Record already exists.", svcerrors.Message(err))
}

func TestListTradesAppliesDefaultPage(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY "timestamp" DESC`)).
		WithArgs("u1", storage.DefaultTradeLimit, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "coin", "symbol", "trade_type", "amount", "price", "total", "status", "transaction_hash", "timestamp"}).
			AddRow("t1", "u1", "doge", "DOGE", "buy", "10", "0.15", "1.5", "completed", "", fixedNow))

	trades, err := s.ListTrades(context.Background(), "u1", 0, -3)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, trade.Buy, trades[0].Side)
	assert.Equal(t, "1.5", trades[0].Total.String())
}

func TestIncrementViewCount(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SET view_count = view_count + 1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"view_count"}).AddRow(8))

	n, err := s.IncrementViewCount(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestUpsertMarketSnapshotsBatchesInTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (coin_id) DO UPDATE")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (coin_id) DO UPDATE")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpsertMarketSnapshots(context.Background(), []storage.MarketSnapshot{
		{CoinID: "pepe", Price: decimal.RequireFromString("0.00001"), LastUpdated: fixedNow},
		{CoinID: "doge", Price: decimal.RequireFromString("0.15"), LastUpdated: fixedNow},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.NoError(t, s.UpsertMarketSnapshots(context.Background(), nil))
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	require.NoError(t, migrations.Up(dsn))

	ctx := context.Background()
	s, err := Open(ctx, dsn, 5)
	require.NoError(t, err)
	defer s.Close()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	t.Run("concurrent votes", func(t *testing.T) {
		p := poll.Poll{Question: "Best coin?", Options: []string{"A", "B"}}.Prepare(time.Now())
		p.Votes["A"], p.Votes["B"], p.TotalVotes = 4, 6, 10
		created, err := s.CreatePoll(ctx, p)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CastVote(ctx, created.ID, fmt.Sprintf("voter-%s-%d", suffix, i), "A")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.GetPoll(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 12, got.TotalVotes)
		assert.Equal(t, 6, got.Votes["A"])
	})

	t.Run("weighted average", func(t *testing.T) {
		userID := "trader-" + suffix
		buy := func(amount, price string) trade.Holding {
			_, h, err := s.RecordTrade(ctx, trade.Trade{
				UserID: userID, CoinID: "pepe", Symbol: "PEPE", Side: trade.Buy,
				Amount: decimal.RequireFromString(amount), Price: decimal.RequireFromString(price),
			}.Normalize())
			require.NoError(t, err)
			return h
		}
		buy("100", "0.01")
		h := buy("50", "0.02")
		assert.True(t, h.Amount.Equal(decimal.NewFromInt(150)))
		assert.Equal(t, "0.01333", h.AveragePrice.Round(5).String())

		h, err := s.ApplyHoldingDelta(ctx, userID, "pepe", "PEPE", decimal.NewFromInt(-500), decimal.RequireFromString("0.05"))
		require.NoError(t, err)
		assert.True(t, h.Amount.IsZero(), "holding never goes negative")
	})
}

func TestSubscriptionBySession(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "user_id", "plan_id", "status", "checkout_session_id", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions WHERE checkout_session_id = $1")).
		WithArgs("cs_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", "u1", "premium", user.SubscriptionPending, "cs_1", fixedNow, fixedNow))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions WHERE checkout_session_id = $1")).
		WithArgs("cs_missing").
		WillReturnError(sql.ErrNoRows)

	sub, err := s.SubscriptionBySession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sub.ID)
	assert.Equal(t, user.SubscriptionPending, sub.Status)

	_, err = s.SubscriptionBySession(context.Background(), "cs_missing")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}
