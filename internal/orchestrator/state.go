package orchestrator

import (
	"time"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/domain/trade"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/marketdata"
)

// Category is an independently refreshed slice of workspace state.
type Category string

const (
	Coins     Category = "coins"
	Polls     Category = "polls"
	Trades    Category = "trades"
	Videos    Category = "videos"
	Portfolio Category = "portfolio"
)

// Categories lists every category in refresh order.
var Categories = []Category{Coins, Polls, Trades, Videos, Portfolio}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", svcerrors.Validation("category", "Unknown category.").WithDetails("category", s)
}

// LoadingStatus is where a category is in its refresh cycle.
type LoadingStatus string

const (
	Idle    LoadingStatus = "idle"
	Loading LoadingStatus = "loading"
	Success LoadingStatus = "success"
	Error   LoadingStatus = "error"
)

// CategoryState is the status and last error of one category. Degraded
// marks a success served from stale market data.
type CategoryState struct {
	Status    LoadingStatus       `json:"status"`
	Degraded  bool                `json:"degraded,omitempty"`
	Error     string              `json:"error,omitempty"`
	ErrorCode svcerrors.ErrorCode `json:"error_code,omitempty"`
	UpdatedAt time.Time           `json:"updated_at,omitempty"`
}

func (s *CategoryState) setError(err error) {
	if err == nil {
		s.Error, s.ErrorCode = "", ""
		return
	}
	s.Error = svcerrors.Message(err)
	s.ErrorCode = svcerrors.CodeOf(err)
}

// Snapshot is a consistent copy of a workspace.
type Snapshot struct {
	UserID    string                     `json:"user_id,omitempty"`
	Coins     []marketdata.CoinQuote     `json:"coins"`
	Polls     []poll.Poll                `json:"polls"`
	Trades    []trade.Trade              `json:"trades"`
	Videos    []content.Content          `json:"videos"`
	Portfolio trade.Portfolio            `json:"portfolio"`
	Votes     map[string]string          `json:"votes"`
	Status    map[Category]CategoryState `json:"status"`
}
