// Package trade models simulated trades, the portfolio holdings they move and
// the valuation of those holdings at current prices.
package trade

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
)

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Trade is one simulated order.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	CoinID    string          `json:"coin" db:"coin"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      Side            `json:"trade_type" db:"trade_type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Total     decimal.Decimal `json:"total" db:"total"`
	Status    Status          `json:"status" db:"status"`
	TxHash    string          `json:"transaction_hash,omitempty" db:"transaction_hash"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Normalize fills derived fields.
func (t Trade) Normalize() Trade {
	t.CoinID = strings.ToLower(strings.TrimSpace(t.CoinID))
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	t.Side = Side(strings.ToLower(string(t.Side)))
	t.Total = t.Amount.Mul(t.Price)
	if t.Status == "" {
		t.Status = StatusCompleted
	}
	return t
}

// Validate rejects a trade before it reaches any store.
func (t Trade) Validate() error {
	if t.UserID == "" {
		return svcerrors.Validation("user_id", "A signed-in user is required to trade.")
	}
	if t.CoinID == "" {
		return svcerrors.Validation("coin", "Coin is required.")
	}
	if t.Side != Buy && t.Side != Sell {
		return svcerrors.Validation("trade_type", "Trade type must be buy or sell.")
	}
	if !t.Amount.IsPositive() {
		return svcerrors.Validation("amount", "Amount must be greater than zero.")
	}
	if t.Price.IsNegative() {
		return svcerrors.Validation("price", "Price cannot be negative.")
	}
	return nil
}

// SignedAmount is the holding delta this trade produces.
func (t Trade) SignedAmount() decimal.Decimal {
	if t.Side == Sell {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Holding is a user's position in one coin.
type Holding struct {
	UserID       string          `json:"user_id" db:"user_id"`
	CoinID       string          `json:"coin_id" db:"coin_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Apply returns the holding after a signed delta at price. Buys recompute the
// weighted average price; sells keep it. The amount never drops below zero.
func (h Holding) Apply(delta, price decimal.Decimal) Holding {
	next := h
	if delta.IsPositive() {
		amount := h.Amount.Add(delta)
		cost := h.Amount.Mul(h.AveragePrice).Add(delta.Mul(price))
		next.AveragePrice = cost.Div(amount)
		next.Amount = amount
		return next
	}

	next.Amount = h.Amount.Add(delta)
	if next.Amount.IsNegative() {
		next.Amount = decimal.Zero
	}
	if h.Amount.IsZero() && h.AveragePrice.IsZero() {
		next.AveragePrice = price
	}
	return next
}

// Position is a holding valued at a current price.
type Position struct {
	Holding
	CurrentPrice  decimal.Decimal `json:"current_price"`
	PriceKnown    bool            `json:"price_known"`
	Value         decimal.Decimal `json:"value"`
	Cost          decimal.Decimal `json:"cost"`
	ProfitLoss    decimal.Decimal `json:"profit_loss"`
	ProfitLossPct float64         `json:"profit_loss_percent"`
}

// Portfolio is the valued set of a user's open positions.
type Portfolio struct {
	Positions  []Position      `json:"positions"`
	TotalValue decimal.Decimal `json:"total_value"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
	ValuedAt   time.Time       `json:"valued_at"`
}

// Value prices holdings with prices keyed by coin id. Holdings without a
// price are valued at their average cost. Empty holdings are skipped.
func Value(holdings []Holding, prices map[string]decimal.Decimal, at time.Time) Portfolio {
	out := Portfolio{Positions: make([]Position, 0, len(holdings)), ValuedAt: at}
	for _, h := range holdings {
		if !h.Amount.IsPositive() {
			continue
		}
		p := Position{Holding: h, Cost: h.Amount.Mul(h.AveragePrice)}
		if price, ok := prices[h.CoinID]; ok {
			p.CurrentPrice = price
			p.PriceKnown = true
		} else {
			p.CurrentPrice = h.AveragePrice
		}
		p.Value = h.Amount.Mul(p.CurrentPrice)
		p.ProfitLoss = p.Value.Sub(p.Cost)
		if p.Cost.IsPositive() {
			p.ProfitLossPct, _ = p.ProfitLoss.Div(p.Cost).Mul(decimal.NewFromInt(100)).Float64()
		}

		out.Positions = append(out.Positions, p)
		out.TotalValue = out.TotalValue.Add(p.Value)
		out.TotalCost = out.TotalCost.Add(p.Cost)
	}
	out.ProfitLoss = out.TotalValue.Sub(out.TotalCost)
	return out
}
