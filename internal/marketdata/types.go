// Package marketdata acquires coin quotes and market statistics from an
// upstream provider through a rate-governed, cached, de-duplicated gateway.
package marketdata

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Measure is an analytics value the provider may not report. An unavailable
// measure serialises as null and is never confused with zero.
type Measure struct {
	Value float64
	Known bool
}

// Known wraps a reported value.
func Known(v float64) Measure {
	return Measure{Value: v, Known: true}
}

// Unavailable marks a value the provider did not report.
func Unavailable() Measure {
	return Measure{}
}

// Or returns the value, or fallback when unavailable.
func (m Measure) Or(fallback float64) float64 {
	if !m.Known {
		return fallback
	}
	return m.Value
}

func (m Measure) MarshalJSON() ([]byte, error) {
	if !m.Known {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(m.Value, 'f', -1, 64)), nil
}

func (m *Measure) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = Measure{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = Known(v)
	return nil
}

// CoinQuote is one normalised coin snapshot.
type CoinQuote struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	Change24hAbsolute Measure         `json:"change24h"`
	ChangePercent24h  Measure         `json:"changePercentage24h"`
	ChangePercent7d   Measure         `json:"changePercentage7d"`
	MarketCap         Measure         `json:"marketCap"`
	Volume24h         Measure         `json:"volume24h"`
	ImageRef          string          `json:"image,omitempty"`
	LastUpdated       time.Time       `json:"lastUpdated"`
}

// CoinDetail extends a quote with supply figures and a description.
type CoinDetail struct {
	CoinQuote
	CirculatingSupply Measure `json:"circulatingSupply"`
	TotalSupply       Measure `json:"totalSupply"`
	MaxSupply         Measure `json:"maxSupply"`
	Description       string  `json:"description"`
}

// TrendingCoin is an entry of the provider's trending list.
type TrendingCoin struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Symbol                string  `json:"symbol"`
	MarketCapRank         int     `json:"marketCapRank,omitempty"`
	ImageRef              string  `json:"image,omitempty"`
	PriceChangePercent24h Measure `json:"priceChangePercentage24h"`
}

// GlobalStats summarises the whole market.
type GlobalStats struct {
	TotalMarketCap            Measure            `json:"totalMarketCap"`
	TotalVolume24h            Measure            `json:"totalVolume24h"`
	MarketCapChangePercent24h Measure            `json:"marketCapChangePercentage24h"`
	ActiveCryptocurrencies    int                `json:"activeCryptocurrencies"`
	Markets                   int                `json:"markets"`
	MarketCapPercentage       map[string]float64 `json:"marketCapPercentage,omitempty"`
}

// SearchResult is one coin matching a search query.
type SearchResult struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	MarketCapRank int    `json:"marketCapRank,omitempty"`
	ImageRef      string `json:"image,omitempty"`
}
