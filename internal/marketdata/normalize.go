package marketdata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
)

// QuoteSchema maps a provider payload onto CoinQuote fields. Each field is a
// gjson path relative to one coin object; List locates the coin array
// (empty for a top-level array).
type QuoteSchema struct {
	Provider         string
	List             string
	ID               string
	Symbol           string
	Name             string
	Price            string
	Change24h        string
	ChangePercent24h string
	ChangePercent7d  string
	MarketCap        string
	Volume24h        string
	Image            string
	LastUpdated      string
}

// DetailSchema adds the single-coin detail fields.
type DetailSchema struct {
	QuoteSchema
	CirculatingSupply string
	TotalSupply       string
	MaxSupply         string
	Description       string
}

// CoinGeckoMarkets reads /coins/markets.
var CoinGeckoMarkets = QuoteSchema{
	Provider:         "CoinGecko",
	ID:               "id",
	Symbol:           "symbol",
	Name:             "name",
	Price:            "current_price",
	Change24h:        "price_change_24h",
	ChangePercent24h: "price_change_percentage_24h",
	ChangePercent7d:  "price_change_percentage_7d_in_currency",
	MarketCap:        "market_cap",
	Volume24h:        "total_volume",
	Image:            "image",
	LastUpdated:      "last_updated",
}

// CoinGeckoDetail reads /coins/{id}.
var CoinGeckoDetail = DetailSchema{
	QuoteSchema: QuoteSchema{
		Provider:         "CoinGecko",
		ID:               "id",
		Symbol:           "symbol",
		Name:             "name",
		Price:            "market_data.current_price.usd",
		Change24h:        "market_data.price_change_24h",
		ChangePercent24h: "market_data.price_change_percentage_24h",
		ChangePercent7d:  "market_data.price_change_percentage_7d",
		MarketCap:        "market_data.market_cap.usd",
		Volume24h:        "market_data.total_volume.usd",
		Image:            "image.large",
		LastUpdated:      "market_data.last_updated",
	},
	CirculatingSupply: "market_data.circulating_supply",
	TotalSupply:       "market_data.total_supply",
	MaxSupply:         "market_data.max_supply",
	Description:       "description.en",
}

// NormalizeQuotes converts a provider batch into quotes. Output preserves the
// payload order. A missing or non-numeric required field, a negative price or
// a repeated id fails the whole batch.
func NormalizeQuotes(raw []byte, schema QuoteSchema) ([]CoinQuote, error) {
	if !gjson.ValidBytes(raw) {
		return nil, svcerrors.Malformed(schema.Provider, "", "payload is not valid JSON")
	}

	list := gjson.ParseBytes(raw)
	if schema.List != "" {
		list = list.Get(schema.List)
	}
	if !list.IsArray() {
		return nil, svcerrors.Malformed(schema.Provider, schema.List, "expected an array of coins")
	}

	items := list.Array()
	quotes := make([]CoinQuote, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		q, err := normalizeQuote(item, schema)
		if err != nil {
			return nil, fmt.Errorf("coin %d: %w", i, err)
		}
		if _, dup := seen[q.ID]; dup {
			return nil, svcerrors.Malformed(schema.Provider, schema.ID, "duplicate id "+q.ID)
		}
		seen[q.ID] = struct{}{}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// NormalizeDetail converts a single-coin payload.
func NormalizeDetail(raw []byte, schema DetailSchema) (CoinDetail, error) {
	if !gjson.ValidBytes(raw) {
		return CoinDetail{}, svcerrors.Malformed(schema.Provider, "", "payload is not valid JSON")
	}
	root := gjson.ParseBytes(raw)

	q, err := normalizeQuote(root, schema.QuoteSchema)
	if err != nil {
		return CoinDetail{}, err
	}
	return CoinDetail{
		CoinQuote:         q,
		CirculatingSupply: measure(root, schema.CirculatingSupply),
		TotalSupply:       measure(root, schema.TotalSupply),
		MaxSupply:         measure(root, schema.MaxSupply),
		Description:       strings.TrimSpace(root.Get(schema.Description).String()),
	}, nil
}

func normalizeQuote(item gjson.Result, s QuoteSchema) (CoinQuote, error) {
	id := strings.TrimSpace(item.Get(s.ID).String())
	if id == "" {
		return CoinQuote{}, svcerrors.Malformed(s.Provider, s.ID, "missing id")
	}

	symbol := strings.TrimSpace(item.Get(s.Symbol).String())
	if symbol == "" {
		return CoinQuote{}, svcerrors.Malformed(s.Provider, s.Symbol, "missing symbol for "+id)
	}

	price, ok := decimalAt(item, s.Price)
	if !ok {
		return CoinQuote{}, svcerrors.Malformed(s.Provider, s.Price, "missing or non-numeric price for "+id)
	}
	if price.IsNegative() {
		return CoinQuote{}, svcerrors.Malformed(s.Provider, s.Price, "negative price for "+id)
	}

	name := strings.TrimSpace(item.Get(s.Name).String())
	if name == "" {
		name = id
	}

	return CoinQuote{
		ID:                id,
		Symbol:            strings.ToUpper(symbol),
		Name:              name,
		Price:             price,
		Change24hAbsolute: measure(item, s.Change24h),
		ChangePercent24h:  measure(item, s.ChangePercent24h),
		ChangePercent7d:   measure(item, s.ChangePercent7d),
		MarketCap:         measure(item, s.MarketCap),
		Volume24h:         measure(item, s.Volume24h),
		ImageRef:          item.Get(s.Image).String(),
		LastUpdated:       timeAt(item, s.LastUpdated),
	}, nil
}

// NormalizeTrending reads /search/trending.
func NormalizeTrending(raw []byte) ([]TrendingCoin, error) {
	if !gjson.ValidBytes(raw) {
		return nil, svcerrors.Malformed("CoinGecko", "", "payload is not valid JSON")
	}
	coins := gjson.GetBytes(raw, "coins")
	if !coins.IsArray() {
		return nil, svcerrors.Malformed("CoinGecko", "coins", "expected an array of coins")
	}

	out := make([]TrendingCoin, 0, len(coins.Array()))
	for _, c := range coins.Array() {
		item := c.Get("item")
		id := item.Get("id").String()
		if id == "" {
			return nil, svcerrors.Malformed("CoinGecko", "coins.item.id", "missing id")
		}
		out = append(out, TrendingCoin{
			ID:                    id,
			Name:                  item.Get("name").String(),
			Symbol:                strings.ToUpper(item.Get("symbol").String()),
			MarketCapRank:         int(item.Get("market_cap_rank").Int()),
			ImageRef:              item.Get("large").String(),
			PriceChangePercent24h: measure(item, "data.price_change_percentage_24h.usd"),
		})
	}
	return out, nil
}

// NormalizeGlobal reads /global.
func NormalizeGlobal(raw []byte) (GlobalStats, error) {
	if !gjson.ValidBytes(raw) {
		return GlobalStats{}, svcerrors.Malformed("CoinGecko", "", "payload is not valid JSON")
	}
	data := gjson.GetBytes(raw, "data")
	if !data.IsObject() {
		return GlobalStats{}, svcerrors.Malformed("CoinGecko", "data", "missing data object")
	}

	var pct map[string]float64
	if m := data.Get("market_cap_percentage"); m.IsObject() {
		pct = make(map[string]float64)
		m.ForEach(func(k, v gjson.Result) bool {
			pct[k.String()] = v.Float()
			return true
		})
	}

	return GlobalStats{
		TotalMarketCap:            measure(data, "total_market_cap.usd"),
		TotalVolume24h:            measure(data, "total_volume.usd"),
		MarketCapChangePercent24h: measure(data, "market_cap_change_percentage_24h_usd"),
		ActiveCryptocurrencies:    int(data.Get("active_cryptocurrencies").Int()),
		Markets:                   int(data.Get("markets").Int()),
		MarketCapPercentage:       pct,
	}, nil
}

// NormalizeSearch reads /search.
func NormalizeSearch(raw []byte) ([]SearchResult, error) {
	if !gjson.ValidBytes(raw) {
		return nil, svcerrors.Malformed("CoinGecko", "", "payload is not valid JSON")
	}
	coins := gjson.GetBytes(raw, "coins")
	if !coins.Exists() {
		return []SearchResult{}, nil
	}
	if !coins.IsArray() {
		return nil, svcerrors.Malformed("CoinGecko", "coins", "expected an array of coins")
	}

	out := make([]SearchResult, 0, len(coins.Array()))
	for _, c := range coins.Array() {
		id := c.Get("id").String()
		if id == "" {
			continue
		}
		out = append(out, SearchResult{
			ID:            id,
			Name:          c.Get("name").String(),
			Symbol:        strings.ToUpper(c.Get("symbol").String()),
			MarketCapRank: int(c.Get("market_cap_rank").Int()),
			ImageRef:      c.Get("large").String(),
		})
	}
	return out, nil
}

// SortByMarketCap orders quotes by descending market cap. Quotes without a
// market cap go last; ties keep their id order so the result is stable.
func SortByMarketCap(quotes []CoinQuote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		a, b := quotes[i].MarketCap, quotes[j].MarketCap
		switch {
		case a.Known != b.Known:
			return a.Known
		case a.Value != b.Value:
			return a.Value > b.Value
		default:
			return quotes[i].ID < quotes[j].ID
		}
	})
}

func decimalAt(item gjson.Result, path string) (decimal.Decimal, bool) {
	if path == "" {
		return decimal.Decimal{}, false
	}
	v := item.Get(path)
	switch v.Type {
	case gjson.Number:
		d, err := decimal.NewFromString(v.Raw)
		if err != nil {
			return decimal.NewFromFloat(v.Float()), true
		}
		return d, true
	case gjson.String:
		d, err := decimal.NewFromString(strings.TrimSpace(v.Str))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}

func measure(item gjson.Result, path string) Measure {
	if path == "" {
		return Unavailable()
	}
	v := item.Get(path)
	switch v.Type {
	case gjson.Number:
		return Known(v.Float())
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return Unavailable()
		}
		return Known(f)
	default:
		return Unavailable()
	}
}

func timeAt(item gjson.Result, path string) time.Time {
	if path == "" {
		return time.Time{}
	}
	v := item.Get(path)
	if v.Type != gjson.String {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v.Str)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
