package marketdata

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/httputil"
)

const (
	// CoinGeckoFreeURL is the public API base URL.
	CoinGeckoFreeURL = "https://api.coingecko.com/api/v3"
	// CoinGeckoProURL is the paid API base URL.
	CoinGeckoProURL = "https://pro-api.coingecko.com/api/v3"

	// ProviderCoinGecko names the provider for the rate governor.
	ProviderCoinGecko = "coingecko"
)

// Source fetches raw provider payloads. Every error it returns is already
// classified.
type Source interface {
	// Name is the provider key the rate governor paces.
	Name() string
	Markets(ctx context.Context, ids []string) ([]byte, error)
	Coin(ctx context.Context, id string) ([]byte, error)
	Trending(ctx context.Context) ([]byte, error)
	Global(ctx context.Context) ([]byte, error)
	Search(ctx context.Context, query string) ([]byte, error)
}

// CoinGeckoConfig configures the CoinGecko source.
type CoinGeckoConfig struct {
	APIKey string
	// Pro selects the paid endpoint and header.
	Pro     bool
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// CoinGecko implements Source against the CoinGecko v3 API.
type CoinGecko struct {
	http *httputil.Client
}

// NewCoinGecko creates a CoinGecko source. Retries are disabled because
// pacing belongs to the rate governor; a breaker sheds load during outages.
func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	baseURL := cfg.BaseURL
	header := "x-cg-demo-api-key"
	if cfg.Pro {
		header = "x-cg-pro-api-key"
		if baseURL == "" {
			baseURL = CoinGeckoProURL
		}
	}
	if baseURL == "" {
		baseURL = CoinGeckoFreeURL
	}

	breaker := httputil.DefaultCircuitBreakerConfig()
	return &CoinGecko{
		http: httputil.NewClient(httputil.ClientConfig{
			Provider:       "CoinGecko",
			BaseURL:        baseURL,
			Timeout:        cfg.Timeout,
			HTTPClient:     cfg.HTTPClient,
			Headers:        map[string]string{header: cfg.APIKey},
			CircuitBreaker: &breaker,
		}),
	}
}

func (c *CoinGecko) Name() string {
	return ProviderCoinGecko
}

// Markets calls /coins/markets for ids.
func (c *CoinGecko) Markets(ctx context.Context, ids []string) ([]byte, error) {
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("ids", strings.Join(ids, ","))
	q.Set("order", "market_cap_desc")
	q.Set("per_page", "50")
	q.Set("page", "1")
	q.Set("sparkline", "false")
	q.Set("price_change_percentage", "24h,7d")
	return c.http.GetJSON(ctx, "/coins/markets", q)
}

// Coin calls /coins/{id} with market data only.
func (c *CoinGecko) Coin(ctx context.Context, id string) ([]byte, error) {
	q := url.Values{}
	q.Set("localization", "false")
	q.Set("tickers", "false")
	q.Set("market_data", "true")
	q.Set("community_data", "false")
	q.Set("developer_data", "false")
	q.Set("sparkline", "false")

	body, err := c.http.GetJSON(ctx, "/coins/"+url.PathEscape(id), q)
	if svcerrors.HasCode(err, svcerrors.CodeNotFound) {
		return nil, svcerrors.NotFound("coin", id)
	}
	return body, err
}

// Trending calls /search/trending.
func (c *CoinGecko) Trending(ctx context.Context) ([]byte, error) {
	return c.http.GetJSON(ctx, "/search/trending", nil)
}

// Global calls /global.
func (c *CoinGecko) Global(ctx context.Context) ([]byte, error) {
	return c.http.GetJSON(ctx, "/global", nil)
}

// Search calls /search.
func (c *CoinGecko) Search(ctx context.Context, query string) ([]byte, error) {
	return c.http.GetJSON(ctx, "/search", url.Values{"query": {query}})
}
