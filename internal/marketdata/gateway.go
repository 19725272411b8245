package marketdata

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memelearn/service_layer/internal/cache"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/httputil"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/metrics"
	"github.com/memelearn/service_layer/internal/ratelimit"
)

// DefaultTTL is the freshness window for market data.
const DefaultTTL = 30 * time.Second

const maxQueryLength = 100

// Origin says where a result came from.
type Origin string

const (
	OriginCache    Origin = "cache"
	OriginUpstream Origin = "upstream"
	OriginStale    Origin = "stale"
)

// Result carries a value and its provenance. When Origin is OriginStale the
// upstream call failed and Cause holds the classified failure.
type Result[T any] struct {
	Value    T
	Origin   Origin
	StoredAt time.Time
	Cause    error
}

// Degraded reports whether the value is a stale fallback.
func (r Result[T]) Degraded() bool {
	return r.Origin == OriginStale
}

// QuotesHook receives every batch fetched from upstream.
type QuotesHook func(ctx context.Context, quotes []CoinQuote)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	TTL time.Duration
	// FetchTimeout bounds one upstream exchange.
	FetchTimeout time.Duration
	OnQuotes     QuotesHook
	Logger       *logging.Logger
}

// Gateway serves market data through the cache, collapsing concurrent misses
// for the same key into one upstream call paced by the governor.
type Gateway struct {
	source   Source
	cache    *cache.Cache
	governor *ratelimit.Governor
	group    singleflight.Group
	ttl      time.Duration
	timeout  time.Duration
	onQuotes QuotesHook
	log      *logging.Logger
}

// NewGateway creates a gateway.
func NewGateway(source Source, c *cache.Cache, governor *ratelimit.Governor, cfg GatewayConfig) *Gateway {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = httputil.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("marketdata")
	}
	return &Gateway{
		source:   source,
		cache:    c,
		governor: governor,
		ttl:      cfg.TTL,
		timeout:  cfg.FetchTimeout,
		onQuotes: cfg.OnQuotes,
		log:      cfg.Logger,
	}
}

// FetchQuotes returns quotes for ids ordered by descending market cap.
func (g *Gateway) FetchQuotes(ctx context.Context, ids []string) (Result[[]CoinQuote], error) {
	set, err := normalizeIDs(ids)
	if err != nil {
		return Result[[]CoinQuote]{}, err
	}

	key := "quotes:" + strings.Join(set, ",")
	return load(ctx, g, "quotes", key,
		func(ctx context.Context) ([]byte, error) { return g.source.Markets(ctx, set) },
		func(ctx context.Context, raw []byte) ([]CoinQuote, error) {
			quotes, err := NormalizeQuotes(raw, CoinGeckoMarkets)
			if err != nil {
				return nil, err
			}
			SortByMarketCap(quotes)
			if g.onQuotes != nil {
				g.onQuotes(ctx, quotes)
			}
			return quotes, nil
		})
}

// FetchCoinDetail returns one coin with supply figures and description.
func (g *Gateway) FetchCoinDetail(ctx context.Context, id string) (Result[CoinDetail], error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return Result[CoinDetail]{}, svcerrors.Validation("id", "Coin id is required.")
	}

	return load(ctx, g, "coin_detail", "coin:"+id,
		func(ctx context.Context) ([]byte, error) { return g.source.Coin(ctx, id) },
		func(_ context.Context, raw []byte) (CoinDetail, error) { return NormalizeDetail(raw, CoinGeckoDetail) })
}

// FetchTrending returns the provider's trending coins.
func (g *Gateway) FetchTrending(ctx context.Context) (Result[[]TrendingCoin], error) {
	return load(ctx, g, "trending", "trending",
		g.source.Trending,
		func(_ context.Context, raw []byte) ([]TrendingCoin, error) { return NormalizeTrending(raw) })
}

// FetchGlobalStats returns whole-market statistics.
func (g *Gateway) FetchGlobalStats(ctx context.Context) (Result[GlobalStats], error) {
	return load(ctx, g, "global", "global",
		g.source.Global,
		func(_ context.Context, raw []byte) (GlobalStats, error) { return NormalizeGlobal(raw) })
}

// Search returns coins matching query.
func (g *Gateway) Search(ctx context.Context, query string) (Result[[]SearchResult], error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result[[]SearchResult]{}, svcerrors.Validation("query", "Search query is required.")
	}
	if len(query) > maxQueryLength {
		return Result[[]SearchResult]{}, svcerrors.Validation("query", "Search query is too long.")
	}

	return load(ctx, g, "search", "search:"+strings.ToLower(query),
		func(ctx context.Context) ([]byte, error) { return g.source.Search(ctx, query) },
		func(_ context.Context, raw []byte) ([]SearchResult, error) { return NormalizeSearch(raw) })
}

// ClearCache drops every cached entry, stale ones included.
func (g *Gateway) ClearCache(ctx context.Context) {
	g.cache.Clear(ctx)
}

// CacheStats reports cache size and keys.
func (g *Gateway) CacheStats(ctx context.Context) cache.Stats {
	return g.cache.Stats(ctx)
}

type fetched[T any] struct {
	value    T
	storedAt time.Time
	origin   Origin
}

// load implements the read path shared by every operation: fresh cache hit,
// otherwise one shared upstream call per key, otherwise the stale entry.
func load[T any](
	ctx context.Context,
	g *Gateway,
	op, key string,
	fetch func(context.Context) ([]byte, error),
	decode func(context.Context, []byte) (T, error),
) (Result[T], error) {
	if v, l := cache.GetJSON[T](ctx, g.cache, key, g.ttl); l.Status == cache.Fresh {
		return Result[T]{Value: v, Origin: OriginCache, StoredAt: l.StoredAt}, nil
	}

	// The shared call outlives any single waiter's cancellation.
	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (interface{}, error) {
		if v, l := cache.GetJSON[T](detached, g.cache, key, g.ttl); l.Status == cache.Fresh {
			return fetched[T]{value: v, storedAt: l.StoredAt, origin: OriginCache}, nil
		}

		if err := g.governor.Acquire(detached, g.source.Name()); err != nil {
			return nil, svcerrors.Network(g.source.Name(), err)
		}

		fctx, cancel := context.WithTimeout(detached, g.timeout)
		defer cancel()

		start := time.Now()
		raw, err := fetch(fctx)
		if err == nil {
			var v T
			v, err = decode(fctx, raw)
			if err == nil {
				metrics.RecordUpstreamRequest(g.source.Name(), op, nil, time.Since(start))
				cache.PutJSON(fctx, g.cache, key, v)
				return fetched[T]{value: v, storedAt: g.cache.Now(), origin: OriginUpstream}, nil
			}
		}
		metrics.RecordUpstreamRequest(g.source.Name(), op, err, time.Since(start))
		return nil, err
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Result[T]{}, svcerrors.Network(g.source.Name(), ctx.Err())
	case res = <-ch:
	}

	if res.Err == nil {
		f := res.Val.(fetched[T])
		return Result[T]{Value: f.value, Origin: f.origin, StoredAt: f.storedAt}, nil
	}

	err := res.Err
	if svcerrors.GetServiceError(err) == nil {
		err = svcerrors.Internal("market data request failed", err)
	}

	v, l := cache.GetJSON[T](ctx, g.cache, key, g.ttl)
	switch l.Status {
	case cache.Fresh:
		return Result[T]{Value: v, Origin: OriginCache, StoredAt: l.StoredAt}, nil
	case cache.Stale:
		metrics.RecordStaleFallback(op)
		g.log.WithError(err).WithField("key", key).WithField("age", g.cache.Now().Sub(l.StoredAt).String()).
			Warn("serving stale market data after upstream failure")
		return Result[T]{Value: v, Origin: OriginStale, StoredAt: l.StoredAt, Cause: err}, nil
	}

	g.log.WithError(err).WithField("key", key).Warn("market data unavailable")
	return Result[T]{}, err
}

func normalizeIDs(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, svcerrors.Validation("ids", "At least one coin id is required.")
	}
	sort.Strings(out)
	return out, nil
}
