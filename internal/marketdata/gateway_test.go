package marketdata

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelearn/service_layer/internal/cache"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/ratelimit"
	"github.com/memelearn/service_layer/pkg/testutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	upstream *testutil.FakeCoinGecko
	clock    *testClock
	gateway  *Gateway
	governor *ratelimit.Governor
}

func newFixture(t *testing.T, cfg GatewayConfig) *fixture {
	t.Helper()
	upstream := testutil.NewFakeCoinGecko(t)
	clock := &testClock{now: time.Now()}
	log := logging.NewDiscard("marketdata")

	c := cache.New(nil, cache.WithClock(clock.Now), cache.WithLogger(log))
	governor := ratelimit.NewGovernor(ratelimit.WithLogger(log))
	source := NewCoinGecko(CoinGeckoConfig{APIKey: "demo-key", BaseURL: upstream.URL()})

	cfg.Logger = log
	return &fixture{
		upstream: upstream,
		clock:    clock,
		gateway:  NewGateway(source, c, governor, cfg),
		governor: governor,
	}
}

var memeIDs = []string{"dogecoin", "pepe", "bonk"}

func TestGateway_FetchQuotesSortedByMarketCap(t *testing.T) {
	f := newFixture(t, GatewayConfig{})

	res, err := f.gateway.FetchQuotes(context.Background(), memeIDs)
	require.NoError(t, err)
	assert.Equal(t, OriginUpstream, res.Origin)
	require.Len(t, res.Value, 3)
	assert.Equal(t, "dogecoin", res.Value[0].ID)
	assert.Equal(t, "pepe", res.Value[1].ID)
	assert.Equal(t, "bonk", res.Value[2].ID, "unknown market cap sorts last")
	assert.Equal(t, "demo-key", f.upstream.LastAPIKey())
}

func TestGateway_FreshHitSkipsUpstream(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	ctx := context.Background()

	_, err := f.gateway.FetchQuotes(ctx, memeIDs)
	require.NoError(t, err)

	f.clock.Advance(DefaultTTL - time.Second)
	res, err := f.gateway.FetchQuotes(ctx, []string{"bonk", "pepe", "DOGECOIN"})
	require.NoError(t, err)

	assert.Equal(t, OriginCache, res.Origin, "id order and case do not change the key")
	assert.Equal(t, 1, f.upstream.Calls("/coins/markets"))
}

func TestGateway_ExpiredEntryRefetches(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	ctx := context.Background()

	_, err := f.gateway.FetchQuotes(ctx, memeIDs)
	require.NoError(t, err)

	f.clock.Advance(DefaultTTL + time.Second)
	res, err := f.gateway.FetchQuotes(ctx, memeIDs)
	require.NoError(t, err)

	assert.Equal(t, OriginUpstream, res.Origin)
	assert.Equal(t, 2, f.upstream.Calls("/coins/markets"))
}

func TestGateway_ConcurrentMissesShareOneUpstreamCall(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	f.upstream.SetDelay(100 * time.Millisecond)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]Result[[]CoinQuote], callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.gateway.FetchQuotes(context.Background(), memeIDs)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Value, 3)
		assert.Equal(t, results[0].Value[0].ID, results[i].Value[0].ID)
	}
	assert.Equal(t, 1, f.upstream.Calls("/coins/markets"))
	assert.Equal(t, 1, f.upstream.PeakInFlight())
}

func TestGateway_StaleFallbackOnUpstreamFailure(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	ctx := context.Background()

	first, err := f.gateway.FetchQuotes(ctx, memeIDs)
	require.NoError(t, err)

	f.clock.Advance(2 * DefaultTTL)
	f.upstream.SetStatus(http.StatusServiceUnavailable)

	res, err := f.gateway.FetchQuotes(ctx, memeIDs)
	require.NoError(t, err, "stale data is served instead of an error")
	assert.True(t, res.Degraded())
	assert.Equal(t, OriginStale, res.Origin)
	assert.True(t, svcerrors.HasCode(res.Cause, svcerrors.CodeUpstreamUnavailable))
	require.Len(t, res.Value, len(first.Value))
	for i := range first.Value {
		assert.Equal(t, first.Value[i].ID, res.Value[i].ID)
		assert.True(t, first.Value[i].Price.Equal(res.Value[i].Price))
	}
}

func TestGateway_FailureWithoutCachePropagates(t *testing.T) {
	tests := []struct {
		status int
		want   svcerrors.ErrorCode
	}{
		{http.StatusTooManyRequests, svcerrors.CodeRateLimited},
		{http.StatusInternalServerError, svcerrors.CodeUpstreamUnavailable},
		{http.StatusUnauthorized, svcerrors.CodeAuthentication},
	}

	for _, tt := range tests {
		f := newFixture(t, GatewayConfig{})
		f.upstream.SetStatus(tt.status)

		_, err := f.gateway.FetchGlobalStats(context.Background())
		assert.Equal(t, tt.want, svcerrors.CodeOf(err), "status %d", tt.status)
	}
}

func TestGateway_MalformedPayloadWithoutCache(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	f.upstream.SetBody("/coins/markets", `[{"id":"pepe","symbol":"pepe","current_price":"abc"}]`)

	_, err := f.gateway.FetchQuotes(context.Background(), []string{"pepe"})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeMalformedResponse), "got %v", err)
}

func TestGateway_ValidationBeforeNetwork(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	ctx := context.Background()

	_, err := f.gateway.FetchQuotes(ctx, []string{" ", ""})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))

	_, err = f.gateway.Search(ctx, "   ")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))

	_, err = f.gateway.FetchCoinDetail(ctx, "")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))

	assert.Equal(t, 0, f.upstream.Total())
}

func TestGateway_CoinDetail(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	ctx := context.Background()

	res, err := f.gateway.FetchCoinDetail(ctx, "Dogecoin")
	require.NoError(t, err)
	assert.Equal(t, "DOGE", res.Value.Symbol)
	assert.Equal(t, Known(144000000000), res.Value.CirculatingSupply)

	_, err = f.gateway.FetchCoinDetail(ctx, "no-such-coin")
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeNotFound))
	assert.Equal(t, "Coin not found.", svcerrors.Message(err))
}

func TestGateway_TrendingAndSearch(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	ctx := context.Background()

	trending, err := f.gateway.FetchTrending(ctx)
	require.NoError(t, err)
	assert.Len(t, trending.Value, 2)

	found, err := f.gateway.Search(ctx, "wif")
	require.NoError(t, err)
	require.NotEmpty(t, found.Value)
	assert.Equal(t, "dogwifcoin", found.Value[0].ID)

	again, err := f.gateway.Search(ctx, "WIF")
	require.NoError(t, err)
	assert.Equal(t, OriginCache, again.Origin)
	assert.Equal(t, 1, f.upstream.Calls("/search"))
}

func TestGateway_OnQuotesHookSeesUpstreamBatches(t *testing.T) {
	var seen [][]CoinQuote
	f := newFixture(t, GatewayConfig{OnQuotes: func(_ context.Context, q []CoinQuote) { seen = append(seen, q) }})
	ctx := context.Background()

	_, err := f.gateway.FetchQuotes(ctx, memeIDs)
	require.NoError(t, err)
	_, err = f.gateway.FetchQuotes(ctx, memeIDs)
	require.NoError(t, err)

	require.Len(t, seen, 1, "cache hits are not republished")
	assert.Len(t, seen[0], 3)
}

func TestGateway_CallsArePacedByGovernor(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	window := 150 * time.Millisecond
	f.governor.Register(ProviderCoinGecko, ratelimit.Limit{MaxRequests: 1, Window: window})
	ctx := context.Background()

	start := time.Now()
	_, err := f.gateway.FetchGlobalStats(ctx)
	require.NoError(t, err)
	_, err = f.gateway.FetchTrending(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), window-10*time.Millisecond)
	assert.Equal(t, 2, f.upstream.Total())
}

func TestGateway_ClearCacheDropsStaleTier(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	ctx := context.Background()

	_, err := f.gateway.FetchGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gateway.CacheStats(ctx).Size)

	f.gateway.ClearCache(ctx)
	f.upstream.SetStatus(http.StatusBadGateway)

	_, err = f.gateway.FetchGlobalStats(ctx)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeUpstreamUnavailable))
}
