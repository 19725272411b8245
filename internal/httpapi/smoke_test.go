package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/memelearn/service_layer/internal/cache"
	"github.com/memelearn/service_layer/internal/config"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/middleware"
	"github.com/memelearn/service_layer/internal/orchestrator"
	"github.com/memelearn/service_layer/internal/ratelimit"
	"github.com/memelearn/service_layer/internal/seed"
	"github.com/memelearn/service_layer/internal/storage/memory"
	"github.com/memelearn/service_layer/pkg/testutil"
)

// TestSmokeFullStack drives the API over the real gateway, cache and a
// seeded in-memory store, with only CoinGecko faked.
func TestSmokeFullStack(t *testing.T) {
	ctx := context.Background()
	log := logging.NewDiscard("smoke")
	upstream := testutil.NewFakeCoinGecko(t)

	store := memory.New()
	if _, err := seed.Run(ctx, store, time.Now(), log); err != nil {
		t.Fatalf("seed: %v", err)
	}

	governor := ratelimit.NewGovernor(ratelimit.WithLogger(log))
	governor.Register(marketdata.ProviderCoinGecko, ratelimit.Limit{MaxRequests: 100, Window: time.Minute})
	gateway := marketdata.NewGateway(
		marketdata.NewCoinGecko(marketdata.CoinGeckoConfig{APIKey: "demo-key", BaseURL: upstream.URL()}),
		cache.New(nil, cache.WithLogger(log)),
		governor,
		marketdata.GatewayConfig{Logger: log},
	)

	pool, err := orchestrator.NewPool(orchestrator.Config{
		Market:  gateway,
		Trades:  store,
		Polls:   store,
		Content: store,
		CoinIDs: []string{"dogecoin", "pepe", "bonk"},
		Logger:  log,
	}, 10)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	handler := New(Deps{
		Workspaces: pool,
		Sessions:   stubSessions{},
		Market:     gateway,
		Assistant:  &stubAssistant{},
		Checkout:   &stubCheckout{},
		Content:    store,
		API:        config.APIConfig{AdminKey: adminKey},
		Logger:     log,
	}).Handler()

	get := func(path string, header http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for k, v := range header {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("CoinsFromUpstream", func(t *testing.T) {
		rec := get("/api/coins", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /api/coins: status %d: %s", rec.Code, rec.Body.String())
		}
		var resp CategoryResponse[[]marketdata.CoinQuote]
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.Data) != 3 {
			t.Fatalf("expected 3 coins, got %d", len(resp.Data))
		}
		if resp.Data[0].ID != "dogecoin" {
			t.Errorf("expected dogecoin first by market cap, got %s", resp.Data[0].ID)
		}
	})

	t.Run("ForcedRefreshServedFromFreshCache", func(t *testing.T) {
		before := upstream.Total()
		rec := get("/api/coins?refresh=true", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		if upstream.Total() != before {
			t.Errorf("expected no upstream call within the TTL, got %d more", upstream.Total()-before)
		}
	})

	t.Run("SeededPolls", func(t *testing.T) {
		rec := get("/api/polls", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var resp pollsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.Data) != 2 {
			t.Errorf("expected 2 seeded polls, got %d", len(resp.Data))
		}
	})

	t.Run("OutageWithoutCacheFails", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/cache", nil)
		req.Header.Set(middleware.AdminKeyHeader, adminKey)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("DELETE /api/cache: status %d", rec.Code)
		}

		upstream.SetStatus(http.StatusServiceUnavailable)
		rec = get("/api/coins?refresh=true", nil)
		if rec.Code < 500 {
			t.Fatalf("expected an upstream error, got %d", rec.Code)
		}

		// The workspace keeps the last good quotes; only the status changes.
		rec = get("/api/state", nil)
		var snap orchestrator.Snapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(snap.Coins) != 3 {
			t.Errorf("expected last good quotes to survive, got %d", len(snap.Coins))
		}
		if snap.Status[orchestrator.Coins].Status != orchestrator.Error {
			t.Errorf("expected coins status error, got %s", snap.Status[orchestrator.Coins].Status)
		}
	})
}
