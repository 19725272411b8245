package main

import (
	"context"
	"fmt"
	"time"

	"github.com/memelearn/service_layer/internal/cache"
	"github.com/memelearn/service_layer/internal/config"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/metrics"
	"github.com/memelearn/service_layer/internal/orchestrator"
	"github.com/memelearn/service_layer/internal/platform/migrations"
	"github.com/memelearn/service_layer/internal/scheduler"
	"github.com/memelearn/service_layer/internal/seed"
	"github.com/memelearn/service_layer/internal/storage"
	"github.com/memelearn/service_layer/internal/storage/memory"
	"github.com/memelearn/service_layer/internal/storage/postgres"
	sbstore "github.com/memelearn/service_layer/internal/storage/supabase"
	"github.com/memelearn/service_layer/supabase/client"
)

// staleRetention is how long entries outlive their TTL as a fallback tier.
const staleRetention = 24 * time.Hour

func openStore(ctx context.Context, cfg *config.Config, sb *client.Client, log *logging.Logger) (storage.Store, error) {
	entry := log.Named("storage")
	switch cfg.StorageBackend() {
	case "postgres":
		if cfg.Database.MigrateOnBoot {
			if err := migrations.Up(cfg.Database.DSN); err != nil {
				return nil, err
			}
			entry.Info("schema migrated")
		}
		store, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "supabase":
		return sbstore.New(sb, log), nil
	default:
		entry.Warn("no database configured; using seeded in-memory storage")
		store := memory.New()
		if _, err := seed.Run(ctx, store, time.Now().UTC(), log); err != nil {
			return nil, err
		}
		return store, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config, catalog *config.Catalog, log *logging.Logger) (*cache.Cache, error) {
	var (
		store cache.Store
		err   error
	)
	if cfg.Redis.Addr != "" {
		store, err = cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    "memelearn:",
			Retention: catalog.TTL.MarketData + staleRetention,
		})
	} else {
		size := cfg.CoinGecko.CacheMaxKey
		if size <= 0 {
			size = 1024
		}
		store, err = cache.NewLRUStore(size)
	}
	if err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	return cache.New(store,
		cache.WithLogger(log),
		cache.WithObserver(func(_ string, status cache.Status) { metrics.RecordCacheLookup(status.String()) }),
	), nil
}

// persistQuotes writes every fresh quote batch to the shared market table.
func persistQuotes(store storage.MarketStore, log *logging.Logger) marketdata.QuotesHook {
	entry := log.Named("market")
	return func(ctx context.Context, quotes []marketdata.CoinQuote) {
		snaps := make([]storage.MarketSnapshot, 0, len(quotes))
		for _, q := range quotes {
			snaps = append(snaps, storage.MarketSnapshot{
				CoinID:      q.ID,
				Symbol:      q.Symbol,
				Name:        q.Name,
				Price:       q.Price,
				MarketCap:   measure(q.MarketCap),
				Volume24h:   measure(q.Volume24h),
				Change24h:   measure(q.ChangePercent24h),
				LastUpdated: q.LastUpdated,
			})
		}
		if err := store.UpsertMarketSnapshots(ctx, snaps); err != nil {
			entry.WithError(err).Warn("market snapshot write failed")
		}
	}
}

func measure(m marketdata.Measure) *float64 {
	if !m.Known {
		return nil
	}
	v := m.Value
	return &v
}

// refreshJobs keeps live workspaces warm and reports cache size.
func refreshJobs(catalog *config.Catalog, pool *orchestrator.Pool, gateway *marketdata.Gateway, log *logging.Logger) []scheduler.Job {
	entry := log.Named("scheduler")
	return []scheduler.Job{
		{
			Name:     "refresh-coins",
			Schedule: catalog.Schedule.Coins,
			Run: func(ctx context.Context) error {
				return pool.RefreshAll(ctx, orchestrator.Coins)
			},
		},
		{
			Name:     "refresh-polls",
			Schedule: catalog.Schedule.Polls,
			Run: func(ctx context.Context) error {
				return pool.RefreshAll(ctx, orchestrator.Polls)
			},
		},
		{
			Name:     "cache-report",
			Schedule: catalog.Schedule.Cache,
			Timeout:  10 * time.Second,
			Run: func(ctx context.Context) error {
				stats := gateway.CacheStats(ctx)
				entry.WithFields(map[string]interface{}{
					"size":       stats.Size,
					"fresh_hits": stats.Fresh,
					"stale_hits": stats.Stale,
					"misses":     stats.Misses,
					"workspaces": pool.Len(),
				}).Info("cache report")
				return nil
			},
		},
	}
}
