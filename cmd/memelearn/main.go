// Command memelearn serves the MemeLearn API: cached meme-coin market data,
// per-user workspaces, polls, simulated trades, generated lessons and checkout.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memelearn/service_layer/internal/auth"
	"github.com/memelearn/service_layer/internal/cache"
	"github.com/memelearn/service_layer/internal/config"
	"github.com/memelearn/service_layer/internal/httpapi"
	"github.com/memelearn/service_layer/internal/llm"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/metrics"
	"github.com/memelearn/service_layer/internal/orchestrator"
	"github.com/memelearn/service_layer/internal/payments"
	"github.com/memelearn/service_layer/internal/ratelimit"
	"github.com/memelearn/service_layer/internal/realtime"
	"github.com/memelearn/service_layer/internal/scheduler"
	"github.com/memelearn/service_layer/supabase/client"
)

const serviceName = "memelearn"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	envFile := ".env"
	if v := os.Getenv("MEMELEARN_ENV_FILE"); v != "" {
		envFile = v
	}
	if err := run(envFile); err != nil {
		log.Fatalf("%s: %v", serviceName, err)
	}
}

func run(envFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat)
	entry := logger.Named("main")

	catalog, err := config.LoadCatalogOrDefault(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	var sb *client.Client
	if cfg.Supabase.URL != "" {
		key := cfg.Supabase.AnonKey
		if cfg.Supabase.ServiceKey != "" {
			key = cfg.Supabase.ServiceKey
		}
		sb, err = client.New(client.Config{URL: cfg.Supabase.URL, APIKey: key, Logger: logger})
		if err != nil {
			return fmt.Errorf("supabase: %w", err)
		}
	}

	store, err := openStore(ctx, cfg, sb, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	marketCache, err := openCache(ctx, cfg, catalog, logger)
	if err != nil {
		return err
	}

	governor := ratelimit.NewGovernor(
		ratelimit.WithLogger(logger),
		ratelimit.WithWaitObserver(metrics.ObserveGovernorWait),
	)
	governor.Register(marketdata.ProviderCoinGecko, ratelimit.Limit{MaxRequests: cfg.CoinGecko.RateLimit, Window: cfg.CoinGecko.RateWindow})
	governor.Register(llm.Provider, ratelimit.Limit{MaxRequests: 20, Window: time.Minute})

	gateway := marketdata.NewGateway(
		marketdata.NewCoinGecko(marketdata.CoinGeckoConfig{
			APIKey:  cfg.CoinGecko.APIKey,
			Pro:     cfg.CoinGecko.Pro,
			BaseURL: cfg.CoinGecko.BaseURL,
			Timeout: cfg.CoinGecko.Timeout,
		}),
		marketCache,
		governor,
		marketdata.GatewayConfig{
			TTL:      catalog.TTL.MarketData,
			OnQuotes: persistQuotes(store, logger),
			Logger:   logger,
		},
	)

	completionStore, err := cache.NewLRUStore(256)
	if err != nil {
		return fmt.Errorf("completion cache: %w", err)
	}
	assistant := llm.New(llm.Config{
		APIKey:       cfg.OpenRouter.APIKey,
		BaseURL:      cfg.OpenRouter.BaseURL,
		DefaultModel: cfg.OpenRouter.DefaultModel,
		PremiumModel: cfg.OpenRouter.PremiumModel,
		Referer:      cfg.PublicURL,
		Timeout:      cfg.OpenRouter.Timeout,
		Cache:        cache.New(completionStore, cache.WithLogger(logger)),
		Governor:     governor,
		Logger:       logger,
	})

	var provider auth.Provider = auth.Disabled{}
	if sb != nil {
		provider = sb.Auth()
	} else {
		entry.Warn("SUPABASE_URL not set; sign-in is disabled")
	}
	sessions := auth.NewManager(auth.Config{
		Provider:  provider,
		Profiles:  store,
		JWTSecret: cfg.Supabase.JWTSecret,
		Logger:    logger,
	})

	checkout := payments.New(payments.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		BaseURL:       cfg.Stripe.BaseURL,
		Plans:         catalog.Plans,
		DefaultOrigin: cfg.PublicURL,
		Subscriptions: store,
		Logger:        logger,
	})

	var generator orchestrator.Generator
	if assistant.Configured() {
		generator = assistant
	}
	pool, err := orchestrator.NewPool(orchestrator.Config{
		Market:    gateway,
		Trades:    store,
		Polls:     store,
		Content:   store,
		Generator: generator,
		CoinIDs:   catalog.Coins,
		TTLs: map[orchestrator.Category]time.Duration{
			orchestrator.Coins:     catalog.TTL.MarketData,
			orchestrator.Polls:     catalog.TTL.Polls,
			orchestrator.Videos:    catalog.TTL.Content,
			orchestrator.Trades:    catalog.TTL.UserData,
			orchestrator.Portfolio: catalog.TTL.UserData,
		},
		Logger: logger,
	}, cfg.API.WorkspaceLimit)
	if err != nil {
		return fmt.Errorf("workspace pool: %w", err)
	}
	defer sessions.OnSessionChange(func(c auth.SessionChange) {
		if c.Event == auth.EventSignedOut && c.UserID != "" {
			pool.Remove(c.UserID)
		}
	})()

	sched := scheduler.New(logger)
	for _, job := range refreshJobs(catalog, pool, gateway, logger) {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start()

	if sb != nil && cfg.Supabase.Realtime {
		rt := sb.Realtime(client.WithRealtimeLogger(logger))
		unsubscribe := realtime.FollowPolls(ctx, rt, pool, logger)
		defer unsubscribe()
		go func() {
			if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				entry.WithError(err).Error("realtime stopped")
			}
		}()
	}

	api := httpapi.New(httpapi.Deps{
		Workspaces:    pool,
		Sessions:      sessions,
		Market:        gateway,
		Assistant:     assistant,
		Checkout:      checkout,
		Profiles:      store,
		Content:       store,
		Subscriptions: store,
		Snapshots:     store,
		API:           cfg.API,
		Origins:       cfg.Origins(),
		Service:       serviceName,
		Version:       version,
		Logger:        logger,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		entry.WithFields(map[string]interface{}{
			"addr":    cfg.HTTPAddr,
			"storage": cfg.StorageBackend(),
			"version": version,
		}).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		entry.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("http shutdown incomplete")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		entry.WithError(err).Warn("scheduler shutdown incomplete")
	}
	return nil
}
