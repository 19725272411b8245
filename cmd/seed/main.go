// Command seed loads the starter polls and curated lessons into the
// configured Postgres or Supabase store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/memelearn/service_layer/internal/config"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/platform/migrations"
	"github.com/memelearn/service_layer/internal/seed"
	"github.com/memelearn/service_layer/internal/storage"
	"github.com/memelearn/service_layer/internal/storage/postgres"
	sbstore "github.com/memelearn/service_layer/internal/storage/supabase"
	"github.com/memelearn/service_layer/supabase/client"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "Path to the .env file")
		migrate = flag.Bool("migrate", true, "Apply Postgres migrations before seeding")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New("memelearn-seed", cfg.LogLevel, cfg.LogFormat)

	store, err := open(ctx, cfg, *migrate)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	report, err := seed.Run(ctx, store, time.Now().UTC(), logger)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	fmt.Printf("Seeded %d polls and %d lessons into %s storage\n", report.Polls, report.Lessons, cfg.StorageBackend())
}

func open(ctx context.Context, cfg *config.Config, migrate bool) (storage.Store, error) {
	switch cfg.StorageBackend() {
	case "postgres":
		if migrate {
			if err := migrations.Up(cfg.Database.DSN); err != nil {
				return nil, err
			}
		}
		return postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	case "supabase":
		// Inserts bypass row-level security only with the service role key.
		if cfg.Supabase.ServiceKey == "" {
			return nil, fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required to seed Supabase")
		}
		c, err := client.New(client.Config{URL: cfg.Supabase.URL, APIKey: cfg.Supabase.ServiceKey})
		if err != nil {
			return nil, err
		}
		return sbstore.New(c, nil), nil
	default:
		return nil, fmt.Errorf("no database configured; set DATABASE_URL or SUPABASE_URL")
	}
}
