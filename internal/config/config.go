// Package config loads process configuration from the environment and an
// optional YAML catalog.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the environment-driven process configuration.
type Config struct {
	Env      string `env:"MEMELEARN_ENV,default=development"`
	HTTPAddr string `env:"MEMELEARN_HTTP_ADDR,default=:8080"`
	LogLevel string `env:"MEMELEARN_LOG_LEVEL,default=info"`
	// LogFormat is json or text.
	LogFormat   string `env:"MEMELEARN_LOG_FORMAT,default=json"`
	CatalogPath string `env:"MEMELEARN_CATALOG,default=config/catalog.yaml"`
	PublicURL   string `env:"MEMELEARN_PUBLIC_URL,default=http://localhost:3000"`

	Supabase   SupabaseConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	CoinGecko  CoinGeckoConfig
	OpenRouter OpenRouterConfig
	Stripe     StripeConfig
	API        APIConfig
}

// SupabaseConfig configures identity, PostgREST storage and realtime.
type SupabaseConfig struct {
	URL        string `env:"SUPABASE_URL"`
	AnonKey    string `env:"SUPABASE_ANON_KEY"`
	ServiceKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	JWTSecret  string `env:"SUPABASE_JWT_SECRET"`
	Realtime   bool   `env:"SUPABASE_REALTIME,default=true"`
}

// DatabaseConfig selects the direct Postgres store when DSN is set.
type DatabaseConfig struct {
	DSN           string `env:"DATABASE_URL"`
	MigrateOnBoot bool   `env:"DATABASE_MIGRATE,default=true"`
	MaxOpenConns  int    `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
}

// RedisConfig selects the shared cache store when Addr is set.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// CoinGeckoConfig configures the market-data provider.
type CoinGeckoConfig struct {
	APIKey      string        `env:"COINGECKO_API_KEY"`
	Pro         bool          `env:"COINGECKO_PRO,default=false"`
	BaseURL     string        `env:"COINGECKO_BASE_URL"`
	RateLimit   int           `env:"COINGECKO_RATE_LIMIT,default=10"`
	RateWindow  time.Duration `env:"COINGECKO_RATE_WINDOW,default=60s"`
	Timeout     time.Duration `env:"COINGECKO_TIMEOUT,default=10s"`
	CacheMaxKey int           `env:"MARKET_CACHE_MAX_KEYS,default=0"`
}

// OpenRouterConfig configures text completion.
type OpenRouterConfig struct {
	APIKey       string        `env:"OPENROUTER_API_KEY"`
	BaseURL      string        `env:"OPENROUTER_BASE_URL,default=https://openrouter.ai/api/v1"`
	DefaultModel string        `env:"OPENROUTER_DEFAULT_MODEL,default=anthropic/claude-3-haiku"`
	PremiumModel string        `env:"OPENROUTER_PREMIUM_MODEL,default=anthropic/claude-3-sonnet"`
	Timeout      time.Duration `env:"OPENROUTER_TIMEOUT,default=30s"`
}

// StripeConfig configures checkout.
type StripeConfig struct {
	SecretKey string `env:"STRIPE_SECRET_KEY"`
	BaseURL   string `env:"STRIPE_BASE_URL,default=https://api.stripe.com"`
}

// APIConfig configures the inbound HTTP surface.
type APIConfig struct {
	RequestsPerSecond int           `env:"API_RATE_LIMIT_RPS,default=20"`
	Burst             int           `env:"API_RATE_LIMIT_BURST,default=40"`
	ShutdownTimeout   time.Duration `env:"API_SHUTDOWN_TIMEOUT,default=15s"`
	WorkspaceLimit    int           `env:"API_WORKSPACE_LIMIT,default=1000"`
	AdminKey          string        `env:"API_ADMIN_KEY"`
	// CORSOrigins is a comma separated list; empty means PublicURL only.
	CORSOrigins       string        `env:"API_CORS_ORIGINS"`
}

// Origins returns the allowed browser origins.
func (c *Config) Origins() []string {
	if strings.TrimSpace(c.API.CORSOrigins) == "" {
		return []string{c.PublicURL}
	}
	var out []string
	for _, o := range strings.Split(c.API.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Load reads an optional .env file and decodes the environment. A missing
// .env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var problems []string
	if c.CoinGecko.RateLimit <= 0 {
		problems = append(problems, "COINGECKO_RATE_LIMIT must be positive")
	}
	if c.CoinGecko.RateWindow <= 0 {
		problems = append(problems, "COINGECKO_RATE_WINDOW must be positive")
	}
	if c.Supabase.URL != "" && c.Supabase.AnonKey == "" {
		problems = append(problems, "SUPABASE_ANON_KEY is required when SUPABASE_URL is set")
	}
	if c.LogFormat != "" && c.LogFormat != "json" && c.LogFormat != "text" {
		problems = append(problems, "MEMELEARN_LOG_FORMAT must be json or text")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction reports whether the process runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// StorageBackend names the structured store selected by the configuration.
func (c *Config) StorageBackend() string {
	switch {
	case c.Database.DSN != "":
		return "postgres"
	case c.Supabase.URL != "":
		return "supabase"
	default:
		return "memory"
	}
}
