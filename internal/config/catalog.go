package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog holds product data that changes more often than code: the tracked
// coins, per-category freshness windows, refresh schedules and pricing plans.
type Catalog struct {
	Coins    []string         `yaml:"coins"`
	TTL      TTLs             `yaml:"ttl"`
	Schedule RefreshSchedules `yaml:"schedule"`
	Plans    []Plan           `yaml:"plans"`
}

// TTLs are freshness windows per data category.
type TTLs struct {
	MarketData time.Duration `yaml:"market_data"`
	Content    time.Duration `yaml:"content"`
	Polls      time.Duration `yaml:"polls"`
	UserData   time.Duration `yaml:"user_data"`
}

// RefreshSchedules are cron specs for background refresh. Empty disables a job.
type RefreshSchedules struct {
	Coins string `yaml:"coins"`
	Polls string `yaml:"polls"`
	Cache string `yaml:"cache_report"`
}

// Plan is a subscription pricing plan.
type Plan struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Price    float64  `yaml:"price" json:"price"`
	Currency string   `yaml:"currency" json:"currency"`
	Interval string   `yaml:"interval" json:"interval"`
	PriceID  string   `yaml:"stripe_price_id" json:"-"`
	Features []string `yaml:"features" json:"features"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Coins: []string{
			"dogecoin",
			"shiba-inu",
			"pepe",
			"floki",
			"bonk",
			"dogwifcoin",
			"memecoin",
			"book-of-meme",
		},
		TTL: TTLs{
			MarketData: 30 * time.Second,
			Content:    time.Hour,
			Polls:      time.Minute,
			UserData:   5 * time.Minute,
		},
		Schedule: RefreshSchedules{
			Coins: "@every 30s",
			Polls: "@every 1m",
			Cache: "@every 10m",
		},
		Plans: []Plan{
			{
				ID: "basic", Name: "Basic", Price: 0, Currency: "usd", Interval: "month",
				Features: []string{"Basic market data", "Educational videos", "Community polls"},
			},
			{
				ID: "premium", Name: "Premium", Price: 9.99, Currency: "usd", Interval: "month",
				Features: []string{"Real-time market data", "Advanced analytics", "Premium content", "Trading signals"},
			},
			{
				ID: "pro", Name: "Pro", Price: 19.99, Currency: "usd", Interval: "month",
				Features: []string{"Everything in Premium", "Portfolio management", "API access", "Priority support"},
			},
		},
	}
}

// LoadCatalog reads the catalog at path. Fields left empty in the file keep
// their defaults.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	cat := DefaultCatalog()
	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	cat.merge(&file)

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// LoadCatalogOrDefault loads the catalog or falls back to the defaults when
// the file does not exist.
func LoadCatalogOrDefault(path string) (*Catalog, error) {
	cat, err := LoadCatalog(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultCatalog(), nil
	}
	return cat, err
}

func (c *Catalog) merge(o *Catalog) {
	if len(o.Coins) > 0 {
		c.Coins = o.Coins
	}
	if o.TTL.MarketData > 0 {
		c.TTL.MarketData = o.TTL.MarketData
	}
	if o.TTL.Content > 0 {
		c.TTL.Content = o.TTL.Content
	}
	if o.TTL.Polls > 0 {
		c.TTL.Polls = o.TTL.Polls
	}
	if o.TTL.UserData > 0 {
		c.TTL.UserData = o.TTL.UserData
	}
	if o.Schedule.Coins != "" {
		c.Schedule.Coins = o.Schedule.Coins
	}
	if o.Schedule.Polls != "" {
		c.Schedule.Polls = o.Schedule.Polls
	}
	if o.Schedule.Cache != "" {
		c.Schedule.Cache = o.Schedule.Cache
	}
	if len(o.Plans) > 0 {
		c.Plans = o.Plans
	}
}

// Validate checks the catalog.
func (c *Catalog) Validate() error {
	if len(c.Coins) == 0 {
		return fmt.Errorf("catalog: at least one coin is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Plans {
		if p.ID == "" {
			return fmt.Errorf("catalog: plan id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("catalog: duplicate plan %s", p.ID)
		}
		if p.Price < 0 {
			return fmt.Errorf("catalog: plan %s has a negative price", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Plan returns the plan with id.
func (c *Catalog) Plan(id string) (Plan, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
