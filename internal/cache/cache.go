// Package cache keeps upstream payloads by key with a caller-supplied
// freshness window. Expired entries are not dropped: they form the stale tier
// that read paths fall back to when an upstream call fails.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/memelearn/service_layer/internal/logging"
)

// Status is the outcome of a lookup.
type Status int

const (
	Miss Status = iota
	Fresh
	Stale
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Entry is one stored payload.
type Entry struct {
	Key      string    `json:"key"`
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
}

// Lookup is the result of Get.
type Lookup struct {
	Status   Status
	Value    []byte
	StoredAt time.Time
}

// Age returns how old the entry is at now.
func (l Lookup) Age(now time.Time) time.Duration {
	if l.Status == Miss {
		return 0
	}
	return now.Sub(l.StoredAt)
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, entry Entry) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

// LookupObserver is told about every lookup outcome.
type LookupObserver func(key string, status Status)

// Stats summarises cache contents and traffic.
type Stats struct {
	Size   int      `json:"size"`
	Keys   []string `json:"keys"`
	Fresh  uint64   `json:"fresh_hits"`
	Stale  uint64   `json:"stale_hits"`
	Misses uint64   `json:"misses"`
}

// Cache classifies stored entries as fresh or stale against a TTL.
type Cache struct {
	store   Store
	now     func() time.Time
	observe LookupObserver
	log     *logging.Logger

	fresh  atomic.Uint64
	stale  atomic.Uint64
	misses atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver registers a lookup observer.
func WithObserver(fn LookupObserver) Option {
	return func(c *Cache) { c.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New creates a cache over store. A nil store means an in-process map.
func New(store Store, opts ...Option) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Cache{store: store, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.NewDefault("cache")
	}
	return c
}

// Now returns the cache's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}

// Get classifies the entry under key. An entry is fresh while
// now - storedAt < ttl and stale afterwards. Store failures count as misses.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration) Lookup {
	entry, ok, err := c.store.Load(ctx, key)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache load failed")
		ok = false
	}

	var res Lookup
	switch {
	case !ok:
		res = Lookup{Status: Miss}
		c.misses.Add(1)
	case c.now().Sub(entry.StoredAt) < ttl:
		res = Lookup{Status: Fresh, Value: entry.Payload, StoredAt: entry.StoredAt}
		c.fresh.Add(1)
	default:
		res = Lookup{Status: Stale, Value: entry.Payload, StoredAt: entry.StoredAt}
		c.stale.Add(1)
	}

	if c.observe != nil {
		c.observe(key, res.Status)
	}
	return res
}

// Put overwrites the entry under key and stamps it with the current time.
func (c *Cache) Put(ctx context.Context, key string, value []byte) {
	entry := Entry{Key: key, Payload: value, StoredAt: c.now()}
	if err := c.store.Save(ctx, entry); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache save failed")
	}
}

// Clear drops every entry, stale ones included.
func (c *Cache) Clear(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.log.WithError(err).Warn("cache clear failed")
	}
}

// Stats returns current size, keys and hit counters.
func (c *Cache) Stats(ctx context.Context) Stats {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.log.WithError(err).Warn("cache keys failed")
	}
	return Stats{
		Size:   len(keys),
		Keys:   keys,
		Fresh:  c.fresh.Load(),
		Stale:  c.stale.Load(),
		Misses: c.misses.Load(),
	}
}

// GetJSON decodes the entry under key into T. An undecodable entry is a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string, ttl time.Duration) (T, Lookup) {
	var v T
	l := c.Get(ctx, key, ttl)
	if l.Status == Miss {
		return v, l
	}
	if err := json.Unmarshal(l.Value, &v); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache entry undecodable")
		var zero T
		return zero, Lookup{Status: Miss}
	}
	return v, l
}

// PutJSON encodes v and stores it under key.
func PutJSON[T any](ctx context.Context, c *Cache, key string, v T) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache entry unencodable")
		return
	}
	c.Put(ctx, key, data)
}
