// Package ratelimit paces outbound calls to quota-limited providers.
//
// The governor uses a fixed window per provider: at most MaxRequests calls
// are admitted between a window start and start+Window. A caller that finds
// the window full sleeps until it ends and tries again. Sleeping never holds
// the lock.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/memelearn/service_layer/internal/logging"
)

// Limit is a provider quota.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimit matches the free market-data tier: 10 calls per minute.
var DefaultLimit = Limit{MaxRequests: 10, Window: time.Minute}

// Window is the admission state for one provider.
type Window struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

type providerState struct {
	limit  Limit
	window Window
}

// WaitObserver is told how long each admitted call waited.
type WaitObserver func(provider string, waited time.Duration)

// Governor admits calls per provider under a fixed-window quota.
type Governor struct {
	mu        sync.Mutex
	providers map[string]*providerState
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	observe   WaitObserver
	log       *logging.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithSleeper overrides how the governor waits for a window to end.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) { g.sleep = sleep }
}

// WithWaitObserver reports wait durations, typically to metrics.
func WithWaitObserver(fn WaitObserver) Option {
	return func(g *Governor) { g.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(g *Governor) { g.log = log }
}

// NewGovernor creates a governor with no registered providers.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{
		providers: make(map[string]*providerState),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logging.NewDefault("ratelimit")
	}
	return g
}

// Register sets the quota for provider, resetting its window.
func (g *Governor) Register(provider string, limit Limit) {
	if limit.MaxRequests <= 0 {
		limit.MaxRequests = DefaultLimit.MaxRequests
	}
	if limit.Window <= 0 {
		limit.Window = DefaultLimit.Window
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[provider] = &providerState{limit: limit, window: Window{Start: g.now()}}
}

// Acquire blocks until a call to provider may proceed. It fails only when ctx
// is done before a slot opens. Unregistered providers are admitted at once.
func (g *Governor) Acquire(ctx context.Context, provider string) error {
	started := g.now()
	for {
		wait, ok := g.tryAcquire(provider)
		if ok {
			if g.observe != nil {
				g.observe(provider, g.now().Sub(started))
			}
			return nil
		}

		g.log.WithField("provider", provider).WithField("wait_ms", wait.Milliseconds()).
			Debug("rate window full, waiting")
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire admits the call or returns how long until the current window ends.
func (g *Governor) tryAcquire(provider string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.providers[provider]
	if !ok {
		return 0, true
	}

	now := g.now()
	elapsed := now.Sub(st.window.Start)
	if elapsed >= st.limit.Window {
		st.window = Window{Start: now}
		elapsed = 0
	}

	if st.window.Count < st.limit.MaxRequests {
		st.window.Count++
		return 0, true
	}
	return st.limit.Window - elapsed, false
}

// Snapshot returns the current window for provider.
func (g *Governor) Snapshot(provider string) (Window, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.providers[provider]
	if !ok {
		return Window{}, false
	}
	return st.window, true
}

// LimitFor returns the registered quota for provider.
func (g *Governor) LimitFor(provider string) (Limit, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.providers[provider]
	if !ok {
		return Limit{}, false
	}
	return st.limit, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
