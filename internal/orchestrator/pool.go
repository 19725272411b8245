package orchestrator

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/logging"
)

// DefaultPoolSize bounds how many signed-in workspaces stay in memory.
const DefaultPoolSize = 1000

// Pool keeps one workspace per user. Signed-in workspaces are evicted least
// recently used first; the anonymous workspace is never evicted.
type Pool struct {
	cfg       Config
	mu        sync.Mutex
	users     *lru.Cache[string, *Orchestrator]
	anonymous *Orchestrator
	log       *logging.Logger
}

// NewPool creates a pool whose workspaces share cfg.
func NewPool(cfg Config, size int) (*Pool, error) {
	cfg.defaults()
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &Pool{cfg: cfg, log: cfg.Logger}
	users, err := lru.NewWithEvict[string, *Orchestrator](size, func(userID string, _ *Orchestrator) {
		p.log.Named("orchestrator").WithField("user_id", userID).Debug("workspace evicted")
	})
	if err != nil {
		return nil, err
	}
	p.users = users
	p.anonymous = New("", cfg)
	return p, nil
}

// Get returns userID's workspace, creating it on first use. The empty id
// returns the anonymous workspace.
func (p *Pool) Get(userID string) *Orchestrator {
	if userID == "" {
		return p.anonymous
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.users.Get(userID); ok {
		return o
	}
	o := New(userID, p.cfg)
	p.users.Add(userID, o)
	return o
}

// Remove drops userID's workspace, for example after sign-out.
func (p *Pool) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users.Remove(userID)
}

// Len returns the number of signed-in workspaces.
func (p *Pool) Len() int {
	return p.users.Len()
}

// Anonymous returns the shared public workspace.
func (p *Pool) Anonymous() *Orchestrator {
	return p.anonymous
}

func (p *Pool) all() []*Orchestrator {
	return append([]*Orchestrator{p.anonymous}, p.users.Values()...)
}

// RefreshAll refreshes cat in every live workspace with bounded concurrency.
func (p *Pool) RefreshAll(ctx context.Context, cat Category) error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, o := range p.all() {
		o := o
		g.Go(func() error {
			if err := o.Refresh(ctx, cat); err != nil {
				p.log.WithContext(ctx).WithField("category", cat).WithField("user_id", o.UserID()).
					WithError(err).Debug("workspace refresh failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// ApplyPoll pushes a changed poll into every live workspace.
func (p *Pool) ApplyPoll(pl poll.Poll) {
	for _, o := range p.all() {
		o.ApplyPoll(pl.Clone())
	}
}
