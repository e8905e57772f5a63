package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Purger is implemented by stores that need expired credentials removed.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Registry holds the bundles of all live sessions, keyed by session id.
type Registry struct {
	deps Deps

	mu      sync.Mutex
	bundles map[string]*Bundle
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps.withDefaults(), bundles: map[string]*Bundle{}}
}

// Get returns the bundle of sid, creating and restoring it on first use.
func (r *Registry) Get(ctx context.Context, sid string) (*Bundle, error) {
	r.mu.Lock()
	b, ok := r.bundles[sid]
	if !ok {
		b = NewBundle(sid, r.deps)
		r.bundles[sid] = b
	}
	r.mu.Unlock()
	b.touch(r.deps.Now())
	if err := b.Restore(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Forget drops the bundle of sid. The stored credential is kept.
func (r *Registry) Forget(sid string) {
	r.mu.Lock()
	delete(r.bundles, sid)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bundles)
}

// Sweep forgets bundles idle for longer than idle and purges expired
// credentials when the store supports it.
func (r *Registry) Sweep(ctx context.Context, idle time.Duration) int {
	now := r.deps.Now()
	r.mu.Lock()
	dropped := 0
	for sid, b := range r.bundles {
		if now.Sub(b.lastSeen()) > idle {
			delete(r.bundles, sid)
			dropped++
		}
	}
	r.mu.Unlock()

	if p, ok := r.deps.Store.(Purger); ok {
		n, err := p.Purge(ctx, now)
		if err != nil {
			r.deps.Logger.Warn("purge expired credentials", zap.Error(err))
		} else if n > 0 {
			r.deps.Logger.Info("purged expired credentials", zap.Int64("count", n))
		}
	}
	if dropped > 0 {
		r.deps.Logger.Debug("swept idle sessions", zap.Int("count", dropped))
	}
	return dropped
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, idle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx, idle)
		}
	}
}
