// Package app wires the per-session client state: one identity provider plus
// the live views that act on its behalf.
package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"farmtrack/internal/api"
	"farmtrack/internal/dashboard"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
	"farmtrack/internal/session"
	"farmtrack/internal/views"
)

// Deps are shared by every bundle.
type Deps struct {
	API      *api.Client
	Store    session.Store
	Logger   *zap.Logger
	TTL      time.Duration
	Recorder listview.Recorder
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Store == nil {
		d.Store = session.NewMemoryStore()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Bundle is the client state of one session. Views are rebuilt whenever the
// identity changes so nothing fetched for one user is shown to the next.
type Bundle struct {
	Session *session.Provider

	deps Deps

	restoreMu sync.Mutex
	restored  bool

	mu         sync.Mutex
	activities *listview.Controller[domain.Activity]
	tasks      *listview.Controller[domain.Task]
	users      *listview.Controller[domain.User]
	seen       time.Time
}

// NewBundle creates the state of session sid. The provider stays loading
// until Restore runs.
func NewBundle(sid string, deps Deps) *Bundle {
	deps = deps.withDefaults()
	p := session.NewProvider(session.Options{
		SessionID: sid,
		API:       deps.API,
		Store:     deps.Store,
		Logger:    deps.Logger,
		TTL:       deps.TTL,
		Now:       deps.Now,
	})
	b := &Bundle{Session: p, deps: deps, seen: deps.Now()}
	b.Reset()
	p.OnExpire(b.Reset)
	return b
}

// Restore loads the stored credential once per bundle. A failed load is
// retried on the next call.
func (b *Bundle) Restore(ctx context.Context) error {
	b.restoreMu.Lock()
	defer b.restoreMu.Unlock()
	if b.restored {
		return nil
	}
	if err := b.Session.Restore(ctx); err != nil {
		return err
	}
	b.restored = true
	return nil
}

// Reset drops every view of the bundle.
func (b *Bundle) Reset() {
	c := b.Session.Client()
	opts := listview.Options{Logger: b.deps.Logger, Recorder: b.deps.Recorder}
	b.mu.Lock()
	b.activities = listview.New(views.Activities(c), b.Session, opts)
	b.tasks = listview.New(views.Tasks(c), b.Session, opts)
	b.users = listview.New(views.Users(c), b.Session, opts)
	b.mu.Unlock()
}

// Login authenticates the session and starts fresh views on success.
func (b *Bundle) Login(ctx context.Context, username, password string) session.Result {
	res := b.Session.Login(ctx, username, password)
	if res.Success {
		b.Reset()
	}
	return res
}

// Logout clears the identity and the views.
func (b *Bundle) Logout(ctx context.Context) error {
	err := b.Session.Logout(ctx)
	b.Reset()
	return err
}

func (b *Bundle) Activities() *listview.Controller[domain.Activity] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activities
}

func (b *Bundle) Tasks() *listview.Controller[domain.Task] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tasks
}

func (b *Bundle) Users() *listview.Controller[domain.User] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.users
}

// Dashboard starts a new dashboard mount; each mount issues its own request.
func (b *Bundle) Dashboard() *dashboard.Aggregator {
	return dashboard.New(b.Session.Client(), b.Session, b.deps.Logger)
}

func (b *Bundle) touch(now time.Time) {
	b.mu.Lock()
	b.seen = now
	b.mu.Unlock()
}

func (b *Bundle) lastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen
}
