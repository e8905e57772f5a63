// Package session holds the authenticated identity of one client session and
// the credential attached to every API request made on its behalf.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"farmtrack/internal/api"
	"farmtrack/internal/domain"
)

// ErrExpired reports that the API rejected the session credential. Callers
// must treat it as "no identity" and send the user to the login page.
var ErrExpired = errors.New("session expired")

// State is what every view reads from the provider.
type State struct {
	User    *domain.Identity `json:"user"`
	Loading bool             `json:"loading"`
}

// Result is the outcome of Login. Error holds the user-facing message.
type Result struct {
	Success bool             `json:"success"`
	User    *domain.Identity `json:"user,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type Options struct {
	SessionID string
	API       *api.Client
	Store     Store
	Logger    *zap.Logger
	// TTL bounds credentials whose token carries no exp claim; zero keeps
	// them until logout.
	TTL time.Duration
	Now func() time.Time
}

// Provider owns the identity for one client session. It starts in the
// loading state and leaves it once Restore has run.
type Provider struct {
	sid   string
	base  *api.Client
	authd *api.Client
	store Store
	log   *zap.Logger
	ttl   time.Duration
	now   func() time.Time

	// op serializes login, logout, restore and expire.
	op sync.Mutex

	mu       sync.RWMutex
	user     *domain.Identity
	token    string
	loading  bool
	onExpire []func()
}

func NewProvider(opts Options) *Provider {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Provider{
		sid:     opts.SessionID,
		base:    opts.API,
		store:   opts.Store,
		log:     opts.Logger.With(zap.String("session", shortID(opts.SessionID))),
		ttl:     opts.TTL,
		now:     opts.Now,
		loading: true,
	}
	p.authd = opts.API.WithToken(p.Token)
	return p
}

func (p *Provider) SessionID() string { return p.sid }

// State returns a snapshot of the identity and loading flag.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := State{Loading: p.loading}
	if p.user != nil {
		u := *p.user
		st.User = &u
	}
	return st
}

// Identity returns the current identity, if any.
func (p *Provider) Identity() (domain.Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil {
		return domain.Identity{}, false
	}
	return *p.user, true
}

// Token returns the credential attached to API requests, "" when logged out.
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// Client returns an API client authenticated as this session.
func (p *Provider) Client() *api.Client { return p.authd }

// OnExpire registers fn to run after the session is expired by a 401.
func (p *Provider) OnExpire(fn func()) {
	p.mu.Lock()
	p.onExpire = append(p.onExpire, fn)
	p.mu.Unlock()
}

// Restore loads a stored credential, if one exists and has not expired, and
// ends the loading state either way.
func (p *Provider) Restore(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()
	defer p.setLoading(false)

	c, err := p.store.Load(ctx, p.sid)
	if errors.Is(err, ErrNoCredential) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if c.Expired(p.now()) || !c.User.Role.Valid() {
		p.log.Info("discarding stored credential", zap.Time("expires_at", c.ExpiresAt))
		if err := p.store.Delete(ctx, p.sid); err != nil {
			p.log.Warn("delete stale credential", zap.Error(err))
		}
		return nil
	}
	u := c.User
	p.mu.Lock()
	p.user, p.token = &u, c.Token
	p.mu.Unlock()
	p.log.Debug("session restored", zap.Int64("user_id", u.ID), zap.String("role", string(u.Role)))
	return nil
}

// Login exchanges credentials with the API. On success the identity and token
// are installed and persisted; on failure the previous state is untouched and
// Error carries the server message or "Login failed".
func (p *Provider) Login(ctx context.Context, username, password string) Result {
	p.op.Lock()
	defer p.op.Unlock()

	resp, err := p.base.Login(ctx, username, password)
	if err != nil {
		p.log.Info("login failed", zap.String("username", username), zap.Error(err))
		return Result{Error: api.Message(err, "Login failed")}
	}
	if !resp.User.Role.Valid() {
		p.log.Warn("login returned unknown role", zap.String("role", string(resp.User.Role)))
	}
	now := p.now()
	exp := TokenExpiry(resp.Token)
	if exp.IsZero() && p.ttl > 0 {
		exp = now.Add(p.ttl)
	}
	cred := domain.Credential{
		SessionID: p.sid,
		Token:     resp.Token,
		User:      resp.User,
		CreatedAt: now,
		ExpiresAt: exp,
	}
	if err := p.store.Save(ctx, cred); err != nil {
		p.log.Warn("persist credential", zap.Error(err))
	}
	u := resp.User
	p.mu.Lock()
	p.user, p.token, p.loading = &u, resp.Token, false
	p.mu.Unlock()
	p.log.Info("logged in", zap.Int64("user_id", u.ID), zap.String("role", string(u.Role)))
	out := u
	return Result{Success: true, User: &out}
}

// Logout clears the identity and the stored credential.
func (p *Provider) Logout(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()
	p.clear()
	if err := p.store.Delete(ctx, p.sid); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Expire drops the session after the API rejected its credential.
func (p *Provider) Expire(ctx context.Context) {
	p.op.Lock()
	if p.Token() == "" {
		p.op.Unlock()
		return
	}
	p.clear()
	if err := p.store.Delete(ctx, p.sid); err != nil {
		p.log.Warn("delete expired credential", zap.Error(err))
	}
	p.mu.RLock()
	hooks := append([]func(){}, p.onExpire...)
	p.mu.RUnlock()
	p.op.Unlock()
	p.log.Info("session expired")
	for _, fn := range hooks {
		fn()
	}
}

// Check converts a 401 from the API into ErrExpired and expires the session.
// Any other error is returned unchanged.
func (p *Provider) Check(ctx context.Context, err error) error {
	if err == nil || !api.IsUnauthorized(err) {
		return err
	}
	p.Expire(ctx)
	return fmt.Errorf("%w: %v", ErrExpired, err)
}

func (p *Provider) clear() {
	p.mu.Lock()
	p.user, p.token, p.loading = nil, "", false
	p.mu.Unlock()
}

func (p *Provider) setLoading(v bool) {
	p.mu.Lock()
	p.loading = v
	p.mu.Unlock()
}

func shortID(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}
