package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"farmtrack/internal/domain"
	"farmtrack/internal/repo"
)

// ErrNoCredential is returned by a Store when a session holds no credential.
var ErrNoCredential = errors.New("no stored credential")

// Store persists the credential of a client session between process runs
// (terminal client) or across web instances (redis).
type Store interface {
	Load(ctx context.Context, sessionID string) (domain.Credential, error)
	Save(ctx context.Context, c domain.Credential) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps credentials for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]domain.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: map[string]domain.Credential{}}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[sessionID]
	if !ok {
		return domain.Credential{}, ErrNoCredential
	}
	return c, nil
}

func (m *MemoryStore) Save(_ context.Context, c domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.SessionID] = c
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, sessionID)
	return nil
}

// SQLStore keeps credentials in the sqlite sessions table.
type SQLStore struct {
	Repo repo.Repo
}

func (s SQLStore) Load(ctx context.Context, sessionID string) (domain.Credential, error) {
	c, err := s.Repo.GetCredential(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Credential{}, ErrNoCredential
	}
	return c, err
}

func (s SQLStore) Save(ctx context.Context, c domain.Credential) error {
	return s.Repo.SaveCredential(ctx, c)
}

func (s SQLStore) Delete(ctx context.Context, sessionID string) error {
	return s.Repo.DeleteCredential(ctx, sessionID)
}

// Purge removes credentials that expired before now. Redis expires keys on
// its own, so only the sqlite store needs this.
func (s SQLStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	return s.Repo.PurgeExpired(ctx, now)
}

// RedisStore shares credentials between web instances. Keys expire with the
// credential.
type RedisStore struct {
	c      *redis.Client
	prefix string
}

func NewRedisStore(c *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "farmtrack:session:"
	}
	return &RedisStore{c: c, prefix: prefix}
}

type redisCredential struct {
	Token     string          `json:"token"`
	User      domain.Identity `json:"user"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

func (r *RedisStore) key(sessionID string) string { return r.prefix + sessionID }

func (r *RedisStore) Load(ctx context.Context, sessionID string) (domain.Credential, error) {
	val, err := r.c.Get(ctx, r.key(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return domain.Credential{}, ErrNoCredential
		}
		return domain.Credential{}, err
	}
	var rc redisCredential
	if err := json.Unmarshal([]byte(val), &rc); err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{
		SessionID: sessionID,
		Token:     rc.Token,
		User:      rc.User,
		CreatedAt: rc.CreatedAt,
		ExpiresAt: rc.ExpiresAt,
	}, nil
}

func (r *RedisStore) Save(ctx context.Context, c domain.Credential) error {
	if c.SessionID == "" {
		return errors.New("session id required")
	}
	data, err := json.Marshal(redisCredential{Token: c.Token, User: c.User, CreatedAt: c.CreatedAt, ExpiresAt: c.ExpiresAt})
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !c.ExpiresAt.IsZero() {
		ttl = time.Until(c.ExpiresAt)
		if ttl <= 0 {
			return r.Delete(ctx, c.SessionID)
		}
	}
	return r.c.Set(ctx, r.key(c.SessionID), data, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return r.c.Del(ctx, r.key(sessionID)).Err()
}
