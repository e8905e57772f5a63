package session

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtrack/internal/api"
	"farmtrack/internal/db"
	"farmtrack/internal/domain"
	"farmtrack/internal/fakeapi"
	"farmtrack/internal/migrate"
	"farmtrack/internal/repo"
)

func newProvider(t *testing.T, store Store) (*Provider, *fakeapi.Server) {
	t.Helper()
	fake := fakeapi.New()
	t.Cleanup(fake.Close)
	p := NewProvider(Options{
		SessionID: "sid-test",
		API:       api.New(api.Options{BaseURL: fake.URL}),
		Store:     store,
	})
	return p, fake
}

func TestProviderStartsLoading(t *testing.T) {
	p, _ := newProvider(t, nil)
	st := p.State()
	assert.True(t, st.Loading)
	assert.Nil(t, st.User)

	require.NoError(t, p.Restore(context.Background()))
	st = p.State()
	assert.False(t, st.Loading)
	assert.Nil(t, st.User)
}

func TestLoginLogout(t *testing.T) {
	store := NewMemoryStore()
	p, fake := newProvider(t, store)
	ctx := context.Background()

	res := p.Login(ctx, "farmer1", "farmer123")
	require.True(t, res.Success)
	require.NotNil(t, res.User)
	assert.Equal(t, domain.RoleFarmer, res.User.Role)
	assert.False(t, p.State().Loading)
	assert.NotEmpty(t, p.Token())

	_, err := p.Client().ListTasks(ctx, nil)
	require.NoError(t, err)
	reqs := fake.RequestsTo(http.MethodGet, "/api/tasks")
	require.Len(t, reqs, 1)
	assert.Equal(t, p.Token(), reqs[0].Token)

	c, err := store.Load(ctx, "sid-test")
	require.NoError(t, err)
	assert.Equal(t, *res.User, c.User)
	assert.False(t, c.ExpiresAt.IsZero(), "expiry read from the token")

	require.NoError(t, p.Logout(ctx))
	assert.Nil(t, p.State().User)
	assert.Empty(t, p.Token())
	_, err = store.Load(ctx, "sid-test")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestLoginFailureKeepsState(t *testing.T) {
	p, _ := newProvider(t, nil)
	res := p.Login(context.Background(), "owner1", "nope")
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid credentials", res.Error)
	assert.Nil(t, p.State().User)

	p2, fake := newProvider(t, nil)
	fake.FailNext(http.MethodPost, "/api/auth/login", http.StatusInternalServerError, "")
	res = p2.Login(context.Background(), "owner1", "owner123")
	assert.Equal(t, "Login failed", res.Error)
}

func TestRestoreFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first, fake := newProvider(t, store)
	require.True(t, first.Login(ctx, "manager1", "manager123").Success)

	second := NewProvider(Options{SessionID: "sid-test", API: api.New(api.Options{BaseURL: fake.URL}), Store: store})
	require.NoError(t, second.Restore(ctx))
	id, ok := second.Identity()
	require.True(t, ok)
	assert.Equal(t, "manager1", id.Username)
	assert.Equal(t, first.Token(), second.Token())
}

func TestRestoreDiscardsExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, domain.Credential{
		SessionID: "sid-test",
		Token:     "tok",
		User:      domain.Identity{ID: 1, Username: "owner1", Role: domain.RoleOwner},
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	p, _ := newProvider(t, store)
	require.NoError(t, p.Restore(ctx))
	assert.Nil(t, p.State().User)
	_, err := store.Load(ctx, "sid-test")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestCheckExpiresOnUnauthorized(t *testing.T) {
	ctx := context.Background()
	p, fake := newProvider(t, nil)
	require.True(t, p.Login(ctx, "owner1", "owner123").Success)
	expired := 0
	p.OnExpire(func() { expired++ })

	other := errors.New("x")
	require.Equal(t, other, p.Check(ctx, other))
	assert.NotNil(t, p.State().User)

	fake.Revoke(p.Token())
	_, err := p.Client().Dashboard(ctx)
	err = p.Check(ctx, err)
	require.ErrorIs(t, err, ErrExpired)
	assert.Nil(t, p.State().User)
	assert.Empty(t, p.Token())
	assert.Equal(t, 1, expired)

	p.Expire(ctx)
	assert.Equal(t, 1, expired, "expiring twice runs hooks once")
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.True(t, exp.Equal(TokenExpiry(tok)))
	assert.True(t, TokenExpiry("opaque").IsZero())
	assert.True(t, TokenExpiry("").IsZero())
}

func TestTokenExpiryWinsOverTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fake := fakeapi.New()
	t.Cleanup(fake.Close)
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	p := NewProvider(Options{
		SessionID: "s",
		API:       api.New(api.Options{BaseURL: fake.URL}),
		Store:     store,
		TTL:       time.Hour,
		Now:       func() time.Time { return now },
	})
	require.True(t, p.Login(ctx, "owner1", "owner123").Success)
	c, err := store.Load(ctx, "s")
	require.NoError(t, err)
	assert.True(t, TokenExpiry(p.Token()).Equal(c.ExpiresAt))
	assert.True(t, c.CreatedAt.Equal(now))
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": SQLStore{Repo: repo.Repo{DB: conn}},
		"redis":  NewRedisStore(rc, ""),
	}
}

func TestStores(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Load(ctx, "missing")
			require.ErrorIs(t, err, ErrNoCredential)

			c := domain.Credential{
				SessionID: "abc",
				Token:     "tok",
				User:      domain.Identity{ID: 3, Username: "farmer1", Role: domain.RoleFarmer},
				CreatedAt: time.Now().UTC().Truncate(time.Second),
				ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
			}
			require.NoError(t, store.Save(ctx, c))
			got, err := store.Load(ctx, "abc")
			require.NoError(t, err)
			assert.Equal(t, c.User, got.User)
			assert.Equal(t, c.Token, got.Token)
			assert.True(t, c.ExpiresAt.Equal(got.ExpiresAt))

			require.NoError(t, store.Delete(ctx, "abc"))
			_, err = store.Load(ctx, "abc")
			require.ErrorIs(t, err, ErrNoCredential)
		})
	}
}

func TestRedisStoreExpiresKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	store := NewRedisStore(rc, "test:")
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.Credential{SessionID: "s", Token: "t", ExpiresAt: time.Now().Add(time.Minute)}))
	assert.True(t, mr.Exists("test:s"))
	mr.FastForward(2 * time.Minute)
	_, err := store.Load(ctx, "s")
	assert.ErrorIs(t, err, ErrNoCredential)
}
