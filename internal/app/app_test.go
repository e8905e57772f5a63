package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtrack/internal/api"
	"farmtrack/internal/db"
	"farmtrack/internal/domain"
	"farmtrack/internal/fakeapi"
	"farmtrack/internal/migrate"
	"farmtrack/internal/repo"
	"farmtrack/internal/session"
)

func newRegistry(t *testing.T, store session.Store) (*Registry, *fakeapi.Server) {
	t.Helper()
	fake := fakeapi.New()
	t.Cleanup(fake.Close)
	return NewRegistry(Deps{API: api.New(api.Options{BaseURL: fake.URL}), Store: store}), fake
}

func TestRegistryKeepsOneBundlePerSession(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)

	a, err := r.Get(ctx, "a")
	require.NoError(t, err)
	again, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.False(t, a.Session.State().Loading, "restored on first use")

	b, err := r.Get(ctx, "b")
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	require.True(t, a.Login(ctx, "owner1", "owner123").Success)
	_, ok := b.Session.Identity()
	assert.False(t, ok, "sessions never share identity")
	assert.Equal(t, 2, r.Len())
}

func TestBundleRestoresFromSharedStore(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	r, _ := newRegistry(t, store)
	b, err := r.Get(ctx, "sid")
	require.NoError(t, err)
	require.True(t, b.Login(ctx, "farmer1", "farmer123").Success)

	r.Forget("sid")
	b2, err := r.Get(ctx, "sid")
	require.NoError(t, err)
	assert.NotSame(t, b, b2)
	id, ok := b2.Session.Identity()
	require.True(t, ok)
	assert.Equal(t, domain.RoleFarmer, id.Role)
}

// failingStore fails the first n loads, then serves from the wrapped store.
type failingStore struct {
	session.Store
	fails int
	loads int
}

func (s *failingStore) Load(ctx context.Context, sid string) (domain.Credential, error) {
	s.loads++
	if s.loads <= s.fails {
		return domain.Credential{}, errors.New("redis: connection refused")
	}
	return s.Store.Load(ctx, sid)
}

func TestRestoreRetriesAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	mem := session.NewMemoryStore()
	r, _ := newRegistry(t, mem)
	b, err := r.Get(ctx, "sid")
	require.NoError(t, err)
	require.True(t, b.Login(ctx, "farmer1", "farmer123").Success)

	store := &failingStore{Store: mem, fails: 1}
	r, _ = newRegistry(t, store)
	_, err = r.Get(ctx, "sid")
	require.Error(t, err)

	for i := 0; i < 3; i++ {
		b, err = r.Get(ctx, "sid")
		require.NoError(t, err, "get #%d after the store recovered", i+2)
	}
	id, ok := b.Session.Identity()
	require.True(t, ok)
	assert.Equal(t, domain.RoleFarmer, id.Role)
	assert.Equal(t, 2, store.loads, "restored once, then cached")
}

func TestViewsResetOnIdentityChange(t *testing.T) {
	ctx := context.Background()
	r, fake := newRegistry(t, nil)
	fake.AddTask(domain.Task{Title: "Weed", AssignedToID: 3, Status: domain.StatusPending})
	b, err := r.Get(ctx, "sid")
	require.NoError(t, err)
	require.True(t, b.Login(ctx, "manager1", "manager123").Success)

	tasks := b.Tasks()
	require.NoError(t, tasks.Mount(ctx))
	require.Len(t, tasks.Snapshot().Items, 1)

	require.NoError(t, b.Logout(ctx))
	assert.NotSame(t, tasks, b.Tasks())
	assert.Empty(t, b.Tasks().Snapshot().Items)

	require.True(t, b.Login(ctx, "manager1", "manager123").Success)
	fresh := b.Tasks()
	fake.Revoke(b.Session.Token())
	require.ErrorIs(t, fresh.Fetch(ctx), session.ErrExpired)
	assert.NotSame(t, fresh, b.Tasks(), "expiry drops the views")
}

func TestDashboardMountsAreIndependent(t *testing.T) {
	ctx := context.Background()
	r, fake := newRegistry(t, nil)
	b, err := r.Get(ctx, "sid")
	require.NoError(t, err)
	require.True(t, b.Login(ctx, "owner1", "owner123").Success)
	fake.Reset()

	_, err = b.Dashboard().Load(ctx)
	require.NoError(t, err)
	_, err = b.Dashboard().Load(ctx)
	require.NoError(t, err)
	assert.Len(t, fake.RequestsTo(http.MethodGet, "/api/dashboard"), 2)
}

func TestSweepDropsIdleBundlesAndPurges(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	rp := repo.Repo{DB: conn}
	require.NoError(t, rp.SaveCredential(ctx, domain.Credential{
		SessionID: "old",
		Token:     "tok",
		User:      domain.Identity{ID: 1, Username: "owner1", Role: domain.RoleOwner},
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	fake := fakeapi.New()
	t.Cleanup(fake.Close)
	now := time.Now()
	r := NewRegistry(Deps{
		API:   api.New(api.Options{BaseURL: fake.URL}),
		Store: session.SQLStore{Repo: rp},
		Now:   func() time.Time { return now },
	})
	_, err = r.Get(ctx, "idle")
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = r.Get(ctx, "active")
	require.NoError(t, err)

	assert.Equal(t, 1, r.Sweep(ctx, 30*time.Minute))
	assert.Equal(t, 1, r.Len())
	n, err := rp.CountCredentials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
