package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"farmtrack/internal/db"
	"farmtrack/internal/domain"
	"farmtrack/internal/migrate"
)

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Repo{DB: conn}
}

func TestCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	c := domain.Credential{
		SessionID: "sid-1",
		Token:     "tok",
		User:      domain.Identity{ID: 2, Username: "manager1", Role: domain.RoleManager},
		ExpiresAt: exp,
	}
	require.NoError(t, r.SaveCredential(ctx, c))

	got, err := r.GetCredential(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, c.User, got.User)
	require.Equal(t, "tok", got.Token)
	require.True(t, exp.Equal(got.ExpiresAt))
	require.False(t, got.CreatedAt.IsZero())

	c.Token = "tok2"
	require.NoError(t, r.SaveCredential(ctx, c))
	got, err = r.GetCredential(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "tok2", got.Token)

	require.NoError(t, r.DeleteCredential(ctx, "sid-1"))
	_, err = r.GetCredential(ctx, "sid-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.DeleteCredential(ctx, "sid-1"))
}

func TestSaveCredentialRequiresKeys(t *testing.T) {
	r := setupRepo(t)
	require.Error(t, r.SaveCredential(context.Background(), domain.Credential{Token: "x"}))
	require.Error(t, r.SaveCredential(context.Background(), domain.Credential{SessionID: "s"}))
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	now := time.Now()
	require.NoError(t, r.SaveCredential(ctx, domain.Credential{SessionID: "old", Token: "a", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, r.SaveCredential(ctx, domain.Credential{SessionID: "new", Token: "b", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, r.SaveCredential(ctx, domain.Credential{SessionID: "forever", Token: "c"}))

	n, err := r.PurgeExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	count, err := r.CountCredentials(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
