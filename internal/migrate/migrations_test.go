package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"farmtrack/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(ctx, conn))
	require.NoError(t, Migrate(ctx, conn))

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n))
	require.Zero(t, n)
}
