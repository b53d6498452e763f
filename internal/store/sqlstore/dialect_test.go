package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDialectRebind(t *testing.T) {
	t.Parallel()

	q := `UPDATE cities SET status = ? WHERE id = ? AND status IN (?,?)`
	require.Equal(t, q, SQLite.Rebind(q))
	require.Equal(t, `UPDATE cities SET status = $1 WHERE id = $2 AND status IN ($3,$4)`, Postgres.Rebind(q))
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", placeholders(0))
	require.Equal(t, "?", placeholders(1))
	require.Equal(t, "?,?,?", placeholders(3))
}

func TestDialectsShareTables(t *testing.T) {
	t.Parallel()

	require.Len(t, SQLite.Schema, len(Postgres.Schema))
	require.Empty(t, SQLite.ClaimLock)
	require.Contains(t, Postgres.ClaimLock, "SKIP LOCKED")
}
