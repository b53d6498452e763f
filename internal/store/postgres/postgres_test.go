package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/store/sqlstore"
)

func TestMigrateAppliesEverySchemaStatement(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mock.Close()

	for _, stmt := range sqlstore.Postgres.Schema {
		mock.ExpectExec(stmt).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnFirstError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(sqlstore.Postgres.Schema[0]).WillReturnError(errors.New("permission denied"))

	err = Migrate(context.Background(), mock)
	require.ErrorContains(t, err, "permission denied")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestClaimStatementSkipsLockedRows(t *testing.T) {
	t.Parallel()

	q := sqlstore.Postgres.Rebind(`SELECT id FROM cities WHERE status = ? ORDER BY id LIMIT 1` + sqlstore.Postgres.ClaimLock)
	require.Equal(t, `SELECT id FROM cities WHERE status = $1 ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`, q)
}
