// Package testutil opens throwaway SQLite stores with the real migrations applied.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/jmehdipour/customer-cqrs/internal/db"
	"github.com/jmehdipour/customer-cqrs/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// OpenSQLite returns a migrated database under t.TempDir(); it is closed on cleanup.
func OpenSQLite(t testing.TB, targets ...string) *sqlx.DB {
	t.Helper()

	conn, err := db.NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"), db.PoolOpts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	for _, target := range targets {
		stmts, err := migrations.Statements(db.DriverSQLite, target)
		require.NoError(t, err)
		for _, s := range stmts {
			_, err := conn.Exec(s)
			require.NoError(t, err, s)
		}
	}
	return conn
}
