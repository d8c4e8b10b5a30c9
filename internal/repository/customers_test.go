package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmehdipour/customer-cqrs/internal/testutil"
	"github.com/jmehdipour/customer-cqrs/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inTx(t *testing.T, repo *CustomersRepositoryImpl, fn func(tx *sqlx.Tx)) {
	t.Helper()
	tx, err := repo.BeginTx(context.Background())
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func TestCustomersInsertGetAndVersionedUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewCustomersRepository(testutil.OpenSQLite(t, migrations.TargetWrite))
	id := "7b0d1c2e-0000-4000-8000-000000000001"

	inTx(t, repo, func(tx *sqlx.Tx) {
		require.NoError(t, repo.Insert(ctx, tx, model.Customer{
			ID: id, Name: "Alice", Email: "a@x.com", Version: 0, CreatedAt: base, UpdatedAt: base,
		}))
	})

	inTx(t, repo, func(tx *sqlx.Tx) {
		got, err := repo.Get(ctx, tx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Alice", got.Name)
		assert.EqualValues(t, 0, got.Version)
		assert.Equal(t, base, got.CreatedAt)

		ok, err := repo.UpdateIfVersionMatches(ctx, tx, model.Customer{
			ID: id, Name: "Alicia", Email: "a@x.com", Version: 1, UpdatedAt: base.Add(time.Minute),
		}, 0)
		require.NoError(t, err)
		assert.True(t, ok)

		// stale expected version
		ok, err = repo.UpdateIfVersionMatches(ctx, tx, model.Customer{
			ID: id, Name: "Bob", Email: "a@x.com", Version: 1,
		}, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	inTx(t, repo, func(tx *sqlx.Tx) {
		got, err := repo.Get(ctx, tx, id)
		require.NoError(t, err)
		assert.Equal(t, "Alicia", got.Name)
		assert.EqualValues(t, 1, got.Version)

		ok, err := repo.DeleteIfVersionMatches(ctx, tx, id, 0)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = repo.DeleteIfVersionMatches(ctx, tx, id, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		gone, err := repo.Get(ctx, tx, id)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestCustomersDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	repo := NewCustomersRepository(testutil.OpenSQLite(t, migrations.TargetWrite))

	inTx(t, repo, func(tx *sqlx.Tx) {
		require.NoError(t, repo.Insert(ctx, tx, model.Customer{ID: "1", Name: "A", Email: "a@x.com"}))
	})

	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	err = repo.Insert(ctx, tx, model.Customer{ID: "2", Name: "B", Email: "a@x.com"})
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))
}
