package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmoiron/sqlx"
)

// CustomersRepository persists the write-side customer aggregate. Every method
// runs inside the caller's transaction so the outbox row lands atomically with it.
type CustomersRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, c model.Customer) error
	Get(ctx context.Context, tx *sqlx.Tx, id string) (*model.Customer, error)
	// UpdateIfVersionMatches applies c when the stored version equals expected
	// and bumps it to c.Version. Reports false when nothing matched.
	UpdateIfVersionMatches(ctx context.Context, tx *sqlx.Tx, c model.Customer, expected int64) (bool, error)
	DeleteIfVersionMatches(ctx context.Context, tx *sqlx.Tx, id string, expected int64) (bool, error)
}

type CustomersRepositoryImpl struct {
	db *sqlx.DB
}

func NewCustomersRepository(db *sqlx.DB) *CustomersRepositoryImpl {
	return &CustomersRepositoryImpl{db: db}
}

var _ CustomersRepository = (*CustomersRepositoryImpl)(nil)

type customerRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Email     string `db:"email"`
	Version   int64  `db:"version"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// BeginTx opens a write-side transaction.
func (r *CustomersRepositoryImpl) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}

func (r *CustomersRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, c model.Customer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Email, c.Version, toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	return err
}

func (r *CustomersRepositoryImpl) Get(ctx context.Context, tx *sqlx.Tx, id string) (*model.Customer, error) {
	var row customerRow
	err := tx.GetContext(ctx, &row, `
		SELECT id, name, email, version, created_at, updated_at
		  FROM customers
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.Customer{
		ID:        row.ID,
		Name:      row.Name,
		Email:     row.Email,
		Version:   row.Version,
		CreatedAt: fromMillis(row.CreatedAt),
		UpdatedAt: fromMillis(row.UpdatedAt),
	}, nil
}

func (r *CustomersRepositoryImpl) UpdateIfVersionMatches(ctx context.Context, tx *sqlx.Tx, c model.Customer, expected int64) (bool, error) {
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE customers
		   SET name = ?, email = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?
	`, c.Name, c.Email, c.Version, toMillis(updatedAt), c.ID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CustomersRepositoryImpl) DeleteIfVersionMatches(ctx context.Context, tx *sqlx.Tx, id string, expected int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM customers WHERE id = ? AND version = ?`, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
