package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmoiron/sqlx"
)

// CustomerViewsRepository is the read-side store. Mutations are only ever made
// by the projector, one event per transaction.
type CustomerViewsRepository interface {
	InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	// GetForUpdate loads a row and, on MySQL, locks it until the tx ends.
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.CustomerView, error)
	Upsert(ctx context.Context, tx *sqlx.Tx, v model.CustomerView) error
	Delete(ctx context.Context, tx *sqlx.Tx, id string) (bool, error)

	Find(ctx context.Context, id string) (*model.CustomerView, error)
	FindByEmail(ctx context.Context, email string) ([]model.CustomerView, error)
	List(ctx context.Context, limit, offset int) ([]model.CustomerView, error)
}

type CustomerViewsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCustomerViewsRepository(db *sqlx.DB) *CustomerViewsRepositoryImpl {
	return &CustomerViewsRepositoryImpl{db: db}
}

var _ CustomerViewsRepository = (*CustomerViewsRepositoryImpl)(nil)

type viewRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Email     string `db:"email"`
	Version   int64  `db:"version"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r viewRow) view() model.CustomerView {
	return model.CustomerView{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email,
		Version:   r.Version,
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

const viewColumns = `id, name, email, version, updated_at`

func (r *CustomerViewsRepositoryImpl) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *CustomerViewsRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.CustomerView, error) {
	q := `SELECT ` + viewColumns + ` FROM customers_view WHERE id = ?`
	// SQLite serialises writers already and has no row locks.
	if tx.DriverName() == "mysql" {
		q += ` FOR UPDATE`
	}
	var row viewRow
	err := tx.GetContext(ctx, &row, q, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v := row.view()
	return &v, nil
}

func (r *CustomerViewsRepositoryImpl) Upsert(ctx context.Context, tx *sqlx.Tx, v model.CustomerView) error {
	updatedAt := v.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	q := `
		INSERT INTO customers_view (id, name, email, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		    name = excluded.name, email = excluded.email,
		    version = excluded.version, updated_at = excluded.updated_at
	`
	if tx.DriverName() == "mysql" {
		q = `
			INSERT INTO customers_view (id, name, email, version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
			    name = VALUES(name), email = VALUES(email),
			    version = VALUES(version), updated_at = VALUES(updated_at)
		`
	}
	_, err := tx.ExecContext(ctx, q, v.ID, v.Name, v.Email, v.Version, toMillis(updatedAt))
	return err
}

func (r *CustomerViewsRepositoryImpl) Delete(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM customers_view WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CustomerViewsRepositoryImpl) Find(ctx context.Context, id string) (*model.CustomerView, error) {
	var row viewRow
	err := r.db.GetContext(ctx, &row, `SELECT `+viewColumns+` FROM customers_view WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v := row.view()
	return &v, nil
}

// FindByEmail may return several rows: the read model does not enforce
// email uniqueness, it mirrors whatever the events said.
func (r *CustomerViewsRepositoryImpl) FindByEmail(ctx context.Context, email string) ([]model.CustomerView, error) {
	var rows []viewRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT `+viewColumns+`
		  FROM customers_view
		 WHERE email = ?
		 ORDER BY id
	`, email); err != nil {
		return nil, err
	}
	return toViews(rows), nil
}

func (r *CustomerViewsRepositoryImpl) List(ctx context.Context, limit, offset int) ([]model.CustomerView, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []viewRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT `+viewColumns+`
		  FROM customers_view
		 ORDER BY updated_at DESC, id
		 LIMIT ? OFFSET ?
	`, limit, offset); err != nil {
		return nil, err
	}
	return toViews(rows), nil
}

func toViews(rows []viewRow) []model.CustomerView {
	out := make([]model.CustomerView, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.view())
	}
	return out
}
