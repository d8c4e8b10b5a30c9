package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox record. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx. The write path
	// must always pass the tx that carries the domain mutation.
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error
	// PrunePublishedOlderThan deletes published records that occurred before
	// threshold and returns how many were removed. Unpublished rows are never touched.
	PrunePublishedOlderThan(ctx context.Context, threshold time.Time) (int64, error)
	Stats(ctx context.Context) (model.OutboxStats, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db, now: time.Now}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// WithClock returns a copy that reads the time from now. Lease expiry and
// published_at follow it.
func (r *OutboxRepositoryImpl) WithClock(now func() time.Time) *OutboxRepositoryImpl {
	cp := *r
	cp.now = now
	return &cp
}

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, version, payload, published, event_id, occurred_at`

type outboxRow struct {
	ID            int64  `db:"id"`
	AggregateType string `db:"aggregate_type"`
	AggregateID   string `db:"aggregate_id"`
	EventType     string `db:"event_type"`
	Version       int64  `db:"version"`
	Payload       []byte `db:"payload"`
	Published     bool   `db:"published"`
	EventID       string `db:"event_id"`
	OccurredAt    int64  `db:"occurred_at"`
}

func (r outboxRow) record() model.OutboxRecord {
	return model.OutboxRecord{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Version:       r.Version,
		Payload:       r.Payload,
		Published:     r.Published,
		EventID:       r.EventID,
		OccurredAt:    fromMillis(r.OccurredAt),
	}
}

func toRecords(rows []outboxRow) []model.OutboxRecord {
	out := make([]model.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out
}

// Insert adds an unpublished event row to the outbox.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error {
	if rec.EventID == "" || rec.AggregateID == "" || rec.EventType == "" {
		return fmt.Errorf("outbox record requires event id, aggregate id and event type")
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("outbox payload for event %s is not valid json", rec.EventID)
	}
	occurredAt := rec.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = r.now()
	}

	const q = `
		INSERT INTO outbox
		    (aggregate_type, aggregate_id, event_type, version, payload, published, event_id, occurred_at)
		VALUES
		    (?,              ?,            ?,          ?,       ?,       0,         ?,        ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			rec.AggregateType, rec.AggregateID, rec.EventType, rec.Version,
			string(rec.Payload), rec.EventID, toMillis(occurredAt),
		)
		return err
	})
}

// markPublished flips published for the given ids inside the claim transaction.
func (r *OutboxRepositoryImpl) markPublished(ctx context.Context, tx *sqlx.Tx, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const base = `
		UPDATE outbox
		   SET published = 1, published_at = ?, claim_token = NULL, lease_until = NULL
		 WHERE id IN (?) AND published = 0
	`
	query, args, err := sqlx.In(base, toMillis(r.now()), ids)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *OutboxRepositoryImpl) PrunePublishedOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox
		 WHERE published = 1
		   AND occurred_at < ?
	`, toMillis(threshold))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *OutboxRepositoryImpl) Stats(ctx context.Context) (model.OutboxStats, error) {
	var (
		pending, published int64
		oldest             sql.NullInt64
	)
	err := r.db.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN published = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN published = 1 THEN 1 ELSE 0 END), 0),
		       MIN(CASE WHEN published = 0 THEN occurred_at END)
		  FROM outbox
	`).Scan(&pending, &published, &oldest)
	if err != nil {
		return model.OutboxStats{}, err
	}
	stats := model.OutboxStats{Pending: pending, Published: published}
	if oldest.Valid {
		stats.OldestPendingAt = fromMillis(oldest.Int64)
	}
	return stats, nil
}
