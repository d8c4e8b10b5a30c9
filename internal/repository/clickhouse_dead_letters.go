package repository

import (
	"context"
	"database/sql"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHDeadLettersRepository archives dead-lettered events in ClickHouse so they
// can be inspected and replayed after the DLT topic retention has passed.
type CHDeadLettersRepository interface {
	InsertBatch(ctx context.Context, rows []model.DeadLetter) error
	List(ctx context.Context, eventType string, limit, offset int) ([]model.DeadLetter, error)
	GetByEventID(ctx context.Context, eventID string) (*model.DeadLetter, error)
}

type chDeadLettersRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHDeadLettersRepository(ch *sqlx.DB) CHDeadLettersRepository {
	return &chDeadLettersRepository{ch: ch}
}

const deadLetterColumns = `event_id, aggregate_id, event_type, version, original_topic,
		       original_partition, original_offset, error, attempts, payload, dead_lettered_at`

// InsertBatch uses the driver's native batch: prepare once inside a tx, exec per row, commit sends.
func (r *chDeadLettersRepository) InsertBatch(ctx context.Context, rows []model.DeadLetter) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dead_letters (`+deadLetterColumns+`)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range rows {
		if _, err := stmt.ExecContext(ctx,
			d.EventID, d.AggregateID, d.EventType, d.Version, d.OriginalTopic,
			d.OriginalPartition, d.OriginalOffset, d.Error, d.Attempts, d.Payload, d.DeadLetteredAt.UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chDeadLettersRepository) List(ctx context.Context, eventType string, limit, offset int) ([]model.DeadLetter, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT ` + deadLetterColumns + `
		FROM dead_letters FINAL
	`
	var args []any
	if eventType != "" {
		q += " WHERE event_type = ?"
		args = append(args, eventType)
	}

	q += " ORDER BY dead_lettered_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.DeadLetter
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chDeadLettersRepository) GetByEventID(ctx context.Context, eventID string) (*model.DeadLetter, error) {
	var d model.DeadLetter
	err := r.ch.GetContext(ctx, &d, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters FINAL
		WHERE event_id = ?
		ORDER BY dead_lettered_at DESC
		LIMIT 1
	`, eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
