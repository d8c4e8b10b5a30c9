package repository

import (
	"context"
	"errors"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmoiron/sqlx"
)

// ErrLeaseLost means some claimed rows were reclaimed by another relay before
// they could be marked published. They will be published again by the new owner.
var ErrLeaseLost = errors.New("outbox lease lost")

// ClaimedBatch is a set of unpublished records exclusively held by one relay.
// Exactly one of MarkPublished or Release must be called.
type ClaimedBatch interface {
	Records() []model.OutboxRecord
	MarkPublished(ctx context.Context) error
	Release(ctx context.Context) error
}

// OutboxClaimer hands out disjoint batches of unpublished records, oldest first.
type OutboxClaimer interface {
	Claim(ctx context.Context, limit int) (ClaimedBatch, error)
}

// SkipLockedClaimer holds row locks for the whole publish cycle. Concurrent
// claimers skip rows another transaction has locked, so batches are disjoint.
// Requires MySQL 8+ (FOR UPDATE SKIP LOCKED).
type SkipLockedClaimer struct {
	repo *OutboxRepositoryImpl
}

func NewSkipLockedClaimer(repo *OutboxRepositoryImpl) *SkipLockedClaimer {
	return &SkipLockedClaimer{repo: repo}
}

var _ OutboxClaimer = (*SkipLockedClaimer)(nil)

func (c *SkipLockedClaimer) Claim(ctx context.Context, limit int) (ClaimedBatch, error) {
	if limit <= 0 {
		return emptyBatch{}, nil
	}
	tx, err := c.repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var rows []outboxRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox
		 WHERE published = 0
		 ORDER BY occurred_at, id
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if len(rows) == 0 {
		_ = tx.Rollback()
		return emptyBatch{}, nil
	}

	return &lockedBatch{repo: c.repo, tx: tx, records: toRecords(rows)}, nil
}

type lockedBatch struct {
	repo    *OutboxRepositoryImpl
	tx      *sqlx.Tx
	records []model.OutboxRecord
}

func (b *lockedBatch) Records() []model.OutboxRecord { return b.records }

func (b *lockedBatch) MarkPublished(ctx context.Context) error {
	if _, err := b.repo.markPublished(ctx, b.tx, recordIDs(b.records)); err != nil {
		_ = b.tx.Rollback()
		return err
	}
	return b.tx.Commit()
}

func (b *lockedBatch) Release(context.Context) error {
	return b.tx.Rollback()
}

type emptyBatch struct{}

func (emptyBatch) Records() []model.OutboxRecord { return nil }

func (emptyBatch) MarkPublished(context.Context) error { return nil }

func (emptyBatch) Release(context.Context) error { return nil }

func recordIDs(recs []model.OutboxRecord) []int64 {
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}
