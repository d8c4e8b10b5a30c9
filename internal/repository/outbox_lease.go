package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmehdipour/customer-cqrs/internal/util"
)

// LeaseClaimer stamps rows with a claim token and an expiry instead of holding
// locks across the publish. A crashed relay's rows become claimable again once
// lease_until passes. Works on SQLite and MySQL.
type LeaseClaimer struct {
	repo *OutboxRepositoryImpl
	ttl  time.Duration
}

func NewLeaseClaimer(repo *OutboxRepositoryImpl, ttl time.Duration) *LeaseClaimer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LeaseClaimer{repo: repo, ttl: ttl}
}

var _ OutboxClaimer = (*LeaseClaimer)(nil)

const (
	// MySQL rejects a subquery on the table being updated, but allows ORDER BY/LIMIT on UPDATE.
	leaseClaimMySQL = `
		UPDATE outbox
		   SET claim_token = ?, lease_until = ?
		 WHERE published = 0
		   AND (claim_token IS NULL OR lease_until < ?)
		 ORDER BY occurred_at, id
		 LIMIT ?
	`
	leaseClaimSQLite = `
		UPDATE outbox
		   SET claim_token = ?, lease_until = ?
		 WHERE id IN (
		       SELECT id FROM outbox
		        WHERE published = 0
		          AND (claim_token IS NULL OR lease_until < ?)
		        ORDER BY occurred_at, id
		        LIMIT ?)
	`
)

func (c *LeaseClaimer) Claim(ctx context.Context, limit int) (ClaimedBatch, error) {
	if limit <= 0 {
		return emptyBatch{}, nil
	}
	now := c.repo.now()
	token := util.NewULID()

	q := leaseClaimSQLite
	if c.repo.db.DriverName() == "mysql" {
		q = leaseClaimMySQL
	}
	res, err := c.repo.db.ExecContext(ctx, q, token, toMillis(now.Add(c.ttl)), toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return emptyBatch{}, nil
	}

	var rows []outboxRow
	err = c.repo.db.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox
		 WHERE claim_token = ? AND published = 0
		 ORDER BY occurred_at, id
	`, token)
	if err != nil {
		return nil, err
	}
	return &leasedBatch{repo: c.repo, token: token, records: toRecords(rows)}, nil
}

type leasedBatch struct {
	repo    *OutboxRepositoryImpl
	token   string
	records []model.OutboxRecord
}

func (b *leasedBatch) Records() []model.OutboxRecord { return b.records }

func (b *leasedBatch) MarkPublished(ctx context.Context) error {
	res, err := b.repo.db.ExecContext(ctx, `
		UPDATE outbox
		   SET published = 1, published_at = ?, claim_token = NULL, lease_until = NULL
		 WHERE claim_token = ? AND published = 0
	`, toMillis(b.repo.now()), b.token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) < len(b.records) {
		return fmt.Errorf("%w: marked %d of %d", ErrLeaseLost, n, len(b.records))
	}
	return nil
}

func (b *leasedBatch) Release(ctx context.Context) error {
	_, err := b.repo.db.ExecContext(ctx, `
		UPDATE outbox
		   SET claim_token = NULL, lease_until = NULL
		 WHERE claim_token = ? AND published = 0
	`, b.token)
	return err
}

// NewClaimer picks a claim strategy by name: "skip_locked" (default) or "lease".
func NewClaimer(strategy string, repo *OutboxRepositoryImpl, ttl time.Duration) (OutboxClaimer, error) {
	switch strategy {
	case "", "skip_locked":
		if repo.db.DriverName() != "mysql" {
			return nil, fmt.Errorf("claim strategy skip_locked requires mysql, got %s", repo.db.DriverName())
		}
		return NewSkipLockedClaimer(repo), nil
	case "lease":
		return NewLeaseClaimer(repo, ttl), nil
	default:
		return nil, fmt.Errorf("unknown claim strategy %q", strategy)
	}
}
