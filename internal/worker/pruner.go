package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/metrics"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"go.uber.org/zap"
)

// Pruner deletes published outbox rows older than Retention. It never touches
// unpublished rows, so it is safe to run next to the relay.
type Pruner struct {
	Outbox    repository.OutboxRepository
	Interval  time.Duration // default 1h
	Retention time.Duration // default 7 days
	Log       *zap.Logger
	now       func() time.Time
}

func NewPruner(outbox repository.OutboxRepository, interval, retention time.Duration, log *zap.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Pruner{Outbox: outbox, Interval: interval, Retention: retention, Log: logger.OrNop(log), now: time.Now}
}

// Once runs a single pass and returns how many rows were removed.
func (p *Pruner) Once(ctx context.Context) (int64, error) {
	threshold := p.now().Add(-p.Retention)
	n, err := p.Outbox.PrunePublishedOlderThan(ctx, threshold)
	if err != nil {
		return 0, err
	}
	metrics.OutboxPrunedTotal.Add(float64(n))
	p.Log.Info("pruned outbox", zap.Int64("removed", n), zap.Time("older_than", threshold))
	return n, nil
}

// Run prunes every Interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	tick := time.NewTicker(p.Interval)
	defer tick.Stop()

	for {
		if _, err := p.Once(ctx); err != nil && ctx.Err() == nil {
			p.Log.Error("prune failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}
