package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/failure"
	"github.com/jmehdipour/customer-cqrs/internal/kafka"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/metrics"
	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"go.uber.org/zap"
)

// DLQArchiver copies the dead-letter topic into ClickHouse in batches. Offsets
// are committed only after the batch insert succeeded.
type DLQArchiver struct {
	Source    Source
	Archive   repository.CHDeadLettersRepository
	BatchSize int           // default 500
	BatchWait time.Duration // default 2s
	RetryWait time.Duration // pause after a failed fetch, default 200ms
	Log       *zap.Logger
}

func NewDLQArchiver(src Source, archive repository.CHDeadLettersRepository, log *zap.Logger) *DLQArchiver {
	return &DLQArchiver{
		Source:    src,
		Archive:   archive,
		BatchSize: 500,
		BatchWait: 2 * time.Second,
		RetryWait: 200 * time.Millisecond,
		Log:       logger.OrNop(log),
	}
}

// Run blocks until ctx is cancelled.
func (a *DLQArchiver) Run(ctx context.Context) error {
	if a.BatchSize <= 0 {
		a.BatchSize = 500
	}
	if a.BatchWait <= 0 {
		a.BatchWait = 2 * time.Second
	}
	if a.RetryWait <= 0 {
		a.RetryWait = 200 * time.Millisecond
	}
	a.Log = logger.OrNop(a.Log)

	in := make(chan kafka.Message, a.BatchSize)
	fetcher := make(chan struct{})
	defer func() { <-fetcher }()
	go func() {
		defer close(fetcher)
		defer close(in)
		for {
			m, err := a.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.Log.Warn("dlq fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(a.RetryWait):
				}
				continue
			}
			select {
			case in <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	tick := time.NewTicker(a.BatchWait)
	defer tick.Stop()

	var (
		msgs []kafka.Message
		rows []model.DeadLetter
	)
	flush := func(ctx context.Context) {
		if len(msgs) == 0 {
			return
		}
		if err := a.Archive.InsertBatch(ctx, rows); err != nil {
			// keep the buffer; the next tick tries again
			a.Log.Error("archive insert failed", zap.Int("rows", len(rows)), zap.Error(err))
			return
		}
		if err := a.Source.Commit(ctx, msgs...); err != nil {
			a.Log.Warn("dlq commit failed", zap.Error(err))
		}
		metrics.DeadLettersArchivedTotal.Add(float64(len(rows)))
		a.Log.Info("archived dead letters", zap.Int("rows", len(rows)))
		msgs = msgs[:0]
		rows = rows[:0]
	}

	for {
		src := in
		if len(msgs) >= a.BatchSize*4 {
			// archive is down and the buffer is full; stop reading until a flush succeeds
			src = nil
		}

		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return nil

		case m, ok := <-src:
			if !ok {
				flush(context.WithoutCancel(ctx))
				return nil
			}
			msgs = append(msgs, m)
			rows = append(rows, failure.ToDeadLetter(m, time.Now()))
			if len(msgs) >= a.BatchSize {
				flush(ctx)
			}

		case <-tick.C:
			flush(ctx)
		}
	}
}
