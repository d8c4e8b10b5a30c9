package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/envelope"
	"github.com/jmehdipour/customer-cqrs/internal/failure"
	"github.com/jmehdipour/customer-cqrs/internal/kafka"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/projection"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source is the consumer side of a topic with manual offset control.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Handler processes one message. A nil return means the offset may be committed.
type Handler interface {
	Handle(ctx context.Context, m kafka.Message) error
}

// ApplyWith decodes a message and hands the envelope to the projector.
func ApplyWith(p *projection.Projector) failure.ApplyFunc {
	return func(ctx context.Context, m kafka.Message) error {
		env, err := envelope.FromMessage(m)
		if err != nil {
			return err
		}
		_, err = p.Apply(ctx, env)
		return err
	}
}

// ProjectorKafka:
// - fetches envelopes from the event topic,
// - routes each partition to one lane so per-partition order is kept,
// - commits an offset only after the handler accepted the message.
type ProjectorKafka struct {
	Source  Source
	Handler Handler
	Workers int // lanes; partitions are mapped with partition % Workers
	Log     *zap.Logger
}

func NewProjectorKafka(src Source, h Handler, workers int, log *zap.Logger) *ProjectorKafka {
	return &ProjectorKafka{Source: src, Handler: h, Workers: workers, Log: logger.OrNop(log)}
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *ProjectorKafka) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 12
	}
	w.Log = logger.OrNop(w.Log)

	g, gctx := errgroup.WithContext(ctx)
	lanes := make([]chan kafka.Message, w.Workers)
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		lane := lanes[i]
		g.Go(func() error { return w.runLane(gctx, lane) })
	}

	g.Go(func() error {
		defer func() {
			for _, l := range lanes {
				close(l)
			}
		}()
		for {
			m, err := w.Source.Fetch(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case lanes[m.Partition%w.Workers] <- m:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		w.Log.Info("projector stopped")
		return nil
	}
	return err
}

func (w *ProjectorKafka) runLane(ctx context.Context, in <-chan kafka.Message) error {
	for m := range in {
		if err := w.Handler.Handle(ctx, m); err != nil {
			// not committed: the partition resumes from this message after a restart
			return err
		}
		if err := w.Source.Commit(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// a later commit on this partition covers it
			w.Log.Warn("kafka commit failed",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
	return nil
}
