package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/envelope"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/metrics"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrBrokerUnavailable wraps a failed send. The claimed rows are released and retried next cycle.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// MessageWriter is the subset of *kafka.Writer the relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Config struct {
	Topic       string
	Interval    time.Duration // default 1s
	BatchSize   int           // default 200
	SendTimeout time.Duration // default 10s
}

// Relay moves outbox records to the event topic: claim a batch, send it keyed by
// aggregate id, then mark it published. A record is never marked before the
// broker acknowledged it, so delivery is at-least-once.
type Relay struct {
	claimer repository.OutboxClaimer
	outbox  repository.OutboxRepository
	writer  MessageWriter
	codec   *envelope.Codec
	breaker *Breaker
	log     *zap.Logger
	cfg     Config
}

func New(
	claimer repository.OutboxClaimer,
	outbox repository.OutboxRepository,
	writer MessageWriter,
	codec *envelope.Codec,
	breaker *Breaker,
	log *zap.Logger,
	cfg Config,
) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	return &Relay{
		claimer: claimer,
		outbox:  outbox,
		writer:  writer,
		codec:   codec,
		breaker: breaker,
		log:     logger.OrNop(log),
		cfg:     cfg,
	}
}

// PublishBatch runs one claim-send-mark cycle and returns how many records were published.
// Any failure before the broker acknowledges the send releases the whole batch.
func (r *Relay) PublishBatch(ctx context.Context) (int, error) {
	if !r.breaker.TryAcquire() {
		metrics.RelayBreakerOpen.Set(1)
		return 0, nil
	}

	start := time.Now()
	defer func() { metrics.RelayBatchSeconds.Observe(time.Since(start).Seconds()) }()

	batch, err := r.claimer.Claim(ctx, r.cfg.BatchSize)
	if err != nil {
		r.breaker.Release()
		metrics.RelayErrorsTotal.WithLabelValues("claim").Inc()
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	recs := batch.Records()
	if len(recs) == 0 {
		r.breaker.Release()
		_ = batch.Release(ctx)
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		m, err := r.codec.Message(r.cfg.Topic, rec)
		if err != nil {
			// one poison record holds back the batch; it stays unpublished until fixed
			r.breaker.Release()
			r.release(ctx, batch)
			metrics.RelayErrorsTotal.WithLabelValues("encode").Inc()
			return 0, fmt.Errorf("encode outbox record %d (event %s): %w", rec.ID, rec.EventID, err)
		}
		msgs = append(msgs, m)
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	err = r.writer.WriteMessages(sendCtx, msgs...)
	cancel()
	if err != nil {
		r.breaker.OnFailure()
		metrics.RelayBreakerOpen.Set(boolGauge(r.breaker.Open()))
		r.release(ctx, batch)
		metrics.RelayErrorsTotal.WithLabelValues("send").Inc()
		return 0, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	r.breaker.OnSuccess()
	metrics.RelayBreakerOpen.Set(0)

	if err := batch.MarkPublished(ctx); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			r.log.Warn("lease expired before mark; records will be republished", zap.Error(err))
			metrics.RelayPublishedTotal.Add(float64(len(recs)))
			return len(recs), nil
		}
		metrics.RelayErrorsTotal.WithLabelValues("mark").Inc()
		return 0, fmt.Errorf("mark published: %w", err)
	}

	metrics.RelayPublishedTotal.Add(float64(len(recs)))
	r.log.Debug("published batch",
		zap.Int("count", len(recs)),
		zap.String("first_event", recs[0].EventID),
		zap.Duration("took", time.Since(start)),
	)
	return len(recs), nil
}

func (r *Relay) release(ctx context.Context, batch repository.ClaimedBatch) {
	if err := batch.Release(ctx); err != nil {
		r.log.Warn("release claimed batch", zap.Error(err))
	}
}

// Run polls until ctx is cancelled. Ticks never overlap; a full batch is
// followed by an immediate poll instead of waiting for the next tick.
// A cycle already in flight is allowed to finish on shutdown.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info("relay started",
		zap.String("topic", r.cfg.Topic),
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	for {
		n, err := r.PublishBatch(context.WithoutCancel(ctx))
		if err != nil {
			r.log.Error("relay cycle failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			r.log.Info("relay stopped")
			return nil
		}
		if err == nil && n >= r.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return nil
		case <-ticker.C:
			r.reportStats(ctx)
		}
	}
}

// RunInstances runs n relays against the same outbox. Claims are disjoint so
// they never publish the same record concurrently.
func (r *Relay) RunInstances(ctx context.Context, n int) error {
	if n <= 1 {
		return r.Run(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		inst := *r
		inst.log = r.log.With(zap.Int("instance", i))
		g.Go(func() error { return inst.Run(gctx) })
	}
	return g.Wait()
}

func (r *Relay) reportStats(ctx context.Context) {
	if r.outbox == nil {
		return
	}
	stats, err := r.outbox.Stats(ctx)
	if err != nil {
		r.log.Debug("outbox stats", zap.Error(err))
		return
	}
	metrics.OutboxPending.Set(float64(stats.Pending))
	if stats.OldestPendingAt.IsZero() {
		metrics.OutboxOldestPendingSeconds.Set(0)
	} else {
		metrics.OutboxOldestPendingSeconds.Set(time.Since(stats.OldestPendingAt).Seconds())
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
