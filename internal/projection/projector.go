// Package projection keeps the customers_view read model in step with the event stream.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/customer-cqrs/internal/envelope"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/metrics"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrInvalidAggregateID marks an envelope whose aggregate id is not a uuid.
var ErrInvalidAggregateID = errors.New("invalid aggregate id")

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeStale   Outcome = "stale"
	OutcomeDeleted Outcome = "deleted"
	OutcomeIgnored Outcome = "ignored"
)

// Projector applies one envelope at a time. Each call is a single read-modify-write
// transaction scoped to one aggregate id.
type Projector struct {
	views repository.CustomerViewsRepository
	cache repository.CustomerViewCache
	log   *zap.Logger
	now   func() time.Time
}

func NewProjector(views repository.CustomerViewsRepository, cache repository.CustomerViewCache, log *zap.Logger) *Projector {
	if cache == nil {
		cache = repository.NopViewCache{}
	}
	return &Projector{views: views, cache: cache, log: logger.OrNop(log), now: time.Now}
}

// Apply decides and commits the effect of env on the read model. A nil error
// means the message may be acknowledged.
func (p *Projector) Apply(ctx context.Context, env envelope.Envelope) (Outcome, error) {
	if _, err := uuid.Parse(env.AggregateID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAggregateID, env.AggregateID)
	}
	log := p.log.With(
		zap.String("aggregate_id", env.AggregateID),
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.Int64("version", env.Version),
	)

	if !env.Known() {
		log.Warn("ignoring unknown event type")
		metrics.ProjectedTotal.WithLabelValues(env.EventType, string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	var outcome Outcome
	err := p.views.InTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := p.views.GetForUpdate(ctx, tx, env.AggregateID)
		if err != nil {
			return fmt.Errorf("load view: %w", err)
		}
		current := int64(-1)
		if cur != nil {
			current = cur.Version
		}

		if env.Version <= current {
			outcome = OutcomeStale
			return nil
		}
		if env.Version > current+1 {
			log.Warn("version gap, applying anyway",
				zap.Int64("current", current),
				zap.Int64("expected", current+1),
			)
			metrics.ProjectedTotal.WithLabelValues(env.EventType, "gap").Inc()
		}

		// stale events are skipped before the payload is looked at
		ev, err := env.Event()
		if err != nil {
			return err
		}

		switch e := ev.(type) {
		case envelope.Created:
			row, _, err := Merge(cur, env.AggregateID, Fields{Name: e.Name, Email: e.Email}, env.Version, p.now(), true)
			if err != nil {
				return err
			}
			outcome = OutcomeApplied
			return p.views.Upsert(ctx, tx, row)

		case envelope.Updated:
			row, filled, err := Merge(cur, env.AggregateID, Fields{Name: e.Name, Email: e.Email}, env.Version, p.now(), false)
			if err != nil {
				return err
			}
			if len(filled) > 0 {
				log.Warn("update for unseen customer, filled placeholders", zap.Strings("fields", filled))
			}
			outcome = OutcomeApplied
			return p.views.Upsert(ctx, tx, row)

		case envelope.Deleted:
			outcome = OutcomeDeleted
			if cur == nil {
				return nil
			}
			_, err := p.views.Delete(ctx, tx, env.AggregateID)
			return err

		default:
			return fmt.Errorf("unhandled event variant %T", ev)
		}
	})
	if err != nil {
		return "", err
	}

	metrics.ProjectedTotal.WithLabelValues(env.EventType, string(outcome)).Inc()
	if outcome == OutcomeStale {
		log.Debug("skipping stale event")
		return outcome, nil
	}
	if err := p.cache.Invalidate(ctx, env.AggregateID); err != nil {
		log.Warn("view cache invalidate failed", zap.Error(err))
	}
	return outcome, nil
}

// CurrentVersion returns the stored version for id, or -1 when there is no row.
func (p *Projector) CurrentVersion(ctx context.Context, id string) (int64, error) {
	v, err := p.views.Find(ctx, id)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return -1, nil
	}
	return v.Version, nil
}
