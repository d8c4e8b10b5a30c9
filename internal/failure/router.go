// Package failure decides what happens when a consumed event cannot be applied:
// retry in place with exponential backoff, or park it on the dead-letter topic.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmehdipour/customer-cqrs/internal/config"
	"github.com/jmehdipour/customer-cqrs/internal/envelope"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/metrics"
	"github.com/jmehdipour/customer-cqrs/internal/projection"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderExceptionMessage  = "dlt-exception-message"
	HeaderAttempts          = "dlt-attempts"
)

// Policy is the in-place retry schedule for one message.
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxRetries      int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2.0,
		MaxInterval:     10 * time.Second,
		MaxRetries:      5,
	}
}

func PolicyFrom(c config.RetryConfig) Policy {
	p := DefaultPolicy()
	if c.InitialInterval > 0 {
		p.InitialInterval = c.InitialInterval
	}
	if c.Multiplier >= 1 {
		p.Multiplier = c.Multiplier
	}
	if c.MaxInterval > 0 {
		p.MaxInterval = c.MaxInterval
	}
	if c.MaxRetries >= 0 {
		p.MaxRetries = c.MaxRetries
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	return b
}

// Retryable reports whether err may succeed on a later attempt. Structural
// problems with the message itself never will.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, envelope.ErrInvalidPayload),
		errors.Is(err, projection.ErrInvalidAggregateID):
		return false
	default:
		return true
	}
}

// ApplyFunc handles one consumed message.
type ApplyFunc func(ctx context.Context, m kafka.Message) error

// MessageWriter is the subset of *kafka.Writer used for the dead-letter topic.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Router struct {
	apply    ApplyFunc
	dlq      MessageWriter
	dlqTopic string
	policy   Policy
	log      *zap.Logger
}

func NewRouter(apply ApplyFunc, dlq MessageWriter, dlqTopic string, policy Policy, log *zap.Logger) *Router {
	return &Router{apply: apply, dlq: dlq, dlqTopic: dlqTopic, policy: policy, log: logger.OrNop(log)}
}

// Handle applies m, retrying transient failures. It returns nil once m has been
// applied or parked on the dead-letter topic, meaning its offset may be committed.
// A non-nil error (only on cancellation) means m must not be committed.
func (r *Router) Handle(ctx context.Context, m kafka.Message) error {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := r.apply(ctx, m)
		if err != nil && !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	log := r.log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.policy.backOff()),
		backoff.WithMaxTries(uint(r.policy.MaxRetries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.ProjectorRetriesTotal.Inc()
			log.Warn("apply failed, retrying", zap.Error(err), zap.Duration("in", next))
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	reason := "exhausted"
	if !Retryable(err) {
		reason = "non_retryable"
	}
	log.Error("routing to dead-letter topic",
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if err := r.deadLetter(ctx, m, err, attempts); err != nil {
		return err
	}
	metrics.DeadLettersTotal.WithLabelValues(reason).Inc()
	return nil
}

// deadLetter keeps trying until the DLT accepts the message or ctx ends; the
// consumer must not move past a message that is in neither place.
func (r *Router) deadLetter(ctx context.Context, m kafka.Message, cause error, attempts int) error {
	dl := DeadLetterMessage(r.dlqTopic, m, cause, attempts)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.dlq.WriteMessages(ctx, dl)
	},
		backoff.WithBackOff(r.policy.backOff()),
		backoff.WithMaxTries(0),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("dead-letter write failed", zap.Error(err), zap.Duration("in", next))
		}),
	)
	if err != nil {
		return fmt.Errorf("dead-letter offset %d: %w", m.Offset, err)
	}
	return nil
}

// DeadLetterMessage copies m for the DLT, keeping key, value, headers and the
// original partition number (honoured by a SamePartition balancer).
func DeadLetterMessage(topic string, m kafka.Message, cause error, attempts int) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers)+5)
	headers = append(headers, m.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(m.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(m.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(m.Offset, 10))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
	)
	return kafka.Message{
		Topic:     topic,
		Partition: m.Partition,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
	}
}
