package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/config"
	"github.com/labstack/gommon/bytes"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // 0 = commit synchronously on every Commit call
	MaxWait        time.Duration // default 50ms
}

// ConsumerConfig maps the kafka settings for one topic, parsing human sizes like "10MB".
func ConsumerConfig(c config.KafkaConfig, topic, groupID string) (Config, error) {
	out := Config{
		Brokers:        c.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		CommitInterval: c.CommitInterval,
	}
	if c.MinBytes != "" {
		n, err := bytes.Parse(c.MinBytes)
		if err != nil {
			return Config{}, fmt.Errorf("kafka.min_bytes: %w", err)
		}
		out.MinBytes = int(n)
	}
	if c.MaxBytes != "" {
		n, err := bytes.Parse(c.MaxBytes)
		if err != nil {
			return Config{}, fmt.Errorf("kafka.max_bytes: %w", err)
		}
		out.MaxBytes = int(n)
	}
	return out, nil
}

// Consumer is a thin wrapper around segmentio/kafka-go Reader. Offsets are
// only committed through Commit, after the message has been handled.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumerFromConfig(c Config) *Consumer {
	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	ci := c.CommitInterval
	if ci < 0 {
		ci = 0
	}

	mw := c.MaxWait
	if mw <= 0 {
		mw = 50 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        mw,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{r: r}
}

type Message = kafka.Message

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, msgs ...Message) error {
	return c.r.CommitMessages(ctx, msgs...)
}

func (c *Consumer) Close() error { return c.r.Close() }
