package kafka

import (
	"net"
	"strconv"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/config"
	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	BatchSize    int           // default 100
	WriteTimeout time.Duration // default 10s
	Balancer     kafka.Balancer
}

func ProducerConfigFrom(c config.KafkaConfig, batchSize int) ProducerConfig {
	return ProducerConfig{Brokers: c.Brokers, BatchSize: batchSize, WriteTimeout: c.WriteTimeout}
}

// NewWriter builds a synchronous writer that waits for all in-sync replicas.
// The topic is taken from each message, so one writer can serve several topics.
// Messages are spread by key hash unless another balancer is given.
func NewWriter(c ProducerConfig) *kafka.Writer {
	bs := c.BatchSize
	if bs <= 0 {
		bs = 100
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	var bal kafka.Balancer = &kafka.Hash{}
	if c.Balancer != nil {
		bal = c.Balancer
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     bal,
		RequiredAcks: kafka.RequireAll,
		BatchSize:    bs,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: wt,
		MaxAttempts:  3,
	}
}

// SamePartition sends a message to the partition number it carries when that
// partition exists on the target topic, and hashes its key otherwise. Used for
// the dead-letter topic so a record keeps its original partition.
type SamePartition struct {
	fallback kafka.Hash
}

func (b *SamePartition) Balance(msg kafka.Message, partitions ...int) int {
	for _, p := range partitions {
		if p == msg.Partition {
			return p
		}
	}
	return b.fallback.Balance(msg, partitions...)
}

// EnsureTopics creates topics that do not exist yet. Existing topics are left alone.
func EnsureTopics(brokers []string, partitions int, topics ...string) error {
	if partitions <= 0 {
		partitions = 12
	}
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	ctrl, err := conn.Controller()
	if err != nil {
		return err
	}
	cc, err := kafka.Dial("tcp", net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port)))
	if err != nil {
		return err
	}
	defer cc.Close()

	cfgs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		cfgs = append(cfgs, kafka.TopicConfig{Topic: t, NumPartitions: partitions, ReplicationFactor: 1})
	}
	return cc.CreateTopics(cfgs...)
}
