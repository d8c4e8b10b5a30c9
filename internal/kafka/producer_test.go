package kafka

import (
	"testing"

	"github.com/jmehdipour/customer-cqrs/internal/config"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamePartitionKeepsOriginalPartition(t *testing.T) {
	b := &SamePartition{}
	parts := []int{0, 1, 2, 3}

	assert.Equal(t, 2, b.Balance(kafka.Message{Partition: 2, Key: []byte("k")}, parts...))
	assert.Equal(t, 0, b.Balance(kafka.Message{Partition: 0, Key: []byte("k")}, parts...))

	// DLT with fewer partitions falls back to key hashing, which is stable
	got := b.Balance(kafka.Message{Partition: 9, Key: []byte("agg-1")}, parts...)
	assert.Contains(t, parts, got)
	assert.Equal(t, got, b.Balance(kafka.Message{Partition: 9, Key: []byte("agg-1")}, parts...))
}

func TestConsumerConfigParsesSizes(t *testing.T) {
	c, err := ConsumerConfig(config.KafkaConfig{
		Brokers:  []string{"k:9092"},
		MinBytes: "1KB",
		MaxBytes: "10MB",
	}, "customers.events.v1", "g")
	require.NoError(t, err)
	assert.Equal(t, 1024, c.MinBytes)
	assert.Equal(t, 10*1024*1024, c.MaxBytes)
	assert.Equal(t, "customers.events.v1", c.Topic)

	_, err = ConsumerConfig(config.KafkaConfig{MaxBytes: "lots"}, "t", "g")
	assert.Error(t, err)
}

func TestNewWriterDefaults(t *testing.T) {
	w := NewWriter(ProducerConfig{Brokers: []string{"k:9092"}, BatchSize: 200})
	defer w.Close()

	assert.Equal(t, 200, w.BatchSize)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Empty(t, w.Topic)
}
