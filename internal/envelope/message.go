package envelope

import (
	"fmt"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// Message builds the broker message for an outbox record: keyed by aggregate
// id so every event of one aggregate lands on the same partition.
func (c *Codec) Message(topic string, rec model.OutboxRecord) (kafka.Message, error) {
	env, err := c.FromRecord(rec)
	if err != nil {
		return kafka.Message{}, err
	}
	value, err := Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(env.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(env.EventID)},
			{Key: HeaderEventType, Value: []byte(env.EventType)},
		},
	}, nil
}

// FromMessage decodes a consumed broker message.
func FromMessage(m kafka.Message) (Envelope, error) {
	return Unmarshal(m.Value)
}
