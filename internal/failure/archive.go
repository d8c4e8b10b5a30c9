package failure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/envelope"
	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/segmentio/kafka-go"
)

func header(m kafka.Message, key string) string {
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if m.Headers[i].Key == key {
			return string(m.Headers[i].Value)
		}
	}
	return ""
}

// ToDeadLetter turns a message read from the DLT into an archive row. Envelope
// fields are best effort: a malformed value is still archived verbatim.
func ToDeadLetter(m kafka.Message, now time.Time) model.DeadLetter {
	dl := model.DeadLetter{
		EventID:        header(m, envelope.HeaderEventID),
		AggregateID:    string(m.Key),
		EventType:      header(m, envelope.HeaderEventType),
		OriginalTopic:  header(m, HeaderOriginalTopic),
		OriginalOffset: -1,
		Error:          header(m, HeaderExceptionMessage),
		Payload:        string(m.Value),
		DeadLetteredAt: now.UTC(),
	}
	if !m.Time.IsZero() {
		dl.DeadLetteredAt = m.Time.UTC()
	}
	if p, err := strconv.ParseInt(header(m, HeaderOriginalPartition), 10, 32); err == nil {
		dl.OriginalPartition = int32(p)
	}
	if o, err := strconv.ParseInt(header(m, HeaderOriginalOffset), 10, 64); err == nil {
		dl.OriginalOffset = o
	}
	if a, err := strconv.ParseUint(header(m, HeaderAttempts), 10, 32); err == nil {
		dl.Attempts = uint32(a)
	}
	if env, err := envelope.Unmarshal(m.Value); err == nil {
		dl.EventID = env.EventID
		dl.AggregateID = env.AggregateID
		dl.EventType = env.EventType
		dl.Version = env.Version
	}
	if dl.EventID == "" {
		// keeps the ReplacingMergeTree key unique for unparseable values
		dl.EventID = fmt.Sprintf("%s/%d/%d", dl.OriginalTopic, dl.OriginalPartition, dl.OriginalOffset)
	}
	return dl
}

// Replay puts an archived envelope back on the event topic, keyed by its aggregate.
// The projector's version check makes this safe to repeat.
func Replay(ctx context.Context, w MessageWriter, topic string, dl model.DeadLetter) error {
	env, err := envelope.Unmarshal([]byte(dl.Payload))
	if err != nil {
		return fmt.Errorf("dead letter %s cannot be replayed: %w", dl.EventID, err)
	}
	return w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(env.AggregateID),
		Value: []byte(dl.Payload),
		Headers: []kafka.Header{
			{Key: envelope.HeaderEventID, Value: []byte(env.EventID)},
			{Key: envelope.HeaderEventType, Value: []byte(env.EventType)},
		},
	})
}
