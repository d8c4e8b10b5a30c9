package failure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/envelope"
	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wire = `{"eventId":"01HZX","aggregateId":"3f6c1d7e-2b1a-4c5d-9e8f-0a1b2c3d4e5f","eventType":"CustomerCreated","version":0,"timestampUtcMillis":1714557600000,"actor":"command-service","payload":{"name":"A"}}`

func TestToDeadLetterReadsHeadersAndEnvelope(t *testing.T) {
	src := kafka.Message{Topic: "customers.events.v1", Partition: 3, Offset: 99, Key: []byte("3f6c1d7e-2b1a-4c5d-9e8f-0a1b2c3d4e5f"), Value: []byte(wire)}
	m := DeadLetterMessage("customers.events.v1.DLT", src, errors.New("required field missing: email"), 6)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	dl := ToDeadLetter(m, now)
	assert.Equal(t, model.DeadLetter{
		EventID:           "01HZX",
		AggregateID:       "3f6c1d7e-2b1a-4c5d-9e8f-0a1b2c3d4e5f",
		EventType:         "CustomerCreated",
		Version:           0,
		OriginalTopic:     "customers.events.v1",
		OriginalPartition: 3,
		OriginalOffset:    99,
		Error:             "required field missing: email",
		Attempts:          6,
		Payload:           wire,
		DeadLetteredAt:    now,
	}, dl)
}

func TestToDeadLetterKeepsGarbage(t *testing.T) {
	src := kafka.Message{Topic: "t", Partition: 1, Offset: 5, Value: []byte("%%%")}
	dl := ToDeadLetter(DeadLetterMessage("dlt", src, envelope.ErrMalformed, 1), time.Now())

	assert.Equal(t, "t/1/5", dl.EventID)
	assert.Equal(t, "%%%", dl.Payload)
}

type captureWriter struct{ got []kafka.Message }

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.got = append(w.got, msgs...)
	return nil
}

func TestReplayRepublishesKeyedByAggregate(t *testing.T) {
	w := &captureWriter{}
	require.NoError(t, Replay(context.Background(), w, "customers.events.v1", model.DeadLetter{EventID: "01HZX", Payload: wire}))

	require.Len(t, w.got, 1)
	assert.Equal(t, "customers.events.v1", w.got[0].Topic)
	assert.Equal(t, "3f6c1d7e-2b1a-4c5d-9e8f-0a1b2c3d4e5f", string(w.got[0].Key))
	assert.Equal(t, wire, string(w.got[0].Value))

	err := Replay(context.Background(), w, "t", model.DeadLetter{EventID: "x", Payload: "%%%"})
	assert.ErrorIs(t, err, envelope.ErrMalformed)
}
