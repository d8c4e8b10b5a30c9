// Package envelope is the single conversion point between outbox records, the
// wire format published to the broker, and the typed event view used by the
// projector.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmehdipour/customer-cqrs/internal/model"
)

var (
	// ErrMalformed marks bytes that cannot be decoded into an envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrInvalidPayload marks a payload that is not the JSON object its event type requires.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Envelope is the immutable wire form of one event.
type Envelope struct {
	EventID            string          `json:"eventId"`
	AggregateID        string          `json:"aggregateId"`
	EventType          string          `json:"eventType"`
	Version            int64           `json:"version"`
	TimestampUTCMillis int64           `json:"timestampUtcMillis"`
	Actor              string          `json:"actor"`
	Payload            json.RawMessage `json:"payload"`
}

// Codec maps outbox records to envelopes and back.
type Codec struct {
	actor string
	now   func() time.Time
}

// NewCodec returns a codec stamping envelopes with the given service identity.
func NewCodec(actor string) *Codec {
	return &Codec{actor: actor, now: time.Now}
}

// WithClock replaces the wall clock; used by tests.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// FromRecord builds the envelope for an outbox record, attaching the send time
// and the originating service identity.
func (c *Codec) FromRecord(rec model.OutboxRecord) (Envelope, error) {
	payload := bytes.TrimSpace(rec.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		return Envelope{}, fmt.Errorf("%w: outbox id %d is not valid json", ErrInvalidPayload, rec.ID)
	}
	return Envelope{
		EventID:            rec.EventID,
		AggregateID:        rec.AggregateID,
		EventType:          rec.EventType,
		Version:            rec.Version,
		TimestampUTCMillis: c.now().UTC().UnixMilli(),
		Actor:              c.actor,
		Payload:            json.RawMessage(payload),
	}, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal decodes and validates wire bytes. Every failure wraps ErrMalformed.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case env.EventID == "":
		return Envelope{}, fmt.Errorf("%w: missing eventId", ErrMalformed)
	case env.AggregateID == "":
		return Envelope{}, fmt.Errorf("%w: missing aggregateId", ErrMalformed)
	case env.EventType == "":
		return Envelope{}, fmt.Errorf("%w: missing eventType", ErrMalformed)
	case env.Version < 0:
		return Envelope{}, fmt.Errorf("%w: negative version %d", ErrMalformed, env.Version)
	case len(env.Payload) == 0:
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	return env, nil
}
