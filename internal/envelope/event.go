package envelope

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jmehdipour/customer-cqrs/internal/model"
)

// Event is the typed view of an envelope payload. The concrete type is one of
// Created, Updated, Deleted or Unknown.
type Event interface {
	Type() model.EventType
}

// Created carries the fields of a CustomerCreated event. Nil means absent.
type Created struct {
	Name  *string
	Email *string
}

// Updated carries only the fields present in a CustomerUpdated event.
type Updated struct {
	Name  *string
	Email *string
}

type Deleted struct {
	SoftDelete bool
}

// Unknown is an event type this build does not understand.
type Unknown struct {
	Name string
}

func (Created) Type() model.EventType   { return model.EventCustomerCreated }
func (Updated) Type() model.EventType   { return model.EventCustomerUpdated }
func (Deleted) Type() model.EventType   { return model.EventCustomerDeleted }
func (u Unknown) Type() model.EventType { return model.EventType(u.Name) }

type fieldsPayload struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

// Event decodes the payload into its typed variant. Payloads that are not JSON
// objects, or whose fields have the wrong type, wrap ErrInvalidPayload.
func (e Envelope) Event() (Event, error) {
	switch model.EventType(e.EventType) {
	case model.EventCustomerCreated:
		var p fieldsPayload
		if err := e.decodeObject(&p); err != nil {
			return nil, err
		}
		return Created{Name: p.Name, Email: p.Email}, nil
	case model.EventCustomerUpdated:
		var p fieldsPayload
		if err := e.decodeObject(&p); err != nil {
			return nil, err
		}
		return Updated{Name: p.Name, Email: p.Email}, nil
	case model.EventCustomerDeleted:
		var p model.CustomerDeletedPayload
		if err := e.decodeObject(&p); err != nil {
			return nil, err
		}
		return Deleted{SoftDelete: p.SoftDelete}, nil
	default:
		return Unknown{Name: e.EventType}, nil
	}
}

// Known reports whether the event type has a typed variant. It does not look at the payload.
func (e Envelope) Known() bool {
	switch model.EventType(e.EventType) {
	case model.EventCustomerCreated, model.EventCustomerUpdated, model.EventCustomerDeleted:
		return true
	}
	return false
}

func (e Envelope) decodeObject(dst any) error {
	raw := bytes.TrimSpace(e.Payload)
	if len(raw) == 0 || raw[0] != '{' {
		return fmt.Errorf("%w: %s payload for %s must be a JSON object", ErrInvalidPayload, e.EventType, e.AggregateID)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s payload for %s: %v", ErrInvalidPayload, e.EventType, e.AggregateID, err)
	}
	return nil
}
