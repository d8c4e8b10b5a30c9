package model

type EventType string

const (
	EventCustomerCreated EventType = "CustomerCreated"
	EventCustomerUpdated EventType = "CustomerUpdated"
	EventCustomerDeleted EventType = "CustomerDeleted"
)

func (t EventType) String() string { return string(t) }

// CustomerCreatedPayload is the body of a CustomerCreated event.
type CustomerCreatedPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CustomerUpdatedPayload carries only the fields that changed.
type CustomerUpdatedPayload struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

type CustomerDeletedPayload struct {
	SoftDelete bool `json:"softDelete"`
}
