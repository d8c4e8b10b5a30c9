package model

import "time"

// OutboxRecord is one pending or published event staged in the outbox table.
type OutboxRecord struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Version       int64
	Payload       []byte
	Published     bool
	EventID       string
	OccurredAt    time.Time
}

// OutboxStats summarises outbox depth.
type OutboxStats struct {
	Pending         int64
	Published       int64
	OldestPendingAt time.Time // zero when nothing is pending
}
