package model

import "time"

// DeadLetter is an archived message that the projector gave up on.
type DeadLetter struct {
	EventID           string    `db:"event_id" json:"eventId"`
	AggregateID       string    `db:"aggregate_id" json:"aggregateId"`
	EventType         string    `db:"event_type" json:"eventType"`
	Version           int64     `db:"version" json:"version"`
	OriginalTopic     string    `db:"original_topic" json:"originalTopic"`
	OriginalPartition int32     `db:"original_partition" json:"originalPartition"`
	OriginalOffset    int64     `db:"original_offset" json:"originalOffset"`
	Error             string    `db:"error" json:"error"`
	Attempts          uint32    `db:"attempts" json:"attempts"`
	Payload           string    `db:"payload" json:"payload"`
	DeadLetteredAt    time.Time `db:"dead_lettered_at" json:"deadLetteredAt"`
}
