package repository

import "time"

// Timestamps are stored as UTC unix milliseconds so the same SQL runs on MySQL and SQLite.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
