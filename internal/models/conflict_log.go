package models

import "time"

// ConflictLog records a conflict decision for operator review.
type ConflictLog struct {
	ID              string `db:"id" json:"id"`
	EntryID         string `db:"entry_id" json:"entry_id"`
	Table           string `db:"table_name" json:"table_name"`
	RecordID        string `db:"record_id" json:"record_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`   // unix millis, 0 if absent
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"` // unix millis, 0 if absent
	Resolution      string `db:"resolution" json:"resolution"`
	Reason          string `db:"reason" json:"reason"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
