// Package models provides data model definitions for the offline sync engine.
package models

import (
	"fmt"
	"strings"
	"time"
)

// OperationType is the kind of mutation a queue entry replicates.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// ParseOperationType parses an operation type case-insensitively.
func ParseOperationType(s string) (OperationType, error) {
	op := OperationType(strings.ToUpper(strings.TrimSpace(s)))
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation type %q", s)
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusCancelled  QueueStatus = "cancelled"
)

// ParseQueueStatus parses a status name case-insensitively.
func ParseQueueStatus(s string) (QueueStatus, error) {
	st := QueueStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown queue status %q", s)
}

// IsTerminal reports whether no further sync attempts happen in this state.
func (s QueueStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders processing and selects the retry policy.
// Lower values sort first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known priority classes.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority accepts either a name ("high") or the numeric class ("1").
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "1":
		return PriorityHigh, nil
	case "medium", "2", "":
		return PriorityMedium, nil
	case "low", "3":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// QueueEntry represents one pending change awaiting replication.
type QueueEntry struct {
	ID            string        `db:"id" json:"id"`
	OperationType OperationType `db:"operation_type" json:"operation_type"`
	Table         string        `db:"table_name" json:"table_name"`
	RecordID      string        `db:"record_id" json:"record_id"`
	Payload       []byte        `db:"payload" json:"payload,omitempty"`
	Status        QueueStatus   `db:"status" json:"status"`
	Priority      Priority      `db:"priority" json:"priority"`
	RetryCount    int           `db:"retry_count" json:"retry_count"`
	LastRetryAt   *time.Time    `db:"last_retry_at" json:"last_retry_at,omitempty"`
	ErrorMessage  string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "offline_queue"
}

// DedupKey identifies entries that must not be pending twice.
func (e *QueueEntry) DedupKey() string {
	return e.Table + "\x00" + e.RecordID + "\x00" + string(e.OperationType)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (e *QueueEntry) Clone() *QueueEntry {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.LastRetryAt != nil {
		t := *e.LastRetryAt
		c.LastRetryAt = &t
	}
	return &c
}

// Validate checks the fields a caller must supply on enqueue.
func (e *QueueEntry) Validate() error {
	if _, err := ParseOperationType(string(e.OperationType)); err != nil {
		return err
	}
	if strings.TrimSpace(e.Table) == "" {
		return fmt.Errorf("table name is required")
	}
	if strings.TrimSpace(e.RecordID) == "" {
		return fmt.Errorf("record id is required")
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", int(e.Priority))
	}
	if e.OperationType != OperationDelete && len(e.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", e.OperationType)
	}
	return nil
}
