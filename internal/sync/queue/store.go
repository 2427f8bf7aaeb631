// Package queue provides the durable operation queue that backs offline sync.
//
// A Store persists QueueEntry records and serializes concurrent writers.
// Two implementations are provided: SQLiteStore for production use and
// MemoryStore for tests and ephemeral embedding.
package queue

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// DefaultMaxSize bounds the number of non-terminal entries.
const DefaultMaxSize = 1000

// SupersededMessage is the error message of an entry cancelled because a
// newer Pending entry for the same table, record and operation exists.
const SupersededMessage = "superseded by a newer pending entry"

var (
	// ErrNotFound is returned when an entry id does not exist.
	ErrNotFound = apperrors.New(apperrors.ErrNotFound, "queue entry not found")

	// ErrQueueFull is returned when Pending+Processing entries reach the size limit.
	ErrQueueFull = apperrors.New(apperrors.ErrQueueFull, "queue is full")
)

// Store is the queue persistence contract consumed by the orchestrator.
// Every method is safe for concurrent use.
type Store interface {
	// Enqueue validates and persists entry as Pending, replacing any pending
	// entry with the same (table, record, operation). It assigns ID and
	// timestamps and returns the stored copy.
	Enqueue(ctx context.Context, entry *models.QueueEntry) (*models.QueueEntry, error)

	Get(ctx context.Context, id string) (*models.QueueEntry, error)

	// ListPending returns Pending entries ordered by priority, then age.
	ListPending(ctx context.Context) ([]*models.QueueEntry, error)
	ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error)
	ListByTableAndRecord(ctx context.Context, table, recordID string) ([]*models.QueueEntry, error)

	// Update persists the operation type, payload and bookkeeping fields of entry.
	Update(ctx context.Context, entry *models.QueueEntry) error
	Delete(ctx context.Context, id string) error

	CountPending(ctx context.Context) (int, error)
	CountFailed(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)

	// PurgeCompletedOlderThan deletes Completed entries whose last update is older than age.
	PurgeCompletedOlderThan(ctx context.Context, age time.Duration) (int, error)

	// Reactivate returns a Processing entry to Pending once its retry delay
	// has elapsed, incrementing RetryCount and stamping LastRetryAt with at.
	// When a Pending entry with the same dedup key already exists the entry
	// is Cancelled with SupersededMessage instead. Entries that are no longer
	// Processing are returned unchanged.
	Reactivate(ctx context.Context, id string, at time.Time) (*models.QueueEntry, error)

	// ResetStaleProcessing reverts Processing entries untouched for at least
	// age to Pending and returns how many were reverted. An age of zero
	// reverts every Processing entry. Entries a Pending duplicate supersedes
	// are Cancelled instead.
	ResetStaleProcessing(ctx context.Context, age time.Duration) (int, error)

	// RetryFailed resets Failed entries to Pending with a cleared retry count
	// and error, and returns how many were reset. Entries a Pending duplicate
	// supersedes are Cancelled instead.
	RetryFailed(ctx context.Context) (int, error)

	InsertConflictLog(ctx context.Context, log *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)

	Close() error
}

// Stats counts entries per status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Active returns the entries still awaiting a terminal state.
func (s Stats) Active() int {
	return s.Pending + s.Processing
}

func (s *Stats) add(status models.QueueStatus, n int) {
	s.Total += n
	switch status {
	case models.StatusPending:
		s.Pending += n
	case models.StatusProcessing:
		s.Processing += n
	case models.StatusCompleted:
		s.Completed += n
	case models.StatusFailed:
		s.Failed += n
	case models.StatusCancelled:
		s.Cancelled += n
	}
}

// Options configures a Store.
type Options struct {
	// MaxSize caps Pending+Processing entries. Zero means DefaultMaxSize,
	// a negative value disables the cap.
	MaxSize int

	// CompressPayloads stores payloads snappy-compressed. Only SQLiteStore honors it.
	CompressPayloads bool

	// Now overrides the clock.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxSize == 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Less reports whether a sorts before b in processing order.
func Less(a, b *models.QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortForProcessing orders entries by priority, then creation time, then id.
func SortForProcessing(entries []*models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}

func prepare(entry *models.QueueEntry) (*models.QueueEntry, error) {
	if entry == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "nil queue entry")
	}
	e := entry.Clone()
	if e.Priority == 0 {
		e.Priority = models.PriorityMedium
	}
	if e.OperationType == models.OperationDelete && e.Payload == nil {
		e.Payload = []byte{}
	}
	if err := e.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid queue entry", err)
	}
	return e, nil
}

// settle splits entries about to return to Pending into the ones to revive
// and the ones to cancel as superseded. At most one entry per dedup key is
// revived, the most recently created one, and none when pending already
// holds the key.
func settle(candidates []*models.QueueEntry, pending map[string]bool) (revive, supersede []*models.QueueEntry) {
	ordered := append([]*models.QueueEntry(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].ID > ordered[j].ID
	})

	taken := make(map[string]bool, len(pending))
	for k := range pending {
		taken[k] = true
	}
	for _, e := range ordered {
		key := e.DedupKey()
		if taken[key] {
			supersede = append(supersede, e)
			continue
		}
		taken[key] = true
		revive = append(revive, e)
	}
	return revive, supersede
}
