package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// MemoryStore is a non-durable Store kept entirely in process memory.
type MemoryStore struct {
	items     map[string]*models.QueueEntry
	conflicts []*models.ConflictLog
	mu        sync.RWMutex
	opts      Options
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*models.QueueEntry),
		opts:  opts.withDefaults(),
	}
}

// Enqueue adds an entry, replacing a pending duplicate.
func (q *MemoryStore) Enqueue(ctx context.Context, entry *models.QueueEntry) (*models.QueueEntry, error) {
	e, err := prepare(entry)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var replaced string
	for id, item := range q.items {
		if item.Status == models.StatusPending && item.DedupKey() == e.DedupKey() {
			replaced = id
			break
		}
	}

	active := 0
	for id, item := range q.items {
		if id != replaced && (item.Status == models.StatusPending || item.Status == models.StatusProcessing) {
			active++
		}
	}
	if q.opts.MaxSize > 0 && active >= q.opts.MaxSize {
		return nil, fmt.Errorf("%w (max size: %d)", ErrQueueFull, q.opts.MaxSize)
	}

	if replaced != "" {
		delete(q.items, replaced)
		logging.Debug("Replaced pending duplicate", map[string]interface{}{
			"entry_id": replaced,
			"table":    e.Table,
			"record":   e.RecordID,
		})
	}

	now := q.opts.Now()
	e.ID = uuid.NewEntryID()
	e.Status = models.StatusPending
	e.RetryCount = 0
	e.LastRetryAt = nil
	e.ErrorMessage = ""
	e.CreatedAt = now
	e.UpdatedAt = now
	q.items[e.ID] = e

	return e.Clone(), nil
}

// Get returns a copy of the entry with id.
func (q *MemoryStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item.Clone(), nil
}

// ListPending returns pending entries in processing order.
func (q *MemoryStore) ListPending(ctx context.Context) ([]*models.QueueEntry, error) {
	return q.ListByStatus(ctx, models.StatusPending)
}

// ListByStatus returns entries in status, in processing order.
func (q *MemoryStore) ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error) {
	return q.filter(func(e *models.QueueEntry) bool { return e.Status == status }), nil
}

// ListByTableAndRecord returns every entry touching one record.
func (q *MemoryStore) ListByTableAndRecord(ctx context.Context, table, recordID string) ([]*models.QueueEntry, error) {
	return q.filter(func(e *models.QueueEntry) bool {
		return e.Table == table && e.RecordID == recordID
	}), nil
}

func (q *MemoryStore) filter(keep func(*models.QueueEntry) bool) []*models.QueueEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*models.QueueEntry, 0)
	for _, item := range q.items {
		if keep(item) {
			out = append(out, item.Clone())
		}
	}
	SortForProcessing(out)
	return out
}

// Update overwrites the stored entry's mutable fields.
func (q *MemoryStore) Update(ctx context.Context, entry *models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[entry.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entry.ID)
	}
	c := entry.Clone()
	c.CreatedAt = item.CreatedAt
	c.UpdatedAt = q.opts.Now()
	q.items[entry.ID] = c
	entry.UpdatedAt = c.UpdatedAt
	return nil
}

// Delete removes an entry.
func (q *MemoryStore) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.items, id)
	return nil
}

// CountPending returns the number of Pending entries.
func (q *MemoryStore) CountPending(ctx context.Context) (int, error) {
	s, _ := q.Stats(ctx)
	return s.Pending, nil
}

// CountFailed returns the number of Failed entries.
func (q *MemoryStore) CountFailed(ctx context.Context) (int, error) {
	s, _ := q.Stats(ctx)
	return s.Failed, nil
}

// Stats returns queue statistics.
func (q *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Stats
	for _, item := range q.items {
		s.add(item.Status, 1)
	}
	return s, nil
}

// PurgeCompletedOlderThan drops completed entries past the retention window.
func (q *MemoryStore) PurgeCompletedOlderThan(ctx context.Context, age time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.opts.Now().Add(-age)
	count := 0
	for id, item := range q.items {
		if item.Status == models.StatusCompleted && item.UpdatedAt.Before(cutoff) {
			delete(q.items, id)
			count++
		}
	}
	return count, nil
}

// Reactivate returns a Processing entry to Pending after its retry delay.
func (q *MemoryStore) Reactivate(ctx context.Context, id string, at time.Time) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.Status != models.StatusProcessing {
		return item.Clone(), nil
	}

	now := q.opts.Now()
	if q.pendingKeysLocked()[item.DedupKey()] {
		item.Status = models.StatusCancelled
		item.ErrorMessage = SupersededMessage
	} else {
		item.Status = models.StatusPending
		item.RetryCount++
		item.LastRetryAt = &at
	}
	item.UpdatedAt = now
	return item.Clone(), nil
}

func (q *MemoryStore) pendingKeysLocked() map[string]bool {
	keys := make(map[string]bool)
	for _, item := range q.items {
		if item.Status == models.StatusPending {
			keys[item.DedupKey()] = true
		}
	}
	return keys
}

func (q *MemoryStore) collectLocked(keep func(*models.QueueEntry) bool) []*models.QueueEntry {
	out := make([]*models.QueueEntry, 0)
	for _, item := range q.items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

func (q *MemoryStore) supersedeLocked(entries []*models.QueueEntry, now time.Time) {
	for _, item := range entries {
		item.Status = models.StatusCancelled
		item.ErrorMessage = SupersededMessage
		item.UpdatedAt = now
	}
	if len(entries) > 0 {
		logging.Info("Cancelled superseded entries", map[string]interface{}{
			"count": len(entries),
		})
	}
}

// ResetStaleProcessing reverts abandoned Processing entries to Pending.
func (q *MemoryStore) ResetStaleProcessing(ctx context.Context, age time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	cutoff := now.Add(-age)
	stale := q.collectLocked(func(e *models.QueueEntry) bool {
		return e.Status == models.StatusProcessing && !e.UpdatedAt.After(cutoff)
	})
	revive, superseded := settle(stale, q.pendingKeysLocked())
	for _, item := range revive {
		item.Status = models.StatusPending
		item.UpdatedAt = now
	}
	q.supersedeLocked(superseded, now)
	return len(revive), nil
}

// RetryFailed resets failed items to pending for retry.
func (q *MemoryStore) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	failed := q.collectLocked(func(e *models.QueueEntry) bool {
		return e.Status == models.StatusFailed
	})
	revive, superseded := settle(failed, q.pendingKeysLocked())
	for _, item := range revive {
		item.Status = models.StatusPending
		item.RetryCount = 0
		item.LastRetryAt = nil
		item.ErrorMessage = ""
		item.UpdatedAt = now
	}
	q.supersedeLocked(superseded, now)

	if len(revive) > 0 {
		logging.Info("Reset failed entries for retry", map[string]interface{}{
			"count": len(revive),
		})
	}
	return len(revive), nil
}

// InsertConflictLog appends a conflict decision.
func (q *MemoryStore) InsertConflictLog(ctx context.Context, log *models.ConflictLog) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := *log
	if c.ID == "" {
		c.ID = uuid.New()
		log.ID = c.ID
	}
	q.conflicts = append(q.conflicts, &c)
	return nil
}

// ListConflictLogs returns the most recent conflict decisions first.
func (q *MemoryStore) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*models.ConflictLog, 0, len(q.conflicts))
	for i := len(q.conflicts) - 1; i >= 0; i-- {
		cp := *q.conflicts[i]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt > out[j].DetectedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (q *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
