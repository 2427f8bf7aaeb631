package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/kimhsiao/offlinesync/internal/db"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

const (
	encodingRaw    = "raw"
	encodingSnappy = "snappy"
)

const entryColumns = `id, operation_type, table_name, record_id, payload, payload_encoding,
	status, priority, retry_count, last_retry_at, error_message, created_at, updated_at`

// SQLiteStore is the durable Store backed by a local SQLite database.
// Writes are serialized through mu in addition to the single connection
// configured by db.Open.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	mu   sync.Mutex
	own  bool
}

// OpenSQLiteStore opens (and migrates) the queue database inside dataDir.
func OpenSQLiteStore(dataDir string, opts Options) (*SQLiteStore, error) {
	database, err := db.OpenAndMigrate(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "open queue database", err)
	}
	s := NewSQLiteStore(database.DB, opts)
	s.own = true
	return s, nil
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(database *sql.DB, opts Options) *SQLiteStore {
	return &SQLiteStore{
		db:   database,
		opts: opts.withDefaults(),
	}
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.own {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) encodePayload(p []byte) ([]byte, string) {
	if s.opts.CompressPayloads && len(p) > 0 {
		return snappy.Encode(nil, p), encodingSnappy
	}
	return p, encodingRaw
}

func decodePayload(p []byte, encoding string) ([]byte, error) {
	if encoding == encodingSnappy {
		out, err := snappy.Decode(nil, p)
		if err != nil {
			return nil, fmt.Errorf("decode snappy payload: %w", err)
		}
		return out, nil
	}
	return p, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.QueueEntry, error) {
	var (
		e         models.QueueEntry
		payload   []byte
		encoding  string
		lastRetry sql.NullInt64
		errMsg    sql.NullString
		created   int64
		updated   int64
	)
	if err := row.Scan(&e.ID, &e.OperationType, &e.Table, &e.RecordID, &payload, &encoding,
		&e.Status, &e.Priority, &e.RetryCount, &lastRetry, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	decoded, err := decodePayload(payload, encoding)
	if err != nil {
		return nil, err
	}
	e.Payload = decoded
	if lastRetry.Valid {
		t := fromMillis(lastRetry.Int64)
		e.LastRetryAt = &t
	}
	e.ErrorMessage = errMsg.String
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return &e, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) query(ctx context.Context, where string, args ...any) ([]*models.QueueEntry, error) {
	return queryEntries(ctx, s.db, where, args...)
}

func queryEntries(ctx context.Context, db queryer, where string, args ...any) ([]*models.QueueEntry, error) {
	q := "SELECT " + entryColumns + " FROM offline_queue"
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY priority ASC, created_at ASC, id ASC"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "query queue", err)
	}
	defer rows.Close()

	out := make([]*models.QueueEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueStore, "scan queue entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "iterate queue", err)
	}
	return out, nil
}

// Enqueue persists entry as Pending inside one transaction that also
// removes a pending duplicate and enforces the size cap.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry *models.QueueEntry) (*models.QueueEntry, error) {
	e, err := prepare(entry)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "begin enqueue", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM offline_queue WHERE table_name = ? AND record_id = ? AND operation_type = ? AND status = ?`,
		e.Table, e.RecordID, e.OperationType, models.StatusPending)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "remove pending duplicate", err)
	}
	replaced, _ := res.RowsAffected()

	if s.opts.MaxSize > 0 {
		var active int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM offline_queue WHERE status IN (?, ?)`,
			models.StatusPending, models.StatusProcessing).Scan(&active)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueStore, "count active entries", err)
		}
		if active >= s.opts.MaxSize {
			return nil, fmt.Errorf("%w (max size: %d)", ErrQueueFull, s.opts.MaxSize)
		}
	}

	now := s.opts.Now()
	e.ID = uuid.NewEntryID()
	e.Status = models.StatusPending
	e.RetryCount = 0
	e.LastRetryAt = nil
	e.ErrorMessage = ""
	e.CreatedAt = now
	e.UpdatedAt = now

	payload, encoding := s.encodePayload(e.Payload)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO offline_queue (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?)`,
		e.ID, e.OperationType, e.Table, e.RecordID, payload, encoding,
		e.Status, e.Priority, toMillis(now), toMillis(now))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "insert queue entry", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "commit enqueue", err)
	}

	if replaced > 0 {
		logging.Debug("Replaced pending duplicate", map[string]interface{}{
			"table":  e.Table,
			"record": e.RecordID,
			"op":     string(e.OperationType),
		})
	}

	e.CreatedAt = fromMillis(toMillis(now))
	e.UpdatedAt = e.CreatedAt
	return e, nil
}

// Get returns the entry with id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM offline_queue WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "get queue entry", err)
	}
	return e, nil
}

// ListPending returns Pending entries ordered by priority, then age.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*models.QueueEntry, error) {
	return s.ListByStatus(ctx, models.StatusPending)
}

// ListByStatus returns entries in status.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error) {
	return s.query(ctx, "status = ?", status)
}

// ListByTableAndRecord returns every entry touching one record.
func (s *SQLiteStore) ListByTableAndRecord(ctx context.Context, table, recordID string) ([]*models.QueueEntry, error) {
	return s.query(ctx, "table_name = ? AND record_id = ?", table, recordID)
}

// Update persists status, retry bookkeeping and payload.
func (s *SQLiteStore) Update(ctx context.Context, entry *models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	var lastRetry sql.NullInt64
	if entry.LastRetryAt != nil {
		lastRetry = sql.NullInt64{Int64: toMillis(*entry.LastRetryAt), Valid: true}
	}
	var errMsg sql.NullString
	if entry.ErrorMessage != "" {
		errMsg = sql.NullString{String: entry.ErrorMessage, Valid: true}
	}
	payload, encoding := s.encodePayload(entry.Payload)

	res, err := s.db.ExecContext(ctx, `UPDATE offline_queue SET
			operation_type = ?, payload = ?, payload_encoding = ?, status = ?, priority = ?,
			retry_count = ?, last_retry_at = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		entry.OperationType, payload, encoding, entry.Status, entry.Priority, entry.RetryCount,
		lastRetry, errMsg, toMillis(now), entry.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStore, "update queue entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, entry.ID)
	}
	entry.UpdatedAt = fromMillis(toMillis(now))
	return nil
}

// Delete removes an entry.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM offline_queue WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStore, "delete queue entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) count(ctx context.Context, status models.QueueStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_queue WHERE status = ?", status).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStore, "count queue entries", err)
	}
	return n, nil
}

// CountPending returns the number of Pending entries.
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	return s.count(ctx, models.StatusPending)
}

// CountFailed returns the number of Failed entries.
func (s *SQLiteStore) CountFailed(ctx context.Context) (int, error) {
	return s.count(ctx, models.StatusFailed)
}

// Stats returns per-status counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM offline_queue GROUP BY status")
	if err != nil {
		return st, apperrors.Wrap(apperrors.ErrQueueStore, "queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, apperrors.Wrap(apperrors.ErrQueueStore, "scan queue stats", err)
		}
		st.add(status, n)
	}
	return st, rows.Err()
}

// PurgeCompletedOlderThan deletes Completed entries past the retention window.
func (s *SQLiteStore) PurgeCompletedOlderThan(ctx context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := toMillis(s.opts.Now().Add(-age))
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM offline_queue WHERE status = ? AND updated_at < ?",
		models.StatusCompleted, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStore, "purge completed entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Reactivate returns a Processing entry to Pending after its retry delay.
// The duplicate check and the status change share one transaction.
func (s *SQLiteStore) Reactivate(ctx context.Context, id string, at time.Time) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "begin reactivate", err)
	}
	defer tx.Rollback()

	e, err := scanEntry(tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM offline_queue WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "get queue entry", err)
	}
	if e.Status != models.StatusProcessing {
		return e, nil
	}

	var dups int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue
		WHERE table_name = ? AND record_id = ? AND operation_type = ? AND status = ? AND id <> ?`,
		e.Table, e.RecordID, e.OperationType, models.StatusPending, e.ID).Scan(&dups)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "check pending duplicate", err)
	}

	now := s.opts.Now()
	if dups > 0 {
		if err := supersede(ctx, tx, []*models.QueueEntry{e}, now); err != nil {
			return nil, err
		}
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE offline_queue
			SET status = ?, retry_count = retry_count + 1, last_retry_at = ?, updated_at = ?
			WHERE id = ?`,
			models.StatusPending, toMillis(at), toMillis(now), e.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueStore, "reactivate queue entry", err)
		}
		e.Status = models.StatusPending
		e.RetryCount++
		t := fromMillis(toMillis(at))
		e.LastRetryAt = &t
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "commit reactivate", err)
	}
	e.UpdatedAt = fromMillis(toMillis(now))
	return e, nil
}

func pendingKeys(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT table_name, record_id, operation_type FROM offline_queue WHERE status = ?",
		models.StatusPending)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "list pending keys", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var e models.QueueEntry
		if err := rows.Scan(&e.Table, &e.RecordID, &e.OperationType); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueStore, "scan pending key", err)
		}
		keys[e.DedupKey()] = true
	}
	return keys, rows.Err()
}

// supersede cancels entries that a newer Pending duplicate replaces.
func supersede(ctx context.Context, tx *sql.Tx, entries []*models.QueueEntry, now time.Time) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			"UPDATE offline_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ?",
			models.StatusCancelled, SupersededMessage, toMillis(now), e.ID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrQueueStore, "cancel superseded entry", err)
		}
		e.Status = models.StatusCancelled
		e.ErrorMessage = SupersededMessage
	}
	return nil
}

// settleTx loads the entries matching where, revives one per dedup key with
// reviveSQL and cancels the rest. reviveSQL takes status, updated_at and id.
func (s *SQLiteStore) settleTx(ctx context.Context, op, reviveSQL, where string, args ...any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStore, "begin "+op, err)
	}
	defer tx.Rollback()

	candidates, err := queryEntries(ctx, tx, where, args...)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	pending, err := pendingKeys(ctx, tx)
	if err != nil {
		return 0, err
	}

	now := s.opts.Now()
	revive, superseded := settle(candidates, pending)
	for _, e := range revive {
		if _, err := tx.ExecContext(ctx, reviveSQL, models.StatusPending, toMillis(now), e.ID); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrQueueStore, op, err)
		}
	}
	if err := supersede(ctx, tx, superseded, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStore, "commit "+op, err)
	}

	if len(superseded) > 0 {
		logging.Info("Cancelled superseded entries", map[string]interface{}{
			"count": len(superseded),
		})
	}
	return len(revive), nil
}

// ResetStaleProcessing reverts abandoned Processing entries to Pending.
func (s *SQLiteStore) ResetStaleProcessing(ctx context.Context, age time.Duration) (int, error) {
	cutoff := toMillis(s.opts.Now().Add(-age))
	return s.settleTx(ctx, "reset stale entries",
		"UPDATE offline_queue SET status = ?, updated_at = ? WHERE id = ?",
		"status = ? AND updated_at <= ?", models.StatusProcessing, cutoff)
}

// RetryFailed resets Failed entries to Pending.
func (s *SQLiteStore) RetryFailed(ctx context.Context) (int, error) {
	n, err := s.settleTx(ctx, "retry failed entries",
		`UPDATE offline_queue
			SET status = ?, retry_count = 0, last_retry_at = NULL, error_message = NULL, updated_at = ?
			WHERE id = ?`,
		"status = ?", models.StatusFailed)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset failed entries for retry", map[string]interface{}{
			"count": n,
		})
	}
	return n, nil
}

// InsertConflictLog persists one conflict decision.
func (s *SQLiteStore) InsertConflictLog(ctx context.Context, log *models.ConflictLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO conflict_log
		(id, entry_id, table_name, record_id, local_timestamp, remote_timestamp, resolution, reason, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.EntryID, log.Table, log.RecordID, log.LocalTimestamp, log.RemoteTimestamp,
		strings.ToLower(log.Resolution), log.Reason, log.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStore, "insert conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the most recent conflict decisions first.
func (s *SQLiteStore) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	q := `SELECT id, entry_id, table_name, record_id, local_timestamp, remote_timestamp, resolution, reason, detected_at
		FROM conflict_log ORDER BY detected_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStore, "list conflict logs", err)
	}
	defer rows.Close()

	out := make([]*models.ConflictLog, 0)
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.EntryID, &c.Table, &c.RecordID, &c.LocalTimestamp,
			&c.RemoteTimestamp, &c.Resolution, &c.Reason, &c.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueStore, "scan conflict log", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
