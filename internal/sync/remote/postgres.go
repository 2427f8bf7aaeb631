package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

const (
	MaxConns        = 10
	MinConns        = 1
	MaxConnLifetime = 10 * time.Minute
	MaxConnIdleTime = 5 * time.Minute
)

// RecordsSchema creates the generic table backing PostgresClient.
// Every synced table shares it, keyed by (table_name, record_id).
const RecordsSchema = `
CREATE TABLE IF NOT EXISTS sync_records (
	table_name TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	data       JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (table_name, record_id)
)`

const uniqueViolation = "23505"

// PostgresClient uses a PostgreSQL database as the authoritative store.
// A "version" field in update payloads is checked optimistically; a stale
// version yields a 409 outcome.
type PostgresClient struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresPool opens and pings a connection pool.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = MaxConns
	cfg.MinConns = MinConns
	cfg.MaxConnLifetime = MaxConnLifetime
	cfg.MaxConnIdleTime = MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresClient wraps an open pool.
func NewPostgresClient(pool *pgxpool.Pool, timeout time.Duration) *PostgresClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PostgresClient{pool: pool, timeout: timeout}
}

// EnsureSchema creates sync_records if it does not exist.
func (c *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, RecordsSchema); err != nil {
		return fmt.Errorf("create sync_records: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *PostgresClient) Close() {
	c.pool.Close()
}

// Ping checks the database connection.
func (c *PostgresClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.pool.Ping(ctx); err != nil {
		return TransportFailure(err).Err()
	}
	return nil
}

const returning = `RETURNING data || jsonb_build_object('id', record_id, 'version', version)`

// Create inserts a record. An existing id yields 409.
func (c *PostgresClient) Create(ctx context.Context, table string, payload []byte) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fields, err := decodeFields(payload)
	if err != nil {
		return Failed(err.Error(), http.StatusBadRequest)
	}
	id := fieldString(fields, "id")
	if id == "" {
		id = uuid.New()
	}
	delete(fields, "version")
	data, err := json.Marshal(fields)
	if err != nil {
		return Failed(err.Error(), http.StatusBadRequest)
	}

	var row []byte
	err = c.pool.QueryRow(ctx, `
		INSERT INTO sync_records (table_name, record_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (table_name, record_id) DO NOTHING
		`+returning, table, id, data).Scan(&row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Failed("record already exists", http.StatusConflict)
	}
	if err != nil {
		return c.failure("create", table, err)
	}
	return Succeeded(wrapArray(row), http.StatusCreated)
}

// Update merges payload into the record with id. When payload carries a
// version it must match the stored one.
func (c *PostgresClient) Update(ctx context.Context, table, id string, payload []byte) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fields, err := decodeFields(payload)
	if err != nil {
		return Failed(err.Error(), http.StatusBadRequest)
	}
	version, hasVersion := fieldInt(fields, "version")
	delete(fields, "version")
	delete(fields, "id")
	data, err := json.Marshal(fields)
	if err != nil {
		return Failed(err.Error(), http.StatusBadRequest)
	}

	var row []byte
	if hasVersion {
		err = c.pool.QueryRow(ctx, `
			UPDATE sync_records
			SET data = data || $3, version = version + 1, updated_at = now()
			WHERE table_name = $1 AND record_id = $2 AND version = $4
			`+returning, table, id, data, version).Scan(&row)
	} else {
		err = c.pool.QueryRow(ctx, `
			UPDATE sync_records
			SET data = data || $3, version = version + 1, updated_at = now()
			WHERE table_name = $1 AND record_id = $2
			`+returning, table, id, data).Scan(&row)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		exists, existsErr := c.exists(ctx, table, id)
		if existsErr != nil {
			return c.failure("update", table, existsErr)
		}
		if exists {
			return Failed("version conflict", http.StatusConflict)
		}
		return Failed("record not found", http.StatusNotFound)
	}
	if err != nil {
		return c.failure("update", table, err)
	}
	return Succeeded(wrapArray(row), http.StatusOK)
}

// Delete removes the record with id. Deleting a missing record succeeds.
func (c *PostgresClient) Delete(ctx context.Context, table, id string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.pool.Exec(ctx,
		`DELETE FROM sync_records WHERE table_name = $1 AND record_id = $2`, table, id); err != nil {
		return c.failure("delete", table, err)
	}
	return Succeeded(nil, http.StatusNoContent)
}

// Fetch returns a JSON array of records. The only supported filter is
// "id=eq.<id>"; an empty filter returns the whole table.
func (c *PostgresClient) Fetch(ctx context.Context, table, filter string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := `SELECT data || jsonb_build_object('id', record_id, 'version', version)
	          FROM sync_records WHERE table_name = $1`
	args := []interface{}{table}
	if filter != "" {
		id, ok := strings.CutPrefix(filter, "id=eq.")
		if !ok {
			return Failed(fmt.Sprintf("unsupported filter %q", filter), http.StatusBadRequest)
		}
		query += ` AND record_id = $2`
		args = append(args, id)
	}
	query += ` ORDER BY record_id`

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return c.failure("fetch", table, err)
	}
	defer rows.Close()

	records := make([]json.RawMessage, 0)
	for rows.Next() {
		var row []byte
		if err := rows.Scan(&row); err != nil {
			return c.failure("fetch", table, err)
		}
		records = append(records, row)
	}
	if err := rows.Err(); err != nil {
		return c.failure("fetch", table, err)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return Failed(err.Error(), http.StatusInternalServerError)
	}
	return Succeeded(data, http.StatusOK)
}

func (c *PostgresClient) exists(ctx context.Context, table, id string) (bool, error) {
	var found bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_records WHERE table_name = $1 AND record_id = $2)`,
		table, id).Scan(&found)
	return found, err
}

// failure maps database errors onto HTTP-like outcomes. Errors without a
// server response are transport failures.
func (c *PostgresClient) failure(op, table string, err error) Outcome {
	logging.Warn("Postgres remote call failed", map[string]interface{}{
		"operation": op,
		"table":     table,
		"error":     err.Error(),
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return Failed(pgErr.Message, http.StatusConflict)
		}
		return Failed(pgErr.Message, http.StatusInternalServerError)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransportFailure(fmt.Errorf("timeout: %w", err))
	}
	return TransportFailure(err)
}

func decodeFields(payload []byte) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(payload) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return fields, nil
}

func fieldString(fields map[string]interface{}, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func fieldInt(fields map[string]interface{}, key string) (int64, bool) {
	switch v := fields[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	}
	return 0, false
}

func wrapArray(row []byte) []byte {
	out := make([]byte, 0, len(row)+2)
	out = append(out, '[')
	out = append(out, row...)
	return append(out, ']')
}

var (
	_ Client = (*PostgresClient)(nil)
	_ Pinger = (*PostgresClient)(nil)
)
