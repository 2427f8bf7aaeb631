package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// runCLI executes the root command against a temporary data directory.
func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// TestCLI_Version verifies the version command needs no configuration.
func TestCLI_Version(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "syncd "+Version+"\n", out.String())
}

// TestCLI_EnqueueListStatus verifies operator commands share the durable queue.
func TestCLI_EnqueueListStatus(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "enqueue", "--op", "update", "--table", "sales", "--record", "s-1",
		"--payload", `{"id":"s-1","paid":true}`, "--priority", "high")
	require.NoError(t, err, out)
	id := strings.TrimSpace(out)
	assert.NotEmpty(t, id)

	out, err = runCLI(t, dir, "queue", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "sales")
	assert.Contains(t, out, "high")

	out, err = runCLI(t, dir, "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "pending=1")

	out, err = runCLI(t, dir, "status", "--json")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"pending":1`)
}

// TestCLI_EnqueuePayloadFile verifies @file payloads are read and validated.
func TestCLI_EnqueuePayloadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "order.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"o-1","status":"pending"}`), 0o600))

	out, err := runCLI(t, dir, "enqueue", "--op", "create", "--table", "orders", "--record", "o-1", "--payload", "@"+path)
	require.NoError(t, err, out)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{oops`), 0o600))
	_, err = runCLI(t, dir, "enqueue", "--op", "create", "--table", "orders", "--record", "o-2", "--payload", "@"+bad)
	assert.Error(t, err)
}

// TestCLI_EnqueueValidation verifies bad operations are rejected before touching the queue.
func TestCLI_EnqueueValidation(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "enqueue", "--op", "upsert", "--table", "t", "--record", "1")
	assert.Error(t, err)

	_, err = runCLI(t, dir, "enqueue", "--table", "t", "--record", "1")
	assert.Error(t, err, "--op is required")
}

// TestCLI_QueueMaintenance verifies retry, purge and recover run on an empty queue.
func TestCLI_QueueMaintenance(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "queue", "retry")
	require.NoError(t, err, out)
	assert.Contains(t, out, "reset 0 failed entries")

	out, err = runCLI(t, dir, "queue", "purge", "--older-than", "1h")
	require.NoError(t, err, out)
	assert.Contains(t, out, "purged 0 completed entries")

	out, err = runCLI(t, dir, "queue", "recover")
	require.NoError(t, err, out)
	assert.Contains(t, out, "recovered 0 stale entries")

	_, err = runCLI(t, dir, "queue", "list", "--status", "bogus")
	assert.Error(t, err)
}

// TestCLI_RecoverAll verifies --all reverts young processing entries that
// the age-based recovery leaves alone.
func TestCLI_RecoverAll(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := queue.OpenSQLiteStore(dir, queue.Options{})
	require.NoError(t, err)
	e, err := store.Enqueue(ctx, &models.QueueEntry{
		OperationType: models.OperationDelete,
		Table:         "sales",
		RecordID:      "s-1",
	})
	require.NoError(t, err)
	e.Status = models.StatusProcessing
	require.NoError(t, store.Update(ctx, e))
	require.NoError(t, store.Close())

	out, err := runCLI(t, dir, "queue", "recover")
	require.NoError(t, err, out)
	assert.Contains(t, out, "recovered 0 stale entries")

	out, err = runCLI(t, dir, "queue", "recover", "--all")
	require.NoError(t, err, out)
	assert.Contains(t, out, "recovered 1 stale entries")
}

// TestCLI_EventsRequiresRedis verifies the events command fails fast without Redis.
func TestCLI_EventsRequiresRedis(t *testing.T) {
	t.Setenv("OFFLINESYNC_REDIS_URL", "")
	_, err := runCLI(t, t.TempDir(), "events")
	assert.Error(t, err)
}

// TestReadPayload verifies inline payload handling.
func TestReadPayload(t *testing.T) {
	body, err := readPayload("")
	require.NoError(t, err)
	assert.Nil(t, body)

	body, err = readPayload(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(body))

	_, err = readPayload("not json")
	assert.Error(t, err)

	_, err = readPayload("@/does/not/exist.json")
	assert.Error(t, err)
}
