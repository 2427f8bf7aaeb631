package remote_test

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

func newPostgresClient(t *testing.T) *remote.PostgresClient {
	t.Helper()
	url := os.Getenv("OFFLINESYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("OFFLINESYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := remote.NewPostgresPool(ctx, url)
	require.NoError(t, err)
	c := remote.NewPostgresClient(pool, 5*time.Second)
	t.Cleanup(c.Close)
	require.NoError(t, c.EnsureSchema(ctx))
	return c
}

// TestPostgresClient_OptimisticVersion verifies create, versioned update and conflict.
func TestPostgresClient_OptimisticVersion(t *testing.T) {
	c := newPostgresClient(t)
	ctx := context.Background()
	table := "test_" + uuid.New()[:8]
	id := uuid.New()

	out := c.Create(ctx, table, []byte(`{"id":"`+id+`","status":"pending"}`))
	require.True(t, out.Success, out.Error)
	assert.Equal(t, float64(1), decodeFirst(t, out.Data)["version"])

	out = c.Create(ctx, table, []byte(`{"id":"`+id+`"}`))
	assert.True(t, out.IsConflict())

	out = c.Update(ctx, table, id, []byte(`{"status":"shipped","version":1}`))
	require.True(t, out.Success, out.Error)
	rec := decodeFirst(t, out.Data)
	assert.Equal(t, "shipped", rec["status"])
	assert.Equal(t, float64(2), rec["version"])

	out = c.Update(ctx, table, id, []byte(`{"status":"draft","version":1}`))
	assert.True(t, out.IsConflict())

	out = c.Update(ctx, table, "missing", []byte(`{"status":"x"}`))
	assert.Equal(t, http.StatusNotFound, out.StatusCode)

	out = c.Fetch(ctx, table, remote.IDFilter(id))
	require.True(t, out.Success)
	assert.Equal(t, "shipped", decodeFirst(t, out.Data)["status"])

	require.True(t, c.Delete(ctx, table, id).Success)
	require.True(t, c.Delete(ctx, table, id).Success)

	out = c.Fetch(ctx, table, "status=eq.x")
	assert.Equal(t, http.StatusBadRequest, out.StatusCode)
}
