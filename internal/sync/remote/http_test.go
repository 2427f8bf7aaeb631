package remote_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/remote/remotetest"
	"github.com/kimhsiao/offlinesync/internal/sync/retry"
)

func newClient(t *testing.T, srv *remotetest.Server, mutate func(*remote.HTTPConfig)) *remote.HTTPClient {
	t.Helper()
	cfg := remote.HTTPConfig{BaseURL: srv.BaseURL(), Timeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	return remote.NewHTTPClient(cfg)
}

func decodeFirst(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	raw, err := remote.FirstRecord(data)
	require.NoError(t, err)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &rec))
	return rec
}

// TestHTTPClient_CRUD verifies create, fetch, update and delete round trips.
func TestHTTPClient_CRUD(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	c := newClient(t, srv, nil)
	ctx := context.Background()

	out := c.Create(ctx, "sales", []byte(`{"id":"s1","total":10}`))
	require.True(t, out.Success, out.Error)
	assert.Equal(t, http.StatusCreated, out.StatusCode)
	assert.Equal(t, float64(1), decodeFirst(t, out.Data)["version"])

	out = c.Fetch(ctx, "sales", remote.IDFilter("s1"))
	require.True(t, out.Success)
	assert.Equal(t, float64(10), decodeFirst(t, out.Data)["total"])

	out = c.Update(ctx, "sales", "s1", []byte(`{"total":12,"version":1}`))
	require.True(t, out.Success, out.Error)
	rec := decodeFirst(t, out.Data)
	assert.Equal(t, float64(12), rec["total"])
	assert.Equal(t, float64(2), rec["version"])

	out = c.Delete(ctx, "sales", "s1")
	require.True(t, out.Success)
	assert.Equal(t, http.StatusNoContent, out.StatusCode)
	assert.Equal(t, 0, srv.Count("sales"))
}

// TestHTTPClient_StaleVersionConflicts verifies a stale version is a 409 outcome.
func TestHTTPClient_StaleVersionConflicts(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Put("orders", remotetest.Record{"id": "o1", "status": "delivered", "version": 3})
	c := newClient(t, srv, nil)

	out := c.Update(context.Background(), "orders", "o1", []byte(`{"status":"shipped","version":2}`))
	assert.False(t, out.Success)
	assert.True(t, out.IsConflict())
	assert.True(t, apperrors.Is(out.Err(), apperrors.ErrSyncConflict))

	rec, _ := srv.Get("orders", "o1")
	assert.Equal(t, "delivered", rec["status"])
}

// TestHTTPClient_DuplicateCreateConflicts verifies creating an existing id conflicts.
func TestHTTPClient_DuplicateCreateConflicts(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Put("stock", remotetest.Record{"id": "k1", "quantity": 47})
	c := newClient(t, srv, nil)

	out := c.Create(context.Background(), "stock", []byte(`{"id":"k1","quantity":50}`))
	assert.True(t, out.IsConflict())
}

// TestHTTPClient_MissingRecord verifies 404 maps to a non-retryable remote error.
func TestHTTPClient_MissingRecord(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	c := newClient(t, srv, nil)

	out := c.Update(context.Background(), "sales", "nope", []byte(`{"total":1}`))
	assert.Equal(t, http.StatusNotFound, out.StatusCode)
	assert.True(t, apperrors.Is(out.Err(), apperrors.ErrRemote))

	out = c.Fetch(context.Background(), "sales", remote.IDFilter("nope"))
	require.True(t, out.Success)
	_, err := remote.FirstRecord(out.Data)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestHTTPClient_InjectedStatus verifies server faults surface as status codes.
func TestHTTPClient_InjectedStatus(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.FailNext(remotetest.Fault{Method: http.MethodPost, Status: http.StatusServiceUnavailable})
	c := newClient(t, srv, nil)

	out := c.Create(context.Background(), "sales", []byte(`{"id":"s1"}`))
	assert.False(t, out.Success)
	assert.Equal(t, http.StatusServiceUnavailable, out.StatusCode)

	out = c.Create(context.Background(), "sales", []byte(`{"id":"s1"}`))
	assert.True(t, out.Success)
}

// TestHTTPClient_TransportFailure verifies a dropped connection yields status -1.
func TestHTTPClient_TransportFailure(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.FailNext(remotetest.Fault{})
	c := newClient(t, srv, nil)

	out := c.Create(context.Background(), "sales", []byte(`{"id":"s1"}`))
	assert.True(t, out.IsTransportFailure())
	assert.Equal(t, remote.StatusTransportFailure, out.StatusCode)
	assert.True(t, strings.HasPrefix(out.Error, "network error: "))
	assert.True(t, apperrors.Is(out.Err(), apperrors.ErrNetworkUnavailable))
}

// TestHTTPClient_UnbuildableRequest verifies a request that cannot be built
// is reported as a local failure and is not classified as retryable.
func TestHTTPClient_UnbuildableRequest(t *testing.T) {
	c := remote.NewHTTPClient(remote.HTTPConfig{BaseURL: "http://bad host", Timeout: time.Second})

	out := c.Create(context.Background(), "sales", []byte(`{"id":"s1"}`))
	assert.False(t, out.Success)
	assert.False(t, out.IsTransportFailure())
	assert.Equal(t, remote.StatusLocalFailure, out.StatusCode)
	assert.True(t, strings.HasPrefix(out.Error, "request not sent: build request: "))
	assert.True(t, apperrors.Is(out.Err(), apperrors.ErrInvalid))
	assert.False(t, retry.IsRetryable(out.Err(), out.StatusCode))

	assert.Error(t, c.Ping(context.Background()))
}

// TestHTTPClient_Timeout verifies slow responses are cut off by the client timeout.
func TestHTTPClient_Timeout(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.SetLatency(500 * time.Millisecond)
	c := newClient(t, srv, func(cfg *remote.HTTPConfig) { cfg.Timeout = 50 * time.Millisecond })

	out := c.Fetch(context.Background(), "sales", "")
	assert.True(t, out.IsTransportFailure())
}

// TestHTTPClient_JWTAuth verifies minted bearer tokens are accepted and bad secrets rejected.
func TestHTTPClient_JWTAuth(t *testing.T) {
	srv := remotetest.NewServer()
	srv.APIKey = "anon-key"
	srv.JWTSecret = "shared-secret"
	defer srv.Close()

	good := newClient(t, srv, func(cfg *remote.HTTPConfig) {
		cfg.APIKey = "anon-key"
		cfg.JWTSecret = "shared-secret"
	})
	out := good.Create(context.Background(), "sales", []byte(`{"id":"s1"}`))
	require.True(t, out.Success, out.Error)

	bad := newClient(t, srv, func(cfg *remote.HTTPConfig) {
		cfg.APIKey = "anon-key"
		cfg.JWTSecret = "wrong"
	})
	out = bad.Fetch(context.Background(), "sales", "")
	assert.Equal(t, http.StatusUnauthorized, out.StatusCode)
	assert.True(t, apperrors.Is(out.Err(), apperrors.ErrSyncAuthFailed))
}

// TestHTTPClient_RequestShape verifies update and delete use the id filter.
func TestHTTPClient_RequestShape(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Put("sales", remotetest.Record{"id": "a b", "version": 1})
	c := newClient(t, srv, nil)

	c.Update(context.Background(), "sales", "a b", []byte(`{"x":1}`))
	c.Delete(context.Background(), "sales", "a b")

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "PATCH /rest/v1/sales?id=eq.a+b", reqs[0])
	assert.Equal(t, "DELETE /rest/v1/sales?id=eq.a+b", reqs[1])
}

// TestHTTPClient_Ping verifies reachability checks.
func TestHTTPClient_Ping(t *testing.T) {
	srv := remotetest.NewServer()
	c := newClient(t, srv, nil)
	assert.NoError(t, c.Ping(context.Background()))

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}

// TestFirstRecord verifies object and array responses.
func TestFirstRecord(t *testing.T) {
	raw, err := remote.FirstRecord([]byte(`{"id":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x"}`, string(raw))

	raw, err = remote.FirstRecord([]byte(` [{"id":"y"},{"id":"z"}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"y"}`, string(raw))

	_, err = remote.FirstRecord(nil)
	assert.Error(t, err)
}

// TestOutcome_Err verifies status to error code mapping.
func TestOutcome_Err(t *testing.T) {
	assert.NoError(t, remote.Succeeded(nil, 200).Err())
	assert.True(t, apperrors.Is(remote.Failed("slow", http.StatusRequestTimeout).Err(), apperrors.ErrSyncTimeout))
	assert.True(t, apperrors.Is(remote.Failed("boom", http.StatusInternalServerError).Err(), apperrors.ErrRemote))
}
