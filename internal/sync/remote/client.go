// Package remote defines the contract with the authoritative backend and
// provides HTTP (PostgREST style) and PostgreSQL implementations.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// StatusTransportFailure marks an outcome without any server response.
const StatusTransportFailure = -1

// StatusLocalFailure marks an outcome whose request could not be prepared.
const StatusLocalFailure = 0

// Client performs record operations against the remote store.
// Implementations never return Go errors; failures are reported in the Outcome.
type Client interface {
	Create(ctx context.Context, table string, payload []byte) Outcome
	Update(ctx context.Context, table, id string, payload []byte) Outcome
	Delete(ctx context.Context, table, id string) Outcome
	Fetch(ctx context.Context, table, filter string) Outcome
}

// Pinger is implemented by clients that can check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Outcome is the normalized result of a remote call.
type Outcome struct {
	Success    bool   `json:"success"`
	Data       []byte `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code"`
}

// Succeeded builds a successful outcome.
func Succeeded(data []byte, status int) Outcome {
	return Outcome{Success: true, Data: data, StatusCode: status}
}

// Failed builds a failed outcome carrying the server's status.
func Failed(msg string, status int) Outcome {
	return Outcome{Success: false, Error: msg, StatusCode: status}
}

// TransportFailure builds an outcome for a call that produced no response.
func TransportFailure(err error) Outcome {
	return Outcome{Success: false, Error: "network error: " + err.Error(), StatusCode: StatusTransportFailure}
}

// LocalFailure builds an outcome for a request that was never sent because
// it could not be built or signed. Retrying it cannot succeed.
func LocalFailure(err error) Outcome {
	return Outcome{Success: false, Error: "request not sent: " + err.Error(), StatusCode: StatusLocalFailure}
}

// IsConflict reports a version conflict.
func (o Outcome) IsConflict() bool {
	return !o.Success && o.StatusCode == http.StatusConflict
}

// IsTransportFailure reports that the server was never reached.
func (o Outcome) IsTransportFailure() bool {
	return !o.Success && o.StatusCode == StatusTransportFailure
}

// Err converts a failed outcome into an error, or nil on success.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	code := apperrors.ErrRemote
	switch {
	case o.StatusCode == StatusTransportFailure:
		code = apperrors.ErrNetworkUnavailable
	case o.StatusCode == StatusLocalFailure:
		code = apperrors.ErrInvalid
	case o.StatusCode == http.StatusConflict:
		code = apperrors.ErrSyncConflict
	case o.StatusCode == http.StatusUnauthorized || o.StatusCode == http.StatusForbidden:
		code = apperrors.ErrSyncAuthFailed
	case o.StatusCode == http.StatusRequestTimeout || o.StatusCode == http.StatusGatewayTimeout:
		code = apperrors.ErrSyncTimeout
	}
	if o.StatusCode > 0 {
		return apperrors.Newf(code, "HTTP %d: %s", o.StatusCode, o.Error)
	}
	return apperrors.New(code, o.Error)
}

// IDFilter returns the filter selecting a single record by id.
func IDFilter(id string) string {
	return "id=eq." + id
}

// FirstRecord extracts the first object from a response that may be a
// JSON array (PostgREST representation) or a single object.
func FirstRecord(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	if trimmed[0] != '[' {
		return trimmed, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	if len(items) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, "remote record not found")
	}
	return items[0], nil
}
