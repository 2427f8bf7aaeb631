package sync

import (
	"context"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// Engine is the control surface of a sync orchestrator. It allows callers
// such as the control API to be tested against alternative implementations.
type Engine interface {
	// Enqueue durably records an operation for replication.
	Enqueue(ctx context.Context, op models.OperationType, table, recordID string, payload []byte, priority models.Priority) (*models.QueueEntry, error)

	// StartSync launches a background pass. It reports false when no pass was started.
	StartSync() bool
	StopSync()
	IsSyncing() bool
	Status() SyncStatus

	// LastResult returns the summary of the most recent finished pass.
	LastResult() (SyncResult, bool)

	Stats(ctx context.Context) (queue.Stats, error)
	PendingCount(ctx context.Context) (int, error)
	Entries(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error)
	ConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
	RetryFailed(ctx context.Context) (int, error)
	PendingRetries() int

	Network() network.Info
	UpdateNetwork(sig network.Signal) network.Info

	SetListener(l Listener)
}

var _ Engine = (*Orchestrator)(nil)
