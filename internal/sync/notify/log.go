package notify

import (
	"github.com/kimhsiao/offlinesync/internal/logging"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
)

// LogListener writes sync notifications to the structured log.
type LogListener struct{}

func (LogListener) OnSyncStarted() {
	logging.Info("Sync started", nil)
}

func (LogListener) OnSyncProgress(completed, total int) {
	logging.Debug("Sync progress", map[string]interface{}{
		"completed": completed,
		"total":     total,
	})
}

func (LogListener) OnSyncCompleted(result syncpkg.SyncResult) {
	logging.Info("Sync completed", map[string]interface{}{
		"total":       result.Total,
		"successful":  result.Successful,
		"failed":      result.Failed,
		"conflicts":   result.Conflicts,
		"retrying":    result.Retrying,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func (LogListener) OnSyncError(message string) {
	logging.Warn("Sync error", map[string]interface{}{
		"message": message,
	})
}

func (LogListener) OnNetworkStatusChanged(available bool, info network.Info) {
	logging.Info("Network status changed", map[string]interface{}{
		"available": available,
		"network":   info.String(),
	})
}

var _ syncpkg.Listener = LogListener{}
