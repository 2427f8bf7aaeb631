package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// scheduleRetry keeps entry Processing until delay elapses, then returns it
// to Pending with an incremented retry count.
func (o *Orchestrator) scheduleRetry(ctx context.Context, entry *models.QueueEntry, delay time.Duration, reason string) {
	entry.Status = models.StatusProcessing
	entry.ErrorMessage = reason
	if err := o.store.Update(ctx, entry); err != nil {
		logging.Error("Failed to persist retry state", err, map[string]interface{}{
			"entry_id": entry.ID,
		})
	}

	logging.Info("Retry scheduled", map[string]interface{}{
		"entry_id": entry.ID,
		"attempt":  entry.RetryCount + 1,
		"delay_ms": delay.Milliseconds(),
		"reason":   reason,
	})

	id := entry.ID
	o.timerMu.Lock()
	if old, ok := o.timers[id]; ok {
		old.Stop()
	}
	o.timers[id] = time.AfterFunc(delay, func() {
		if o.takeTimer(id) {
			o.reactivate(context.Background(), id)
		}
	})
	o.timerMu.Unlock()

	if o.isClosed() {
		o.flushRetries(context.Background())
	}
}

// takeTimer removes the timer for id and reports whether it was still armed.
func (o *Orchestrator) takeTimer(id string) bool {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if _, ok := o.timers[id]; !ok {
		return false
	}
	delete(o.timers, id)
	return true
}

// reactivate ends the retry wait of id. An entry whose record gained a
// newer Pending operation meanwhile is cancelled rather than revived.
func (o *Orchestrator) reactivate(ctx context.Context, id string) {
	entry, err := o.store.Reactivate(ctx, id, o.opts.Now())
	if err != nil {
		logging.Error("Failed to re-activate entry", err, map[string]interface{}{
			"entry_id": id,
		})
		return
	}

	if entry.Status == models.StatusCancelled && entry.ErrorMessage == queue.SupersededMessage {
		logging.Info("Retry superseded by newer entry", map[string]interface{}{
			"entry_id": id,
			"table":    entry.Table,
			"record":   entry.RecordID,
		})
		return
	}
	if entry.Status != models.StatusPending {
		return
	}

	logging.Debug("Entry re-activated for retry", map[string]interface{}{
		"entry_id":    id,
		"retry_count": entry.RetryCount,
	})
	if !o.isClosed() && o.monitor.IsSuitableForSync() {
		o.trigger("retry due")
	}
}

// flushRetries re-activates every entry still waiting on a retry delay.
func (o *Orchestrator) flushRetries(ctx context.Context) int {
	o.timerMu.Lock()
	ids := make([]string, 0, len(o.timers))
	for id, t := range o.timers {
		t.Stop()
		ids = append(ids, id)
	}
	o.timers = make(map[string]*time.Timer)
	o.timerMu.Unlock()

	for _, id := range ids {
		o.reactivate(ctx, id)
	}
	return len(ids)
}

// PendingRetries returns the number of entries waiting on a retry delay.
func (o *Orchestrator) PendingRetries() int {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	return len(o.timers)
}
