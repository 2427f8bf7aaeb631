package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
)

type entryOutcome int

const (
	outcomeSuccess entryOutcome = iota
	outcomeFailed
	outcomeConflict
	outcomeRetry
	// outcomeReverted means the pass was cancelled mid-flight and the entry is Pending again.
	outcomeReverted
)

func (r *SyncResult) record(out entryOutcome) {
	switch out {
	case outcomeSuccess:
		r.Successful++
	case outcomeFailed:
		r.Failed++
	case outcomeConflict:
		r.Conflicts++
	case outcomeRetry:
		r.Retrying++
	}
}

// pass drains the Pending entries loaded at its start. The caller has
// already claimed the single-flight flag.
func (o *Orchestrator) pass(ctx context.Context) (res SyncResult) {
	start := time.Now()
	logging.Info("Sync pass started", nil)
	o.notify(func(l Listener) { l.OnSyncStarted() })

	defer func() {
		if p := recover(); p != nil {
			res.ErrorMessage = fmt.Sprintf("sync pass aborted: %v", p)
		}
		if _, err := o.Purge(context.Background()); err != nil {
			logging.Error("Failed to purge completed entries", err, nil)
		}
		res.Duration = time.Since(start)
		o.endPass()

		o.resultMu.Lock()
		last := res
		o.lastResult = &last
		o.resultMu.Unlock()

		logging.Info("Sync pass completed", map[string]interface{}{
			"total":       res.Total,
			"successful":  res.Successful,
			"failed":      res.Failed,
			"conflicts":   res.Conflicts,
			"retrying":    res.Retrying,
			"duration_ms": res.Duration.Milliseconds(),
			"error":       res.ErrorMessage,
		})
		if res.ErrorMessage != "" {
			msg := res.ErrorMessage
			o.notify(func(l Listener) { l.OnSyncError(msg) })
		}
		o.notify(func(l Listener) { l.OnSyncCompleted(res) })
	}()

	entries, err := o.store.ListPending(ctx)
	if err != nil {
		logging.Error("Failed to load pending entries", err, nil)
		res.ErrorMessage = "load pending entries: " + err.Error()
		return res
	}
	res.Total = len(entries)
	if res.Total == 0 {
		logging.Debug("No pending entries to sync", nil)
		return res
	}

	done := 0
	for i := 0; i < len(entries); i += o.opts.BatchSize {
		end := min(i+o.opts.BatchSize, len(entries))
		for _, entry := range entries[i:end] {
			if ctx.Err() != nil {
				logging.Info("Sync pass interrupted", map[string]interface{}{
					"remaining": len(entries) - done,
				})
				return res
			}
			out := o.syncEntry(ctx, entry)
			if out == outcomeReverted {
				return res
			}
			res.record(out)
			done++
			completed, total := done, res.Total
			o.notify(func(l Listener) { l.OnSyncProgress(completed, total) })
		}

		if end < len(entries) && !o.monitor.IsSuitableForSync() {
			logging.Warn("Network quality degraded, pausing sync", map[string]interface{}{
				"network":   o.monitor.Current().String(),
				"remaining": len(entries) - end,
			})
			return res
		}
	}
	return res
}

// syncEntry replicates one entry and records the resulting state.
func (o *Orchestrator) syncEntry(ctx context.Context, entry *models.QueueEntry) entryOutcome {
	// Store writes must land even when the pass is cancelled mid-flight.
	sctx := context.WithoutCancel(ctx)

	entry.Status = models.StatusProcessing
	if err := o.store.Update(sctx, entry); err != nil {
		return o.persistFailure(sctx, entry, err)
	}
	logging.Debug("Syncing entry", map[string]interface{}{
		"entry_id":  entry.ID,
		"operation": string(entry.OperationType),
		"table":     entry.Table,
		"record_id": entry.RecordID,
		"attempt":   entry.RetryCount,
	})

	out := o.dispatch(ctx, entry)
	if out.Success {
		return o.finish(sctx, entry, models.StatusCompleted, "")
	}
	if ctx.Err() != nil {
		return o.revert(sctx, entry)
	}
	if out.IsConflict() {
		return o.handleConflict(ctx, entry)
	}
	return o.handleFailure(sctx, entry, out.Err(), out.Error, out.StatusCode)
}

func (o *Orchestrator) dispatch(ctx context.Context, entry *models.QueueEntry) remote.Outcome {
	switch entry.OperationType {
	case models.OperationCreate:
		return o.client.Create(ctx, entry.Table, entry.Payload)
	case models.OperationUpdate:
		return o.client.Update(ctx, entry.Table, entry.RecordID, entry.Payload)
	case models.OperationDelete:
		return o.client.Delete(ctx, entry.Table, entry.RecordID)
	}
	return remote.Failed("unknown operation type: "+string(entry.OperationType), 0)
}

// handleFailure schedules a retry when the failure is transient and the
// priority's budget allows it, otherwise the entry fails.
func (o *Orchestrator) handleFailure(ctx context.Context, entry *models.QueueEntry, err error, msg string, status int) entryOutcome {
	policy := o.retries.For(entry.Priority)
	if policy.ShouldRetry(entry.RetryCount, err, status) {
		if delay := policy.CalculateDelay(entry.RetryCount); delay >= 0 {
			o.scheduleRetry(ctx, entry, delay, msg)
			return outcomeRetry
		}
	}
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return o.finish(ctx, entry, models.StatusFailed, msg)
}

// handleConflict fetches the remote record, resolves the conflict and
// applies the decision.
func (o *Orchestrator) handleConflict(ctx context.Context, entry *models.QueueEntry) entryOutcome {
	sctx := context.WithoutCancel(ctx)

	fetched := o.client.Fetch(ctx, entry.Table, remote.IDFilter(entry.RecordID))
	if !fetched.Success {
		if ctx.Err() != nil {
			return o.revert(sctx, entry)
		}
		return o.handleFailure(sctx, entry, fetched.Err(), "conflict fetch failed: "+fetched.Error, fetched.StatusCode)
	}
	// A record the remote no longer returns cannot be merged with; the
	// remote side wins like any other resolution failure.
	var result conflict.Result
	remoteRecord, err := remote.FirstRecord(fetched.Data)
	if err != nil {
		logging.Warn("Conflict remote record unavailable", map[string]interface{}{
			"entry_id": entry.ID,
			"error":    err.Error(),
		})
		result = conflict.Result{Resolution: conflict.UseRemote, Reason: "remote record unavailable: " + err.Error()}
	} else {
		result = o.resolver.Resolve(entry.Table, entry.Payload, remoteRecord)
	}
	if err := o.store.InsertConflictLog(sctx, result.Log(entry.ID, entry.Table, entry.RecordID, o.opts.Now())); err != nil {
		logging.Error("Failed to record conflict", err, map[string]interface{}{
			"entry_id": entry.ID,
		})
	}

	switch result.Resolution {
	case conflict.UseRemote:
		o.finish(sctx, entry, models.StatusCompleted, "conflict resolved: using remote version ("+result.Reason+")")
	case conflict.Manual:
		o.finish(sctx, entry, models.StatusFailed, "manual conflict resolution required: "+result.Reason)
	case conflict.Skip:
		o.finish(sctx, entry, models.StatusCancelled, "conflict skipped: "+result.Reason)
	case conflict.UseLocal:
		o.requeueResolved(sctx, entry, withRemoteVersion(entry.Payload, remoteRecord), result)
	case conflict.Merge:
		o.requeueResolved(sctx, entry, result.Data, result)
	}
	return outcomeConflict
}

// requeueResolved retries the entry with the resolved payload. A create
// that collided with an existing record is retried as an update.
func (o *Orchestrator) requeueResolved(ctx context.Context, entry *models.QueueEntry, payload []byte, result conflict.Result) {
	policy := o.retries.For(entry.Priority)
	delay := policy.CalculateDelay(entry.RetryCount)
	if delay < 0 {
		o.finish(ctx, entry, models.StatusFailed,
			fmt.Sprintf("conflict unresolved after %d attempts: %s", entry.RetryCount, result.Reason))
		return
	}
	entry.Payload = payload
	if entry.OperationType == models.OperationCreate {
		entry.OperationType = models.OperationUpdate
	}
	o.scheduleRetry(ctx, entry, delay, "conflict resolved: "+result.Resolution.String()+" ("+result.Reason+")")
}

// withRemoteVersion stamps the remote record's version onto the local payload
// so the retried write passes the optimistic check.
func withRemoteVersion(local, remoteRecord []byte) []byte {
	rec, err := conflict.ParseRecord(remoteRecord)
	if err != nil {
		return local
	}
	version, ok := rec["version"]
	if !ok {
		return local
	}
	loc, err := conflict.ParseRecord(local)
	if err != nil {
		return local
	}
	loc["version"] = version
	data, err := json.Marshal(loc)
	if err != nil {
		return local
	}
	return data
}

func (o *Orchestrator) finish(ctx context.Context, entry *models.QueueEntry, status models.QueueStatus, msg string) entryOutcome {
	entry.Status = status
	entry.ErrorMessage = msg
	if status == models.StatusFailed {
		now := o.opts.Now()
		entry.LastRetryAt = &now
	}
	if err := o.store.Update(ctx, entry); err != nil {
		logging.Error("Failed to persist entry state", err, map[string]interface{}{
			"entry_id": entry.ID,
			"status":   string(status),
		})
	}

	fields := map[string]interface{}{
		"entry_id": entry.ID,
		"table":    entry.Table,
		"status":   string(status),
	}
	if msg != "" {
		fields["message"] = msg
	}
	if status == models.StatusCompleted {
		logging.Debug("Entry synced", fields)
	} else {
		logging.Warn("Entry not synced", fields)
	}

	switch status {
	case models.StatusCompleted:
		return outcomeSuccess
	case models.StatusFailed:
		return outcomeFailed
	}
	return outcomeConflict
}

// persistFailure marks an entry Failed after a local store error.
func (o *Orchestrator) persistFailure(ctx context.Context, entry *models.QueueEntry, err error) entryOutcome {
	logging.Error("Queue store write failed", err, map[string]interface{}{
		"entry_id": entry.ID,
	})
	entry.Status = models.StatusFailed
	entry.ErrorMessage = err.Error()
	if uerr := o.store.Update(ctx, entry); uerr != nil {
		logging.Error("Failed to mark entry failed", uerr, map[string]interface{}{
			"entry_id": entry.ID,
		})
	}
	return outcomeFailed
}

func (o *Orchestrator) revert(ctx context.Context, entry *models.QueueEntry) entryOutcome {
	entry.Status = models.StatusPending
	if err := o.store.Update(ctx, entry); err != nil {
		logging.Error("Failed to revert interrupted entry", err, map[string]interface{}{
			"entry_id": entry.ID,
		})
	}
	logging.Info("Interrupted entry returned to pending", map[string]interface{}{
		"entry_id": entry.ID,
	})
	return outcomeReverted
}
