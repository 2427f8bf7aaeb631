// Package sync replicates locally queued changes to the remote store.
//
// An Orchestrator owns the queue. It drains Pending entries in single-flight
// passes while the network is suitable, retries failures with backoff and
// routes version conflicts through the conflict resolver.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/offlinesync/internal/config"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/retry"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
)

var (
	// ErrSyncInProgress is returned by RunPass when another pass is active.
	ErrSyncInProgress = apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")

	// ErrNetworkUnsuitable is returned by RunPass when the link cannot carry a pass.
	ErrNetworkUnsuitable = apperrors.New(apperrors.ErrNetworkUnavailable, "network not suitable for sync")

	// ErrClosed is returned after Shutdown.
	ErrClosed = apperrors.New(apperrors.ErrSyncFailed, "sync orchestrator is shut down")
)

// Options bounds a sync pass. Zero fields take the defaults from config.Default.
type Options struct {
	BatchSize  int
	MaxWorkers int
	// Retention is how long Completed entries are kept before purging.
	Retention time.Duration
	// StaleProcessing is the age after which Recover reverts Processing entries.
	StaleProcessing time.Duration
	// DisableAutoSync stops enqueue, network and retry events from starting passes.
	DisableAutoSync bool
	Now             func() time.Time
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:       cfg.Queue.BatchSize,
		MaxWorkers:      cfg.Queue.MaxWorkers,
		Retention:       cfg.Queue.Retention,
		StaleProcessing: cfg.Queue.StaleProcessing,
	}
}

func (o Options) withDefaults() Options {
	def := config.Default().Queue
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = def.MaxWorkers
	}
	if o.Retention <= 0 {
		o.Retention = def.Retention
	}
	if o.StaleProcessing <= 0 {
		o.StaleProcessing = def.StaleProcessing
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SyncResult summarizes one pass.
type SyncResult struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Conflicts  int `json:"conflicts"`
	// Retrying counts entries scheduled for another attempt after a plain failure.
	Retrying     int           `json:"retrying"`
	Duration     time.Duration `json:"duration"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Orchestrator drives the sync lifecycle.
type Orchestrator struct {
	store    queue.Store
	client   remote.Client
	monitor  *network.Monitor
	resolver *conflict.Resolver
	retries  *retry.Set
	opts     Options

	syncing    atomic.Bool
	passMu     sync.Mutex
	cancelPass context.CancelFunc

	listenerMu sync.RWMutex
	listener   Listener

	pool     *errgroup.Group
	poolMu   sync.Mutex
	closed   bool
	tasks    sync.WaitGroup
	baseCtx  context.Context
	stopBase context.CancelFunc

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	resultMu   sync.RWMutex
	lastResult *SyncResult

	unsubscribe func()
}

// New wires an orchestrator. A nil monitor is replaced by one that changes
// only through UpdateNetwork; nil resolver and retries use the defaults.
func New(store queue.Store, client remote.Client, monitor *network.Monitor, resolver *conflict.Resolver, retries *retry.Set, opts Options) *Orchestrator {
	if monitor == nil {
		monitor = network.NewMonitor(nil)
	}
	if resolver == nil {
		resolver = conflict.NewResolver()
	}
	if retries == nil {
		retries = retry.DefaultSet()
	}
	opts = opts.withDefaults()

	pool := &errgroup.Group{}
	pool.SetLimit(opts.MaxWorkers)
	baseCtx, stopBase := context.WithCancel(context.Background())

	o := &Orchestrator{
		store:    store,
		client:   client,
		monitor:  monitor,
		resolver: resolver,
		retries:  retries,
		opts:     opts,
		listener: NopListener{},
		pool:     pool,
		baseCtx:  baseCtx,
		stopBase: stopBase,
		timers:   make(map[string]*time.Timer),
	}
	o.unsubscribe = monitor.Subscribe(o.onNetworkEvent)
	return o
}

// SetListener replaces the active listener. Nil clears it.
func (o *Orchestrator) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	o.listenerMu.Lock()
	o.listener = l
	o.listenerMu.Unlock()
}

// notify invokes fn on the active listener, containing listener panics.
func (o *Orchestrator) notify(fn func(Listener)) {
	o.listenerMu.RLock()
	l := o.listener
	o.listenerMu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			logging.Error("Sync listener panicked", fmt.Errorf("%v", p), nil)
		}
	}()
	fn(l)
}

// =====================================================
// Enqueue API
// =====================================================

// Enqueue durably records an operation. It replaces a Pending duplicate of
// the same (table, record, operation) and starts a pass when the network is suitable.
func (o *Orchestrator) Enqueue(ctx context.Context, op models.OperationType, table, recordID string, payload []byte, priority models.Priority) (*models.QueueEntry, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}

	entry, err := o.store.Enqueue(ctx, &models.QueueEntry{
		OperationType: op,
		Table:         table,
		RecordID:      recordID,
		Payload:       payload,
		Priority:      priority,
	})
	if err != nil {
		logging.Error("Failed to enqueue operation", err, map[string]interface{}{
			"operation": string(op),
			"table":     table,
			"record_id": recordID,
		})
		return nil, err
	}

	logging.Info("Queued operation", map[string]interface{}{
		"entry_id":  entry.ID,
		"operation": string(entry.OperationType),
		"table":     entry.Table,
		"record_id": entry.RecordID,
		"priority":  entry.Priority.String(),
	})

	if o.monitor.IsSuitableForSync() {
		o.trigger("enqueue")
	}
	return entry, nil
}

// EnqueueAsync submits Enqueue to the worker pool. Failures are logged.
// It returns false after Shutdown.
func (o *Orchestrator) EnqueueAsync(op models.OperationType, table, recordID string, payload []byte, priority models.Priority) bool {
	payload = append([]byte(nil), payload...)
	return o.submit(func() {
		_, _ = o.Enqueue(o.baseCtx, op, table, recordID, payload, priority)
	})
}

// =====================================================
// Control API
// =====================================================

// StartSync launches a pass on the worker pool. It is a no-op returning
// false while a pass runs, when the network is unsuitable or after Shutdown.
func (o *Orchestrator) StartSync() bool {
	if o.isClosed() {
		return false
	}
	if !o.monitor.IsSuitableForSync() {
		logging.Debug("No suitable network for sync", map[string]interface{}{
			"network": o.monitor.Current().String(),
		})
		return false
	}
	if !o.syncing.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress", nil)
		return false
	}

	ctx := o.beginPass(o.baseCtx)
	if !o.submit(func() { o.pass(ctx) }) {
		o.endPass()
		return false
	}
	return true
}

// RunPass runs a pass on the calling goroutine and returns its summary.
func (o *Orchestrator) RunPass(ctx context.Context) (SyncResult, error) {
	if o.isClosed() {
		return SyncResult{}, ErrClosed
	}
	if !o.monitor.IsSuitableForSync() {
		return SyncResult{}, ErrNetworkUnsuitable
	}
	if !o.syncing.CompareAndSwap(false, true) {
		return SyncResult{}, ErrSyncInProgress
	}
	return o.pass(o.beginPass(ctx)), nil
}

// StopSync cancels the running pass, if any. The entry in flight ends
// Completed, scheduled for retry, or back in Pending.
func (o *Orchestrator) StopSync() {
	o.passMu.Lock()
	cancel := o.cancelPass
	o.passMu.Unlock()

	if cancel != nil {
		logging.Info("Sync cancelled", nil)
		cancel()
	}
}

// IsSyncing reports whether a pass is active.
func (o *Orchestrator) IsSyncing() bool {
	return o.syncing.Load()
}

// Status returns idle or syncing.
func (o *Orchestrator) Status() SyncStatus {
	if o.IsSyncing() {
		return SyncStatusSyncing
	}
	return SyncStatusIdle
}

// LastResult returns the summary of the most recent pass.
func (o *Orchestrator) LastResult() (SyncResult, bool) {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	if o.lastResult == nil {
		return SyncResult{}, false
	}
	return *o.lastResult, true
}

// PendingCount returns the number of Pending entries.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	return o.store.CountPending(ctx)
}

// FailedCount returns the number of Failed entries.
func (o *Orchestrator) FailedCount(ctx context.Context) (int, error) {
	return o.store.CountFailed(ctx)
}

// Stats returns per-status entry counts.
func (o *Orchestrator) Stats(ctx context.Context) (queue.Stats, error) {
	return o.store.Stats(ctx)
}

// Entries lists entries in status.
func (o *Orchestrator) Entries(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error) {
	if status == models.StatusPending {
		return o.store.ListPending(ctx)
	}
	return o.store.ListByStatus(ctx, status)
}

// ConflictLogs returns the most recent conflict decisions.
func (o *Orchestrator) ConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	return o.store.ListConflictLogs(ctx, limit)
}

// RetryFailed resets every Failed entry to Pending and starts a pass.
func (o *Orchestrator) RetryFailed(ctx context.Context) (int, error) {
	n, err := o.store.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	logging.Info("Failed entries reset for retry", map[string]interface{}{
		"count": n,
	})
	if n > 0 {
		o.trigger("retry failed")
	}
	return n, nil
}

// Network returns the current link classification.
func (o *Orchestrator) Network() network.Info {
	return o.monitor.Current()
}

// UpdateNetwork feeds a connectivity observation to the monitor.
func (o *Orchestrator) UpdateNetwork(sig network.Signal) network.Info {
	return o.monitor.Update(sig)
}

// Recover reverts Processing entries untouched for longer than
// StaleProcessing. It is safe to run while passes and retry waits are live.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	return o.recover(ctx, o.opts.StaleProcessing)
}

// RecoverOrphaned reverts every Processing entry regardless of age. A fresh
// process holds no retry timers and runs no pass, so any Processing entry it
// finds was abandoned by a previous process. Once this orchestrator has
// started working it falls back to Recover.
func (o *Orchestrator) RecoverOrphaned(ctx context.Context) (int, error) {
	if o.IsSyncing() || o.PendingRetries() > 0 {
		return o.Recover(ctx)
	}
	return o.recover(ctx, 0)
}

func (o *Orchestrator) recover(ctx context.Context, age time.Duration) (int, error) {
	n, err := o.store.ResetStaleProcessing(ctx, age)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Warn("Recovered stale processing entries", map[string]interface{}{
			"count":   n,
			"min_age": age.String(),
		})
	}
	return n, nil
}

// Purge deletes Completed entries older than the retention window.
func (o *Orchestrator) Purge(ctx context.Context) (int, error) {
	n, err := o.store.PurgeCompletedOlderThan(ctx, o.opts.Retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Purged completed entries", map[string]interface{}{
			"count": n,
		})
	}
	return n, nil
}

// Shutdown stops the running pass, detaches from the monitor, drains the
// worker pool and returns entries waiting on a retry delay to Pending.
// Pending work is not synced; it waits for the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.poolMu.Lock()
	if o.closed {
		o.poolMu.Unlock()
		return nil
	}
	o.closed = true
	o.poolMu.Unlock()

	o.unsubscribe()
	o.StopSync()
	o.stopBase()

	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		_ = o.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "wait for sync workers", ctx.Err())
	}

	n := o.flushRetries(context.Background())
	logging.Info("Sync orchestrator shut down", map[string]interface{}{
		"flushed_retries": n,
	})
	return nil
}

// =====================================================
// Internals
// =====================================================

func (o *Orchestrator) isClosed() bool {
	o.poolMu.Lock()
	defer o.poolMu.Unlock()
	return o.closed
}

// submit runs fn on the bounded pool without blocking the caller.
func (o *Orchestrator) submit(fn func()) bool {
	o.poolMu.Lock()
	if o.closed {
		o.poolMu.Unlock()
		return false
	}
	o.tasks.Add(1)
	o.poolMu.Unlock()

	go func() {
		defer o.tasks.Done()
		o.pool.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					logging.Error("Sync worker panicked", fmt.Errorf("%v", p), nil)
				}
			}()
			fn()
			return nil
		})
	}()
	return true
}

func (o *Orchestrator) trigger(reason string) {
	if o.opts.DisableAutoSync {
		return
	}
	if o.StartSync() {
		logging.Debug("Sync triggered", map[string]interface{}{
			"reason": reason,
		})
	}
}

func (o *Orchestrator) beginPass(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	o.passMu.Lock()
	o.cancelPass = cancel
	o.passMu.Unlock()
	return ctx
}

func (o *Orchestrator) endPass() {
	o.passMu.Lock()
	if o.cancelPass != nil {
		o.cancelPass()
		o.cancelPass = nil
	}
	o.passMu.Unlock()
	o.syncing.Store(false)
}

func (o *Orchestrator) onNetworkEvent(ev network.Event) {
	switch ev.Kind {
	case network.EventAvailable:
		o.notify(func(l Listener) { l.OnNetworkStatusChanged(true, ev.Info) })
		if ev.Info.IsSuitableForSync() {
			o.trigger("network available")
		}
	case network.EventLost:
		o.notify(func(l Listener) { l.OnNetworkStatusChanged(false, ev.Info) })
		o.StopSync()
	case network.EventQualityChanged:
		o.notify(func(l Listener) { l.OnNetworkStatusChanged(ev.Info.IsConnected, ev.Info) })
	}
}
