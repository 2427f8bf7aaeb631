// Package scheduler provides background sync scheduling for offline operations.
// It triggers sync passes at network-aware intervals and runs periodic
// queue housekeeping.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
)

// Target is the sync control surface the scheduler drives.
type Target interface {
	StartSync() bool
	Network() network.Info
	Recover(ctx context.Context) (int, error)
	Purge(ctx context.Context) (int, error)
}

// Refresher re-reads connectivity. network.Monitor satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (network.Info, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	target    Target
	refresher Refresher
	config    SchedulerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	lastTrigger     time.Time
	lastCleanup     time.Time
	ticks           int
	triggered       int
	cleanupInFlight bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	WifiInterval     time.Duration // wifi and ethernet (default: 30 seconds)
	CellularInterval time.Duration // cellular and other links (default: 5 minutes)
	OfflineInterval  time.Duration // no usable link (default: 1 minute)
	CleanupInterval  time.Duration // stale recovery and purge (default: 24 hours)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return FromConfig(config.Default().Schedule)
}

// FromConfig converts the schedule section of the configuration.
func FromConfig(c config.ScheduleConfig) *SchedulerConfig {
	return &SchedulerConfig{
		WifiInterval:     c.WifiInterval,
		CellularInterval: c.CellularInterval,
		OfflineInterval:  c.OfflineInterval,
		CleanupInterval:  c.CleanupInterval,
	}
}

// IntervalFor picks the trigger interval for the current link.
func (c SchedulerConfig) IntervalFor(info network.Info) time.Duration {
	if !info.IsConnected {
		return c.OfflineInterval
	}
	switch info.Type {
	case network.TypeWifi, network.TypeEthernet:
		return c.WifiInterval
	}
	return c.CellularInterval
}

// NewScheduler creates a new Scheduler. refresher may be nil.
func NewScheduler(target Target, refresher Refresher, cfg *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.WifiInterval <= 0 {
		c.WifiInterval = def.WifiInterval
	}
	if c.CellularInterval <= 0 {
		c.CellularInterval = def.CellularInterval
	}
	if c.OfflineInterval <= 0 {
		c.OfflineInterval = def.OfflineInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}

	return &Scheduler{
		target:    target,
		refresher: refresher,
		config:    c,
		stopCh:    make(chan struct{}),
	}
}

// Start runs recovery once and launches the trigger and housekeeping loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.RunHousekeeping(ctx)

	s.wg.Add(2)
	go s.triggerLoop(ctx, stopCh)
	go s.housekeepingLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"wifi_interval":     s.config.WifiInterval.String(),
		"cellular_interval": s.config.CellularInterval.String(),
		"offline_interval":  s.config.OfflineInterval.String(),
		"cleanup_interval":  s.config.CleanupInterval.String(),
	})
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// triggerLoop re-arms its timer after every tick so interval changes with
// the link take effect immediately.
func (s *Scheduler) triggerLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	timer := time.NewTimer(s.config.IntervalFor(s.target.Network()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.config.IntervalFor(s.target.Network()))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	info := s.target.Network()
	if !info.IsConnected && s.refresher != nil {
		if refreshed, err := s.refresher.Refresh(ctx); err == nil {
			info = refreshed
		}
	}

	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()

	if !info.IsSuitableForSync() {
		logging.Debug("Skipping scheduled sync - network not suitable", map[string]interface{}{
			"network": info.String(),
		})
		return
	}
	s.TriggerSync()
}

// TriggerSync asks the target for an immediate pass.
// Returns true if a pass was started.
func (s *Scheduler) TriggerSync() bool {
	if !s.target.StartSync() {
		logging.Debug("Sync already in progress or not possible, skipping", nil)
		return false
	}

	s.mu.Lock()
	s.lastTrigger = time.Now()
	s.triggered++
	s.mu.Unlock()

	logging.Info("Scheduled sync started", nil)
	return true
}

func (s *Scheduler) housekeepingLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.RunHousekeeping(ctx)
		}
	}
}

// RunHousekeeping recovers stale Processing entries and purges expired
// Completed ones. Overlapping calls are skipped.
func (s *Scheduler) RunHousekeeping(ctx context.Context) {
	s.mu.Lock()
	if s.cleanupInFlight {
		s.mu.Unlock()
		return
	}
	s.cleanupInFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cleanupInFlight = false
		s.lastCleanup = time.Now()
		s.mu.Unlock()
	}()

	recovered, err := s.target.Recover(ctx)
	if err != nil {
		logging.ErrorWithCode("Stale entry recovery failed", string(errors.CodeOf(err)), err, nil)
	}
	purged, err := s.target.Purge(ctx)
	if err != nil {
		logging.ErrorWithCode("Completed entry purge failed", string(errors.CodeOf(err)), err, nil)
	}

	logging.Info("Queue housekeeping completed", map[string]interface{}{
		"recovered": recovered,
		"purged":    purged,
	})
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool          `json:"is_running"`
	Interval        time.Duration `json:"interval"`
	LastTriggerTime *time.Time    `json:"last_trigger_time,omitempty"`
	LastCleanupTime *time.Time    `json:"last_cleanup_time,omitempty"`
	Ticks           int           `json:"ticks"`
	Triggered       int           `json:"triggered"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	interval := s.config.IntervalFor(s.target.Network())

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		Interval:  interval,
		Ticks:     s.ticks,
		Triggered: s.triggered,
	}
	if !s.lastTrigger.IsZero() {
		t := s.lastTrigger
		status.LastTriggerTime = &t
	}
	if !s.lastCleanup.IsZero() {
		t := s.lastCleanup
		status.LastCleanupTime = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
