// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/offlinesync/internal/sync/network"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeTarget records scheduler calls.
type fakeTarget struct {
	mu         sync.Mutex
	info       network.Info
	starts     int
	accept     bool
	recovers   int
	purges     int
	recoverErr error
}

func (f *fakeTarget) StartSync() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.accept
}

func (f *fakeTarget) Network() network.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeTarget) setNetwork(sig network.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = network.NewInfo(sig)
}

func (f *fakeTarget) Recover(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovers++
	return 1, f.recoverErr
}

func (f *fakeTarget) Purge(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return 2, nil
}

func (f *fakeTarget) counts() (starts, recovers, purges int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.recovers, f.purges
}

type fakeRefresher struct {
	target *fakeTarget
	sig    network.Signal
	calls  int
	mu     sync.Mutex
}

func (r *fakeRefresher) Refresh(ctx context.Context) (network.Info, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	r.target.setNetwork(r.sig)
	return r.target.Network(), nil
}

var wifi = network.Signal{Type: network.TypeWifi, Connected: true, Strength: -45}

func fastConfig() *SchedulerConfig {
	return &SchedulerConfig{
		WifiInterval:     10 * time.Millisecond,
		CellularInterval: time.Hour,
		OfflineInterval:  10 * time.Millisecond,
		CleanupInterval:  20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.WifiInterval != 30*time.Second {
		t.Errorf("WifiInterval = %v, want 30s", config.WifiInterval)
	}
	if config.CellularInterval != 5*time.Minute {
		t.Errorf("CellularInterval = %v, want 5m", config.CellularInterval)
	}
	if config.OfflineInterval != time.Minute {
		t.Errorf("OfflineInterval = %v, want 1m", config.OfflineInterval)
	}
	if config.CleanupInterval != 24*time.Hour {
		t.Errorf("CleanupInterval = %v, want 24h", config.CleanupInterval)
	}
}

// TestIntervalFor verifies interval selection per link type.
func TestIntervalFor(t *testing.T) {
	config := DefaultSchedulerConfig()

	tests := []struct {
		name string
		sig  network.Signal
		want time.Duration
	}{
		{"wifi", wifi, 30 * time.Second},
		{"ethernet", network.Signal{Type: network.TypeEthernet, Connected: true}, 30 * time.Second},
		{"cellular", network.Signal{Type: network.TypeCellular, Connected: true, Strength: 25}, 5 * time.Minute},
		{"other", network.Signal{Type: network.TypeOther, Connected: true, Strength: network.UnknownStrength}, 5 * time.Minute},
		{"offline", network.Offline(), time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := config.IntervalFor(network.NewInfo(tt.sig)); got != tt.want {
				t.Errorf("IntervalFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestNewScheduler_FillsZeroIntervals verifies missing intervals take defaults.
func TestNewScheduler_FillsZeroIntervals(t *testing.T) {
	s := NewScheduler(&fakeTarget{}, nil, &SchedulerConfig{WifiInterval: time.Second})

	if s.config.WifiInterval != time.Second {
		t.Errorf("WifiInterval = %v, want 1s", s.config.WifiInterval)
	}
	if s.config.CleanupInterval != 24*time.Hour {
		t.Errorf("CleanupInterval = %v, want 24h", s.config.CleanupInterval)
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestStartStop verifies start and stop are idempotent.
func TestStartStop(t *testing.T) {
	target := &fakeTarget{}
	s := NewScheduler(target, nil, fastConfig())

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("scheduler should be running")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Fatal("scheduler should be stopped")
	}

	s.Start(context.Background())
	defer s.Stop()
	if !s.IsRunning() {
		t.Fatal("scheduler should restart")
	}
}

// TestStart_RunsHousekeepingImmediately verifies startup recovery.
func TestStart_RunsHousekeepingImmediately(t *testing.T) {
	target := &fakeTarget{}
	config := fastConfig()
	config.CleanupInterval = time.Hour
	s := NewScheduler(target, nil, config)

	s.Start(context.Background())
	defer s.Stop()

	_, recovers, purges := target.counts()
	if recovers != 1 || purges != 1 {
		t.Errorf("recovers=%d purges=%d, want 1 and 1", recovers, purges)
	}
	if s.GetStatus().LastCleanupTime == nil {
		t.Error("LastCleanupTime should be set")
	}
}

// TestHousekeeping_Periodic verifies the cleanup loop repeats and tolerates errors.
func TestHousekeeping_Periodic(t *testing.T) {
	target := &fakeTarget{recoverErr: errors.New("store busy")}
	s := NewScheduler(target, nil, fastConfig())

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool {
		_, recovers, purges := target.counts()
		return recovers >= 3 && purges >= 3
	})
}

// =====================================================
// Trigger Tests
// =====================================================

// TestTrigger_SuitableNetwork verifies ticks start passes on a good link.
func TestTrigger_SuitableNetwork(t *testing.T) {
	target := &fakeTarget{accept: true}
	target.setNetwork(wifi)
	s := NewScheduler(target, nil, fastConfig())

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool {
		return s.GetStatus().Triggered >= 2
	})
	if s.GetStatus().LastTriggerTime == nil {
		t.Error("LastTriggerTime should be set")
	}
}

// TestTrigger_UnsuitableNetwork verifies ticks skip a poor link.
func TestTrigger_UnsuitableNetwork(t *testing.T) {
	target := &fakeTarget{accept: true}
	target.setNetwork(network.Signal{Type: network.TypeWifi, Connected: true, Strength: -90})
	s := NewScheduler(target, nil, fastConfig())

	s.Start(context.Background())
	waitFor(t, func() bool { return s.GetStatus().Ticks >= 3 })
	s.Stop()

	if starts, _, _ := target.counts(); starts != 0 {
		t.Errorf("StartSync called %d times, want 0", starts)
	}
}

// TestTrigger_OfflineRefreshes verifies offline ticks re-probe connectivity.
func TestTrigger_OfflineRefreshes(t *testing.T) {
	target := &fakeTarget{accept: true}
	target.setNetwork(network.Offline())
	refresher := &fakeRefresher{target: target, sig: wifi}
	s := NewScheduler(target, refresher, fastConfig())

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.GetStatus().Triggered >= 1 })

	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if refresher.calls == 0 {
		t.Error("refresher should have been called while offline")
	}
}

// TestTriggerSync_Rejected verifies a busy target is not counted.
func TestTriggerSync_Rejected(t *testing.T) {
	target := &fakeTarget{accept: false}
	s := NewScheduler(target, nil, fastConfig())

	if s.TriggerSync() {
		t.Error("TriggerSync() = true, want false")
	}
	if s.GetStatus().Triggered != 0 {
		t.Error("rejected trigger should not be counted")
	}
}

// TestStop_ContextCancel verifies loops exit on context cancellation.
func TestStop_ContextCancel(t *testing.T) {
	target := &fakeTarget{}
	s := NewScheduler(target, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancel")
	}
}
