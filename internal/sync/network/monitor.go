package network

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// EventKind identifies a connectivity transition.
type EventKind int

const (
	// EventAvailable fires when a link comes up. Subscribers may receive it repeatedly.
	EventAvailable EventKind = iota
	// EventLost fires when the link goes down.
	EventLost
	// EventQualityChanged fires when a connected link changes type or quality.
	EventQualityChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAvailable:
		return "available"
	case EventLost:
		return "lost"
	case EventQualityChanged:
		return "quality_changed"
	}
	return "unknown"
}

// Event is delivered to subscribers on every transition.
type Event struct {
	Kind EventKind
	Info Info
}

// Source produces raw connectivity observations.
type Source interface {
	Current(ctx context.Context) (Signal, error)
}

// Monitor tracks the current link and notifies subscribers of changes.
type Monitor struct {
	source   Source
	interval time.Duration

	mu      sync.RWMutex
	current Info
	known   bool
	subs    map[int]func(Event)
	nextID  int

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPollInterval sets how often Start polls the source. Zero disables polling.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

// NewMonitor creates a monitor over source. A nil source means signals
// arrive only through Update.
func NewMonitor(source Source, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:  source,
		current: NewInfo(Offline()),
		subs:    make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the last classified link.
func (m *Monitor) Current() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsSuitableForSync reports whether the last classified link can carry a sync pass.
func (m *Monitor) IsSuitableForSync() bool {
	return m.Current().IsSuitableForSync()
}

// Subscribe registers fn for every future event and returns a function that
// removes it. Callbacks run synchronously on the goroutine that observed the change.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Update classifies sig, stores it and emits the resulting event, if any.
func (m *Monitor) Update(sig Signal) Info {
	info := NewInfo(sig)

	m.mu.Lock()
	prev, known := m.current, m.known
	m.current = info
	m.known = true
	subs := m.snapshot()
	m.mu.Unlock()

	ev, ok := transition(prev, known, info)
	if !ok {
		return info
	}

	logging.Info("Network status changed", map[string]interface{}{
		"event":     ev.Kind.String(),
		"type":      string(info.Type),
		"quality":   string(info.Quality),
		"connected": info.IsConnected,
		"suitable":  info.IsSuitableForSync(),
	})

	for _, fn := range subs {
		fn(ev)
	}
	return info
}

func (m *Monitor) snapshot() []func(Event) {
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.subs[id])
	}
	return out
}

func transition(prev Info, known bool, next Info) (Event, bool) {
	switch {
	case !known:
		if next.IsConnected {
			return Event{Kind: EventAvailable, Info: next}, true
		}
		return Event{Kind: EventLost, Info: next}, true
	case !prev.IsConnected && next.IsConnected:
		return Event{Kind: EventAvailable, Info: next}, true
	case prev.IsConnected && !next.IsConnected:
		return Event{Kind: EventLost, Info: next}, true
	case next.IsConnected && (prev.Type != next.Type || prev.Quality != next.Quality || prev.IsMetered != next.IsMetered):
		return Event{Kind: EventQualityChanged, Info: next}, true
	}
	return Event{}, false
}

// Refresh reads the source once and applies the observation.
func (m *Monitor) Refresh(ctx context.Context) (Info, error) {
	if m.source == nil {
		return m.Current(), nil
	}
	sig, err := m.source.Current(ctx)
	if err != nil {
		logging.Warn("Network probe failed", map[string]interface{}{
			"error": err.Error(),
		})
		sig = Offline()
	}
	return m.Update(sig), err
}

// Start performs an initial Refresh and then polls the source until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.runMu.Unlock()

	_, _ = m.Refresh(ctx)

	if m.interval <= 0 || m.source == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				_, _ = m.Refresh(ctx)
			}
		}
	}()
}

// Stop halts polling. Subscriptions stay registered.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.wg.Wait()
}
