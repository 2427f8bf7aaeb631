// Package notify adapts sync listener callbacks to event sinks: Redis
// pub/sub, WebSocket hubs, logs, and fan-out combinations.
package notify

import (
	"time"

	"github.com/goccy/go-json"

	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
)

// Event types.
const (
	EventSyncStarted    = "sync.started"
	EventSyncProgress   = "sync.progress"
	EventSyncCompleted  = "sync.completed"
	EventSyncFailed     = "sync.failed"
	EventNetworkChanged = "network.changed"
)

// Event is the wire envelope published to sinks.
type Event struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Progress is the data of a sync.progress event.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Failure is the data of a sync.failed event.
type Failure struct {
	Message string `json:"message"`
}

// NetworkChange is the data of a network.changed event.
type NetworkChange struct {
	Available bool         `json:"available"`
	Info      network.Info `json:"info"`
}

// Sink receives encoded events. Publish must not block for long.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Emitter turns listener callbacks into events for a Sink.
type Emitter struct {
	sink Sink
	now  func() time.Time
}

// NewEmitter creates a listener publishing to sink.
func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink, now: time.Now}
}

func (e *Emitter) emit(typ string, data interface{}) {
	ev := Event{Type: typ, Time: e.now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		ev.Data = raw
	}
	e.sink.Publish(ev)
}

func (e *Emitter) OnSyncStarted() {
	e.emit(EventSyncStarted, nil)
}

func (e *Emitter) OnSyncProgress(completed, total int) {
	e.emit(EventSyncProgress, Progress{Completed: completed, Total: total})
}

func (e *Emitter) OnSyncCompleted(result syncpkg.SyncResult) {
	e.emit(EventSyncCompleted, result)
}

func (e *Emitter) OnSyncError(message string) {
	e.emit(EventSyncFailed, Failure{Message: message})
}

func (e *Emitter) OnNetworkStatusChanged(available bool, info network.Info) {
	e.emit(EventNetworkChanged, NetworkChange{Available: available, Info: info})
}

var _ syncpkg.Listener = (*Emitter)(nil)
