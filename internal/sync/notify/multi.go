package notify

import (
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
)

// Multi fans every callback out to all listeners, in order.
type Multi []syncpkg.Listener

// NewMulti drops nil listeners.
func NewMulti(listeners ...syncpkg.Listener) Multi {
	out := make(Multi, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m Multi) OnSyncStarted() {
	for _, l := range m {
		l.OnSyncStarted()
	}
}

func (m Multi) OnSyncProgress(completed, total int) {
	for _, l := range m {
		l.OnSyncProgress(completed, total)
	}
}

func (m Multi) OnSyncCompleted(result syncpkg.SyncResult) {
	for _, l := range m {
		l.OnSyncCompleted(result)
	}
}

func (m Multi) OnSyncError(message string) {
	for _, l := range m {
		l.OnSyncError(message)
	}
}

func (m Multi) OnNetworkStatusChanged(available bool, info network.Info) {
	for _, l := range m {
		l.OnNetworkStatusChanged(available, info)
	}
}

var _ syncpkg.Listener = Multi(nil)
