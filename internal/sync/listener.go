package sync

import "github.com/kimhsiao/offlinesync/internal/sync/network"

// Listener receives sync and connectivity notifications. Callbacks run on
// the goroutine driving the pass and must not block for long.
type Listener interface {
	OnSyncStarted()
	OnSyncProgress(completed, total int)
	OnSyncCompleted(result SyncResult)
	OnSyncError(message string)
	OnNetworkStatusChanged(available bool, info network.Info)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OnSyncStarted()                            {}
func (NopListener) OnSyncProgress(completed, total int)       {}
func (NopListener) OnSyncCompleted(result SyncResult)         {}
func (NopListener) OnSyncError(message string)                {}
func (NopListener) OnNetworkStatusChanged(bool, network.Info) {}

// ListenerFuncs adapts optional callbacks to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Started        func()
	Progress       func(completed, total int)
	Completed      func(result SyncResult)
	Error          func(message string)
	NetworkChanged func(available bool, info network.Info)
}

func (f ListenerFuncs) OnSyncStarted() {
	if f.Started != nil {
		f.Started()
	}
}

func (f ListenerFuncs) OnSyncProgress(completed, total int) {
	if f.Progress != nil {
		f.Progress(completed, total)
	}
}

func (f ListenerFuncs) OnSyncCompleted(result SyncResult) {
	if f.Completed != nil {
		f.Completed(result)
	}
}

func (f ListenerFuncs) OnSyncError(message string) {
	if f.Error != nil {
		f.Error(message)
	}
}

func (f ListenerFuncs) OnNetworkStatusChanged(available bool, info network.Info) {
	if f.NetworkChanged != nil {
		f.NetworkChanged(available, info)
	}
}

var (
	_ Listener = NopListener{}
	_ Listener = ListenerFuncs{}
)
