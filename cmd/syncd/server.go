package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

const (
	serviceName        = "offlinesync"
	maxRequestBodySize = 4 << 20
	healthPingTimeout  = 2 * time.Second
)

// controlAPI serves the local REST control surface.
type controlAPI struct {
	app    *app
	engine syncpkg.Engine
}

// newRouter builds the control API router.
func newRouter(a *app) http.Handler {
	api := &controlAPI{app: a, engine: a.orch}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", api.health)

		r.Post("/queue", api.enqueue)
		r.Get("/queue", api.listQueue)
		r.Post("/queue/retry-failed", api.retryFailed)
		r.Get("/conflicts", api.listConflicts)

		r.Post("/sync/start", api.startSync)
		r.Post("/sync/stop", api.stopSync)
		r.Get("/sync/status", api.syncStatus)

		r.Post("/network", api.pushNetwork)
	})
	if a.hub != nil {
		r.Get("/ws", HandleWebSocket(a.hub))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.CodeOf(err)
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrQueueFull, apperrors.ErrNetworkUnavailable:
		status = http.StatusServiceUnavailable
	case apperrors.ErrSyncFailed:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(code),
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, apperrors.New(apperrors.ErrInvalid, msg))
}

func (api *controlAPI) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"service": serviceName,
	}
	if p, ok := api.app.client.(remote.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			body["remote"] = "unreachable"
			body["remote_error"] = err.Error()
		} else {
			body["remote"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// enqueueRequest is the body of POST /api/queue.
type enqueueRequest struct {
	Operation string          `json:"operation"`
	Table     string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Payload   json.RawMessage `json:"payload"`
	Priority  string          `json:"priority"`
}

func (api *controlAPI) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	op, err := models.ParseOperationType(req.Operation)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	entry, err := api.engine.Enqueue(r.Context(), op, req.Table, req.RecordID, []byte(req.Payload), priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (api *controlAPI) listQueue(w http.ResponseWriter, r *http.Request) {
	status := models.StatusPending
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := models.ParseQueueStatus(s)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		status = parsed
	}

	entries, err := api.engine.Entries(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"count":   len(entries),
		"entries": entries,
	})
}

func (api *controlAPI) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := api.engine.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": n})
}

func (api *controlAPI) listConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := api.engine.ConflictLogs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(logs),
		"conflicts": logs,
	})
}

func (api *controlAPI) startSync(w http.ResponseWriter, r *http.Request) {
	orch := api.engine
	if orch.StartSync() {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
		return
	}
	switch {
	case orch.IsSyncing():
		writeError(w, syncpkg.ErrSyncInProgress)
	case !orch.Network().IsSuitableForSync():
		writeError(w, syncpkg.ErrNetworkUnsuitable)
	default:
		writeError(w, syncpkg.ErrClosed)
	}
}

func (api *controlAPI) stopSync(w http.ResponseWriter, r *http.Request) {
	api.engine.StopSync()
	writeJSON(w, http.StatusOK, map[string]interface{}{"stopped": true})
}

// statusResponse is the body of GET /api/sync/status.
type statusResponse struct {
	Status         syncpkg.SyncStatus         `json:"status"`
	Network        network.Info               `json:"network"`
	Suitable       bool                       `json:"suitable"`
	Pending        int                        `json:"pending"`
	Failed         int                        `json:"failed"`
	Stats          queue.Stats                `json:"stats"`
	PendingRetries int                        `json:"pending_retries"`
	LastResult     *syncpkg.SyncResult        `json:"last_result,omitempty"`
	Scheduler      *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
	WSClients      int                        `json:"ws_clients"`
}

func (api *controlAPI) syncStatus(w http.ResponseWriter, r *http.Request) {
	orch := api.engine
	stats, err := orch.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	info := orch.Network()
	resp := statusResponse{
		Status:         orch.Status(),
		Network:        info,
		Suitable:       info.IsSuitableForSync(),
		Pending:        stats.Pending,
		Failed:         stats.Failed,
		Stats:          stats,
		PendingRetries: orch.PendingRetries(),
	}
	if res, ok := orch.LastResult(); ok {
		resp.LastResult = &res
	}
	if api.app.sched != nil {
		st := api.app.sched.GetStatus()
		resp.Scheduler = &st
	}
	if api.app.hub != nil {
		resp.WSClients = api.app.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// networkRequest is the body of POST /api/network.
type networkRequest struct {
	Type      string `json:"type"`
	Connected *bool  `json:"connected"`
	Metered   bool   `json:"metered"`
	Strength  *int   `json:"signal_strength"`
	LatencyMS int64  `json:"latency_ms"`
}

func (api *controlAPI) pushNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	typ, err := network.ParseType(req.Type)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	sig := network.Signal{
		Type:      typ,
		Connected: typ != network.TypeNone,
		Metered:   req.Metered,
		Strength:  network.UnknownStrength,
		Latency:   time.Duration(req.LatencyMS) * time.Millisecond,
	}
	if req.Connected != nil {
		sig.Connected = *req.Connected
	}
	if req.Strength != nil {
		sig.Strength = *req.Strength
	}

	info := api.app.pushNetwork(sig)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"network":  info,
		"suitable": info.IsSuitableForSync(),
	})
}
