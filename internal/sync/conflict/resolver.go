// Package conflict decides how a local change that the remote rejected as a
// version conflict is reconciled with the remote record.
//
// Records are JSON objects. The resolver never returns an error: internal
// failures degrade to UseRemote with the failure recorded in the reason.
package conflict

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// TimestampField is the last-modified field compared between versions.
const TimestampField = "updated_at"

// TimestampLayout is the format written into merged records.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Resolution is the outcome of a conflict.
type Resolution int

const (
	UseLocal Resolution = iota
	UseRemote
	Merge
	Manual
	Skip
)

// String returns the persisted name of the resolution.
func (r Resolution) String() string {
	switch r {
	case UseLocal:
		return "use_local"
	case UseRemote:
		return "use_remote"
	case Merge:
		return "merge"
	case Manual:
		return "manual"
	case Skip:
		return "skip"
	}
	return fmt.Sprintf("resolution(%d)", int(r))
}

// Order selects whether timestamps or table rules are consulted first.
type Order int

const (
	// OrderTimestampFirst compares last-modified times, then table rules, then merges.
	OrderTimestampFirst Order = iota
	// OrderTableFirst applies table rules, then timestamps, then merges.
	OrderTableFirst
)

// ParseOrder maps configuration names to an Order.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "timestamp_first":
		return OrderTimestampFirst, nil
	case "table_first":
		return OrderTableFirst, nil
	}
	return 0, fmt.Errorf("unknown conflict order %q", s)
}

// Result carries the decision, the payload to keep (if any) and the audit reason.
type Result struct {
	Resolution Resolution
	Data       []byte
	Reason     string

	LocalTimestamp  time.Time
	RemoteTimestamp time.Time
}

// Log converts the result into a persisted audit record.
func (r Result) Log(entryID, table, recordID string, detectedAt time.Time) *models.ConflictLog {
	return &models.ConflictLog{
		EntryID:         entryID,
		Table:           table,
		RecordID:        recordID,
		LocalTimestamp:  millisOrZero(r.LocalTimestamp),
		RemoteTimestamp: millisOrZero(r.RemoteTimestamp),
		Resolution:      r.Resolution.String(),
		Reason:          r.Reason,
		DetectedAt:      detectedAt.UnixMilli(),
	}
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Resolver reconciles conflicting record versions.
type Resolver struct {
	order              Order
	now                func() time.Time
	defaultPreferLocal []string

	mu          sync.RWMutex
	rules       map[string]TableRule
	preferLocal map[string][]string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOrder selects the resolution order.
func WithOrder(o Order) Option {
	return func(r *Resolver) { r.order = o }
}

// WithClock overrides the time stamped into merged records.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithRule registers a table rule, replacing any existing one.
func WithRule(table string, rule TableRule) Option {
	return func(r *Resolver) { r.rules[table] = rule }
}

// WithPreferLocalFields sets the fields copied from the local record on merge.
func WithPreferLocalFields(table string, fields ...string) Option {
	return func(r *Resolver) { r.preferLocal[table] = fields }
}

// WithDefaultPreferLocalFields sets the merge fields for tables without their own list.
func WithDefaultPreferLocalFields(fields ...string) Option {
	return func(r *Resolver) { r.defaultPreferLocal = fields }
}

// NewResolver creates a resolver with the built-in table rules.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		order:              OrderTimestampFirst,
		now:                time.Now,
		defaultPreferLocal: []string{"note"},
		rules: map[string]TableRule{
			"sales":  SalesRule{},
			"orders": OrdersRule{},
			"stock":  StockRule{},
		},
		preferLocal: map[string][]string{
			"sales":        {"note", "payment_note"},
			"orders":       {"note"},
			"stock":        {},
			"supermarkets": {"note"},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a table rule at runtime.
func (r *Resolver) Register(table string, rule TableRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[table] = rule
}

// SetPreferLocalFields replaces the merge fields for a table at runtime.
func (r *Resolver) SetPreferLocalFields(table string, fields ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferLocal[table] = fields
}

func (r *Resolver) rule(table string) TableRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules[table]
}

func (r *Resolver) preferLocalFields(table string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fields, ok := r.preferLocal[table]; ok {
		return fields
	}
	return r.defaultPreferLocal
}

// Resolve decides between the local and remote versions of a record in table.
func (r *Resolver) Resolve(table string, local, remote []byte) Result {
	res := r.resolve(table, local, remote)

	logging.Info("Conflict resolved", map[string]interface{}{
		"table":      table,
		"resolution": res.Resolution.String(),
		"reason":     res.Reason,
	})
	return res
}

func (r *Resolver) resolve(table string, local, remote []byte) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				Resolution: UseRemote,
				Data:       remote,
				Reason:     fmt.Sprintf("error in conflict resolution: %v", p),
			}
		}
	}()

	localRec, err := ParseRecord(local)
	if err != nil {
		return r.degrade(remote, fmt.Errorf("local: %w", err))
	}
	remoteRec, err := ParseRecord(remote)
	if err != nil {
		return r.degrade(remote, fmt.Errorf("remote: %w", err))
	}

	if bytes.Equal(local, remote) || reflect.DeepEqual(localRec, remoteRec) {
		return Result{Resolution: UseRemote, Data: remote, Reason: "no actual conflict"}
	}

	localTS, localOK := localRec.Timestamp(TimestampField)
	remoteTS, remoteOK := remoteRec.Timestamp(TimestampField)

	p := &pair{table: table, local: localRec, remote: remoteRec, localRaw: local, remoteRaw: remote}

	var out Result
	if r.order == OrderTableFirst {
		if d, ok := r.byTable(p); ok {
			out = r.apply(p, d)
		} else if localOK && remoteOK && !localTS.Equal(remoteTS) {
			out = byTimestamp(p, localTS, remoteTS)
		} else {
			out = r.merge(p)
		}
	} else {
		switch {
		case localOK && remoteOK && !localTS.Equal(remoteTS):
			out = byTimestamp(p, localTS, remoteTS)
		case localOK && remoteOK:
			out = r.merge(p)
		default:
			if d, ok := r.byTable(p); ok {
				out = r.apply(p, d)
			} else {
				out = r.merge(p)
			}
		}
	}

	if localOK {
		out.LocalTimestamp = localTS
	}
	if remoteOK {
		out.RemoteTimestamp = remoteTS
	}
	return out
}

type pair struct {
	table     string
	local     Record
	remote    Record
	localRaw  []byte
	remoteRaw []byte
}

func (r *Resolver) degrade(remote []byte, err error) Result {
	logging.Warn("Conflict resolution degraded to remote", map[string]interface{}{
		"error": err.Error(),
	})
	return Result{
		Resolution: UseRemote,
		Data:       remote,
		Reason:     "error in conflict resolution: " + err.Error(),
	}
}

func byTimestamp(p *pair, localTS, remoteTS time.Time) Result {
	if localTS.After(remoteTS) {
		return Result{Resolution: UseLocal, Data: p.localRaw, Reason: "local version newer"}
	}
	return Result{Resolution: UseRemote, Data: p.remoteRaw, Reason: "remote version newer"}
}

func (r *Resolver) byTable(p *pair) (Decision, bool) {
	rule := r.rule(p.table)
	if rule == nil {
		return Decision{}, false
	}
	return rule.Decide(p.local, p.remote)
}

func (r *Resolver) apply(p *pair, d Decision) Result {
	switch d.Resolution {
	case UseLocal:
		return Result{Resolution: UseLocal, Data: p.localRaw, Reason: d.Reason}
	case UseRemote:
		return Result{Resolution: UseRemote, Data: p.remoteRaw, Reason: d.Reason}
	case Merge:
		return r.merge(p)
	}
	return Result{Resolution: d.Resolution, Reason: d.Reason}
}

// merge starts from the remote record, overlays the table's prefer-local
// fields and stamps a fresh modification time.
func (r *Resolver) merge(p *pair) Result {
	merged := make(Record, len(p.remote)+1)
	for k, v := range p.remote {
		merged[k] = v
	}
	for _, field := range r.preferLocalFields(p.table) {
		if v, ok := p.local[field]; ok {
			merged[field] = v
		}
	}
	merged[TimestampField] = r.now().UTC().Format(TimestampLayout)

	data, err := json.Marshal(merged)
	if err != nil {
		return Result{
			Resolution: UseRemote,
			Data:       p.remoteRaw,
			Reason:     "merge failed: " + err.Error(),
		}
	}
	return Result{Resolution: Merge, Data: data, Reason: "merged changes"}
}

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

// Errors
var (
	ErrInvalidPayload = &ConflictError{Message: "payload is not a JSON object"}
	ErrEmptyPayload   = &ConflictError{Message: "payload is empty"}
)
