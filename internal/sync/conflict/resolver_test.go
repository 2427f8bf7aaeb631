package conflict

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 1, 9, 30, 0, 123000000, time.UTC)

func newTestResolver(opts ...Option) *Resolver {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewResolver(opts...)
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// TestResolve_Identical verifies identical payloads resolve to remote.
func TestResolve_Identical(t *testing.T) {
	r := newTestResolver()
	payload := []byte(`{"id":"1","quantity":5}`)

	for i := 0; i < 3; i++ {
		res := r.Resolve("stock", payload, payload)
		assert.Equal(t, UseRemote, res.Resolution)
		assert.Equal(t, "no actual conflict", res.Reason)
	}

	// Structural equality ignores key order and whitespace.
	res := r.Resolve("stock", []byte(`{"quantity":5, "id":"1"}`), payload)
	assert.Equal(t, UseRemote, res.Resolution)
	assert.Equal(t, "no actual conflict", res.Reason)
}

// TestResolve_SalesPaidSticky verifies a paid local sale wins.
func TestResolve_SalesPaidSticky(t *testing.T) {
	r := newTestResolver()

	local := []byte(`{"is_paid":true}`)
	remote := []byte(`{"is_paid":false}`)
	res := r.Resolve("sales", local, remote)
	assert.Equal(t, UseLocal, res.Resolution)
	assert.Equal(t, local, res.Data)
	assert.NotEmpty(t, res.Reason)

	res = r.Resolve("sales", remote, local)
	assert.Equal(t, UseRemote, res.Resolution)
	assert.Equal(t, local, res.Data, "data is the remote side, which is paid")
}

// TestResolve_OrdersStatusHierarchy verifies the higher ordinal wins.
func TestResolve_OrdersStatusHierarchy(t *testing.T) {
	r := newTestResolver()

	res := r.Resolve("orders", []byte(`{"status":"shipped"}`), []byte(`{"status":"delivered"}`))
	assert.Equal(t, UseRemote, res.Resolution)

	res = r.Resolve("orders", []byte(`{"status":"completed"}`), []byte(`{"status":"confirmed"}`))
	assert.Equal(t, UseLocal, res.Resolution)

	res = r.Resolve("orders", []byte(`{"status":"cancelled"}`), []byte(`{"status":"draft"}`))
	assert.Equal(t, UseRemote, res.Resolution, "cancelled ranks lowest")

	res = r.Resolve("orders", []byte(`{"status":"Pending","note":"x"}`), []byte(`{"status":"Pending","note":"y"}`))
	assert.Equal(t, Merge, res.Resolution, "equal statuses fall through to merge")
}

// TestResolve_StockManual verifies quantity mismatches require manual handling.
func TestResolve_StockManual(t *testing.T) {
	r := newTestResolver()
	res := r.Resolve("stock", []byte(`{"quantity":50}`), []byte(`{"quantity":47}`))
	assert.Equal(t, Manual, res.Resolution)
	assert.Nil(t, res.Data)
	assert.Equal(t, "stock quantity conflict: local=50, remote=47", res.Reason)
}

// TestResolve_TimestampsWin verifies the strictly newer side wins outright.
func TestResolve_TimestampsWin(t *testing.T) {
	r := newTestResolver()

	local := []byte(`{"quantity":50,"updated_at":"2024-05-02T10:00:00.000Z"}`)
	remote := []byte(`{"quantity":47,"updated_at":"2024-05-01T10:00:00.000Z"}`)
	res := r.Resolve("stock", local, remote)
	assert.Equal(t, UseLocal, res.Resolution)
	assert.Equal(t, "local version newer", res.Reason)
	assert.False(t, res.LocalTimestamp.IsZero())
	assert.False(t, res.RemoteTimestamp.IsZero())

	res = r.Resolve("stock", remote, local)
	assert.Equal(t, UseRemote, res.Resolution)
	assert.Equal(t, "remote version newer", res.Reason)
}

// TestResolve_TimestampTieMerges verifies equal timestamps merge.
func TestResolve_TimestampTieMerges(t *testing.T) {
	r := newTestResolver()
	ts := "2024-05-01T10:00:00.000Z"
	local := []byte(`{"id":"o1","status":"draft","note":"local note","updated_at":"` + ts + `"}`)
	remote := []byte(`{"id":"o1","status":"shipped","note":"remote note","total":12.50,"updated_at":"` + ts + `"}`)

	res := r.Resolve("orders", local, remote)
	require.Equal(t, Merge, res.Resolution)

	m := decode(t, res.Data)
	assert.Equal(t, "shipped", m["status"], "remote is the base")
	assert.Equal(t, "local note", m["note"], "note prefers local")
	assert.Equal(t, 12.5, m["total"])
	assert.Equal(t, "2024-06-01T09:30:00.123Z", m["updated_at"])
}

// TestResolve_OneSidedTimestampUsesTableLogic verifies a lone timestamp is not compared.
func TestResolve_OneSidedTimestampUsesTableLogic(t *testing.T) {
	r := newTestResolver()
	res := r.Resolve("stock",
		[]byte(`{"quantity":1,"updated_at":"2030-01-01T00:00:00.000Z"}`),
		[]byte(`{"quantity":2}`))
	assert.Equal(t, Manual, res.Resolution)
}

// TestResolve_MergeFieldsPerTable verifies prefer-local fields per table.
func TestResolve_MergeFieldsPerTable(t *testing.T) {
	r := newTestResolver()

	local := []byte(`{"is_paid":true,"note":"L","payment_note":"LP","amount":1}`)
	remote := []byte(`{"is_paid":true,"note":"R","payment_note":"RP","amount":2}`)
	res := r.Resolve("sales", local, remote)
	require.Equal(t, Merge, res.Resolution)
	m := decode(t, res.Data)
	assert.Equal(t, "L", m["note"])
	assert.Equal(t, "LP", m["payment_note"])
	assert.Equal(t, float64(2), m["amount"])

	res = r.Resolve("stock", []byte(`{"quantity":3,"note":"L"}`), []byte(`{"quantity":3,"note":"R"}`))
	require.Equal(t, Merge, res.Resolution)
	assert.Equal(t, "R", decode(t, res.Data)["note"], "stock prefers remote for every field")

	res = r.Resolve("supermarkets", []byte(`{"name":"A","note":"L"}`), []byte(`{"name":"B","note":"R"}`))
	require.Equal(t, Merge, res.Resolution)
	m = decode(t, res.Data)
	assert.Equal(t, "B", m["name"])
	assert.Equal(t, "L", m["note"])

	res = r.Resolve("customers", []byte(`{"name":"A","note":"L"}`), []byte(`{"name":"B"}`))
	require.Equal(t, Merge, res.Resolution, "unknown tables merge")
	assert.Equal(t, "L", decode(t, res.Data)["note"])
}

// TestResolve_MergePreservesNumbers verifies large integers survive a merge.
func TestResolve_MergePreservesNumbers(t *testing.T) {
	r := newTestResolver()
	res := r.Resolve("customers", []byte(`{"note":"a"}`), []byte(`{"id":9007199254740993,"note":"b"}`))
	require.Equal(t, Merge, res.Resolution)
	assert.Contains(t, string(res.Data), `"id":9007199254740993`)
}

// TestResolve_InvalidPayloadDegrades verifies parse failures fall back to remote.
func TestResolve_InvalidPayloadDegrades(t *testing.T) {
	r := newTestResolver()
	remote := []byte(`{"id":"1"}`)

	for _, local := range [][]byte{nil, []byte(`not json`), []byte(`[1,2]`), []byte(`null`)} {
		res := r.Resolve("sales", local, remote)
		assert.Equal(t, UseRemote, res.Resolution, string(local))
		assert.Equal(t, remote, res.Data)
		assert.Contains(t, res.Reason, "error in conflict resolution")
	}
}

// TestResolve_PanickingRuleDegrades verifies rule failures never escape.
func TestResolve_PanickingRuleDegrades(t *testing.T) {
	r := newTestResolver(WithRule("widgets", RuleFunc(func(local, remote Record) (Decision, bool) {
		panic("boom")
	})))
	res := r.Resolve("widgets", []byte(`{"a":1}`), []byte(`{"a":2}`))
	assert.Equal(t, UseRemote, res.Resolution)
	assert.Contains(t, res.Reason, "boom")
}

// TestResolve_TableFirstOrder verifies table rules can override timestamps.
func TestResolve_TableFirstOrder(t *testing.T) {
	local := []byte(`{"is_paid":true,"updated_at":"2024-01-01T00:00:00.000Z"}`)
	remote := []byte(`{"is_paid":false,"updated_at":"2024-02-01T00:00:00.000Z"}`)

	res := newTestResolver().Resolve("sales", local, remote)
	assert.Equal(t, UseRemote, res.Resolution, "timestamp-first: remote is newer")

	res = newTestResolver(WithOrder(OrderTableFirst)).Resolve("sales", local, remote)
	assert.Equal(t, UseLocal, res.Resolution, "table-first: paid is sticky")

	// Without a table verdict, table-first falls back to timestamps.
	res = newTestResolver(WithOrder(OrderTableFirst)).Resolve("customers",
		[]byte(`{"n":1,"updated_at":"2024-03-01T00:00:00.000Z"}`),
		[]byte(`{"n":2,"updated_at":"2024-02-01T00:00:00.000Z"}`))
	assert.Equal(t, UseLocal, res.Resolution)
}

// TestResolve_CustomRules verifies registry extension and skip.
func TestResolve_CustomRules(t *testing.T) {
	r := newTestResolver(WithPreferLocalFields("customers", "email"))
	r.Register("audit", SkipRule{})

	res := r.Resolve("audit", []byte(`{"a":1}`), []byte(`{"a":2}`))
	assert.Equal(t, Skip, res.Resolution)
	assert.Nil(t, res.Data)
	assert.NotEmpty(t, res.Reason)

	res = r.Resolve("customers", []byte(`{"email":"l@x","note":"L"}`), []byte(`{"email":"r@x","note":"R"}`))
	require.Equal(t, Merge, res.Resolution)
	m := decode(t, res.Data)
	assert.Equal(t, "l@x", m["email"])
	assert.Equal(t, "R", m["note"], "table list replaces the default")
}

// TestResult_Log verifies audit record conversion.
func TestResult_Log(t *testing.T) {
	res := newTestResolver().Resolve("stock",
		[]byte(`{"quantity":1,"updated_at":"2024-05-02T10:00:00.000Z"}`),
		[]byte(`{"quantity":2,"updated_at":"2024-05-01T10:00:00.000Z"}`))
	log := res.Log("entry-1", "stock", "p-1", fixedNow)

	assert.Equal(t, "use_local", log.Resolution)
	assert.Equal(t, "entry-1", log.EntryID)
	assert.Equal(t, time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC).UnixMilli(), log.LocalTimestamp)
	assert.Equal(t, fixedNow.UnixMilli(), log.DetectedAt)
}

// TestParseOrder verifies configuration names.
func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("table_first")
	require.NoError(t, err)
	assert.Equal(t, OrderTableFirst, o)
	o, err = ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderTimestampFirst, o)
	_, err = ParseOrder("random")
	assert.Error(t, err)
}

// TestOrderStatusLevel verifies the fixed hierarchy.
func TestOrderStatusLevel(t *testing.T) {
	order := []string{"cancelled", "draft", "pending", "confirmed", "processing", "shipped", "delivered", "completed"}
	for i := 1; i < len(order); i++ {
		assert.Less(t, OrderStatusLevel(order[i-1]), OrderStatusLevel(order[i]))
	}
	assert.Equal(t, 1, OrderStatusLevel("mystery"))
}

// TestConflictError verifies the error type helper.
func TestConflictError(t *testing.T) {
	assert.True(t, IsConflictError(ErrInvalidPayload))
	assert.Equal(t, "payload is empty", ErrEmptyPayload.Error())
	assert.False(t, IsConflictError(assert.AnError))
}
