package conflict

import (
	"fmt"
	"strconv"
	"strings"
)

// Decision is a table rule's verdict. Rules return Merge (or ok=false) to
// hand the record to the field merge.
type Decision struct {
	Resolution Resolution
	Reason     string
}

// TableRule encodes domain knowledge for one table.
type TableRule interface {
	Decide(local, remote Record) (Decision, bool)
}

// RuleFunc adapts a function to TableRule.
type RuleFunc func(local, remote Record) (Decision, bool)

// Decide implements TableRule.
func (f RuleFunc) Decide(local, remote Record) (Decision, bool) {
	return f(local, remote)
}

// SalesRule keeps payment state sticky: a paid side never regresses to unpaid.
type SalesRule struct{}

// Decide implements TableRule.
func (SalesRule) Decide(local, remote Record) (Decision, bool) {
	localPaid, remotePaid := local.Bool("is_paid"), remote.Bool("is_paid")
	if localPaid == remotePaid {
		return Decision{}, false
	}
	if localPaid {
		return Decision{Resolution: UseLocal, Reason: "local payment status preferred"}, true
	}
	return Decision{Resolution: UseRemote, Reason: "remote payment status preferred"}, true
}

// orderStatusLevel ranks order states; cancelled sorts lowest and unknown states rank as draft.
var orderStatusLevel = map[string]int{
	"cancelled":  0,
	"draft":      1,
	"pending":    2,
	"confirmed":  3,
	"processing": 4,
	"shipped":    5,
	"delivered":  6,
	"completed":  7,
}

// OrderStatusLevel returns the ordinal of an order status.
func OrderStatusLevel(status string) int {
	if lvl, ok := orderStatusLevel[strings.ToLower(strings.TrimSpace(status))]; ok {
		return lvl
	}
	return 1
}

// OrdersRule lets the more advanced order status win.
type OrdersRule struct{}

// Decide implements TableRule.
func (OrdersRule) Decide(local, remote Record) (Decision, bool) {
	ls, rs := local.String("status"), remote.String("status")
	if ls == rs {
		return Decision{}, false
	}
	if OrderStatusLevel(ls) > OrderStatusLevel(rs) {
		return Decision{Resolution: UseLocal, Reason: "local status more advanced"}, true
	}
	return Decision{Resolution: UseRemote, Reason: "remote status more advanced"}, true
}

// StockRule never auto-resolves a quantity mismatch.
type StockRule struct{}

// Decide implements TableRule.
func (StockRule) Decide(local, remote Record) (Decision, bool) {
	lq, rq := local.Number("quantity"), remote.Number("quantity")
	if lq == rq {
		return Decision{}, false
	}
	return Decision{
		Resolution: Manual,
		Reason:     fmt.Sprintf("stock quantity conflict: local=%s, remote=%s", formatNumber(lq), formatNumber(rq)),
	}, true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SkipRule cancels every conflict on its table.
type SkipRule struct {
	Reason string
}

// Decide implements TableRule.
func (s SkipRule) Decide(local, remote Record) (Decision, bool) {
	reason := s.Reason
	if reason == "" {
		reason = "table configured to skip conflicts"
	}
	return Decision{Resolution: Skip, Reason: reason}, true
}
