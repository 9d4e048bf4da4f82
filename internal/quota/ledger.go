// Package quota tracks quota-consuming replies per user per day with
// reserve-before-call and rollback-on-failure semantics.
package quota

import "ainexus_bot/internal/domain"

// DefaultDailyLimit is the number of quota-consuming replies per UTC day.
const DefaultDailyLimit = 10

// Ledger applies the daily limit to a record.
type Ledger struct {
	DailyLimit int
}

// NewLedger returns a Ledger enforcing limit.
func NewLedger(limit int) Ledger {
	if limit < 0 {
		limit = 0
	}
	return Ledger{DailyLimit: limit}
}

// TryReserve takes one unit if any remain today.
func (l Ledger) TryReserve(record *domain.UserRecord) bool {
	if record == nil || record.DailyQuotaUsed >= l.DailyLimit {
		return false
	}
	record.DailyQuotaUsed++
	return true
}

// Rollback returns one reserved unit, floored at zero.
func (l Ledger) Rollback(record *domain.UserRecord) {
	if record == nil || record.DailyQuotaUsed <= 0 {
		return
	}
	record.DailyQuotaUsed--
}

// Remaining is the number of units left today, floored at zero.
func (l Ledger) Remaining(record domain.UserRecord) int {
	remaining := l.DailyLimit - record.DailyQuotaUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
