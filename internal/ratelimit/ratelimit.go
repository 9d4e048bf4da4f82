// Package ratelimit decides whether a user's message arrives too soon after
// the previous accepted one.
package ratelimit

import (
	"time"

	"ainexus_bot/internal/domain"
)

// DefaultMinInterval is the minimum spacing between accepted messages.
const DefaultMinInterval = 3 * time.Second

// Limiter is a pure admit/reject policy; it never mutates the record.
type Limiter struct {
	MinInterval time.Duration
}

// New returns a Limiter with the given interval. Negative values are treated
// as zero, which admits everything.
func New(minInterval time.Duration) Limiter {
	if minInterval < 0 {
		minInterval = 0
	}
	return Limiter{MinInterval: minInterval}
}

// Admit reports whether a message at now may be processed. A record with no
// prior activity is always admitted. The caller records now as the new
// LastActivityAt after admitting.
func (l Limiter) Admit(record domain.UserRecord, now time.Time) bool {
	return l.Cooldown(record, now) == 0
}

// Cooldown returns how long the user still has to wait, or zero.
func (l Limiter) Cooldown(record domain.UserRecord, now time.Time) time.Duration {
	if record.LastActivityAt.IsZero() || l.MinInterval <= 0 {
		return 0
	}

	elapsed := now.Sub(record.LastActivityAt)
	if elapsed >= l.MinInterval {
		return 0
	}
	if elapsed < 0 {
		// Clock went backwards; hold for a full interval from the stored mark.
		return l.MinInterval
	}
	return l.MinInterval - elapsed
}
