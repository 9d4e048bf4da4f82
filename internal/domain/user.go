// Package domain defines the per-user abuse-control record shared by the
// policy packages and the state store.
package domain

import "time"

// Verification is the persisted human-verification state of a user.
type Verification string

const (
	// VerificationFresh means the user has not been challenged yet.
	VerificationFresh Verification = "fresh"
	// VerificationPending means a challenge was issued and the next text
	// message is read as its answer.
	VerificationPending Verification = "pending"
	// VerificationVerified is terminal; it is never left.
	VerificationVerified Verification = "verified"
)

// Valid reports whether v is one of the known states.
func (v Verification) Valid() bool {
	switch v {
	case VerificationFresh, VerificationPending, VerificationVerified:
		return true
	default:
		return false
	}
}

// UserRecord is the abuse-control state for one chat participant.
type UserRecord struct {
	UserID               int64        `bson:"user_id" json:"user_id"`
	LastActivityAt       time.Time    `bson:"last_activity_at" json:"last_activity_at"`
	CurrentDay           string       `bson:"current_day" json:"current_day"`
	DailyQuotaUsed       int          `bson:"daily_quota_used" json:"daily_quota_used"`
	FreeInteractionsUsed int          `bson:"free_interactions_used" json:"free_interactions_used"`
	Verification         Verification `bson:"verification" json:"verification"`
	CreatedAt            time.Time    `bson:"created_at" json:"created_at"`
	UpdatedAt            time.Time    `bson:"updated_at" json:"updated_at"`
}

// NewUserRecord returns a zeroed record for userID on the given day.
func NewUserRecord(userID int64, day string, now time.Time) UserRecord {
	return UserRecord{
		UserID:       userID,
		CurrentDay:   day,
		Verification: VerificationFresh,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsVerified reports whether the user passed the challenge.
func (r UserRecord) IsVerified() bool {
	return r.Verification == VerificationVerified
}

// PendingChallenge reports whether the user owes a challenge answer.
func (r UserRecord) PendingChallenge() bool {
	return r.Verification == VerificationPending
}

// Normalize repairs fields decoded from older or partial documents.
func (r *UserRecord) Normalize() {
	if !r.Verification.Valid() {
		r.Verification = VerificationFresh
	}
	if r.DailyQuotaUsed < 0 {
		r.DailyQuotaUsed = 0
	}
	if r.FreeInteractionsUsed < 0 {
		r.FreeInteractionsUsed = 0
	}
}

// RollOver resets the daily fields when day differs from CurrentDay and
// reports whether it did. Verification and the free counter are kept.
func (r *UserRecord) RollOver(day string) bool {
	if r.CurrentDay == day {
		return false
	}

	r.CurrentDay = day
	r.DailyQuotaUsed = 0
	r.LastActivityAt = time.Time{}
	return true
}
