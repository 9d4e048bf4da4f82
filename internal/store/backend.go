package store

import (
	"context"
	"errors"

	"ainexus_bot/internal/domain"
)

// ErrNotFound is returned by a Backend when no record exists for a user.
var ErrNotFound = errors.New("user record not found")

// ErrSaveSkipped is returned by StateStore.Update when the record could not
// be loaded and therefore was not written back.
var ErrSaveSkipped = errors.New("save skipped")

// Backend is the durable get/put contract for user records. Implementations
// must be safe for concurrent use; callers serialize access per user.
type Backend interface {
	Get(ctx context.Context, userID int64) (domain.UserRecord, error)
	Put(ctx context.Context, record domain.UserRecord) error
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
