package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ainexus_bot/internal/clock"
	"ainexus_bot/internal/domain"
	"ainexus_bot/internal/logging"
)

const saveTimeout = 5 * time.Second

// StateStore owns read-modify-write of user records. All mutation for one
// user happens under that user's lock; different users never contend.
type StateStore struct {
	backend Backend
	clock   clock.Clock
	logger  *logrus.Entry

	mu    sync.Mutex
	locks map[int64]*userLock
	// shadows holds the last decided record of users whose backend read
	// failed, until a read succeeds again.
	shadows map[int64]domain.UserRecord
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewStateStore constructs a StateStore over backend.
func NewStateStore(backend Backend, clk clock.Clock, logger *logrus.Entry) *StateStore {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &StateStore{
		backend: backend,
		clock:   clk,
		logger:  logger,
		locks:   make(map[int64]*userLock),
		shadows: make(map[int64]domain.UserRecord),
	}
}

// Lock acquires the per-user lock and returns its release func.
func (s *StateStore) Lock(userID int64) func() {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}

// GetOrCreate loads the record for userID, creating a fresh one when absent,
// and applies day rollover before returning it. On a backend read failure it
// still returns a usable record along with the error: the last record decided
// while the backend was unreadable, or a fresh one.
func (s *StateStore) GetOrCreate(ctx context.Context, userID int64) (domain.UserRecord, error) {
	if s == nil || s.backend == nil {
		return domain.UserRecord{}, errors.New("state store is not initialized")
	}
	if ctx == nil {
		return domain.UserRecord{}, errors.New("context is required")
	}

	now := s.clock.Now()
	today := clock.DayKey(now)

	record, err := s.backend.Get(ctx, userID)
	switch {
	case err == nil:
		s.dropShadow(userID)
		record.Normalize()
		if record.RollOver(today) {
			s.logger.WithFields(logging.Fields{
				"event":   "user_day_rollover",
				"user_id": userID,
				"day":     today,
			}).Debug("reset daily counters")
		}
		return record, nil
	case errors.Is(err, ErrNotFound):
		s.dropShadow(userID)
		s.logger.WithFields(logging.Fields{
			"event":   "user_created",
			"user_id": userID,
		}).Info("created user record")
		return domain.NewUserRecord(userID, today, now), nil
	default:
		loadErr := fmt.Errorf("load user %d: %w", userID, err)
		shadow, ok := s.shadow(userID)
		if !ok {
			return domain.NewUserRecord(userID, today, now), loadErr
		}
		shadow.RollOver(today)
		return shadow, loadErr
	}
}

// Save persists record. Failures are returned for the caller to log; the
// decision already taken for the current message stands.
func (s *StateStore) Save(ctx context.Context, record domain.UserRecord) error {
	if s == nil || s.backend == nil {
		return errors.New("state store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	record.UpdatedAt = s.clock.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}

	if err := s.backend.Put(ctx, record); err != nil {
		return fmt.Errorf("save user %d: %w", record.UserID, err)
	}
	return nil
}

// Update runs fn on the user's record under the per-user lock and saves the
// result exactly once. If the record could not be loaded, fn still runs on
// the record GetOrCreate fell back to and the result is kept in process
// instead of being written back, so a read outage can neither clobber stored
// state nor reset the user's limits.
func (s *StateStore) Update(ctx context.Context, userID int64, fn func(record *domain.UserRecord)) error {
	if s == nil || s.backend == nil {
		return errors.New("state store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if fn == nil {
		return errors.New("update func is required")
	}

	unlock := s.Lock(userID)
	defer unlock()

	record, loadErr := s.GetOrCreate(ctx, userID)
	fn(&record)

	if loadErr != nil {
		s.keepShadow(record)
		return fmt.Errorf("%w: %w", ErrSaveSkipped, loadErr)
	}

	// A rollback must still land after shutdown cancels ctx.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	return s.Save(saveCtx, record)
}

func (s *StateStore) shadow(userID int64) (domain.UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.shadows[userID]
	return record, ok
}

func (s *StateStore) keepShadow(record domain.UserRecord) {
	s.mu.Lock()
	s.shadows[record.UserID] = record
	s.mu.Unlock()
}

func (s *StateStore) dropShadow(userID int64) {
	s.mu.Lock()
	delete(s.shadows, userID)
	s.mu.Unlock()
}
