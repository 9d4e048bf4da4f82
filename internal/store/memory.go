package store

import (
	"context"
	"errors"
	"sync"

	"ainexus_bot/internal/domain"
)

// MemoryBackend keeps records in process memory. State is lost on restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[int64]domain.UserRecord
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[int64]domain.UserRecord)}
}

// Get returns the stored record or ErrNotFound.
func (m *MemoryBackend) Get(ctx context.Context, userID int64) (domain.UserRecord, error) {
	if ctx == nil {
		return domain.UserRecord{}, errors.New("context is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[userID]
	if !ok {
		return domain.UserRecord{}, ErrNotFound
	}
	return record, nil
}

// Put stores a copy of record.
func (m *MemoryBackend) Put(ctx context.Context, record domain.UserRecord) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if record.UserID == 0 {
		return errors.New("user_id is required")
	}

	m.mu.Lock()
	m.records[record.UserID] = record
	m.mu.Unlock()
	return nil
}

// CountUsers returns the number of stored records.
func (m *MemoryBackend) CountUsers(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

// CountVerified returns the number of verified users.
func (m *MemoryBackend) CountVerified(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, record := range m.records {
		if record.IsVerified() {
			n++
		}
	}
	return n, nil
}
