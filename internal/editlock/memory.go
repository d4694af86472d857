package editlock

import (
	"context"
	"sync"
	"time"
)

// MemoryManager is the single-process lock table: a map guarded by one
// mutex, with an injectable clock for expiry tests. The mutex makes
// check-and-grant atomic, so two concurrent Acquire calls can never both
// observe "no lock held".
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]Lock
	now   func() time.Time
}

// NewMemoryManager creates an empty in-memory lock table.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]Lock),
		now:   time.Now,
	}
}

// WithClock substitutes the time source. Test hook.
func (m *MemoryManager) WithClock(now func() time.Time) *MemoryManager {
	m.now = now
	return m
}

func (m *MemoryManager) Acquire(_ context.Context, lineItemID, userID string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.locks[lineItemID]; ok && existing.ExpiresAt.After(now) {
		if existing.HolderID != userID {
			return Lock{}, &HeldError{HolderID: existing.HolderID, ExpiresAt: existing.ExpiresAt}
		}
		// Re-entrant: the holder re-acquiring refreshes the TTL.
		existing.ExpiresAt = now.Add(ttl)
		m.locks[lineItemID] = existing
		return existing, nil
	}

	// No live lock; an expired entry is silently reclaimed.
	lock := Lock{
		LineItemID: lineItemID,
		HolderID:   userID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[lineItemID] = lock
	return lock, nil
}

func (m *MemoryManager) Release(_ context.Context, lineItemID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[lineItemID]
	if !ok || existing.HolderID != userID {
		return ErrNotHolder
	}
	delete(m.locks, lineItemID)
	return nil
}

func (m *MemoryManager) Renew(_ context.Context, lineItemID, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[lineItemID]
	if !ok {
		return ErrNotHolder
	}
	if existing.HolderID != userID {
		return ErrNotHolder
	}
	if !existing.ExpiresAt.After(m.now()) {
		return ErrLockExpired
	}
	existing.ExpiresAt = m.now().Add(ttl)
	m.locks[lineItemID] = existing
	return nil
}

func (m *MemoryManager) Get(_ context.Context, lineItemID string) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[lineItemID]
	if !ok || !existing.ExpiresAt.After(m.now()) {
		return Lock{}, false, nil
	}
	return existing, true, nil
}

func (m *MemoryManager) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	reclaimed := 0
	for id, lock := range m.locks {
		if !lock.ExpiresAt.After(now) {
			delete(m.locks, id)
			reclaimed++
		}
	}
	return reclaimed, nil
}
