package arealock

import (
	"context"
	"sync"

	"github.com/fentz26/conductor/internal/models"
)

// LockTable holds at most one lock per area. Acquire is a compare-and-swap:
// it succeeds only when the area is free. Update and release only apply
// while initiativeID still holds the lock. *store.Store implements it for
// deployments where several dispatchers share one database.
type LockTable interface {
	AcquireAreaLock(ctx context.Context, lock models.AreaLock) (bool, error)
	UpdateAreaLockReason(ctx context.Context, areaID, initiativeID string, reason models.LockReason) (bool, error)
	ReleaseAreaLock(ctx context.Context, areaID, initiativeID string) (bool, error)
	GetAreaLock(ctx context.Context, areaID string) (*models.AreaLock, error)
}

// MemoryLocks is an in-process LockTable.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[string]models.AreaLock
}

// NewMemoryLocks creates an empty lock table.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{locks: make(map[string]models.AreaLock)}
}

func (m *MemoryLocks) AcquireAreaLock(_ context.Context, lock models.AreaLock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[lock.AreaID]; held {
		return false, nil
	}
	m.locks[lock.AreaID] = lock
	return true, nil
}

func (m *MemoryLocks) UpdateAreaLockReason(_ context.Context, areaID, initiativeID string, reason models.LockReason) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, held := m.locks[areaID]
	if !held || lock.InitiativeID != initiativeID {
		return false, nil
	}
	lock.Reason = reason
	m.locks[areaID] = lock
	return true, nil
}

func (m *MemoryLocks) ReleaseAreaLock(_ context.Context, areaID, initiativeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, held := m.locks[areaID]
	if !held || lock.InitiativeID != initiativeID {
		return false, nil
	}
	delete(m.locks, areaID)
	return true, nil
}

func (m *MemoryLocks) GetAreaLock(_ context.Context, areaID string) (*models.AreaLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, held := m.locks[areaID]
	if !held {
		return nil, nil
	}
	return &lock, nil
}
