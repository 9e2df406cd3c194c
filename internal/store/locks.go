package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fentz26/conductor/internal/models"
)

// --- Area Lock Operations ---

// AcquireAreaLock inserts the lock row for an area. The area_id primary key
// makes this a compare-and-swap: when a row already exists the insert is
// ignored and acquired is false, whichever instance got there first wins.
func (s *Store) AcquireAreaLock(ctx context.Context, lock models.AreaLock) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO area_locks (area_id, initiative_id, lock_reason, acquired_at) VALUES (?, ?, ?, ?)`,
		lock.AreaID, lock.InitiativeID, lock.Reason, lock.AcquiredAt,
	)
	if err != nil {
		// Check if this is a UNIQUE constraint violation (race condition)
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return false, nil
		}
		return false, fmt.Errorf("insert area lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateAreaLockReason changes the reason of a lock held by initiativeID.
func (s *Store) UpdateAreaLockReason(ctx context.Context, areaID, initiativeID string, reason models.LockReason) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE area_locks SET lock_reason = ? WHERE area_id = ? AND initiative_id = ?`,
		reason, areaID, initiativeID,
	)
	if err != nil {
		return false, fmt.Errorf("update area lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseAreaLock deletes the lock only if initiativeID still holds it.
func (s *Store) ReleaseAreaLock(ctx context.Context, areaID, initiativeID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM area_locks WHERE area_id = ? AND initiative_id = ?`,
		areaID, initiativeID,
	)
	if err != nil {
		return false, fmt.Errorf("delete area lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// GetAreaLock returns the lock for an area, or nil when the area is free.
func (s *Store) GetAreaLock(ctx context.Context, areaID string) (*models.AreaLock, error) {
	lock := &models.AreaLock{}
	err := s.db.QueryRowContext(ctx,
		`SELECT area_id, initiative_id, lock_reason, acquired_at FROM area_locks WHERE area_id = ?`,
		areaID,
	).Scan(&lock.AreaID, &lock.InitiativeID, &lock.Reason, &lock.AcquiredAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query area lock: %w", err)
	}
	return lock, nil
}
