// Package editlock grants short-lived exclusive edit locks per line item.
// A lock marks "this user is editing this line"; TTL expiry is the backstop
// against crashed clients, never the normal release path.
package editlock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lock is a granted edit lock.
type Lock struct {
	LineItemID string    `json:"line_item_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

var (
	// ErrNotHolder: release/renew by a user who does not hold the lock.
	ErrNotHolder = errors.New("editlock: not the lock holder")
	// ErrLockExpired: renew of a lock that has already expired.
	ErrLockExpired = errors.New("editlock: lock expired")
)

// HeldError reports that a live lock is held by another user.
type HeldError struct {
	HolderID  string
	ExpiresAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("editlock: held by %s until %s", e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

// IsHeld extracts the HeldError from err, if any.
func IsHeld(err error) (*HeldError, bool) {
	var held *HeldError
	if errors.As(err, &held) {
		return held, true
	}
	return nil, false
}

// Manager is the edit-lock table. Implementations must guarantee that of
// two concurrent Acquire calls for the same line item from different users,
// exactly one succeeds.
type Manager interface {
	// Acquire grants the lock when no live lock exists, or when the
	// requester already holds it (re-entrant; the TTL is refreshed).
	// A live lock held by someone else yields a *HeldError.
	Acquire(ctx context.Context, lineItemID, userID string, ttl time.Duration) (Lock, error)

	// Release drops the lock. ErrNotHolder when held by someone else or
	// not held at all.
	Release(ctx context.Context, lineItemID, userID string) error

	// Renew extends the holder's TTL. ErrLockExpired when the lock already
	// lapsed, ErrNotHolder when held by someone else or absent.
	Renew(ctx context.Context, lineItemID, userID string, ttl time.Duration) error

	// Get returns the live lock for a line item, or ok=false.
	Get(ctx context.Context, lineItemID string) (Lock, bool, error)

	// SweepExpired removes entries past their deadline, returning how many
	// were reclaimed. Idempotent; safe to run concurrently with itself.
	SweepExpired(ctx context.Context) (int, error)
}
