package domain

import "time"

// ElementLock is an exclusive, TTL-bounded edit claim on one diagram element.
type ElementLock struct {
	ElementID  string    `json:"element_id"`
	UserID     string    `json:"user_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the lock's TTL has lapsed at the given instant.
func (l *ElementLock) ExpiredAt(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockResult is the outcome of a lock attempt. Contention is a normal result,
// not an error: the caller decides whether to retry or notify the user.
type LockResult struct {
	Success  bool   `json:"success"`
	LockedBy string `json:"locked_by,omitempty"`
}
