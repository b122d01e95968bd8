package registry

import (
	"time"

	"collaborative-diagram/internal/domain"
)

// lockManager holds one room's element locks. Access is serialized by the
// owning roomState. It is the strict mutual-exclusion authority for the local
// instance; cross-instance claims are mirrored through the StateRepository.
type lockManager struct {
	locks map[string]*domain.ElementLock
	ttl   time.Duration
}

func newLockManager(ttl time.Duration) *lockManager {
	return &lockManager{locks: make(map[string]*domain.ElementLock), ttl: ttl}
}

// acquire grants an exclusive claim. Re-acquisition by the current owner is an
// idempotent success that renews the TTL; no duplicate record is created.
func (m *lockManager) acquire(elementID, userID string, now time.Time) (domain.LockResult, *domain.ElementLock) {
	if l, ok := m.locks[elementID]; ok && !l.ExpiredAt(now) {
		if l.UserID == userID {
			l.ExpiresAt = now.Add(m.ttl)
			return domain.LockResult{Success: true}, l
		}
		return domain.LockResult{Success: false, LockedBy: l.UserID}, nil
	}
	l := &domain.ElementLock{
		ElementID:  elementID,
		UserID:     userID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	m.locks[elementID] = l
	return domain.LockResult{Success: true}, l
}

// release removes the claim only if the caller owns it. A stale client
// releasing someone else's lock is a silent no-op.
func (m *lockManager) release(elementID, userID string) bool {
	l, ok := m.locks[elementID]
	if !ok || l.UserID != userID {
		return false
	}
	delete(m.locks, elementID)
	return true
}

// expire removes the claim unconditionally (owner disconnect or TTL lapse).
func (m *lockManager) expire(elementID string) *domain.ElementLock {
	l, ok := m.locks[elementID]
	if !ok {
		return nil
	}
	delete(m.locks, elementID)
	return l
}

// renewOwnedBy extends the TTL of every lock held by the user and returns
// the renewed element ids.
func (m *lockManager) renewOwnedBy(userID string, now time.Time) []string {
	var renewed []string
	for id, l := range m.locks {
		if l.UserID == userID {
			l.ExpiresAt = now.Add(m.ttl)
			renewed = append(renewed, id)
		}
	}
	return renewed
}

// releaseOwnedBy removes every lock held by the user and returns them.
func (m *lockManager) releaseOwnedBy(userID string) []*domain.ElementLock {
	var released []*domain.ElementLock
	for id, l := range m.locks {
		if l.UserID == userID {
			released = append(released, l)
			delete(m.locks, id)
		}
	}
	return released
}

// stale returns locks whose TTL lapsed without removing them.
func (m *lockManager) stale(now time.Time) []*domain.ElementLock {
	var out []*domain.ElementLock
	for _, l := range m.locks {
		if l.ExpiredAt(now) {
			out = append(out, l)
		}
	}
	return out
}

func (m *lockManager) owner(elementID string) (string, bool) {
	l, ok := m.locks[elementID]
	if !ok {
		return "", false
	}
	return l.UserID, true
}

func (m *lockManager) list() []*domain.ElementLock {
	out := make([]*domain.ElementLock, 0, len(m.locks))
	for _, l := range m.locks {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

// apply mirrors a lock observed on the fanout bus from another instance.
func (m *lockManager) apply(l domain.ElementLock) {
	cp := l
	m.locks[l.ElementID] = &cp
}
