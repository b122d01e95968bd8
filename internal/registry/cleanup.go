package registry

import (
	"time"

	"collaborative-diagram/internal/domain"
)

// RemoveUser performs the full departure cleanup for a leaving or disconnected
// member as one atomic step under the room lock: membership and presence are
// removed, every owned lock is released, and the private undo history and
// quality samples are dropped. No other event for the room can observe a
// half-cleaned state. The returned events are ordered cursor_removed,
// element_unlocked (one per released lock), user_left; emitting each is
// best-effort for the caller.
func (r *RoomRegistry) RemoveUser(roomID, userID string) ([]domain.Envelope, error) {
	var plan []domain.Envelope
	err := r.withRoom(roomID, func(rs *roomState) error {
		p, ok := rs.presence.get(userID)
		if !ok {
			return ErrNotMember
		}
		departed := p.Clone()
		rs.presence.remove(userID)
		released := rs.locks.releaseOwnedBy(userID)
		rs.undo.drop(userID)
		delete(rs.quality, userID)
		if rs.presence.len() == 0 {
			rs.emptySince = r.now()
		}
		plan = buildCleanupPlan(roomID, departed, released)
		return nil
	})
	return plan, err
}

// buildCleanupPlan is pure: it maps "what changed" to the ordered events to
// emit, so departure logic is testable without a live socket.
func buildCleanupPlan(roomID string, departed *domain.UserPresence, released []*domain.ElementLock) []domain.Envelope {
	plan := make([]domain.Envelope, 0, len(released)+2)
	plan = append(plan, domain.NewEnvelope(domain.EventCursorRemoved, roomID, departed.UserID,
		domain.CursorRemovedPayload{UserID: departed.UserID}))
	for _, l := range released {
		plan = append(plan, domain.NewEnvelope(domain.EventElementUnlocked, roomID, departed.UserID,
			domain.ElementUnlockedPayload{ElementID: l.ElementID, UserID: departed.UserID}))
	}
	plan = append(plan, domain.NewEnvelope(domain.EventUserLeft, roomID, departed.UserID,
		domain.UserLeftPayload{UserID: departed.UserID, Username: departed.Username}))
	return plan
}

// ApplyRemoteJoin mirrors a membership change observed on the fanout bus.
func (r *RoomRegistry) ApplyRemoteJoin(roomID string, p domain.UserPresence) {
	rs := r.roomOrCreate(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cp := p
	if cp.Status == "" {
		cp.Status = domain.PresenceOnline
	}
	if cp.LastActive.IsZero() {
		cp.LastActive = r.now()
	}
	rs.presence.users[cp.UserID] = &cp
	rs.emptySince = time.Time{}
}

// ApplyRemoteLeave mirrors a departure observed on the fanout bus, running
// the same cleanup as a local disconnect but discarding the event plan (the
// originating instance already published it).
func (r *RoomRegistry) ApplyRemoteLeave(roomID, userID string) {
	_, _ = r.RemoveUser(roomID, userID)
}

// ApplyRemotePresence mirrors a presence snapshot observed on the bus.
func (r *RoomRegistry) ApplyRemotePresence(roomID string, p domain.UserPresence) {
	_ = r.withRoom(roomID, func(rs *roomState) error {
		cp := p
		rs.presence.users[cp.UserID] = &cp
		return nil
	})
}

// ApplyRemoteLock mirrors a lock claim observed on the bus.
func (r *RoomRegistry) ApplyRemoteLock(roomID string, l domain.ElementLock) {
	_ = r.withRoom(roomID, func(rs *roomState) error {
		rs.locks.apply(l)
		return nil
	})
}

// ApplyRemoteUnlock mirrors a lock release observed on the bus.
func (r *RoomRegistry) ApplyRemoteUnlock(roomID, elementID string) {
	_ = r.withRoom(roomID, func(rs *roomState) error {
		rs.locks.expire(elementID)
		return nil
	})
}
