package registry

import (
	"time"

	"collaborative-diagram/internal/domain"
)

// presenceStore holds the presence records of one room. It is not safe for
// concurrent use on its own; the owning roomState serializes access.
type presenceStore struct {
	users map[string]*domain.UserPresence
}

func newPresenceStore() *presenceStore {
	return &presenceStore{users: make(map[string]*domain.UserPresence)}
}

// upsert creates or refreshes a presence record for a joining user. A re-join
// keeps the existing cursor and selection but resets status to online.
func (s *presenceStore) upsert(id domain.Identity, now time.Time) *domain.UserPresence {
	p, ok := s.users[id.UserID]
	if !ok {
		p = &domain.UserPresence{UserID: id.UserID}
		s.users[id.UserID] = p
	}
	p.Username = id.Username
	p.Email = id.Email
	p.Color = id.Color
	p.Status = domain.PresenceOnline
	p.LastActive = now
	return p
}

func (s *presenceStore) get(userID string) (*domain.UserPresence, bool) {
	p, ok := s.users[userID]
	return p, ok
}

func (s *presenceStore) remove(userID string) bool {
	if _, ok := s.users[userID]; !ok {
		return false
	}
	delete(s.users, userID)
	return true
}

// list returns clones, safe to use after the room lock is released.
func (s *presenceStore) list() []*domain.UserPresence {
	out := make([]*domain.UserPresence, 0, len(s.users))
	for _, p := range s.users {
		out = append(out, p.Clone())
	}
	return out
}

func (s *presenceStore) len() int { return len(s.users) }

// touch refreshes activity and reports whether the user was promoted back to
// online from away (the caller broadcasts a presence_update when true).
func (s *presenceStore) touch(userID string, now time.Time) (promoted bool) {
	p, ok := s.users[userID]
	if !ok {
		return false
	}
	p.LastActive = now
	if p.Status == domain.PresenceAway {
		p.Status = domain.PresenceOnline
		return true
	}
	return false
}

// markIdleAway transitions online users idle past threshold to away and
// returns their clones. Users already away or offline are skipped so the
// monitor never emits redundant broadcasts and never demotes away to offline.
func (s *presenceStore) markIdleAway(threshold time.Duration, now time.Time) []*domain.UserPresence {
	var changed []*domain.UserPresence
	for _, p := range s.users {
		if p.Status != domain.PresenceOnline {
			continue
		}
		if now.Sub(p.LastActive) < threshold {
			continue
		}
		p.Status = domain.PresenceAway
		changed = append(changed, p.Clone())
	}
	return changed
}
