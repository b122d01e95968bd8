// Package registry owns all in-memory room state: membership, presence,
// element locks, per-user undo history, the activity feed, and connection
// quality samples. Rooms form an arena keyed by room id; every relation is an
// id lookup through the registry, never a back-pointer. All mutations for one
// room are serialized by that room's mutex while distinct rooms proceed fully
// in parallel.
package registry

import (
	"sync"
	"time"

	"collaborative-diagram/internal/domain"
)

// ConflictPolicy names the resolution applied when a user's undo touches an
// element another user has modified since.
type ConflictPolicy string

// ConflictLastWriteWins replays the undo state unconditionally; whoever
// writes last wins. This is a documented tradeoff, not hidden behavior.
const ConflictLastWriteWins ConflictPolicy = "last_write_wins"

// Config tunes the registry. Zero values get sensible defaults.
type Config struct {
	LockTTL        time.Duration
	UndoDepth      int
	ActivityDepth  int
	EvictionGrace  time.Duration
	ConflictPolicy ConflictPolicy
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.UndoDepth <= 0 {
		c.UndoDepth = 50
	}
	if c.ActivityDepth <= 0 {
		c.ActivityDepth = 200
	}
	if c.EvictionGrace <= 0 {
		c.EvictionGrace = time.Minute
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = ConflictLastWriteWins
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// RoomRegistry is the arena of live rooms. It is constructed once at startup
// and injected into the gateway and background monitors.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	cfg   Config
	now   func() time.Time
}

type roomState struct {
	mu         sync.Mutex
	id         string
	createdAt  time.Time
	emptySince time.Time // zero while occupied

	presence *presenceStore
	locks    *lockManager
	undo     *undoStacks
	activity *activityFeed
	quality  map[string]*latencyAverage
}

// RoomInfo is the diagnostic summary of one room.
type RoomInfo struct {
	RoomID    string    `json:"room_id"`
	UserCount int       `json:"user_count"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomSnapshot is the consistent view returned to a joining client.
type RoomSnapshot struct {
	RoomID    string                 `json:"room"`
	CreatedAt time.Time              `json:"created_at"`
	Users     []*domain.UserPresence `json:"users"`
	Locks     []*domain.ElementLock  `json:"locks"`
}

func NewRoomRegistry(cfg Config) *RoomRegistry {
	cfg = cfg.withDefaults()
	return &RoomRegistry{
		rooms: make(map[string]*roomState),
		cfg:   cfg,
		now:   cfg.Clock,
	}
}

func (r *RoomRegistry) newRoomState(roomID string) *roomState {
	return &roomState{
		id:        roomID,
		createdAt: r.now(),
		presence:  newPresenceStore(),
		locks:     newLockManager(r.cfg.LockTTL),
		undo:      newUndoStacks(r.cfg.UndoDepth),
		activity:  newActivityFeed(r.cfg.ActivityDepth),
		quality:   make(map[string]*latencyAverage),
	}
}

func (r *RoomRegistry) room(roomID string) (*roomState, bool) {
	r.mu.RLock()
	rs, ok := r.rooms[roomID]
	r.mu.RUnlock()
	return rs, ok
}

func (r *RoomRegistry) roomOrCreate(roomID string) *roomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = r.newRoomState(roomID)
		r.rooms[roomID] = rs
	}
	return rs
}

// withRoom runs fn inside the room's serialized section. Missing rooms yield
// ErrRoomNotFound so callers can decide between error and empty result.
func (r *RoomRegistry) withRoom(roomID string, fn func(*roomState) error) error {
	rs, ok := r.room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return fn(rs)
}

// JoinRoom adds the user as a member, creating the room on first join, and
// returns a consistent snapshot taken in the same serialized section.
func (r *RoomRegistry) JoinRoom(roomID string, id domain.Identity) *RoomSnapshot {
	rs := r.roomOrCreate(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.presence.upsert(id, r.now())
	rs.emptySince = time.Time{}
	return &RoomSnapshot{
		RoomID:    roomID,
		CreatedAt: rs.createdAt,
		Users:     rs.presence.list(),
		Locks:     rs.locks.list(),
	}
}

// GetRoomUsers returns the current members. Rooms that no longer exist yield
// an empty list, not an error: emptiness races with diagnostic polling.
func (r *RoomRegistry) GetRoomUsers(roomID string) []*domain.UserPresence {
	users := []*domain.UserPresence{}
	_ = r.withRoom(roomID, func(rs *roomState) error {
		users = rs.presence.list()
		return nil
	})
	return users
}

func (r *RoomRegistry) HasMember(roomID, userID string) bool {
	member := false
	_ = r.withRoom(roomID, func(rs *roomState) error {
		_, member = rs.presence.get(userID)
		return nil
	})
	return member
}

func (r *RoomRegistry) ListRooms() []RoomInfo {
	r.mu.RLock()
	states := make([]*roomState, 0, len(r.rooms))
	for _, rs := range r.rooms {
		states = append(states, rs)
	}
	r.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		infos = append(infos, RoomInfo{RoomID: rs.id, UserCount: rs.presence.len(), CreatedAt: rs.createdAt})
		rs.mu.Unlock()
	}
	return infos
}

func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// UpdateCursor moves the member's cursor. The returned presence is non-nil
// only when the activity promoted the user from away back to online.
func (r *RoomRegistry) UpdateCursor(roomID, userID string, x, y float64) (*domain.UserPresence, error) {
	return r.touchWith(roomID, userID, func(p *domain.UserPresence) {
		p.Cursor = &domain.CursorPosition{X: x, Y: y}
	})
}

// SetTyping flips the typing indicator.
func (r *RoomRegistry) SetTyping(roomID, userID string, typing bool) (*domain.UserPresence, error) {
	return r.touchWith(roomID, userID, func(p *domain.UserPresence) {
		p.IsTyping = typing
	})
}

// SetSelection replaces the member's selected and active elements.
func (r *RoomRegistry) SetSelection(roomID, userID string, selected []string, active string) (*domain.UserPresence, error) {
	return r.touchWith(roomID, userID, func(p *domain.UserPresence) {
		p.SelectedElements = append([]string(nil), selected...)
		p.ActiveElement = active
	})
}

// Heartbeat refreshes activity and renews the TTL of every lock the member
// holds, so an active editor's claims never expire out from under them. It
// returns the renewed element ids (for cross-instance TTL renewal) and the
// presence clone when the user was promoted back to online.
func (r *RoomRegistry) Heartbeat(roomID, userID string) ([]string, *domain.UserPresence, error) {
	var promoted *domain.UserPresence
	var renewed []string
	err := r.withRoom(roomID, func(rs *roomState) error {
		p, ok := rs.presence.get(userID)
		if !ok {
			return ErrNotMember
		}
		if rs.presence.touch(userID, r.now()) {
			promoted = p.Clone()
		}
		renewed = rs.locks.renewOwnedBy(userID, r.now())
		return nil
	})
	return renewed, promoted, err
}

func (r *RoomRegistry) touchWith(roomID, userID string, mutate func(*domain.UserPresence)) (*domain.UserPresence, error) {
	var promoted *domain.UserPresence
	err := r.withRoom(roomID, func(rs *roomState) error {
		p, ok := rs.presence.get(userID)
		if !ok {
			return ErrNotMember
		}
		mutate(p)
		if rs.presence.touch(userID, r.now()) {
			promoted = p.Clone()
		}
		return nil
	})
	return promoted, err
}

// AcquireLock claims exclusive edit access on the element for the member.
func (r *RoomRegistry) AcquireLock(roomID, userID, elementID string) (domain.LockResult, *domain.ElementLock, error) {
	var res domain.LockResult
	var lock *domain.ElementLock
	err := r.withRoom(roomID, func(rs *roomState) error {
		if _, ok := rs.presence.get(userID); !ok {
			return ErrNotMember
		}
		var granted *domain.ElementLock
		res, granted = rs.locks.acquire(elementID, userID, r.now())
		if granted != nil {
			// Copy inside the serialized section; the manager's record keeps
			// mutating under re-acquires and heartbeat renewals.
			cp := *granted
			lock = &cp
		}
		rs.presence.touch(userID, r.now())
		return nil
	})
	return res, lock, err
}

// ReleaseLock releases the element if the caller owns it; otherwise a no-op.
func (r *RoomRegistry) ReleaseLock(roomID, userID, elementID string) (bool, error) {
	released := false
	err := r.withRoom(roomID, func(rs *roomState) error {
		released = rs.locks.release(elementID, userID)
		return nil
	})
	return released, err
}

// RecordAction appends to the member's private history.
func (r *RoomRegistry) RecordAction(roomID, userID string, action domain.UndoAction) error {
	return r.withRoom(roomID, func(rs *roomState) error {
		if _, ok := rs.presence.get(userID); !ok {
			return ErrNotMember
		}
		rs.undo.record(userID, action)
		rs.presence.touch(userID, r.now())
		return nil
	})
}

// Undo pops the member's newest action. Conflicts with other users' later
// edits resolve per the configured policy (last-write-wins).
func (r *RoomRegistry) Undo(roomID, userID string) (domain.UndoAction, error) {
	var action domain.UndoAction
	err := r.withRoom(roomID, func(rs *roomState) error {
		var err error
		action, err = rs.undo.undo(userID)
		return err
	})
	return action, err
}

func (r *RoomRegistry) Redo(roomID, userID string) (domain.UndoAction, error) {
	var action domain.UndoAction
	err := r.withRoom(roomID, func(rs *roomState) error {
		var err error
		action, err = rs.undo.redo(userID)
		return err
	})
	return action, err
}

// Stacks reports stack sizes; missing rooms or users yield zeros.
func (r *RoomRegistry) Stacks(roomID, userID string) domain.StackInfo {
	var info domain.StackInfo
	_ = r.withRoom(roomID, func(rs *roomState) error {
		info = rs.undo.info(userID)
		return nil
	})
	return info
}

// RecordActivity appends to the room's diagnostic feed. Events for rooms that
// no longer exist are dropped.
func (r *RoomRegistry) RecordActivity(roomID string, e domain.ActivityEvent) {
	_ = r.withRoom(roomID, func(rs *roomState) error {
		if e.Timestamp.IsZero() {
			e.Timestamp = r.now()
		}
		rs.activity.append(e)
		return nil
	})
}

func (r *RoomRegistry) Activity(roomID string) []domain.ActivityEvent {
	events := []domain.ActivityEvent{}
	_ = r.withRoom(roomID, func(rs *roomState) error {
		events = rs.activity.list()
		return nil
	})
	return events
}

// RecordLatency feeds one round-trip sample into the member's rolling average.
func (r *RoomRegistry) RecordLatency(roomID, userID string, ms float64) {
	_ = r.withRoom(roomID, func(rs *roomState) error {
		avg, ok := rs.quality[userID]
		if !ok {
			avg = &latencyAverage{}
			rs.quality[userID] = avg
		}
		avg.add(ms)
		return nil
	})
}

// ConnectionQuality reports the rolling average and tier per current member.
func (r *RoomRegistry) ConnectionQuality(roomID string) []domain.ConnectionQuality {
	out := []domain.ConnectionQuality{}
	_ = r.withRoom(roomID, func(rs *roomState) error {
		for userID, avg := range rs.quality {
			out = append(out, avg.quality(userID))
		}
		return nil
	})
	return out
}

// SweepIdle transitions idle online members to away across all rooms and
// returns the presence_update events to broadcast. It never demotes away
// members to offline; only disconnect does that.
func (r *RoomRegistry) SweepIdle(threshold time.Duration) []domain.Envelope {
	var events []domain.Envelope
	for _, rs := range r.snapshotRooms() {
		rs.mu.Lock()
		changed := rs.presence.markIdleAway(threshold, r.now())
		rs.mu.Unlock()
		for _, p := range changed {
			events = append(events, domain.NewEnvelope(domain.EventPresenceUpdate, rs.id, p.UserID, p))
		}
	}
	return events
}

// ExpireStaleLocks drops TTL-lapsed locks across all rooms and returns the
// element_unlocked events to broadcast. A crashed client can therefore never
// deadlock an element.
func (r *RoomRegistry) ExpireStaleLocks() []domain.Envelope {
	var events []domain.Envelope
	for _, rs := range r.snapshotRooms() {
		rs.mu.Lock()
		for _, l := range rs.locks.stale(r.now()) {
			rs.locks.expire(l.ElementID)
			events = append(events, domain.NewEnvelope(domain.EventElementUnlocked, rs.id, l.UserID,
				domain.ElementUnlockedPayload{ElementID: l.ElementID, UserID: l.UserID, Expired: true}))
		}
		rs.mu.Unlock()
	}
	return events
}

// EvictEmptyRooms deletes rooms that have been empty longer than the grace
// period and returns their ids. The grace tolerates transient reconnects.
func (r *RoomRegistry) EvictEmptyRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	now := r.now()
	for id, rs := range r.rooms {
		rs.mu.Lock()
		empty := rs.presence.len() == 0 && !rs.emptySince.IsZero() && now.Sub(rs.emptySince) >= r.cfg.EvictionGrace
		rs.mu.Unlock()
		if empty {
			delete(r.rooms, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *RoomRegistry) snapshotRooms() []*roomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]*roomState, 0, len(r.rooms))
	for _, rs := range r.rooms {
		states = append(states, rs)
	}
	return states
}
