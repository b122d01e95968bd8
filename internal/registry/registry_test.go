package registry_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-diagram/internal/domain"
	"collaborative-diagram/internal/registry"
)

// fakeClock lets tests drive idle thresholds, lock TTLs, and eviction grace
// without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func identity(userID string) domain.Identity {
	return domain.Identity{UserID: userID, Username: "name-" + userID, Color: "#336699"}
}

func newRegistry(t *testing.T, cfg registry.Config) (*registry.RoomRegistry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg.Clock = clock.Now
	return registry.NewRoomRegistry(cfg), clock
}

func TestJoinLeaveLeavesNoTrace(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})

	users := []string{"u1", "u2", "u3"}
	for _, u := range users {
		snapshot := reg.JoinRoom("r1", identity(u))
		require.NotNil(t, snapshot)
	}
	assert.Len(t, reg.GetRoomUsers("r1"), 3)

	for _, u := range users {
		_, err := reg.RemoveUser("r1", u)
		require.NoError(t, err)
	}

	assert.Empty(t, reg.GetRoomUsers("r1"))
	for _, u := range users {
		assert.False(t, reg.HasMember("r1", u), "departed user %s must be unreachable", u)
	}
}

func TestLockMutualExclusionUnderContention(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	const contenders = 16

	for i := 0; i < contenders; i++ {
		reg.JoinRoom("r1", identity(fmt.Sprintf("u%d", i)))
	}

	var wg sync.WaitGroup
	results := make([]domain.LockResult, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := reg.AcquireLock("r1", fmt.Sprintf("u%d", i), "rect-1")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners := 0
	var owner string
	for i, res := range results {
		if res.Success {
			winners++
			owner = fmt.Sprintf("u%d", i)
		}
	}
	require.Equal(t, 1, winners, "exactly one contender may hold the lock")
	for _, res := range results {
		if !res.Success {
			assert.Equal(t, owner, res.LockedBy)
		}
	}
}

func TestConcurrentOwnerReacquireYieldsStableCopies(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))

	// Two same-owner loops renew the record under the room mutex while each
	// caller reads its returned copy outside it.
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				res, lock, err := reg.AcquireLock("r1", "u1", "rect-1")
				assert.NoError(t, err)
				assert.True(t, res.Success)
				if assert.NotNil(t, lock) {
					assert.Equal(t, "rect-1", lock.ElementID)
					assert.Equal(t, "u1", lock.UserID)
					assert.False(t, lock.ExpiresAt.IsZero())
				}
			}
		}()
	}
	wg.Wait()
}

func TestLockReacquireIsIdempotent(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))

	res, _, err := reg.AcquireLock("r1", "u1", "rect-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, _, err = reg.AcquireLock("r1", "u1", "rect-1")
	require.NoError(t, err)
	assert.True(t, res.Success, "owner re-acquire must succeed")

	snapshot := reg.JoinRoom("r1", identity("u2"))
	assert.Len(t, snapshot.Locks, 1, "no duplicate lock record")
}

func TestLockContentionAndDisconnectHandoff(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))
	reg.JoinRoom("r1", identity("u2"))

	res, _, err := reg.AcquireLock("r1", "u1", "rect-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, _, err = reg.AcquireLock("r1", "u2", "rect-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "u1", res.LockedBy)

	_, err = reg.RemoveUser("r1", "u1")
	require.NoError(t, err)

	res, _, err = reg.AcquireLock("r1", "u2", "rect-1")
	require.NoError(t, err)
	assert.True(t, res.Success, "disconnect must free the element for the next claimant")
}

func action(id, actionType string, after string) domain.UndoAction {
	return domain.UndoAction{
		ActionID:   id,
		ActionType: actionType,
		ElementID:  "e1",
		AfterState: json.RawMessage(after),
	}
}

func TestUndoRedoStackWalk(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))

	require.NoError(t, reg.RecordAction("r1", "u1", action("a1", "create", `{"v":1}`)))
	require.NoError(t, reg.RecordAction("r1", "u1", action("a2", "move", `{"v":2}`)))
	require.NoError(t, reg.RecordAction("r1", "u1", action("a3", "recolor", `{"v":3}`)))

	_, err := reg.Undo("r1", "u1")
	require.NoError(t, err)
	_, err = reg.Undo("r1", "u1")
	require.NoError(t, err)

	info := reg.Stacks("r1", "u1")
	assert.Equal(t, 1, info.UndoStackSize)
	assert.Equal(t, 2, info.RedoStackSize)
	assert.True(t, info.CanUndo)
	assert.True(t, info.CanRedo)

	redone, err := reg.Redo("r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "a2", redone.ActionID)
	assert.JSONEq(t, `{"v":2}`, string(redone.AfterState))

	info = reg.Stacks("r1", "u1")
	assert.Equal(t, 2, info.UndoStackSize)
	assert.Equal(t, 1, info.RedoStackSize)
}

func TestUndoIsolationBetweenUsers(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))
	reg.JoinRoom("r1", identity("u2"))

	require.NoError(t, reg.RecordAction("r1", "u1", action("a1", "create", `{"v":1}`)))
	require.NoError(t, reg.RecordAction("r1", "u2", action("b1", "create", `{"v":10}`)))
	require.NoError(t, reg.RecordAction("r1", "u2", action("b2", "move", `{"v":11}`)))

	undone, err := reg.Undo("r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "a1", undone.ActionID)

	info := reg.Stacks("r1", "u2")
	assert.Equal(t, 2, info.UndoStackSize, "u2's history must be untouched by u1's undo")
	assert.Equal(t, 0, info.RedoStackSize)
}

func TestUndoEmptyStackIsHarmless(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))

	_, err := reg.Undo("r1", "u1")
	assert.ErrorIs(t, err, registry.ErrEmptyStack)
	_, err = reg.Redo("r1", "u1")
	assert.ErrorIs(t, err, registry.ErrEmptyStack)
}

func TestRecordActionClearsRedo(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))

	require.NoError(t, reg.RecordAction("r1", "u1", action("a1", "create", `{"v":1}`)))
	require.NoError(t, reg.RecordAction("r1", "u1", action("a2", "move", `{"v":2}`)))
	_, err := reg.Undo("r1", "u1")
	require.NoError(t, err)
	require.NoError(t, reg.RecordAction("r1", "u1", action("a3", "resize", `{"v":3}`)))

	info := reg.Stacks("r1", "u1")
	assert.Equal(t, 2, info.UndoStackSize)
	assert.Equal(t, 0, info.RedoStackSize, "a new action forks history and clears redo")
}

func TestCleanupPlanOrder(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))
	reg.JoinRoom("r1", identity("u2"))

	_, _, err := reg.AcquireLock("r1", "u1", "rect-1")
	require.NoError(t, err)
	_, _, err = reg.AcquireLock("r1", "u1", "rect-2")
	require.NoError(t, err)

	plan, err := reg.RemoveUser("r1", "u1")
	require.NoError(t, err)
	require.Len(t, plan, 4)

	assert.Equal(t, domain.EventCursorRemoved, plan[0].Event)
	assert.Equal(t, domain.EventElementUnlocked, plan[1].Event)
	assert.Equal(t, domain.EventElementUnlocked, plan[2].Event)
	assert.Equal(t, domain.EventUserLeft, plan[3].Event)
	for _, env := range plan {
		assert.Equal(t, "r1", env.Room)
		assert.Equal(t, "u1", env.UserID)
	}

	res, _, err := reg.AcquireLock("r1", "u2", "rect-1")
	require.NoError(t, err)
	assert.True(t, res.Success, "released locks must be claimable immediately")
}

func TestIdleSweepMarksAway(t *testing.T) {
	reg, clock := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))
	reg.JoinRoom("r1", identity("u2"))

	// u2 stays active, u1 goes idle.
	clock.Advance(6 * time.Minute)
	_, err := reg.UpdateCursor("r1", "u2", 10, 20)
	require.NoError(t, err)

	events := reg.SweepIdle(5 * time.Minute)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPresenceUpdate, events[0].Event)

	var p domain.UserPresence
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, domain.PresenceAway, p.Status)

	// Already away: no redundant broadcast on the next sweep.
	assert.Empty(t, reg.SweepIdle(5*time.Minute))

	// Activity promotes back to online and reports it.
	promoted, err := reg.UpdateCursor("r1", "u1", 1, 2)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, domain.PresenceOnline, promoted.Status)
}

func TestStaleLockExpiry(t *testing.T) {
	reg, clock := newRegistry(t, registry.Config{LockTTL: 30 * time.Second})
	reg.JoinRoom("r1", identity("u1"))
	reg.JoinRoom("r1", identity("u2"))

	res, _, err := reg.AcquireLock("r1", "u1", "rect-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Empty(t, reg.ExpireStaleLocks(), "fresh lock must survive the sweep")

	clock.Advance(31 * time.Second)
	events := reg.ExpireStaleLocks()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventElementUnlocked, events[0].Event)

	var payload domain.ElementUnlockedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "rect-1", payload.ElementID)
	assert.Equal(t, "u1", payload.UserID)
	assert.True(t, payload.Expired)

	res, _, err = reg.AcquireLock("r1", "u2", "rect-1")
	require.NoError(t, err)
	assert.True(t, res.Success, "expired element must be claimable")
}

func TestHeartbeatRenewsOwnedLocks(t *testing.T) {
	reg, clock := newRegistry(t, registry.Config{LockTTL: 30 * time.Second})
	reg.JoinRoom("r1", identity("u1"))

	_, _, err := reg.AcquireLock("r1", "u1", "rect-1")
	require.NoError(t, err)

	clock.Advance(25 * time.Second)
	renewed, _, err := reg.Heartbeat("r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rect-1"}, renewed)

	clock.Advance(20 * time.Second)
	assert.Empty(t, reg.ExpireStaleLocks(), "renewed lock must outlive the original TTL")
}

func TestEmptyRoomEvictionGrace(t *testing.T) {
	reg, clock := newRegistry(t, registry.Config{EvictionGrace: time.Minute})
	reg.JoinRoom("r1", identity("u1"))
	_, err := reg.RemoveUser("r1", "u1")
	require.NoError(t, err)

	assert.Empty(t, reg.EvictEmptyRooms(), "grace period must delay eviction")

	// A reconnect inside the grace keeps the room alive.
	reg.JoinRoom("r1", identity("u1"))
	clock.Advance(2 * time.Minute)
	assert.Empty(t, reg.EvictEmptyRooms())

	_, err = reg.RemoveUser("r1", "u1")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"r1"}, reg.EvictEmptyRooms())
	assert.Zero(t, reg.RoomCount())
}

func TestMissingRoomYieldsEmptyDiagnostics(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})

	assert.Empty(t, reg.GetRoomUsers("ghost"))
	assert.Empty(t, reg.Activity("ghost"))
	assert.Empty(t, reg.ConnectionQuality("ghost"))
	info := reg.Stacks("ghost", "u1")
	assert.Zero(t, info.UndoStackSize)
	assert.False(t, info.CanUndo)
}

func TestConnectionQualityClassification(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{})
	reg.JoinRoom("r1", identity("u1"))

	for i := 0; i < 12; i++ {
		reg.RecordLatency("r1", "u1", 40)
	}
	quality := reg.ConnectionQuality("r1")
	require.Len(t, quality, 1)
	assert.Equal(t, domain.QualityExcellent, quality[0].Quality)

	// The rolling window forgets old samples.
	for i := 0; i < 10; i++ {
		reg.RecordLatency("r1", "u1", 400)
	}
	quality = reg.ConnectionQuality("r1")
	require.Len(t, quality, 1)
	assert.Equal(t, domain.QualityPoor, quality[0].Quality)
}
