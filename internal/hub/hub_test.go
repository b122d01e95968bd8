package hub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-diagram/internal/domain"
	wsHandler "collaborative-diagram/internal/handler/websocket"
	"collaborative-diagram/internal/hub"
	"collaborative-diagram/internal/middleware"
	"collaborative-diagram/internal/registry"
	"collaborative-diagram/internal/repository"
)

// memoryBus is an in-process StateRepository. Two hubs sharing one bus
// behave like two gateway instances behind a load balancer.
type memoryBus struct {
	mu    sync.Mutex
	subs  map[string][]*memorySub
	locks map[string]string // room/element -> owner
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subs: make(map[string][]*memorySub), locks: make(map[string]string)}
}

type memorySub struct {
	bus    *memoryBus
	roomID string
	ch     chan domain.Envelope
	once   sync.Once
}

func (s *memorySub) Events() <-chan domain.Envelope { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.roomID]
		for i, other := range subs {
			if other == s {
				s.bus.subs[s.roomID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *memoryBus) Publish(ctx context.Context, roomID string, env domain.Envelope) error {
	b.mu.Lock()
	subs := append([]*memorySub(nil), b.subs[roomID]...)
	b.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- env:
		default:
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, roomID string) (repository.Subscription, error) {
	s := &memorySub{bus: b, roomID: roomID, ch: make(chan domain.Envelope, 64)}
	b.mu.Lock()
	b.subs[roomID] = append(b.subs[roomID], s)
	b.mu.Unlock()
	return s, nil
}

func (b *memoryBus) AcquireLock(ctx context.Context, roomID, elementID, userID string, ttl time.Duration) (bool, string, error) {
	key := roomID + "/" + elementID
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.locks[key]; ok && owner != userID {
		return false, owner, nil
	}
	b.locks[key] = userID
	return true, userID, nil
}

func (b *memoryBus) RenewLock(ctx context.Context, roomID, elementID, userID string, ttl time.Duration) error {
	return nil
}

func (b *memoryBus) ReleaseLock(ctx context.Context, roomID, elementID, userID string) error {
	key := roomID + "/" + elementID
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locks[key] == userID {
		delete(b.locks, key)
	}
	return nil
}

type gateway struct {
	registry *registry.RoomRegistry
	hub      *hub.Hub
	server   *httptest.Server
}

// newGateway starts one gateway instance on the shared bus. Identity comes
// from the "user" query parameter, standing in for the JWT middleware.
func newGateway(t *testing.T, bus repository.StateRepository) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.NewRoomRegistry(registry.Config{})
	h := hub.NewHub(reg, bus, nil, 30*time.Second)
	socketHandler := wsHandler.NewWebSocketHandler(h)

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		user := c.Query("user")
		c.Set(middleware.IdentityKey, domain.Identity{UserID: user, Username: "name-" + user})
		socketHandler.HandleConnection(c)
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return &gateway{registry: reg, hub: h, server: srv}
}

func (g *gateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws?user=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event, room string, payload interface{}) {
	t.Helper()
	env := domain.Envelope{Event: event, Room: room}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = data
	}
	require.NoError(t, conn.WriteJSON(env))
}

// waitFor reads frames until one matches the wanted event, skipping
// unrelated broadcasts.
func waitFor(t *testing.T, conn *websocket.Conn, event string) domain.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env domain.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %q", event)
		if env.Event == event {
			return env
		}
	}
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	var env domain.Envelope
	err := conn.ReadJSON(&env)
	require.Error(t, err, "expected no frame, got %q", env.Event)
	assert.True(t, strings.Contains(err.Error(), "timeout") || websocket.IsUnexpectedCloseError(err))
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string) domain.Envelope {
	t.Helper()
	send(t, conn, domain.EventJoinRoom, room, nil)
	return waitFor(t, conn, domain.EventJoinRoom)
}

func TestJoinAckCarriesRoomSnapshot(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	conn := gw.dial(t, "u1")

	ack := joinRoom(t, conn, "r1")
	assert.Equal(t, "u1", ack.UserID)

	var snapshot registry.RoomSnapshot
	require.NoError(t, json.Unmarshal(ack.Payload, &snapshot))
	assert.Equal(t, "r1", snapshot.RoomID)
	require.Len(t, snapshot.Users, 1)
	assert.Equal(t, "u1", snapshot.Users[0].UserID)
	assert.Equal(t, domain.PresenceOnline, snapshot.Users[0].Status)
}

func TestEventBeforeJoinKeepsConnectionOpen(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	conn := gw.dial(t, "u1")

	send(t, conn, domain.EventCursorMove, "", map[string]float64{"x": 1, "y": 2})
	errEnv := waitFor(t, conn, domain.EventError)

	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &payload))
	assert.Equal(t, "not_joined", payload.Code)

	// The connection survives and a join still works.
	ack := joinRoom(t, conn, "r1")
	assert.Equal(t, "u1", ack.UserID)
}

func TestCursorBroadcastSkipsSender(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	c1 := gw.dial(t, "u1")
	c2 := gw.dial(t, "u2")

	joinRoom(t, c1, "r1")
	joinRoom(t, c2, "r1")
	waitFor(t, c1, domain.EventUserJoined)

	send(t, c2, domain.EventCursorMove, "r1", map[string]float64{"x": 10, "y": 20})

	env := waitFor(t, c1, domain.EventCursorMove)
	assert.Equal(t, "u2", env.UserID)
	var cursor domain.CursorPosition
	require.NoError(t, json.Unmarshal(env.Payload, &cursor))
	assert.Equal(t, 10.0, cursor.X)

	expectSilence(t, c2, 300*time.Millisecond)
}

func TestLockContentionOverSockets(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	c1 := gw.dial(t, "u1")
	c2 := gw.dial(t, "u2")

	joinRoom(t, c1, "r1")
	joinRoom(t, c2, "r1")
	waitFor(t, c1, domain.EventUserJoined)

	send(t, c1, domain.EventElementEdit, "r1", map[string]string{"element_id": "rect-1"})
	ack := waitFor(t, c1, domain.EventElementEdit)
	var res domain.LockResult
	require.NoError(t, json.Unmarshal(ack.Payload, &res))
	assert.True(t, res.Success)

	// The other member sees the claim.
	locked := waitFor(t, c2, domain.EventElementLocked)
	var lock domain.ElementLock
	require.NoError(t, json.Unmarshal(locked.Payload, &lock))
	assert.Equal(t, "rect-1", lock.ElementID)
	assert.Equal(t, "u1", lock.UserID)

	// Contention is a result, not an error.
	send(t, c2, domain.EventElementEdit, "r1", map[string]string{"element_id": "rect-1"})
	ack = waitFor(t, c2, domain.EventElementEdit)
	require.NoError(t, json.Unmarshal(ack.Payload, &res))
	assert.False(t, res.Success)
	assert.Equal(t, "u1", res.LockedBy)

	// Owner disconnect releases the claim for the next attempt.
	c1.Close()
	waitFor(t, c2, domain.EventElementUnlocked)
	waitFor(t, c2, domain.EventUserLeft)

	send(t, c2, domain.EventElementEdit, "r1", map[string]string{"element_id": "rect-1"})
	ack = waitFor(t, c2, domain.EventElementEdit)
	require.NoError(t, json.Unmarshal(ack.Payload, &res))
	assert.True(t, res.Success)
}

func TestUndoRedoOverSockets(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	c1 := gw.dial(t, "u1")
	joinRoom(t, c1, "r1")

	// Undo with nothing recorded is a harmless no-op ack.
	send(t, c1, domain.EventUndo, "r1", nil)
	ack := waitFor(t, c1, domain.EventUndo)
	var result struct {
		Success  bool            `json:"success"`
		ActionID string          `json:"action_id"`
		State    json.RawMessage `json:"state"`
	}
	require.NoError(t, json.Unmarshal(ack.Payload, &result))
	assert.False(t, result.Success)

	send(t, c1, domain.EventActionRecord, "r1", map[string]interface{}{
		"action_id":    "a1",
		"action_type":  "create",
		"element_id":   "e1",
		"before_state": json.RawMessage(`null`),
		"after_state":  json.RawMessage(`{"v":1}`),
	})

	send(t, c1, domain.EventUndo, "r1", nil)
	ack = waitFor(t, c1, domain.EventUndo)
	require.NoError(t, json.Unmarshal(ack.Payload, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "a1", result.ActionID)

	send(t, c1, domain.EventRedo, "r1", nil)
	ack = waitFor(t, c1, domain.EventRedo)
	require.NoError(t, json.Unmarshal(ack.Payload, &result))
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"v":1}`, string(result.State))
}

func TestDiagramUpdateFansOutAcrossInstances(t *testing.T) {
	bus := newMemoryBus()
	gwX := newGateway(t, bus)
	gwY := newGateway(t, bus)

	c1 := gwX.dial(t, "u1")
	c2 := gwY.dial(t, "u2")

	joinRoom(t, c1, "r1")
	joinRoom(t, c2, "r1")

	// Membership converges across instances via the bus.
	require.Eventually(t, func() bool {
		return gwX.registry.HasMember("r1", "u2") && gwY.registry.HasMember("r1", "u1")
	}, 3*time.Second, 20*time.Millisecond)
	waitFor(t, c1, domain.EventUserJoined) // drain u2's arrival before checking silence

	delta := map[string]interface{}{"op": "move", "element_id": "rect-1", "dx": 4}
	send(t, c1, domain.EventDiagramUpdate, "r1", delta)

	env := waitFor(t, c2, domain.EventDiagramUpdate)
	assert.Equal(t, "u1", env.UserID)
	assert.Empty(t, env.Origin, "instance tags must never reach clients")
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, "move", got["op"])

	// The sender never sees its own update echoed back.
	expectSilence(t, c1, 300*time.Millisecond)
}

func TestRemoteLockBlocksLocalClaim(t *testing.T) {
	bus := newMemoryBus()
	gwX := newGateway(t, bus)
	gwY := newGateway(t, bus)

	c1 := gwX.dial(t, "u1")
	c2 := gwY.dial(t, "u2")
	joinRoom(t, c1, "r1")
	joinRoom(t, c2, "r1")

	send(t, c1, domain.EventElementEdit, "r1", map[string]string{"element_id": "rect-1"})
	ack := waitFor(t, c1, domain.EventElementEdit)
	var res domain.LockResult
	require.NoError(t, json.Unmarshal(ack.Payload, &res))
	require.True(t, res.Success)

	// The shared claim defeats the other instance's local grant.
	require.Eventually(t, func() bool {
		send(t, c2, domain.EventElementEdit, "r1", map[string]string{"element_id": "rect-1"})
		ack := waitFor(t, c2, domain.EventElementEdit)
		require.NoError(t, json.Unmarshal(ack.Payload, &res))
		return !res.Success && res.LockedBy == "u1"
	}, 3*time.Second, 100*time.Millisecond)
}

func TestServerBroadcastReachesEveryMember(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	c1 := gw.dial(t, "u1")
	c2 := gw.dial(t, "u2")
	joinRoom(t, c1, "r1")
	joinRoom(t, c2, "r1")
	waitFor(t, c1, domain.EventUserJoined)

	gw.hub.BroadcastServer("r1", "announcement", json.RawMessage(`{"text":"maintenance"}`))

	for _, conn := range []*websocket.Conn{c1, c2} {
		env := waitFor(t, conn, "announcement")
		var payload map[string]string
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		assert.Equal(t, "maintenance", payload["text"])
	}
}

func TestDisconnectRemovesPresence(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	c1 := gw.dial(t, "u1")
	joinRoom(t, c1, "r1")
	require.True(t, gw.registry.HasMember("r1", "u1"))

	require.NoError(t, c1.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	c1.Close()

	require.Eventually(t, func() bool {
		return !gw.registry.HasMember("r1", "u1")
	}, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, gw.registry.GetRoomUsers("r1"))
}

// slowBus records publish order while making every publish take long enough
// that out-of-order dispatch would be visible.
type slowBus struct {
	*memoryBus
	mu        sync.Mutex
	published []string
}

func (b *slowBus) Publish(ctx context.Context, roomID string, env domain.Envelope) error {
	time.Sleep(time.Millisecond)
	b.mu.Lock()
	b.published = append(b.published, env.Event)
	b.mu.Unlock()
	return b.memoryBus.Publish(ctx, roomID, env)
}

func (b *slowBus) order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func TestBusPublishesPreserveEnqueueOrder(t *testing.T) {
	bus := &slowBus{memoryBus: newMemoryBus()}
	gw := newGateway(t, bus)
	c1 := gw.dial(t, "u1")
	joinRoom(t, c1, "r1")

	const n = 20
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		event := fmt.Sprintf("seq-%02d", i)
		want = append(want, event)
		gw.hub.BroadcastServer("r1", event, json.RawMessage(`{}`))
	}

	require.Eventually(t, func() bool {
		return len(bus.order()) >= n
	}, 3*time.Second, 10*time.Millisecond)

	var got []string
	for _, event := range bus.order() {
		if strings.HasPrefix(event, "seq-") {
			got = append(got, event)
		}
	}
	assert.Equal(t, want, got, "bus publishes must leave in enqueue order")
}

// contestedBus loses every shared claim without learning who won, the shape
// a SETNX retry race produces.
type contestedBus struct {
	*memoryBus
}

func (b *contestedBus) AcquireLock(ctx context.Context, roomID, elementID, userID string, ttl time.Duration) (bool, string, error) {
	return false, "", nil
}

func TestSharedClaimLossWithoutOwnerRollsBackLocalGrant(t *testing.T) {
	gw := newGateway(t, &contestedBus{memoryBus: newMemoryBus()})
	c1 := gw.dial(t, "u1")
	joinRoom(t, c1, "r1")

	send(t, c1, domain.EventElementEdit, "r1", map[string]string{"element_id": "rect-1"})
	ack := waitFor(t, c1, domain.EventElementEdit)
	var res domain.LockResult
	require.NoError(t, json.Unmarshal(ack.Payload, &res))
	assert.False(t, res.Success, "a lost shared claim must not stand locally")

	snapshot := gw.registry.JoinRoom("r1", domain.Identity{UserID: "u2"})
	assert.Empty(t, snapshot.Locks, "local grant must be rolled back")
}

func TestMonitorBroadcastsSkipRemotelyOwnedMembers(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	c1 := gw.dial(t, "u1")
	joinRoom(t, c1, "r1")

	gw.registry.ApplyRemoteJoin("r1", domain.UserPresence{UserID: "remote-1", Status: domain.PresenceOnline})

	// Another instance owns remote-1's connection and announces its
	// transitions; ours must stay quiet.
	gw.hub.BroadcastEnvelopes([]domain.Envelope{
		domain.NewEnvelope(domain.EventPresenceUpdate, "r1", "remote-1",
			domain.UserPresence{UserID: "remote-1", Status: domain.PresenceAway}),
	})
	expectSilence(t, c1, 300*time.Millisecond)

	gw.hub.BroadcastEnvelopes([]domain.Envelope{
		domain.NewEnvelope(domain.EventPresenceUpdate, "r1", "u1",
			domain.UserPresence{UserID: "u1", Status: domain.PresenceAway}),
	})
	env := waitFor(t, c1, domain.EventPresenceUpdate)
	assert.Equal(t, "u1", env.UserID)
}

func TestCursorMovesAreThrottled(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	c1 := gw.dial(t, "u1")
	c2 := gw.dial(t, "u2")
	joinRoom(t, c1, "r1")
	joinRoom(t, c2, "r1")
	waitFor(t, c1, domain.EventUserJoined)

	// Back-to-back moves land inside the throttle window; only the first
	// survives.
	send(t, c2, domain.EventCursorMove, "r1", map[string]float64{"x": 1, "y": 1})
	send(t, c2, domain.EventCursorMove, "r1", map[string]float64{"x": 2, "y": 2})

	env := waitFor(t, c1, domain.EventCursorMove)
	var cursor domain.CursorPosition
	require.NoError(t, json.Unmarshal(env.Payload, &cursor))
	assert.Equal(t, 1.0, cursor.X)
	expectSilence(t, c1, 300*time.Millisecond)

	// After the window the next move flows again.
	send(t, c2, domain.EventCursorMove, "r1", map[string]float64{"x": 3, "y": 3})
	env = waitFor(t, c1, domain.EventCursorMove)
	require.NoError(t, json.Unmarshal(env.Payload, &cursor))
	assert.Equal(t, 3.0, cursor.X)
}

func TestDiagramUpdateRequiresMembership(t *testing.T) {
	gw := newGateway(t, newMemoryBus())
	c1 := gw.dial(t, "u1")
	c2 := gw.dial(t, "u2")
	joinRoom(t, c1, "r1")
	joinRoom(t, c2, "r1")
	waitFor(t, c1, domain.EventUserJoined)

	// Eviction can race a still-open connection.
	_, err := gw.registry.RemoveUser("r1", "u1")
	require.NoError(t, err)

	send(t, c1, domain.EventDiagramUpdate, "r1", map[string]string{"op": "move"})
	errEnv := waitFor(t, c1, domain.EventError)
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &payload))
	assert.Equal(t, "not_joined", payload.Code)

	expectSilence(t, c2, 300*time.Millisecond)
}
