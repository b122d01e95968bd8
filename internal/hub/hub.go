// Package hub is the session gateway: it owns the websocket clients of this
// instance, routes their events into the room registry, fans results out to
// local members and onto the cross-instance bus, and runs disconnect cleanup.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-diagram/internal/domain"
	"collaborative-diagram/internal/registry"
	"collaborative-diagram/internal/repository"
	"collaborative-diagram/internal/tasks"
)

const (
	publishTimeout = 2 * time.Second

	// Server-side cursor throttle: at most 20 frames/sec/user.
	cursorMinInterval = 50 * time.Millisecond
)

// skipSelfByUser marks events whose originating user must never receive
// their own echo, even through the fanout bus where only the user id (not
// the connection) travels.
var skipSelfByUser = map[string]bool{
	domain.EventCursorMove:      true,
	domain.EventDiagramUpdate:   true,
	domain.EventTyping:          true,
	domain.EventSelectionChange: true,
	domain.EventElementLocked:   true,
	domain.EventActionUndone:    true,
	domain.EventActionRedone:    true,
}

type roomSub struct {
	sub  repository.Subscription
	refs int
}

type outboundPublish struct {
	room string
	env  domain.Envelope
}

// Hub routes events for all clients connected to this gateway instance.
type Hub struct {
	registry    *registry.RoomRegistry
	stateRepo   repository.StateRepository
	asynqClient *asynq.Client // nil disables activity archiving
	lockTTL     time.Duration
	instanceID  string

	publishCh chan outboundPublish

	roomsMu sync.RWMutex
	rooms   map[string]map[*Client]bool

	subsMu sync.Mutex
	subs   map[string]*roomSub

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub wires the gateway. The asynq client may be nil when no archive
// database is configured; everything else is required.
func NewHub(reg *registry.RoomRegistry, stateRepo repository.StateRepository, asynqClient *asynq.Client, lockTTL time.Duration) *Hub {
	if reg == nil {
		panic("RoomRegistry cannot be nil for Hub")
	}
	if stateRepo == nil {
		panic("StateRepository cannot be nil for Hub")
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:    reg,
		stateRepo:   stateRepo,
		asynqClient: asynqClient,
		lockTTL:     lockTTL,
		instanceID:  uuid.NewString(),
		publishCh:   make(chan outboundPublish, 256),
		rooms:       make(map[string]map[*Client]bool),
		subs:        make(map[string]*roomSub),
		ctx:         ctx,
		cancel:      cancel,
	}
	go h.publishLoop()
	return h
}

// InstanceID identifies this gateway on the fanout bus.
func (h *Hub) InstanceID() string { return h.instanceID }

// Shutdown stops all bus subscriptions.
func (h *Hub) Shutdown() {
	h.cancel()
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for room, rs := range h.subs {
		if err := rs.sub.Close(); err != nil {
			logrus.WithError(err).WithField("room_id", room).Warn("Error closing fanout subscription")
		}
		delete(h.subs, room)
	}
}

// HandleFrame processes one inbound frame from a client, in the order the
// client sent it. Any event before a successful join fails with not_joined;
// the connection stays open.
func (h *Hub) HandleFrame(c *Client, raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logrus.WithError(err).WithField("user_id", c.identity.UserID).Warn("Dropping undecodable frame")
		return
	}

	// Server-authoritative fields; clients cannot spoof identity or origin.
	env.UserID = c.identity.UserID
	env.Origin = ""

	if env.Event != domain.EventJoinRoom && c.state != stateJoined {
		h.sendError(c, "not_joined", "join_room must be the first event")
		return
	}
	if env.Event != domain.EventJoinRoom {
		env.Room = c.roomID
	}

	switch env.Event {
	case domain.EventJoinRoom:
		h.handleJoin(c, env)
	case domain.EventCursorMove:
		h.handleCursorMove(c, env)
	case domain.EventElementEdit:
		h.handleElementEdit(c, env)
	case domain.EventElementUnlock:
		h.handleElementUnlock(c, env)
	case domain.EventDiagramUpdate:
		h.handleDiagramUpdate(c, env)
	case domain.EventActionRecord:
		h.handleActionRecord(c, env)
	case domain.EventUndo:
		h.handleUndoRedo(c, env, false)
	case domain.EventRedo:
		h.handleUndoRedo(c, env, true)
	case domain.EventTyping:
		h.handleTyping(c, env)
	case domain.EventSelectionChange:
		h.handleSelection(c, env)
	case domain.EventHeartbeat:
		h.handleHeartbeat(c)
	default:
		logrus.WithFields(logrus.Fields{"event": env.Event, "user_id": env.UserID}).Warn("Unknown event type")
	}
}

func (h *Hub) handleJoin(c *Client, env domain.Envelope) {
	if env.Room == "" {
		h.sendError(c, "invalid_room", "join_room requires a room id")
		return
	}
	var p joinPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &p)
	}
	identity := c.identity
	if p.Username != "" {
		identity.Username = p.Username
	}

	// Switching rooms on one connection leaves the old room first.
	if c.state == stateJoined && c.roomID != env.Room {
		h.leaveRoom(c)
	}

	snapshot := h.registry.JoinRoom(env.Room, identity)
	c.roomID = env.Room
	c.state = stateJoined
	h.addLocal(env.Room, c)

	h.sendTo(c, domain.NewEnvelope(domain.EventJoinRoom, env.Room, identity.UserID, snapshot))

	for _, u := range snapshot.Users {
		if u.UserID == identity.UserID {
			h.broadcast(env.Room, domain.NewEnvelope(domain.EventUserJoined, env.Room, identity.UserID, u), c)
			break
		}
	}
	h.recordActivity(env.Room, domain.EventUserJoined, identity.UserID, nil)
	logrus.WithFields(logrus.Fields{"room_id": env.Room, "user_id": identity.UserID}).Info("User joined room")
}

func (h *Hub) handleCursorMove(c *Client, env domain.Envelope) {
	now := time.Now()
	if now.Sub(c.lastCursor) < cursorMinInterval {
		return // throttled, dropped silently
	}
	c.lastCursor = now

	var p cursorMovePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	promoted, err := h.registry.UpdateCursor(env.Room, env.UserID, p.X, p.Y)
	if err != nil {
		return
	}
	h.broadcast(env.Room, env, c)
	if promoted != nil {
		h.broadcast(env.Room, domain.NewEnvelope(domain.EventPresenceUpdate, env.Room, env.UserID, promoted), nil)
	}
}

func (h *Hub) handleElementEdit(c *Client, env domain.Envelope) {
	var p elementEditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ElementID == "" {
		h.sendError(c, "invalid_payload", "element_edit requires element_id")
		return
	}

	res, lock, err := h.registry.AcquireLock(env.Room, env.UserID, p.ElementID)
	if err != nil {
		h.sendError(c, "not_joined", err.Error())
		return
	}

	// The local grant must also hold across instances. On bus failure we
	// keep the local claim: single-instance degradation, not rejection.
	if res.Success {
		ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
		ok, owner, rerr := h.stateRepo.AcquireLock(ctx, env.Room, p.ElementID, env.UserID, h.lockTTL)
		cancel()
		switch {
		case rerr != nil:
			logrus.WithError(rerr).WithField("element_id", p.ElementID).Debug("Shared lock claim unavailable, using local authority")
		case !ok && owner != env.UserID:
			// Shared claim lost, possibly without a known owner when
			// claims churn between SETNX attempts. Either way the local
			// grant must not stand.
			_, _ = h.registry.ReleaseLock(env.Room, env.UserID, p.ElementID)
			if owner != "" {
				h.registry.ApplyRemoteLock(env.Room, domain.ElementLock{
					ElementID:  p.ElementID,
					UserID:     owner,
					AcquiredAt: time.Now(),
					ExpiresAt:  time.Now().Add(h.lockTTL),
				})
			}
			res = domain.LockResult{Success: false, LockedBy: owner}
			lock = nil
		}
	}

	h.sendTo(c, domain.NewEnvelope(domain.EventElementEdit, env.Room, env.UserID, res))

	if res.Success && lock != nil {
		h.broadcast(env.Room, domain.NewEnvelope(domain.EventElementLocked, env.Room, env.UserID, lock), c)
		h.recordActivity(env.Room, domain.EventElementLocked, env.UserID, mustJSON(lock))
	}
}

func (h *Hub) handleElementUnlock(c *Client, env domain.Envelope) {
	var p elementUnlockPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ElementID == "" {
		return
	}
	released, err := h.registry.ReleaseLock(env.Room, env.UserID, p.ElementID)
	if err != nil || !released {
		return // not the owner: silent no-op
	}
	h.releaseShared(env.Room, p.ElementID, env.UserID)
	payload := domain.ElementUnlockedPayload{ElementID: p.ElementID, UserID: env.UserID}
	h.broadcast(env.Room, domain.NewEnvelope(domain.EventElementUnlocked, env.Room, env.UserID, payload), c)
	h.recordActivity(env.Room, domain.EventElementUnlocked, env.UserID, mustJSON(payload))
}

func (h *Hub) handleDiagramUpdate(c *Client, env domain.Envelope) {
	if !h.registry.HasMember(env.Room, env.UserID) {
		h.sendError(c, "not_joined", "diagram_update requires room membership")
		return
	}
	// Deltas are opaque: validated for membership, forwarded as-is, never
	// persisted here.
	h.broadcast(env.Room, env, c)
	h.recordActivity(env.Room, domain.EventDiagramUpdate, env.UserID, nil)
}

func (h *Hub) handleActionRecord(c *Client, env domain.Envelope) {
	var p actionRecordPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.ActionID == "" {
		p.ActionID = uuid.NewString()
	}
	action := domain.UndoAction{
		ActionID:    p.ActionID,
		ActionType:  p.ActionType,
		ElementID:   p.ElementID,
		BeforeState: p.BeforeState,
		AfterState:  p.AfterState,
		Timestamp:   time.Now(),
	}
	if err := h.registry.RecordAction(env.Room, env.UserID, action); err != nil {
		h.sendError(c, "not_joined", err.Error())
	}
}

func (h *Hub) handleUndoRedo(c *Client, env domain.Envelope, redo bool) {
	var action domain.UndoAction
	var err error
	if redo {
		action, err = h.registry.Redo(env.Room, env.UserID)
	} else {
		action, err = h.registry.Undo(env.Room, env.UserID)
	}
	if err != nil {
		if errors.Is(err, registry.ErrEmptyStack) || errors.Is(err, registry.ErrRoomNotFound) {
			h.sendTo(c, domain.NewEnvelope(env.Event, env.Room, env.UserID, undoResultPayload{Success: false}))
			return
		}
		h.sendError(c, "internal", err.Error())
		return
	}

	state := action.BeforeState
	broadcastEvent := domain.EventActionUndone
	if redo {
		state = action.AfterState
		broadcastEvent = domain.EventActionRedone
	}
	result := undoResultPayload{
		Success:    true,
		ActionID:   action.ActionID,
		ActionType: action.ActionType,
		ElementID:  action.ElementID,
		State:      state,
	}
	h.sendTo(c, domain.NewEnvelope(env.Event, env.Room, env.UserID, result))
	h.broadcast(env.Room, domain.NewEnvelope(broadcastEvent, env.Room, env.UserID, result), c)
	h.recordActivity(env.Room, broadcastEvent, env.UserID, mustJSON(result))
}

func (h *Hub) handleTyping(c *Client, env domain.Envelope) {
	var p typingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	promoted, err := h.registry.SetTyping(env.Room, env.UserID, p.IsTyping)
	if err != nil {
		return
	}
	h.broadcast(env.Room, env, c)
	if promoted != nil {
		h.broadcast(env.Room, domain.NewEnvelope(domain.EventPresenceUpdate, env.Room, env.UserID, promoted), nil)
	}
}

func (h *Hub) handleSelection(c *Client, env domain.Envelope) {
	var p selectionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	promoted, err := h.registry.SetSelection(env.Room, env.UserID, p.SelectedElements, p.ActiveElement)
	if err != nil {
		return
	}
	h.broadcast(env.Room, env, c)
	if promoted != nil {
		h.broadcast(env.Room, domain.NewEnvelope(domain.EventPresenceUpdate, env.Room, env.UserID, promoted), nil)
	}
}

func (h *Hub) handleHeartbeat(c *Client) {
	renewed, promoted, err := h.registry.Heartbeat(c.roomID, c.identity.UserID)
	if err != nil {
		return
	}
	for _, elementID := range renewed {
		go func(elementID string) {
			ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
			defer cancel()
			if err := h.stateRepo.RenewLock(ctx, c.roomID, elementID, c.identity.UserID, h.lockTTL); err != nil {
				logrus.WithError(err).WithField("element_id", elementID).Debug("Shared lock renewal failed")
			}
		}(elementID)
	}
	if promoted != nil {
		h.broadcast(c.roomID, domain.NewEnvelope(domain.EventPresenceUpdate, c.roomID, c.identity.UserID, promoted), nil)
	}
}

// unregister runs the disconnect cascade for a closing connection.
func (h *Hub) unregister(c *Client) {
	if c.state == stateJoined {
		h.leaveRoom(c)
	}
	c.state = stateDisconnected
	c.closeSend()
	logrus.WithField("user_id", c.identity.UserID).Debug("Client unregistered")
}

// leaveRoom removes the client's membership and emits the ordered cleanup
// plan. Each emission is best-effort: one failed broadcast never blocks the
// remaining steps.
func (h *Hub) leaveRoom(c *Client) {
	room := c.roomID
	userID := c.identity.UserID
	h.removeLocal(c)

	plan, err := h.registry.RemoveUser(room, userID)
	if err != nil {
		c.roomID = ""
		c.state = stateConnecting
		return
	}
	for _, env := range plan {
		if env.Event == domain.EventElementUnlocked {
			var p domain.ElementUnlockedPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				h.releaseShared(room, p.ElementID, userID)
			}
		}
		h.broadcast(room, env, c)
	}
	h.recordActivity(room, domain.EventUserLeft, userID, nil)
	logrus.WithFields(logrus.Fields{"room_id": room, "user_id": userID}).Info("User left room")
	c.roomID = ""
	c.state = stateConnecting
}

// --- local delivery and fanout ---

// broadcast delivers to all other local members and enqueues the bus publish.
// sender may be nil for server-originated events, which reach everyone.
func (h *Hub) broadcast(room string, env domain.Envelope, sender *Client) {
	h.deliverLocal(room, env, sender, "")
	env.Origin = h.instanceID
	select {
	case h.publishCh <- outboundPublish{room: room, env: env}:
	default:
		logrus.WithFields(logrus.Fields{"room_id": room, "event": env.Event}).
			Warn("Publish queue full, event reached local clients only")
	}
}

// publishLoop drains bus publishes one at a time in enqueue order, so frames
// from one sender reach other instances in the order they were handled. Each
// publish is individually bounded; a slow bus delays fanout but never blocks
// the room queues.
func (h *Hub) publishLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case job := <-h.publishCh:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			err := h.stateRepo.Publish(ctx, job.room, job.env)
			cancel()
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{"room_id": job.room, "event": job.env.Event}).
					Warn("Fanout publish failed, event reached local clients only")
			}
		}
	}
}

func (h *Hub) deliverLocal(room string, env domain.Envelope, skip *Client, skipUserID string) {
	env.Origin = "" // never leaks to clients
	frame, err := json.Marshal(env)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal broadcast envelope")
		return
	}

	h.roomsMu.RLock()
	clients := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c == skip {
			continue
		}
		if skipUserID != "" && c.identity.UserID == skipUserID {
			continue
		}
		clients = append(clients, c)
	}
	h.roomsMu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(frame) {
			logrus.WithFields(logrus.Fields{"room_id": room, "user_id": c.identity.UserID}).
				Warn("Client send buffer full, dropping broadcast frame")
		}
	}
}

// hasLocalMember reports whether the user holds a live connection on this
// instance.
func (h *Hub) hasLocalMember(room, userID string) bool {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	for c := range h.rooms[room] {
		if c.identity.UserID == userID {
			return true
		}
	}
	return false
}

// BroadcastEnvelopes emits server-originated events produced outside the
// gateway (background monitors). Every instance mirrors remote presence and
// locks, so its monitors observe the same expiries; only the instance that
// owns the user's connection announces the transition, or the room would see
// one broadcast per instance.
func (h *Hub) BroadcastEnvelopes(envs []domain.Envelope) {
	for _, env := range envs {
		if env.UserID != "" && !h.hasLocalMember(env.Room, env.UserID) {
			continue
		}
		h.broadcast(env.Room, env, nil)
		if env.Event == domain.EventElementUnlocked {
			var p domain.ElementUnlockedPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.Expired {
				h.releaseShared(env.Room, p.ElementID, p.UserID)
			}
		}
	}
}

// BroadcastServer emits an arbitrary server-originated event into a room
// (diagnostic POST /broadcast surface).
func (h *Hub) BroadcastServer(room, event string, data json.RawMessage) {
	env := domain.Envelope{Event: event, Room: room, Payload: data}
	h.broadcast(room, env, nil)
	h.recordActivity(room, event, "", data)
}

func (h *Hub) sendTo(c *Client, env domain.Envelope) {
	env.Origin = ""
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		logrus.WithField("user_id", c.identity.UserID).Warn("Client send buffer full, dropping direct frame")
	}
}

func (h *Hub) sendError(c *Client, code, message string) {
	h.sendTo(c, domain.NewEnvelope(domain.EventError, c.roomID, c.identity.UserID,
		domain.ErrorPayload{Code: code, Message: message}))
}

func (h *Hub) releaseShared(room, elementID, userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
		defer cancel()
		if err := h.stateRepo.ReleaseLock(ctx, room, elementID, userID); err != nil {
			logrus.WithError(err).WithField("element_id", elementID).Debug("Shared lock release failed")
		}
	}()
}

// --- room membership of this instance + bus subscriptions ---

func (h *Hub) addLocal(room string, c *Client) {
	h.roomsMu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	h.roomsMu.Unlock()
	h.retainSubscription(room)
}

func (h *Hub) removeLocal(c *Client) {
	room := c.roomID
	h.roomsMu.Lock()
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.roomsMu.Unlock()
	h.releaseSubscription(room)
}

// retainSubscription opens the room's bus channel on first local member.
// Failure to subscribe degrades to single-instance delivery.
func (h *Hub) retainSubscription(room string) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if rs, ok := h.subs[room]; ok {
		rs.refs++
		return
	}
	sub, err := h.stateRepo.Subscribe(h.ctx, room)
	if err != nil {
		logrus.WithError(err).WithField("room_id", room).
			Warn("Fanout subscribe failed, serving room in single-instance mode")
		return
	}
	h.subs[room] = &roomSub{sub: sub, refs: 1}
	go h.consumeBus(room, sub)
	logrus.WithField("room_id", room).Debug("Subscribed to room fanout channel")
}

func (h *Hub) releaseSubscription(room string) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	rs, ok := h.subs[room]
	if !ok {
		return
	}
	rs.refs--
	if rs.refs > 0 {
		return
	}
	if err := rs.sub.Close(); err != nil {
		logrus.WithError(err).WithField("room_id", room).Warn("Error closing fanout subscription")
	}
	delete(h.subs, room)
}

func (h *Hub) consumeBus(room string, sub repository.Subscription) {
	for env := range sub.Events() {
		if env.Origin == h.instanceID {
			continue // own echo
		}
		h.applyRemote(room, env)
		skipUser := ""
		if skipSelfByUser[env.Event] {
			skipUser = env.UserID
		}
		h.deliverLocal(room, env, nil, skipUser)
	}
}

// applyRemote converges local room state with an event from another
// instance before re-emitting it to local connections.
func (h *Hub) applyRemote(room string, env domain.Envelope) {
	switch env.Event {
	case domain.EventUserJoined:
		var p domain.UserPresence
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID != "" {
			h.registry.ApplyRemoteJoin(room, p)
		}
	case domain.EventUserLeft:
		h.registry.ApplyRemoteLeave(room, env.UserID)
	case domain.EventPresenceUpdate:
		var p domain.UserPresence
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID != "" {
			h.registry.ApplyRemotePresence(room, p)
		}
	case domain.EventElementLocked:
		var l domain.ElementLock
		if json.Unmarshal(env.Payload, &l) == nil && l.ElementID != "" {
			h.registry.ApplyRemoteLock(room, l)
		}
	case domain.EventElementUnlocked:
		var p domain.ElementUnlockedPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.ElementID != "" {
			h.registry.ApplyRemoteUnlock(room, p.ElementID)
		}
	case domain.EventCursorMove:
		var p cursorMovePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			_, _ = h.registry.UpdateCursor(room, env.UserID, p.X, p.Y)
		}
	case domain.EventTyping:
		var p typingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			_, _ = h.registry.SetTyping(room, env.UserID, p.IsTyping)
		}
	case domain.EventSelectionChange:
		var p selectionPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			_, _ = h.registry.SetSelection(room, env.UserID, p.SelectedElements, p.ActiveElement)
		}
	}
}

// --- activity feed + archive ---

func (h *Hub) recordActivity(room, eventType, userID string, payload json.RawMessage) {
	event := domain.ActivityEvent{
		Type:      eventType,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	h.registry.RecordActivity(room, event)

	if h.asynqClient == nil {
		return
	}
	go func() {
		task, err := tasks.NewActivityPersistenceTask(room, event)
		if err != nil {
			logrus.WithError(err).Error("Failed to build activity persistence task")
			return
		}
		if _, err := h.asynqClient.Enqueue(task); err != nil {
			logrus.WithError(err).Debug("Failed to enqueue activity persistence task")
		}
	}()
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("hub: unmarshalable payload: " + err.Error())
	}
	return data
}
