package domain

import "encoding/json"

// Event names carried in wire envelopes. Client-originated events are handled
// by the gateway; server-originated events are only ever emitted by it.
const (
	EventJoinRoom        = "join_room"
	EventCursorMove      = "cursor_move"
	EventElementEdit     = "element_edit"
	EventElementUnlock   = "element_unlock"
	EventDiagramUpdate   = "diagram_update"
	EventActionRecord    = "action_record"
	EventUndo            = "undo"
	EventRedo            = "redo"
	EventTyping          = "typing"
	EventSelectionChange = "selection_change"
	EventHeartbeat       = "heartbeat"

	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventCursorRemoved   = "cursor_removed"
	EventElementLocked   = "element_locked"
	EventElementUnlocked = "element_unlocked"
	EventPresenceUpdate  = "presence_update"
	EventActionUndone    = "action_undone"
	EventActionRedone    = "action_redone"
	EventError           = "error"
)

// Envelope is the JSON frame exchanged on the websocket and on the fanout bus.
// Origin identifies the publishing gateway instance so subscribers can drop
// their own echoes; it is stripped before frames reach clients.
type Envelope struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin,omitempty"`
}

// NewEnvelope marshals payload into a wire frame. Marshal failures are the
// caller's bug (payloads are our own types), so they panic loudly.
func NewEnvelope(event, room, userID string, payload interface{}) Envelope {
	env := Envelope{Event: event, Room: room, UserID: userID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic("domain: unmarshalable envelope payload: " + err.Error())
		}
		env.Payload = data
	}
	return env
}
