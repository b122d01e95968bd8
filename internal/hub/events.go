package hub

import "encoding/json"

// Client-originated event payloads. The envelope's room/user_id fields are
// always overwritten with server-authoritative values before handling.

type joinPayload struct {
	Username string `json:"username,omitempty"`
}

type cursorMovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type elementEditPayload struct {
	ElementID string `json:"element_id"`
}

type elementUnlockPayload struct {
	ElementID string `json:"element_id"`
}

type typingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type selectionPayload struct {
	SelectedElements []string `json:"selected_elements"`
	ActiveElement    string   `json:"active_element,omitempty"`
}

type actionRecordPayload struct {
	ActionID    string          `json:"action_id,omitempty"`
	ActionType  string          `json:"action_type"`
	ElementID   string          `json:"element_id"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
}

// undoResultPayload acknowledges an undo/redo to its caller and, on success,
// carries the state the caller should apply and broadcast.
type undoResultPayload struct {
	Success    bool            `json:"success"`
	ActionID   string          `json:"action_id,omitempty"`
	ActionType string          `json:"action_type,omitempty"`
	ElementID  string          `json:"element_id,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
}
