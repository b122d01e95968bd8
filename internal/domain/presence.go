package domain

import "time"

// PresenceStatus is the lifecycle state of a user inside a room.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// CursorPosition is the last reported pointer position on the canvas.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserPresence is the live state of one room member. Identity fields come from
// the auth collaborator at join time; the rest is updated by activity events.
type UserPresence struct {
	UserID           string          `json:"user_id"`
	Username         string          `json:"username"`
	Email            string          `json:"email,omitempty"`
	Color            string          `json:"color,omitempty"`
	Status           PresenceStatus  `json:"status"`
	LastActive       time.Time       `json:"last_active"`
	Cursor           *CursorPosition `json:"cursor,omitempty"`
	SelectedElements []string        `json:"selected_elements,omitempty"`
	ActiveElement    string          `json:"active_element,omitempty"`
	IsTyping         bool            `json:"is_typing"`
}

// Clone returns a copy safe to hand out after the room lock is released.
func (p *UserPresence) Clone() *UserPresence {
	cp := *p
	if p.Cursor != nil {
		cur := *p.Cursor
		cp.Cursor = &cur
	}
	if p.SelectedElements != nil {
		cp.SelectedElements = append([]string(nil), p.SelectedElements...)
	}
	return &cp
}
