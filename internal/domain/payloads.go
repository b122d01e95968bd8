package domain

// Server-originated broadcast payloads.

type UserLeftPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

type CursorRemovedPayload struct {
	UserID string `json:"user_id"`
}

type ElementUnlockedPayload struct {
	ElementID string `json:"element_id"`
	UserID    string `json:"user_id,omitempty"`
	Expired   bool   `json:"expired,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
