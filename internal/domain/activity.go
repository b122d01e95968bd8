package domain

import (
	"encoding/json"
	"time"
)

// ActivityEvent is one entry of the append-only per-room diagnostic feed.
type ActivityEvent struct {
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ActivityRecord is the database form of an ActivityEvent, archived by the
// background worker when persistence is configured.
type ActivityRecord struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    string    `gorm:"index;not null"`
	Type      string    `gorm:"not null"`
	UserID    string    `gorm:"index"`
	Payload   string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"index;not null"`
}

func (ActivityRecord) TableName() string {
	return "activity_events"
}

// Record converts a feed entry into its archive row.
func (e ActivityEvent) Record(roomID string) ActivityRecord {
	return ActivityRecord{
		RoomID:    roomID,
		Type:      e.Type,
		UserID:    e.UserID,
		Payload:   string(e.Payload),
		Timestamp: e.Timestamp,
	}
}

// Event converts an archive row back into a feed entry.
func (r ActivityRecord) Event() ActivityEvent {
	return ActivityEvent{
		Type:      r.Type,
		UserID:    r.UserID,
		Payload:   json.RawMessage(r.Payload),
		Timestamp: r.Timestamp,
	}
}
