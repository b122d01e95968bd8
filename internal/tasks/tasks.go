// Package tasks defines the asynq task types exchanged between the gateway
// and the background worker.
package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"collaborative-diagram/internal/domain"
)

const (
	// TypeActivityPersistence archives one room activity event.
	TypeActivityPersistence = "activity:persist"
)

// ActivityPersistencePayload carries the event together with its room.
type ActivityPersistencePayload struct {
	RoomID string               `json:"room_id"`
	Event  domain.ActivityEvent `json:"event"`
}

// NewActivityPersistenceTask builds the enqueueable task.
func NewActivityPersistenceTask(roomID string, event domain.ActivityEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(ActivityPersistencePayload{RoomID: roomID, Event: event})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeActivityPersistence, payload), nil
}
