package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-diagram/internal/repository"
	"collaborative-diagram/internal/tasks"
)

// ActivityPersistenceHandler archives room activity events.
type ActivityPersistenceHandler struct {
	activityRepo repository.ActivityRepository
}

func NewActivityPersistenceHandler(activityRepo repository.ActivityRepository) *ActivityPersistenceHandler {
	if activityRepo == nil {
		panic("ActivityRepository cannot be nil for ActivityPersistenceHandler")
	}
	return &ActivityPersistenceHandler{activityRepo: activityRepo}
}

// ProcessTask implements asynq.Handler.
func (h *ActivityPersistenceHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	retryCount, _ := asynq.GetRetryCount(ctx)
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     retryCount,
	})

	var payload tasks.ActivityPersistencePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := h.activityRepo.Save(ctx, payload.Event.Record(payload.RoomID)); err != nil {
		logCtx.WithError(err).WithField("room_id", payload.RoomID).Error("Failed to archive activity event")
		return fmt.Errorf("failed to save activity event for room %s: %w", payload.RoomID, err)
	}

	logCtx.WithFields(logrus.Fields{"room_id": payload.RoomID, "event": payload.Event.Type}).
		Debug("Activity event archived")
	return nil
}
