package repository

import (
	"context"

	"collaborative-diagram/internal/domain"
)

// ActivityRepository archives room activity events for diagnostics/history.
type ActivityRepository interface {
	Save(ctx context.Context, record domain.ActivityRecord) error
	SaveBatch(ctx context.Context, records []domain.ActivityRecord) error
	ListByRoom(ctx context.Context, roomID string, limit int) ([]domain.ActivityRecord, error)
}
