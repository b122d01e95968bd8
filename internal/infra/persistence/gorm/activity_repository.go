// Package gormpersistence implements the archive repositories on gorm.
package gormpersistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"collaborative-diagram/internal/domain"
)

type GormActivityRepository struct {
	db *gorm.DB
}

func NewGormActivityRepository(db *gorm.DB) *GormActivityRepository {
	if db == nil {
		panic("gorm DB cannot be nil for GormActivityRepository")
	}
	return &GormActivityRepository{db: db}
}

func (r *GormActivityRepository) Save(ctx context.Context, record domain.ActivityRecord) error {
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("save activity record: %w", err)
	}
	return nil
}

func (r *GormActivityRepository) SaveBatch(ctx context.Context, records []domain.ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("save activity batch: %w", err)
	}
	return nil
}

func (r *GormActivityRepository) ListByRoom(ctx context.Context, roomID string, limit int) ([]domain.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []domain.ActivityRecord
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list activity records: %w", err)
	}
	return records, nil
}
