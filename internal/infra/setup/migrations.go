package setup

import (
	"fmt"

	"gorm.io/gorm"

	"collaborative-diagram/internal/domain"
)

// MigrateDB creates/updates the archive tables.
func MigrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.ActivityRecord{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}
