package db

import (
	"fmt"

	"github.com/zulandar/greenroom/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Participant{},
		&models.Round{},
		&models.RoundSlot{},
		&models.Run{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all scheduler tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
