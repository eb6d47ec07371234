package storage

import (
	"fmt"

	"github.com/ej-framework/ej/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every model migrated into the store.
func AllModels() []interface{} {
	return []interface{}{
		&models.Client{},
		&models.Builder{},
		&models.Board{},
		&models.BoardConfig{},
		&models.Job{},
		&models.JobLog{},
		&models.JobResult{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("storage: auto-migrate: %w", err)
	}
	return nil
}
