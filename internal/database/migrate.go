package database

import (
	"errors"
	"fmt"

	"broker-api/internal/database/migrations"
	"broker-api/internal/logger"
	"broker-api/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunMigrations applies every migration not yet recorded in
// migration_records, each inside its own transaction.
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.MigrationRecord{}); err != nil {
		return fmt.Errorf("failed to create migrations table: %v", err)
	}

	for _, migration := range migrations.GetMigrations() {
		var record models.MigrationRecord
		result := db.Where("name = ?", migration.Name).First(&record)

		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			logger.LogEvent(logrus.InfoLevel, "Running migration", logrus.Fields{"name": migration.Name})

			err := db.Transaction(func(tx *gorm.DB) error {
				if err := migration.Run(tx); err != nil {
					return err
				}

				return tx.Create(&models.MigrationRecord{Name: migration.Name}).Error
			})

			if err != nil {
				return fmt.Errorf("migration '%s' failed: %v", migration.Name, err)
			}
		} else if result.Error != nil {
			return fmt.Errorf("failed to check migration status: %v", result.Error)
		}
	}

	return nil
}
