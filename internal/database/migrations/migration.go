package migrations

import (
	"broker-api/internal/models"

	"gorm.io/gorm"
)

type Migration struct {
	Name string
	Run  func(*gorm.DB) error
}

func GetMigrations() []Migration {
	return []Migration{
		{
			Name: "CreateUsersTable",
			Run: func(db *gorm.DB) error {
				return db.AutoMigrate(&models.User{})
			},
		},
		{
			Name: "CreateServiceInstancesTable",
			Run: func(db *gorm.DB) error {
				return db.AutoMigrate(&models.ServiceInstance{})
			},
		},
		{
			Name: "CreateUserInstanceAbilitiesTable",
			Run: func(db *gorm.DB) error {
				return db.AutoMigrate(&models.UserInstanceAbility{})
			},
		},
		{
			Name: "CreateResourceUsageEventsTable",
			Run: func(db *gorm.DB) error {
				return db.AutoMigrate(&models.ResourceUsageEvent{})
			},
		},
		{
			Name: "CreateAuditLogsTable",
			Run: func(db *gorm.DB) error {
				return db.AutoMigrate(&models.AuditLog{})
			},
		},
		{
			// Payload tags must agree with the owning row. The application
			// checks this too; the constraint catches manual edits.
			Name: "AddPayloadTypeChecks",
			Run: func(db *gorm.DB) error {
				if err := db.Exec(`ALTER TABLE service_instances
					ADD CONSTRAINT chk_instance_config_type
					CHECK (config IS NULL OR config->>'type' = type)`).Error; err != nil {
					return err
				}
				return db.Exec(`ALTER TABLE resource_usage_events
					ADD CONSTRAINT chk_usage_detail_type
					CHECK (detail->>'type' = type)`).Error
			},
		},
	}
}
