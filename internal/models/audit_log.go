package models

import (
	"time"

	"gorm.io/gorm"
)

// AuditLog records one administrative mutation.
type AuditLog struct {
	gorm.Model
	ActorID    string    `gorm:"type:varchar(64);index" json:"actorId"`
	Action     string    `gorm:"type:varchar(64)" json:"action"`
	EntityType string    `gorm:"type:varchar(64)" json:"entityType"`
	EntityID   string    `gorm:"type:varchar(64);index" json:"entityId"`
	Details    string    `gorm:"type:text" json:"details"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
}
