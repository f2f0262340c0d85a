package models

import (
	"time"
)

type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// User is owned by the account system; this service reads it by id and role.
type User struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Username  string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	Role      UserRole  `gorm:"type:varchar(16);not null" json:"role"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// Principal is the authenticated caller of an internal operation.
type Principal struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}
