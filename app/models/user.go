package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User is the funding account. Identity and profile data are owned by the
// identity layer; this service only reads the name and mutates Balance.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"type:varchar(150)" json:"name"`
	Email     string         `gorm:"uniqueIndex;type:varchar(200)" json:"email"`
	Status    string         `gorm:"type:varchar(50);default:'active'" json:"status"`
	Balance   int64          `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}
