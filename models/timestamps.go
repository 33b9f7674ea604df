package models

import (
	"time"

	"gorm.io/gorm"
)

// Timestamps adds GORM auto-times. Rooms and claims are never hard-deleted;
// the soft-delete column exists for operational cleanup only.
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
