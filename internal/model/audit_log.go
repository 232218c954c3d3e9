package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is the default storage for audit events.
type AuditLog struct {
	ID         int64          `gorm:"primaryKey" json:"id"`
	ActorID    int64          `gorm:"not null;index" json:"actor_id"`
	Action     string         `gorm:"size:64;not null" json:"action"`
	EntityType string         `gorm:"size:32;not null;index:idx_audit_entity" json:"entity_type"`
	EntityID   string         `gorm:"size:64;not null;index:idx_audit_entity" json:"entity_id"`
	Details    datatypes.JSON `json:"details,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
}
