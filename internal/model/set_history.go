package model

import (
	"time"

	"gorm.io/datatypes"
)

// SetAction names a pairing-affecting event.
type SetAction string

const (
	SetActionCreatedTogether  SetAction = "created_together"
	SetActionPairedFromSpares SetAction = "paired_from_spares"
	SetActionReplaced         SetAction = "replaced"
	SetActionOrphaned         SetAction = "orphaned"
	SetActionCascadedStatus   SetAction = "cascaded_status"
	SetActionCascadedLocation SetAction = "cascaded_location"
	SetActionCascadedCheckout SetAction = "cascaded_checkout"
	SetActionCascadedCheckin  SetAction = "cascaded_checkin"
)

// SetHistory is an append-only record of a pairing-affecting event. Rows are
// never updated or deleted.
type SetHistory struct {
	ID          int64          `gorm:"primaryKey" json:"id"`
	SetID       string         `gorm:"size:64;not null;index" json:"set_id"`
	GoGaugeID   *int64         `gorm:"index" json:"go_gauge_id"`
	NoGoGaugeID *int64         `gorm:"index" json:"no_go_gauge_id"`
	Action      SetAction      `gorm:"size:32;not null" json:"action"`
	ActorID     int64          `gorm:"not null" json:"actor_id"`
	Reason      string         `gorm:"size:512" json:"reason"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

// TableName keeps the singular table name used across the schema.
func (SetHistory) TableName() string { return "set_history" }
