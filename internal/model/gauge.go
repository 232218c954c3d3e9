package model

import "time"

// GaugeStatus is the lifecycle status of a gauge.
type GaugeStatus string

const (
	GaugeStatusAvailable          GaugeStatus = "available"
	GaugeStatusCheckedOut         GaugeStatus = "checked_out"
	GaugeStatusCalibrationDue     GaugeStatus = "calibration_due"
	GaugeStatusOutForCalibration  GaugeStatus = "out_for_calibration"
	GaugeStatusPendingCertificate GaugeStatus = "pending_certificate"
	GaugeStatusPendingRelease     GaugeStatus = "pending_release"
	GaugeStatusOutOfService       GaugeStatus = "out_of_service"
	GaugeStatusRetired            GaugeStatus = "retired"
)

// Valid reports whether s is a known status.
func (s GaugeStatus) Valid() bool {
	switch s {
	case GaugeStatusAvailable, GaugeStatusCheckedOut, GaugeStatusCalibrationDue,
		GaugeStatusOutForCalibration, GaugeStatusPendingCertificate, GaugeStatusPendingRelease,
		GaugeStatusOutOfService, GaugeStatusRetired:
		return true
	}
	return false
}

// InCalibration reports whether the gauge is somewhere in a calibration round-trip.
func (s GaugeStatus) InCalibration() bool {
	switch s {
	case GaugeStatusOutForCalibration, GaugeStatusPendingCertificate, GaugeStatusPendingRelease:
		return true
	}
	return false
}

// EquipmentType is the broad equipment category of a gauge record.
type EquipmentType string

const (
	EquipmentThreadGauge         EquipmentType = "thread_gauge"
	EquipmentHandTool            EquipmentType = "hand_tool"
	EquipmentLargeEquipment      EquipmentType = "large_equipment"
	EquipmentCalibrationStandard EquipmentType = "calibration_standard"
)

// OwnershipType records who owns the physical item.
type OwnershipType string

const (
	OwnershipCompany  OwnershipType = "company"
	OwnershipEmployee OwnershipType = "employee"
	OwnershipCustomer OwnershipType = "customer"
)

// Gauge is a physical measuring instrument or equipment item.
//
// Pairing lives entirely in SetID: the two members of a GO/NO-GO set share
// the same value. There is no pointer from one gauge row to the other.
type Gauge struct {
	ID              int64         `gorm:"primaryKey" json:"id"`
	GaugeID         string        `gorm:"size:64;uniqueIndex;not null" json:"gauge_id"`
	SetID           *string       `gorm:"size:64;index" json:"set_id"`
	EquipmentType   EquipmentType `gorm:"size:32;not null" json:"equipment_type"`
	Status          GaugeStatus   `gorm:"size:32;not null;index" json:"status"`
	IsSealed        bool          `gorm:"not null;default:false" json:"is_sealed"`
	IsSpare         bool          `gorm:"not null;default:false;check:chk_gauges_set_not_spare,set_id IS NULL OR is_spare = false" json:"is_spare"`
	StorageLocation string        `gorm:"size:128" json:"storage_location"`
	OwnershipType   OwnershipType `gorm:"size:16;not null;default:'company'" json:"ownership_type"`
	OwnerName       string        `gorm:"size:128" json:"owner_name,omitempty"`

	CheckedOutBy *int64     `json:"checked_out_by,omitempty"`
	CheckedOutAt *time.Time `json:"checked_out_at,omitempty"`

	CalibrationFrequencyDays int        `gorm:"not null;default:0" json:"calibration_frequency_days"`
	CalibrationDueDate       *time.Time `json:"calibration_due_date,omitempty"`

	IsDeleted bool       `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	CreatedBy int64     `gorm:"not null" json:"created_by"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	ThreadSpec *GaugeThreadSpecification `gorm:"foreignKey:GaugeID;references:ID" json:"thread_spec,omitempty"`
}

// InSet reports whether the gauge currently carries a set identifier.
func (g *Gauge) InSet() bool {
	return g.SetID != nil && *g.SetID != ""
}
