package model

import "time"

// CalibrationType distinguishes in-house from vendor calibration.
type CalibrationType string

const (
	CalibrationInternal CalibrationType = "internal"
	CalibrationExternal CalibrationType = "external"
)

// BatchStatus is the state of a calibration batch.
type BatchStatus string

const (
	BatchStatusPendingSend BatchStatus = "pending_send"
	BatchStatusSent        BatchStatus = "sent"
	BatchStatusCompleted   BatchStatus = "completed"
	BatchStatusCancelled   BatchStatus = "cancelled"
)

// ActiveBatchStatuses are the statuses under which membership is exclusive.
var ActiveBatchStatuses = []BatchStatus{BatchStatusPendingSend, BatchStatusSent}

// Active reports whether a gauge in a batch with this status is spoken for.
func (s BatchStatus) Active() bool {
	return s == BatchStatusPendingSend || s == BatchStatusSent
}

// CalibrationBatch is a group of gauges sent together for calibration.
type CalibrationBatch struct {
	ID                 int64           `gorm:"primaryKey" json:"id"`
	CalibrationType    CalibrationType `gorm:"size:16;not null" json:"calibration_type"`
	VendorName         *string         `gorm:"size:128" json:"vendor_name,omitempty"`
	TrackingNumber     *string         `gorm:"size:128;check:chk_batches_external_vendor,calibration_type = 'internal' OR (vendor_name IS NOT NULL AND tracking_number IS NOT NULL)" json:"tracking_number,omitempty"`
	Status             BatchStatus     `gorm:"size:32;not null;index" json:"status"`
	CreatedBy          int64           `gorm:"not null" json:"created_by"`
	CreatedAt          time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"not null" json:"updated_at"`
	SentAt             *time.Time      `json:"sent_at,omitempty"`
	SentBy             *int64          `json:"sent_by,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy        *int64          `json:"cancelled_by,omitempty"`
	CancellationReason string          `gorm:"size:512" json:"cancellation_reason,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`

	Members []CalibrationBatchGauge `gorm:"foreignKey:BatchID" json:"members,omitempty"`
}

// CalibrationResult is the outcome recorded on a calibration certificate.
type CalibrationResult string

const (
	CalibrationPass CalibrationResult = "pass"
	CalibrationFail CalibrationResult = "fail"
)

// CalibrationBatchGauge joins a batch and a gauge and tracks that gauge's
// progress through the round-trip. A row is closed once the gauge is released
// or failed.
type CalibrationBatchGauge struct {
	BatchID           int64              `gorm:"primaryKey;autoIncrement:false" json:"batch_id"`
	GaugeID           int64              `gorm:"primaryKey;autoIncrement:false;index" json:"gauge_id"`
	AddedBy           int64              `gorm:"not null" json:"added_by"`
	AddedAt           time.Time          `gorm:"not null" json:"added_at"`
	ReceivedAt        *time.Time         `json:"received_at,omitempty"`
	ReceivedBy        *int64             `json:"received_by,omitempty"`
	CertificateNumber string             `gorm:"size:128" json:"certificate_number,omitempty"`
	Result            *CalibrationResult `gorm:"size:8" json:"result,omitempty"`
	CertifiedAt       *time.Time         `json:"certified_at,omitempty"`
	ReleasedAt        *time.Time         `json:"released_at,omitempty"`
	ReleasedBy        *int64             `json:"released_by,omitempty"`
	ClosedAt          *time.Time         `json:"closed_at,omitempty"`
}

// BatchStatistics summarizes a batch's round-trip progress.
type BatchStatistics struct {
	BatchID     int64 `json:"batch_id"`
	Total       int64 `json:"total"`
	Received    int64 `json:"received"`
	Certified   int64 `json:"certified"`
	Released    int64 `json:"released"`
	Failed      int64 `json:"failed"`
	Outstanding int64 `json:"outstanding"`
}
