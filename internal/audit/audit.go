// Package audit records one structured event per state-changing core
// operation, inside the caller's transaction.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/txn"
)

// Entity types used by the core.
const (
	EntityGauge            = "gauge"
	EntityGaugeSet         = "gauge_set"
	EntityCalibrationBatch = "calibration_batch"
)

// Event is a single audit record.
type Event struct {
	ActorID    int64
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
}

// Recorder accepts audit events. A failing Record rolls back the operation
// that emitted it.
type Recorder interface {
	Record(tx txn.Tx, ev Event) error
}

// GormRecorder stores events in the audit_logs table.
type GormRecorder struct {
	log *logger.Logger
}

func NewGormRecorder(baseLog *logger.Logger) *GormRecorder {
	return &GormRecorder{log: baseLog.With("component", "audit")}
}

func (r *GormRecorder) Record(tx txn.Tx, ev Event) error {
	var details datatypes.JSON
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details for %s: %w", ev.Action, err)
		}
		details = datatypes.JSON(raw)
	}

	row := model.AuditLog{
		ActorID:    ev.ActorID,
		Action:     ev.Action,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.DB().Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record audit event %s on %s %s: %w", ev.Action, ev.EntityType, ev.EntityID, err)
	}
	r.log.Debug("audit event recorded", "action", ev.Action, "entity_type", ev.EntityType, "entity_id", ev.EntityID)
	return nil
}

// List returns the events recorded against one entity, oldest first.
func (r *GormRecorder) List(tx txn.Tx, entityType, entityID string) ([]model.AuditLog, error) {
	var rows []model.AuditLog
	if err := tx.DB().
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit events for %s %s: %w", entityType, entityID, err)
	}
	return rows, nil
}
