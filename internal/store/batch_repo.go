package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/txn"
)

// CalibrationBatchRepo persists calibration batches and their membership.
type CalibrationBatchRepo interface {
	Create(tx txn.Tx, b *model.CalibrationBatch) error
	Get(tx txn.Tx, id int64) (*model.CalibrationBatch, error)
	LockForUpdate(tx txn.Tx, id int64) (*model.CalibrationBatch, error)
	Update(tx txn.Tx, id int64, updates map[string]interface{}) error

	AddMember(tx txn.Tx, m *model.CalibrationBatchGauge) error
	RemoveMember(tx txn.Tx, batchID, gaugeID int64) error
	Member(tx txn.Tx, batchID, gaugeID int64) (*model.CalibrationBatchGauge, error)
	Members(tx txn.Tx, batchID int64) ([]model.CalibrationBatchGauge, error)
	UpdateMember(tx txn.Tx, batchID, gaugeID int64, updates map[string]interface{}) error
	ActiveBatchForGauge(tx txn.Tx, gaugeID int64) (*model.CalibrationBatch, error)
	Statistics(tx txn.Tx, batchID int64) (model.BatchStatistics, error)
}

type calibrationBatchRepo struct {
	log *logger.Logger
}

// NewCalibrationBatchRepo creates a batch repository. It holds no database handle.
func NewCalibrationBatchRepo(baseLog *logger.Logger) CalibrationBatchRepo {
	return &calibrationBatchRepo{log: baseLog.With("repo", "CalibrationBatchRepo")}
}

func (r *calibrationBatchRepo) Create(tx txn.Tx, b *model.CalibrationBatch) error {
	if err := tx.DB().Omit(clause.Associations).Create(b).Error; err != nil {
		return fmt.Errorf("failed to create calibration batch: %w", err)
	}
	return nil
}

// Get returns the batch with its membership rows.
func (r *calibrationBatchRepo) Get(tx txn.Tx, id int64) (*model.CalibrationBatch, error) {
	var b model.CalibrationBatch
	err := tx.DB().
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("gauge_id ASC") }).
		First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("batch_not_found").With("batch_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration batch %d: %w", id, err)
	}
	return &b, nil
}

func (r *calibrationBatchRepo) LockForUpdate(tx txn.Tx, id int64) (*model.CalibrationBatch, error) {
	var b model.CalibrationBatch
	err := tx.DB().
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("batch_not_found").With("batch_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock calibration batch %d: %w", id, err)
	}
	return &b, nil
}

func (r *calibrationBatchRepo) Update(tx txn.Tx, id int64, updates map[string]interface{}) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	if err := tx.DB().Model(&model.CalibrationBatch{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update calibration batch %d: %w", id, err)
	}
	return nil
}

func (r *calibrationBatchRepo) AddMember(tx txn.Tx, m *model.CalibrationBatchGauge) error {
	if m.AddedAt.IsZero() {
		m.AddedAt = time.Now().UTC()
	}
	if err := tx.DB().Create(m).Error; err != nil {
		return fmt.Errorf("failed to add gauge %d to batch %d: %w", m.GaugeID, m.BatchID, err)
	}
	return nil
}

func (r *calibrationBatchRepo) RemoveMember(tx txn.Tx, batchID, gaugeID int64) error {
	res := tx.DB().Where("batch_id = ? AND gauge_id = ?", batchID, gaugeID).Delete(&model.CalibrationBatchGauge{})
	if res.Error != nil {
		return fmt.Errorf("failed to remove gauge %d from batch %d: %w", gaugeID, batchID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("batch_member_not_found").With("batch_id", batchID).With("gauge_id", gaugeID)
	}
	return nil
}

func (r *calibrationBatchRepo) Member(tx txn.Tx, batchID, gaugeID int64) (*model.CalibrationBatchGauge, error) {
	var m model.CalibrationBatchGauge
	err := tx.DB().Where("batch_id = ? AND gauge_id = ?", batchID, gaugeID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("batch_member_not_found").With("batch_id", batchID).With("gauge_id", gaugeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member %d of batch %d: %w", gaugeID, batchID, err)
	}
	return &m, nil
}

func (r *calibrationBatchRepo) Members(tx txn.Tx, batchID int64) ([]model.CalibrationBatchGauge, error) {
	var members []model.CalibrationBatchGauge
	if err := tx.DB().Where("batch_id = ?", batchID).Order("gauge_id ASC").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("failed to load members of batch %d: %w", batchID, err)
	}
	return members, nil
}

func (r *calibrationBatchRepo) UpdateMember(tx txn.Tx, batchID, gaugeID int64, updates map[string]interface{}) error {
	err := tx.DB().Model(&model.CalibrationBatchGauge{}).
		Where("batch_id = ? AND gauge_id = ?", batchID, gaugeID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update member %d of batch %d: %w", gaugeID, batchID, err)
	}
	return nil
}

// ActiveBatchForGauge returns the active batch holding an open membership for
// the gauge, or nil.
func (r *calibrationBatchRepo) ActiveBatchForGauge(tx txn.Tx, gaugeID int64) (*model.CalibrationBatch, error) {
	var b model.CalibrationBatch
	err := tx.DB().
		Select("calibration_batches.*").
		Joins("JOIN calibration_batch_gauges m ON m.batch_id = calibration_batches.id").
		Where("m.gauge_id = ? AND m.closed_at IS NULL AND calibration_batches.status IN ?", gaugeID, model.ActiveBatchStatuses).
		Order("calibration_batches.id ASC").
		Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active batch for gauge %d: %w", gaugeID, err)
	}
	return &b, nil
}

func (r *calibrationBatchRepo) Statistics(tx txn.Tx, batchID int64) (model.BatchStatistics, error) {
	type aggRow struct {
		Total       int64
		Received    int64
		Certified   int64
		Released    int64
		Failed      int64
		Outstanding int64
	}
	var agg aggRow
	err := tx.DB().
		Model(&model.CalibrationBatchGauge{}).
		Select("COUNT(*) AS total, "+
			"COUNT(received_at) AS received, "+
			"COUNT(certified_at) AS certified, "+
			"COUNT(released_at) AS released, "+
			"COALESCE(SUM(CASE WHEN result = ? THEN 1 ELSE 0 END), 0) AS failed, "+
			"COALESCE(SUM(CASE WHEN closed_at IS NULL THEN 1 ELSE 0 END), 0) AS outstanding", model.CalibrationFail).
		Where("batch_id = ?", batchID).
		Scan(&agg).Error
	if err != nil {
		return model.BatchStatistics{}, fmt.Errorf("failed to aggregate batch %d: %w", batchID, err)
	}
	return model.BatchStatistics{
		BatchID:     batchID,
		Total:       agg.Total,
		Received:    agg.Received,
		Certified:   agg.Certified,
		Released:    agg.Released,
		Failed:      agg.Failed,
		Outstanding: agg.Outstanding,
	}, nil
}
