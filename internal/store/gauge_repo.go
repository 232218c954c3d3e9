package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/txn"
)

// GaugeRepo persists gauge rows and their thread specifications.
type GaugeRepo interface {
	Create(tx txn.Tx, g *model.Gauge) error
	CreateThreadSpec(tx txn.Tx, spec *model.GaugeThreadSpecification) error
	Get(tx txn.Tx, id int64) (*model.Gauge, error)
	LockForUpdate(tx txn.Tx, ids ...int64) ([]model.Gauge, error)
	ThreadSpecs(tx txn.Tx, ids ...int64) (map[int64]model.GaugeThreadSpecification, error)
	GaugeIDExists(tx txn.Tx, gaugeID string) (bool, error)
	Update(tx txn.Tx, id int64, updates map[string]interface{}) error
	UpdateMany(tx txn.Tx, ids []int64, updates map[string]interface{}) error
	DueForCalibration(tx txn.Tx, asOf time.Time, limit int) ([]model.Gauge, error)
}

type gaugeRepo struct {
	log *logger.Logger
}

// NewGaugeRepo creates a gauge repository. It holds no database handle.
func NewGaugeRepo(baseLog *logger.Logger) GaugeRepo {
	return &gaugeRepo{log: baseLog.With("repo", "GaugeRepo")}
}

func (r *gaugeRepo) Create(tx txn.Tx, g *model.Gauge) error {
	if err := tx.DB().Omit(clause.Associations).Create(g).Error; err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", g.GaugeID, err)
	}
	return nil
}

func (r *gaugeRepo) CreateThreadSpec(tx txn.Tx, spec *model.GaugeThreadSpecification) error {
	if err := tx.DB().Create(spec).Error; err != nil {
		return fmt.Errorf("failed to create thread specification for gauge %d: %w", spec.GaugeID, err)
	}
	return nil
}

// Get returns a live gauge with its thread specification, without locking it.
func (r *gaugeRepo) Get(tx txn.Tx, id int64) (*model.Gauge, error) {
	var g model.Gauge
	err := tx.DB().
		Preload("ThreadSpec").
		Where("id = ? AND is_deleted = ?", id, false).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("gauge_not_found").With("gauge_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gauge %d: %w", id, err)
	}
	return &g, nil
}

// LockForUpdate locks the given live gauges with SELECT ... FOR UPDATE. Rows
// are locked in ascending id order so two pair-wide operations can never
// acquire the same pair in opposite orders. Every id must exist.
func (r *gaugeRepo) LockForUpdate(tx txn.Tx, ids ...int64) ([]model.Gauge, error) {
	ordered := uniqueSorted(ids)
	if len(ordered) == 0 {
		return nil, nil
	}

	var rows []model.Gauge
	err := tx.DB().
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ? AND is_deleted = ?", ordered, false).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock gauges %v: %w", ordered, err)
	}
	if len(rows) != len(ordered) {
		found := make(map[int64]bool, len(rows))
		for _, g := range rows {
			found[g.ID] = true
		}
		var missing []int64
		for _, id := range ordered {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, apperr.NotFound("gauge_not_found").With("gauge_ids", missing)
	}
	return rows, nil
}

func (r *gaugeRepo) ThreadSpecs(tx txn.Tx, ids ...int64) (map[int64]model.GaugeThreadSpecification, error) {
	out := make(map[int64]model.GaugeThreadSpecification, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var specs []model.GaugeThreadSpecification
	if err := tx.DB().Where("gauge_id IN ?", ids).Find(&specs).Error; err != nil {
		return nil, fmt.Errorf("failed to load thread specifications: %w", err)
	}
	for _, s := range specs {
		out[s.GaugeID] = s
	}
	return out, nil
}

// GaugeIDExists checks the human-facing identifier, including soft-deleted rows.
func (r *gaugeRepo) GaugeIDExists(tx txn.Tx, gaugeID string) (bool, error) {
	var count int64
	if err := tx.DB().Model(&model.Gauge{}).Where("gauge_id = ?", gaugeID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check gauge id %s: %w", gaugeID, err)
	}
	return count > 0, nil
}

func (r *gaugeRepo) Update(tx txn.Tx, id int64, updates map[string]interface{}) error {
	return r.UpdateMany(tx, []int64{id}, updates)
}

// UpdateMany applies one UPDATE statement to every listed gauge.
func (r *gaugeRepo) UpdateMany(tx txn.Tx, ids []int64, updates map[string]interface{}) error {
	if len(ids) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	if err := tx.DB().Model(&model.Gauge{}).Where("id IN ?", ids).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update gauges %v: %w", ids, err)
	}
	return nil
}

// DueForCalibration lists live, available gauges whose calibration due date
// is at or before asOf, oldest due first.
func (r *gaugeRepo) DueForCalibration(tx txn.Tx, asOf time.Time, limit int) ([]model.Gauge, error) {
	var rows []model.Gauge
	q := tx.DB().
		Where("status = ? AND is_deleted = ?", model.GaugeStatusAvailable, false).
		Where("calibration_due_date IS NOT NULL AND calibration_due_date <= ?", asOf).
		Order("calibration_due_date ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list gauges due for calibration: %w", err)
	}
	return rows, nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
