package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/txn"
)

// GaugeSetRepo runs set-scoped queries. Set membership is a shared set_id on
// the gauge rows; assigning and clearing always write set_id and is_spare in
// the same statement.
type GaugeSetRepo interface {
	Members(tx txn.Tx, setID string) ([]model.Gauge, error)
	FindCompanion(tx txn.Tx, setID string, excludeID int64) (*model.Gauge, error)
	Assign(tx txn.Tx, setID string, ids ...int64) error
	Clear(tx txn.Tx, ids ...int64) error
	AppendHistory(tx txn.Tx, entry *model.SetHistory) error
	History(tx txn.Tx, setID string) ([]model.SetHistory, error)
}

type gaugeSetRepo struct {
	log *logger.Logger
}

// NewGaugeSetRepo creates a set repository. It holds no database handle.
func NewGaugeSetRepo(baseLog *logger.Logger) GaugeSetRepo {
	return &gaugeSetRepo{log: baseLog.With("repo", "GaugeSetRepo")}
}

// Members returns the live gauges carrying setID, ordered by id, with specs.
func (r *gaugeSetRepo) Members(tx txn.Tx, setID string) ([]model.Gauge, error) {
	var members []model.Gauge
	if err := tx.DB().
		Preload("ThreadSpec").
		Where("set_id = ? AND is_deleted = ?", setID, false).
		Order("id ASC").
		Find(&members).Error; err != nil {
		return nil, fmt.Errorf("failed to load members of set %s: %w", setID, err)
	}
	return members, nil
}

// FindCompanion returns the live set-mate of excludeID, or nil when none exists.
func (r *gaugeSetRepo) FindCompanion(tx txn.Tx, setID string, excludeID int64) (*model.Gauge, error) {
	var companion model.Gauge
	err := tx.DB().
		Where("set_id = ? AND id <> ? AND is_deleted = ?", setID, excludeID, false).
		Order("id ASC").
		First(&companion).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find companion of gauge %d in set %s: %w", excludeID, setID, err)
	}
	return &companion, nil
}

func (r *gaugeSetRepo) Assign(tx txn.Tx, setID string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := tx.DB().Model(&model.Gauge{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"set_id":     setID,
			"is_spare":   false,
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to assign gauges %v to set %s: %w", ids, setID, err)
	}
	return nil
}

func (r *gaugeSetRepo) Clear(tx txn.Tx, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := tx.DB().Model(&model.Gauge{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"set_id":     nil,
			"is_spare":   true,
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to clear set membership of gauges %v: %w", ids, err)
	}
	return nil
}

func (r *gaugeSetRepo) AppendHistory(tx txn.Tx, entry *model.SetHistory) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := tx.DB().Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append %s history for set %s: %w", entry.Action, entry.SetID, err)
	}
	return nil
}

func (r *gaugeSetRepo) History(tx txn.Tx, setID string) ([]model.SetHistory, error) {
	var entries []model.SetHistory
	if err := tx.DB().
		Where("set_id = ?", setID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load history of set %s: %w", setID, err)
	}
	return entries, nil
}
