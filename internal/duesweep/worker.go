package duesweep

import (
	"context"

	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/service"
)

const dueReason = "calibration due date reached"

// StatusChanger moves a gauge, and its set companion, to a new status.
type StatusChanger interface {
	CascadeStatusChange(ctx context.Context, gaugeID int64, newStatus model.GaugeStatus, actingUser int64, reason string) (*service.CascadeResult, error)
}

// WorkerPool manages a pool of workers flagging gauges as calibration_due.
type WorkerPool struct {
	size    int
	jobs    chan int64
	changer StatusChanger
	actor   int64
	log     *logger.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, changer StatusChanger, actor int64, log *logger.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan int64, size),
		changer: changer,
		actor:   actor,
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("worker started", "worker", id)
	for {
		select {
		case gaugeID := <-wp.jobs:
			wp.flag(ctx, id, gaugeID)
		case <-ctx.Done():
			wp.log.Debug("worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues a gauge. It returns false if ctx ends first.
func (wp *WorkerPool) Dispatch(ctx context.Context, gaugeID int64) bool {
	select {
	case wp.jobs <- gaugeID:
		return true
	case <-ctx.Done():
		return false
	}
}

func (wp *WorkerPool) flag(ctx context.Context, worker int, gaugeID int64) {
	res, err := wp.changer.CascadeStatusChange(ctx, gaugeID, model.GaugeStatusCalibrationDue, wp.actor, dueReason)
	switch {
	case err == nil:
		ids := []int64{res.Gauge.ID}
		if res.Companion != nil {
			ids = append(ids, res.Companion.ID)
		}
		wp.log.Info("gauges flagged calibration due", "worker", worker, "gauge_ids", ids)
	case apperr.KindOf(err) == apperr.KindConflict, apperr.KindOf(err) == apperr.KindNotFound:
		// The gauge or its companion moved on since the sweep; the next sweep
		// picks it up again if it is still due.
		wp.log.Info("skipping gauge", "worker", worker, "gauge_id", gaugeID, "reason", apperr.CodeOf(err))
	default:
		wp.log.Error("failed to flag gauge calibration due", "worker", worker, "gauge_id", gaugeID, "error", err)
	}
}
