// Package duesweep periodically moves available gauges whose calibration due
// date has passed to calibration_due, cascading to set companions.
package duesweep

import (
	"context"
	"time"

	"gauge-tracking-backend/config"
	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/store"
	"gauge-tracking-backend/internal/txn"
)

// maxPerSweep caps the rows read in one sweep. Anything left over is picked
// up by the next one.
const maxPerSweep = 500

// Sweeper finds due gauges and hands them to the worker pool.
type Sweeper struct {
	cfg    config.DueSweepConfig
	runner *txn.Runner
	gauges store.GaugeRepo
	pool   *WorkerPool
	log    *logger.Logger
	now    func() time.Time
}

// NewSweeper creates a sweeper and its worker pool.
func NewSweeper(cfg config.DueSweepConfig, runner *txn.Runner, gauges store.GaugeRepo, changer StatusChanger, baseLog *logger.Logger) *Sweeper {
	log := baseLog.With("component", "DueSweeper")
	return &Sweeper{
		cfg:    cfg,
		runner: runner,
		gauges: gauges,
		pool:   NewWorkerPool(cfg.Workers, changer, cfg.ActorID, log),
		log:    log,
		now:    time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("due sweep is disabled, not starting")
		return
	}
	s.log.Info("starting due sweep", "interval", s.cfg.Interval, "workers", s.cfg.Workers)

	s.pool.Start(ctx)

	s.SweepOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("due sweep shutting down")
			return
		case <-timer.C:
			s.SweepOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// SweepOnce dispatches one job per due set or unpaired gauge and returns the
// dispatched gauge ids. The pool must be started.
func (s *Sweeper) SweepOnce(ctx context.Context) []int64 {
	var due []model.Gauge
	err := s.runner.Run(ctx, func(tx txn.Tx) error {
		var err error
		due, err = s.gauges.DueForCalibration(tx, s.now().UTC(), maxPerSweep)
		return err
	})
	if err != nil {
		s.log.Error("failed to list due gauges", "error", err)
		return nil
	}

	jobs := jobsFor(due)
	dispatched := make([]int64, 0, len(jobs))
	for _, id := range jobs {
		if !s.pool.Dispatch(ctx, id) {
			break
		}
		dispatched = append(dispatched, id)
	}
	if len(dispatched) > 0 {
		s.log.Info("due sweep dispatched gauges", "count", len(dispatched), "due", len(due))
	}
	return dispatched
}

// jobsFor keeps one gauge per set; the cascade flags its companion.
func jobsFor(due []model.Gauge) []int64 {
	seen := make(map[string]struct{})
	out := make([]int64, 0, len(due))
	for _, g := range due {
		if g.InSet() {
			if _, ok := seen[*g.SetID]; ok {
				continue
			}
			seen[*g.SetID] = struct{}{}
		}
		out = append(out, g.ID)
	}
	return out
}
