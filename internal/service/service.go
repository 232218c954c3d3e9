// Package service holds the gauge core: the set lifecycle service, the
// cascade engine and the calibration batch workflow. Each public method runs
// in exactly one transaction obtained from txn.Runner and hands that
// transaction to every repository call it makes.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"gorm.io/datatypes"

	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/audit"
	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/metrics"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/store"
	"gauge-tracking-backend/internal/txn"
)

// Deps bundles the collaborators shared by the core services.
type Deps struct {
	Runner  *txn.Runner
	Gauges  store.GaugeRepo
	Sets    store.GaugeSetRepo
	Batches store.CalibrationBatchRepo
	Audit   audit.Recorder
	Metrics metrics.Recorder
	Log     *logger.Logger
}

// base carries Deps plus the helpers every service uses.
type base struct {
	runner  *txn.Runner
	gauges  store.GaugeRepo
	sets    store.GaugeSetRepo
	batches store.CalibrationBatchRepo
	audit   audit.Recorder
	metrics metrics.Recorder
	log     *logger.Logger
}

func newBase(d Deps, component string) base {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop()
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	return base{
		runner:  d.Runner,
		gauges:  d.Gauges,
		sets:    d.Sets,
		batches: d.Batches,
		audit:   d.Audit,
		metrics: d.Metrics,
		log:     d.Log.With("component", component),
	}
}

// maxLockAttempts bounds how often lockPair and lockSet re-read a set that changed
// between the unlocked read and the locking read.
const maxLockAttempts = 3

// lockedPair is a gauge and its companion, both held under row locks.
type lockedPair struct {
	target    model.Gauge
	companion *model.Gauge
	// companionMissing is set when target carries a set id but no live
	// gauge shares it.
	companionMissing bool
}

func (p *lockedPair) ids() []int64 {
	if p.companion == nil {
		return []int64{p.target.ID}
	}
	return []int64{p.target.ID, p.companion.ID}
}

func (p *lockedPair) setID() string {
	if p.target.SetID == nil {
		return ""
	}
	return *p.target.SetID
}

// lockPair locks gaugeID and, when it belongs to a set, its companion. Both
// rows are locked by one ascending-order locking read, then the pairing is
// re-validated against the locked rows. If a concurrent transaction changed
// the pairing in between, the lookup is repeated.
func (b *base) lockPair(tx txn.Tx, gaugeID int64) (*lockedPair, error) {
	snapshot, err := b.gauges.Get(tx, gaugeID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		ids := []int64{gaugeID}
		var companionID int64
		if snapshot.InSet() {
			companion, err := b.sets.FindCompanion(tx, *snapshot.SetID, gaugeID)
			if err != nil {
				return nil, err
			}
			if companion != nil {
				companionID = companion.ID
				ids = append(ids, companionID)
			}
		}

		locked, err := b.gauges.LockForUpdate(tx, ids...)
		if err != nil {
			if companionID != 0 && errors.Is(err, apperr.ErrNotFound) {
				// The companion was deleted after it was found.
				if snapshot, err = b.gauges.Get(tx, gaugeID); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		target := pick(locked, gaugeID)
		if !sameSet(target.SetID, snapshot.SetID) {
			snapshot = &target
			continue
		}

		pair := &lockedPair{target: target}
		if companionID != 0 {
			companion := pick(locked, companionID)
			if !sameSet(companion.SetID, target.SetID) {
				snapshot = &target
				continue
			}
			pair.companion = &companion
			return pair, nil
		}

		if target.InSet() {
			late, err := b.sets.FindCompanion(tx, *target.SetID, gaugeID)
			if err != nil {
				return nil, err
			}
			if late != nil {
				snapshot = &target
				continue
			}
			pair.companionMissing = true
		}
		return pair, nil
	}

	return nil, apperr.Conflict("set_changed_concurrently").With("gauge_id", gaugeID)
}

// lockSet locks every live member of setID. The membership is read again
// after the locking read and the lookup is repeated when a member joined or
// left in between, so the returned rows are exactly the set's members.
func (b *base) lockSet(tx txn.Tx, setID string) ([]model.Gauge, error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		members, err := b.sets.Members(tx, setID)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, apperr.NotFound("set_not_found").With("set_id", setID)
		}

		locked, err := b.gauges.LockForUpdate(tx, gaugeIDs(members)...)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		current, err := b.sets.Members(tx, setID)
		if err != nil {
			return nil, err
		}
		if !slices.Equal(gaugeIDs(current), gaugeIDs(locked)) {
			continue
		}
		return locked, nil
	}

	return nil, apperr.Conflict("set_changed_concurrently").With("set_id", setID)
}

func gaugeIDs(rows []model.Gauge) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, g := range rows {
		ids = append(ids, g.ID)
	}
	return ids
}

func pick(rows []model.Gauge, id int64) model.Gauge {
	for _, g := range rows {
		if g.ID == id {
			return g
		}
	}
	return model.Gauge{}
}

func sameSet(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// companionMissingWarning reports a set member whose companion row is gone.
func (b *base) companionMissingWarning(op string, g model.Gauge) apperr.Warning {
	w := apperr.Warning{
		Code: "companion_missing",
		Context: map[string]any{
			"gauge_id": g.ID,
			"set_id":   *g.SetID,
		},
	}
	b.log.Warn("set member has no live companion, continuing with the found gauge",
		"operation", op, "gauge_id", g.ID, "set_id", *g.SetID)
	b.metrics.ConsistencyWarning(op)
	return w
}

// appendHistory writes one set history row. The GO and NO-GO columns are
// filled from the members' thread specifications.
func (b *base) appendHistory(tx txn.Tx, setID string, action model.SetAction, actor int64, reason string, gaugeIDs []int64, metadata map[string]any) error {
	specs, err := b.gauges.ThreadSpecs(tx, gaugeIDs...)
	if err != nil {
		return err
	}

	entry := &model.SetHistory{
		SetID:   setID,
		Action:  action,
		ActorID: actor,
		Reason:  reason,
	}
	var unassigned []int64
	for _, id := range gaugeIDs {
		id := id
		spec, ok := specs[id]
		switch {
		case ok && spec.IsGoGauge && entry.GoGaugeID == nil:
			entry.GoGaugeID = &id
		case ok && !spec.IsGoGauge && entry.NoGoGaugeID == nil:
			entry.NoGoGaugeID = &id
		default:
			unassigned = append(unassigned, id)
		}
	}
	for _, id := range unassigned {
		id := id
		if entry.GoGaugeID == nil {
			entry.GoGaugeID = &id
		} else if entry.NoGoGaugeID == nil {
			entry.NoGoGaugeID = &id
		}
	}

	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode set history metadata: %w", err)
		}
		entry.Metadata = datatypes.JSON(raw)
	}
	return b.sets.AppendHistory(tx, entry)
}

func (b *base) record(tx txn.Tx, actor int64, action, entityType, entityID string, details map[string]any) error {
	return b.audit.Record(tx, audit.Event{
		ActorID:    actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
	})
}

// finish meters and logs the outcome of one operation.
func (b *base) finish(op string, started time.Time, err error, keysAndValues ...interface{}) {
	b.metrics.Observe(op, started, err)

	kv := append([]interface{}{"operation", op, "elapsed", time.Since(started)}, keysAndValues...)
	switch apperr.KindOf(err) {
	case "":
		if err != nil {
			b.log.Error("operation failed", append(kv, "error", err)...)
			return
		}
		b.log.Info("operation completed", kv...)
	case apperr.KindTimeout:
		b.log.Warn("operation timed out", append(kv, "error", err)...)
	default:
		b.log.Info("operation rejected", append(kv, "error", err)...)
	}
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
