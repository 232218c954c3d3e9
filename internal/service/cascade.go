package service

import (
	"context"
	"strings"
	"time"

	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/audit"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/txn"
)

const (
	opCascadeStatus   = "cascade_status_change"
	opCascadeLocation = "cascade_location_change"
	opCascadeCheckout = "cascade_checkout"
	opCascadeCheckin  = "cascade_checkin"
	opDeleteAndOrphan = "delete_and_orphan_companion"
	opCanCheckoutSet  = "can_checkout_set"
)

// CascadeResult is the state of the target gauge and its companion after a
// cascade, re-read inside the same transaction.
type CascadeResult struct {
	Gauge     *model.Gauge     `json:"gauge"`
	Companion *model.Gauge     `json:"companion,omitempty"`
	Warnings  []apperr.Warning `json:"warnings,omitempty"`
}

// CheckoutCheck answers whether a cascading checkout would currently succeed.
type CheckoutCheck struct {
	Allowed     bool             `json:"allowed"`
	Reason      string           `json:"reason,omitempty"`
	CompanionID *int64           `json:"companion_id,omitempty"`
	Warnings    []apperr.Warning `json:"warnings,omitempty"`
}

// CascadeEngine mirrors status, location, checkout, checkin and delete
// operations from one set member onto its companion.
type CascadeEngine struct {
	base
}

func NewCascadeEngine(d Deps) *CascadeEngine {
	return &CascadeEngine{base: newBase(d, "cascade")}
}

// cascade describes one pair-wide mutation.
type cascade struct {
	op      string
	action  model.SetAction
	audit   string
	actor   int64
	reason  string
	check   func(g model.Gauge, role string) error
	updates func() map[string]interface{}
	details map[string]any
}

// run locks the pair, checks both members, applies the same column updates
// to both rows and records history and audit.
func (e *CascadeEngine) run(ctx context.Context, gaugeID int64, c cascade) (*CascadeResult, error) {
	result := &CascadeResult{}
	err := e.runner.Run(ctx, func(tx txn.Tx) error {
		pair, err := e.lockPair(tx, gaugeID)
		if err != nil {
			return err
		}

		if err := c.check(pair.target, "gauge"); err != nil {
			return err
		}
		if pair.companion != nil {
			if err := c.check(*pair.companion, "companion"); err != nil {
				return err
			}
		}
		if pair.companionMissing {
			result.Warnings = append(result.Warnings, e.companionMissingWarning(c.op, pair.target))
		}

		ids := pair.ids()
		if err := e.gauges.UpdateMany(tx, ids, c.updates()); err != nil {
			return err
		}

		if pair.companion != nil {
			meta := map[string]any{"initiated_by": gaugeID}
			for k, v := range c.details {
				meta[k] = v
			}
			if err := e.appendHistory(tx, pair.setID(), c.action, c.actor, c.reason, ids, meta); err != nil {
				return err
			}
		}

		details := map[string]any{
			"gauge_ids": ids,
			"set_id":    pair.setID(),
			"reason":    c.reason,
		}
		for k, v := range c.details {
			details[k] = v
		}
		if err := e.record(tx, c.actor, c.audit, audit.EntityGauge, idString(gaugeID), details); err != nil {
			return err
		}

		if result.Gauge, err = e.gauges.Get(tx, gaugeID); err != nil {
			return err
		}
		if pair.companion != nil {
			if result.Companion, err = e.gauges.Get(tx, pair.companion.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CascadeStatusChange sets newStatus on the gauge and, when paired, on its
// companion. Checkout and the calibration round-trip statuses have their own
// operations and are rejected here.
func (e *CascadeEngine) CascadeStatusChange(ctx context.Context, gaugeID int64, newStatus model.GaugeStatus, actingUser int64, reason string) (res *CascadeResult, err error) {
	started := time.Now()
	defer func() { e.finish(opCascadeStatus, started, err, "gauge_id", gaugeID, "status", newStatus) }()

	switch {
	case !newStatus.Valid():
		return nil, apperr.Validation("invalid_status").With("status", newStatus)
	case newStatus == model.GaugeStatusCheckedOut:
		return nil, apperr.Validation("status_requires_checkout").With("status", newStatus)
	case newStatus.InCalibration():
		return nil, apperr.Validation("status_owned_by_calibration").With("status", newStatus)
	}

	return e.run(ctx, gaugeID, cascade{
		op:     opCascadeStatus,
		action: model.SetActionCascadedStatus,
		audit:  "gauge_status_changed",
		actor:  actingUser,
		reason: reason,
		check: func(g model.Gauge, role string) error {
			switch {
			case g.Status == model.GaugeStatusCheckedOut:
				return apperr.Conflict(role+"_checked_out").With("gauge_id", g.ID)
			case g.Status.InCalibration():
				return apperr.Conflict(role+"_in_calibration").With("gauge_id", g.ID).With("status", g.Status)
			case g.Status == model.GaugeStatusRetired:
				return apperr.Conflict(role+"_retired").With("gauge_id", g.ID)
			}
			return nil
		},
		updates: func() map[string]interface{} {
			return map[string]interface{}{"status": newStatus}
		},
		details: map[string]any{"status": newStatus},
	})
}

// CascadeLocationChange moves the gauge and its companion to newLocation.
func (e *CascadeEngine) CascadeLocationChange(ctx context.Context, gaugeID int64, newLocation string, actingUser int64, reason string) (res *CascadeResult, err error) {
	started := time.Now()
	defer func() { e.finish(opCascadeLocation, started, err, "gauge_id", gaugeID, "location", newLocation) }()

	newLocation = strings.TrimSpace(newLocation)
	if newLocation == "" {
		return nil, apperr.Validation("location_required").With("gauge_id", gaugeID)
	}
	if len(newLocation) > 128 {
		return nil, apperr.Validation("location_too_long").With("gauge_id", gaugeID)
	}

	return e.run(ctx, gaugeID, cascade{
		op:     opCascadeLocation,
		action: model.SetActionCascadedLocation,
		audit:  "gauge_location_changed",
		actor:  actingUser,
		reason: reason,
		check: func(g model.Gauge, role string) error {
			if g.Status == model.GaugeStatusRetired {
				return apperr.Conflict(role+"_retired").With("gauge_id", g.ID)
			}
			return nil
		},
		updates: func() map[string]interface{} {
			return map[string]interface{}{"storage_location": newLocation}
		},
		details: map[string]any{"location": newLocation},
	})
}

// CascadeCheckout checks out the gauge and its companion together. Both must
// be available.
func (e *CascadeEngine) CascadeCheckout(ctx context.Context, gaugeID int64, actingUser int64, reason string) (res *CascadeResult, err error) {
	started := time.Now()
	defer func() { e.finish(opCascadeCheckout, started, err, "gauge_id", gaugeID, "user", actingUser) }()

	return e.run(ctx, gaugeID, cascade{
		op:     opCascadeCheckout,
		action: model.SetActionCascadedCheckout,
		audit:  "gauge_checked_out",
		actor:  actingUser,
		reason: reason,
		check:  requireStatus(model.GaugeStatusAvailable, "not_available"),
		updates: func() map[string]interface{} {
			return map[string]interface{}{
				"status":         model.GaugeStatusCheckedOut,
				"checked_out_by": actingUser,
				"checked_out_at": time.Now().UTC(),
			}
		},
	})
}

// CascadeCheckin returns the gauge and its companion together. Both must be
// checked out.
func (e *CascadeEngine) CascadeCheckin(ctx context.Context, gaugeID int64, actingUser int64, reason string) (res *CascadeResult, err error) {
	started := time.Now()
	defer func() { e.finish(opCascadeCheckin, started, err, "gauge_id", gaugeID, "user", actingUser) }()

	return e.run(ctx, gaugeID, cascade{
		op:     opCascadeCheckin,
		action: model.SetActionCascadedCheckin,
		audit:  "gauge_checked_in",
		actor:  actingUser,
		reason: reason,
		check:  requireStatus(model.GaugeStatusCheckedOut, "not_checked_out"),
		updates: func() map[string]interface{} {
			return map[string]interface{}{
				"status":         model.GaugeStatusAvailable,
				"checked_out_by": nil,
				"checked_out_at": nil,
			}
		},
	})
}

func requireStatus(want model.GaugeStatus, code string) func(model.Gauge, string) error {
	return func(g model.Gauge, role string) error {
		if g.Status != want {
			return apperr.Conflict(role+"_"+code).
				With("gauge_id", g.ID).
				With("expected", want).
				With("actual", g.Status)
		}
		return nil
	}
}

// DeleteAndOrphanCompanion soft-deletes the gauge. A live companion loses its
// set id and becomes a spare; it is never deleted along with its mate.
func (e *CascadeEngine) DeleteAndOrphanCompanion(ctx context.Context, gaugeID int64, actingUser int64, reason string) (res *CascadeResult, err error) {
	started := time.Now()
	defer func() { e.finish(opDeleteAndOrphan, started, err, "gauge_id", gaugeID) }()

	res = &CascadeResult{}
	err = e.runner.Run(ctx, func(tx txn.Tx) error {
		pair, err := e.lockPair(tx, gaugeID)
		if err != nil {
			return err
		}

		if pair.target.Status == model.GaugeStatusCheckedOut {
			return apperr.Conflict("gauge_checked_out").With("gauge_id", gaugeID)
		}
		if pair.companion != nil && pair.companion.Status == model.GaugeStatusCheckedOut {
			return apperr.Conflict("companion_checked_out").
				With("gauge_id", gaugeID).
				With("companion_id", pair.companion.ID)
		}
		active, err := e.batches.ActiveBatchForGauge(tx, gaugeID)
		if err != nil {
			return err
		}
		if active != nil {
			return apperr.Conflict("gauge_in_active_batch").
				With("gauge_id", gaugeID).
				With("batch_id", active.ID)
		}
		if pair.companionMissing {
			res.Warnings = append(res.Warnings, e.companionMissingWarning(opDeleteAndOrphan, pair.target))
		}

		setID := pair.setID()
		if pair.companion != nil {
			if err := e.appendHistory(tx, setID, model.SetActionOrphaned, actingUser, reason, pair.ids(),
				map[string]any{"deleted_gauge_id": gaugeID, "orphaned_gauge_id": pair.companion.ID}); err != nil {
				return err
			}
			if err := e.sets.Clear(tx, pair.companion.ID); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		if err := e.gauges.Update(tx, gaugeID, map[string]interface{}{
			"is_deleted": true,
			"deleted_at": now,
			"set_id":     nil,
			"is_spare":   false,
		}); err != nil {
			return err
		}

		details := map[string]any{"gauge_ids": pair.ids(), "set_id": setID, "reason": reason}
		if err := e.record(tx, actingUser, "gauge_deleted", audit.EntityGauge, idString(gaugeID), details); err != nil {
			return err
		}

		deleted := pair.target
		deleted.IsDeleted = true
		deleted.DeletedAt = &now
		deleted.SetID = nil
		deleted.IsSpare = false
		res.Gauge = &deleted
		if pair.companion != nil {
			if res.Companion, err = e.gauges.Get(tx, pair.companion.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CanCheckoutSet reports whether CascadeCheckout would succeed right now. It
// takes no locks and writes nothing.
func (e *CascadeEngine) CanCheckoutSet(ctx context.Context, gaugeID int64) (check *CheckoutCheck, err error) {
	started := time.Now()
	defer func() { e.finish(opCanCheckoutSet, started, err, "gauge_id", gaugeID) }()

	check = &CheckoutCheck{}
	err = e.runner.Run(ctx, func(tx txn.Tx) error {
		g, err := e.gauges.Get(tx, gaugeID)
		if err != nil {
			return err
		}
		if g.Status != model.GaugeStatusAvailable {
			check.Reason = "gauge_not_available"
			return nil
		}
		if !g.InSet() {
			check.Allowed = true
			return nil
		}

		companion, err := e.sets.FindCompanion(tx, *g.SetID, gaugeID)
		if err != nil {
			return err
		}
		if companion == nil {
			check.Allowed = true
			check.Warnings = append(check.Warnings, e.companionMissingWarning(opCanCheckoutSet, *g))
			return nil
		}
		check.CompanionID = &companion.ID
		if companion.Status != model.GaugeStatusAvailable {
			check.Reason = "companion_not_available"
			return nil
		}
		check.Allowed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}
