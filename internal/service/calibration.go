package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"gauge-tracking-backend/config"
	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/audit"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/txn"
)

const (
	opCreateBatch       = "create_batch"
	opAddGaugeToBatch   = "add_gauge_to_batch"
	opRemoveGauge       = "remove_gauge_from_batch"
	opSendBatch         = "send_batch"
	opCancelBatch       = "cancel_batch"
	opReceiveGauge      = "receive_gauge"
	opRecordCertificate = "record_certificate"
	opReleaseGauge      = "release_gauge"
	opGetBatch          = "get_batch"
	opBatchStatistics   = "batch_statistics"
)

// CreateBatchInput describes a new calibration batch. Vendor and tracking
// number are mandatory for external calibration.
type CreateBatchInput struct {
	CalibrationType model.CalibrationType `json:"calibration_type" validate:"required,oneof=internal external"`
	VendorName      string                `json:"vendor_name" validate:"required_if=CalibrationType external,max=128"`
	TrackingNumber  string                `json:"tracking_number" validate:"required_if=CalibrationType external,max=128"`
}

// RoundTripResult is a gauge's state after one step of the calibration
// round-trip, plus the batch it belongs to.
type RoundTripResult struct {
	Batch  *model.CalibrationBatch      `json:"batch"`
	Gauge  *model.Gauge                 `json:"gauge"`
	Member *model.CalibrationBatchGauge `json:"member"`
}

// CalibrationWorkflowService runs the calibration batch state machine:
//
//	pending_send --send--> sent --(all members closed)--> completed
//	pending_send --cancel--> cancelled
//
// While a batch is sent each member gauge moves through
// out_for_calibration, pending_certificate and pending_release back to
// available, or to out_of_service on a failed certificate.
type CalibrationWorkflowService struct {
	base
	defaultFrequency int
}

func NewCalibrationWorkflowService(d Deps, calibration config.CalibrationConfig) *CalibrationWorkflowService {
	return &CalibrationWorkflowService{
		base:             newBase(d, "calibration"),
		defaultFrequency: calibration.DefaultFrequencyDays,
	}
}

// CreateBatch opens a batch in pending_send.
func (s *CalibrationWorkflowService) CreateBatch(ctx context.Context, in CreateBatchInput, actingUser int64) (batch *model.CalibrationBatch, err error) {
	started := time.Now()
	defer func() { s.finish(opCreateBatch, started, err, "calibration_type", in.CalibrationType) }()

	in.VendorName = strings.TrimSpace(in.VendorName)
	in.TrackingNumber = strings.TrimSpace(in.TrackingNumber)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	batch = &model.CalibrationBatch{
		CalibrationType: in.CalibrationType,
		VendorName:      optional(in.VendorName),
		TrackingNumber:  optional(in.TrackingNumber),
		Status:          model.BatchStatusPendingSend,
		CreatedBy:       actingUser,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		if err := s.batches.Create(tx, batch); err != nil {
			return err
		}
		return s.record(tx, actingUser, "calibration_batch_created", audit.EntityCalibrationBatch, idString(batch.ID), map[string]any{
			"calibration_type": in.CalibrationType,
			"vendor_name":      in.VendorName,
			"tracking_number":  in.TrackingNumber,
		})
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// AddGaugeToBatch adds a gauge to a pending_send batch. A gauge belongs to
// at most one active batch.
func (s *CalibrationWorkflowService) AddGaugeToBatch(ctx context.Context, batchID, gaugeID int64, actingUser int64) (member *model.CalibrationBatchGauge, err error) {
	started := time.Now()
	defer func() { s.finish(opAddGaugeToBatch, started, err, "batch_id", batchID, "gauge_id", gaugeID) }()

	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		batch, err := s.lockBatch(tx, batchID, model.BatchStatusPendingSend)
		if err != nil {
			return err
		}
		locked, err := s.gauges.LockForUpdate(tx, gaugeID)
		if err != nil {
			return err
		}
		g := locked[0]
		switch {
		case g.Status == model.GaugeStatusCheckedOut:
			return apperr.Conflict("gauge_checked_out").With("gauge_id", gaugeID)
		case g.Status.InCalibration():
			return apperr.Conflict("gauge_in_calibration").With("gauge_id", gaugeID).With("status", g.Status)
		case g.Status == model.GaugeStatusRetired:
			return apperr.Conflict("gauge_retired").With("gauge_id", gaugeID)
		}

		active, err := s.batches.ActiveBatchForGauge(tx, gaugeID)
		if err != nil {
			return err
		}
		if active != nil {
			code := "gauge_in_active_batch"
			if active.ID == batch.ID {
				code = "gauge_already_in_batch"
			}
			return apperr.Conflict(code).
				With("gauge_id", gaugeID).
				With("batch_id", active.ID).
				With("batch_status", active.Status)
		}

		member = &model.CalibrationBatchGauge{
			BatchID: batch.ID,
			GaugeID: gaugeID,
			AddedBy: actingUser,
			AddedAt: time.Now().UTC(),
		}
		if err := s.batches.AddMember(tx, member); err != nil {
			return err
		}
		return s.record(tx, actingUser, "calibration_batch_gauge_added", audit.EntityCalibrationBatch, idString(batchID), map[string]any{
			"gauge_ids": []int64{gaugeID},
		})
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveGaugeFromBatch removes a gauge from a pending_send batch.
func (s *CalibrationWorkflowService) RemoveGaugeFromBatch(ctx context.Context, batchID, gaugeID int64, actingUser int64) (err error) {
	started := time.Now()
	defer func() { s.finish(opRemoveGauge, started, err, "batch_id", batchID, "gauge_id", gaugeID) }()

	return s.runner.Run(ctx, func(tx txn.Tx) error {
		if _, err := s.lockBatch(tx, batchID, model.BatchStatusPendingSend); err != nil {
			return err
		}
		if err := s.batches.RemoveMember(tx, batchID, gaugeID); err != nil {
			return err
		}
		return s.record(tx, actingUser, "calibration_batch_gauge_removed", audit.EntityCalibrationBatch, idString(batchID), map[string]any{
			"gauge_ids": []int64{gaugeID},
		})
	})
}

// SendBatch moves every member to out_for_calibration and the batch to sent.
// Membership is frozen from here on.
func (s *CalibrationWorkflowService) SendBatch(ctx context.Context, batchID int64, actingUser int64) (batch *model.CalibrationBatch, err error) {
	started := time.Now()
	defer func() { s.finish(opSendBatch, started, err, "batch_id", batchID) }()

	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		if _, err := s.lockBatch(tx, batchID, model.BatchStatusPendingSend); err != nil {
			return err
		}
		members, err := s.batches.Members(tx, batchID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return apperr.Validation("batch_empty").With("batch_id", batchID)
		}

		ids := make([]int64, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.GaugeID)
		}
		locked, err := s.gauges.LockForUpdate(tx, ids...)
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Conflict("member_deleted").With("batch_id", batchID).Wrap(err)
		}
		if err != nil {
			return err
		}
		var checkedOut, retired []int64
		for _, g := range locked {
			switch g.Status {
			case model.GaugeStatusCheckedOut:
				checkedOut = append(checkedOut, g.ID)
			case model.GaugeStatusRetired:
				retired = append(retired, g.ID)
			}
		}
		if len(checkedOut) > 0 {
			return apperr.Conflict("member_checked_out").With("batch_id", batchID).With("gauge_ids", checkedOut)
		}
		if len(retired) > 0 {
			return apperr.Conflict("member_retired").With("batch_id", batchID).With("gauge_ids", retired)
		}

		if err := s.gauges.UpdateMany(tx, ids, map[string]interface{}{
			"status": model.GaugeStatusOutForCalibration,
		}); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := s.batches.Update(tx, batchID, map[string]interface{}{
			"status":  model.BatchStatusSent,
			"sent_at": now,
			"sent_by": actingUser,
		}); err != nil {
			return err
		}
		if err := s.record(tx, actingUser, "calibration_batch_sent", audit.EntityCalibrationBatch, idString(batchID), map[string]any{
			"gauge_ids": ids,
		}); err != nil {
			return err
		}
		batch, err = s.batches.Get(tx, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// CancelBatch abandons a pending_send batch. Its gauges become free to join
// another batch.
func (s *CalibrationWorkflowService) CancelBatch(ctx context.Context, batchID int64, actingUser int64, reason string) (batch *model.CalibrationBatch, err error) {
	started := time.Now()
	defer func() { s.finish(opCancelBatch, started, err, "batch_id", batchID) }()

	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		if _, err := s.lockBatch(tx, batchID, model.BatchStatusPendingSend); err != nil {
			return err
		}
		members, err := s.batches.Members(tx, batchID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.GaugeID)
		}

		if err := s.batches.Update(tx, batchID, map[string]interface{}{
			"status":              model.BatchStatusCancelled,
			"cancelled_at":        time.Now().UTC(),
			"cancelled_by":        actingUser,
			"cancellation_reason": reason,
		}); err != nil {
			return err
		}
		if err := s.record(tx, actingUser, "calibration_batch_cancelled", audit.EntityCalibrationBatch, idString(batchID), map[string]any{
			"gauge_ids": ids,
			"reason":    reason,
		}); err != nil {
			return err
		}
		batch, err = s.batches.Get(tx, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ReceiveGauge records a gauge back from calibration, awaiting its certificate.
func (s *CalibrationWorkflowService) ReceiveGauge(ctx context.Context, batchID, gaugeID int64, actingUser int64) (res *RoundTripResult, err error) {
	started := time.Now()
	defer func() { s.finish(opReceiveGauge, started, err, "batch_id", batchID, "gauge_id", gaugeID) }()

	return s.step(ctx, batchID, gaugeID, model.GaugeStatusOutForCalibration, func(tx txn.Tx, g model.Gauge) (roundTripStep, error) {
		now := time.Now().UTC()
		return roundTripStep{
			audit:       "calibration_gauge_received",
			gaugeStatus: model.GaugeStatusPendingCertificate,
			member: map[string]interface{}{
				"received_at": now,
				"received_by": actingUser,
			},
		}, nil
	}, actingUser)
}

// RecordCertificate stores the certificate outcome. A pass moves the gauge to
// pending_release; a fail takes it out of service and closes its membership.
func (s *CalibrationWorkflowService) RecordCertificate(ctx context.Context, batchID, gaugeID int64, certificateNumber string, passed bool, actingUser int64) (res *RoundTripResult, err error) {
	started := time.Now()
	defer func() {
		s.finish(opRecordCertificate, started, err, "batch_id", batchID, "gauge_id", gaugeID, "passed", passed)
	}()

	certificateNumber = strings.TrimSpace(certificateNumber)
	if certificateNumber == "" {
		return nil, apperr.Validation("certificate_number_required").With("gauge_id", gaugeID)
	}
	if len(certificateNumber) > 128 {
		return nil, apperr.Validation("certificate_number_too_long").With("gauge_id", gaugeID)
	}

	return s.step(ctx, batchID, gaugeID, model.GaugeStatusPendingCertificate, func(tx txn.Tx, g model.Gauge) (roundTripStep, error) {
		now := time.Now().UTC()
		result := model.CalibrationPass
		next := model.GaugeStatusPendingRelease
		member := map[string]interface{}{
			"certificate_number": certificateNumber,
			"certified_at":       now,
		}
		if !passed {
			result = model.CalibrationFail
			next = model.GaugeStatusOutOfService
			member["closed_at"] = now
		}
		member["result"] = result
		return roundTripStep{
			audit:       "calibration_certificate_recorded",
			gaugeStatus: next,
			member:      member,
			details:     map[string]any{"certificate_number": certificateNumber, "result": result},
		}, nil
	}, actingUser)
}

// ReleaseGauge returns a certified gauge to service, advancing its next
// calibration due date, and closes its membership.
func (s *CalibrationWorkflowService) ReleaseGauge(ctx context.Context, batchID, gaugeID int64, actingUser int64) (res *RoundTripResult, err error) {
	started := time.Now()
	defer func() { s.finish(opReleaseGauge, started, err, "batch_id", batchID, "gauge_id", gaugeID) }()

	return s.step(ctx, batchID, gaugeID, model.GaugeStatusPendingRelease, func(tx txn.Tx, g model.Gauge) (roundTripStep, error) {
		now := time.Now().UTC()
		frequency := g.CalibrationFrequencyDays
		if frequency <= 0 {
			frequency = s.defaultFrequency
		}
		due := now.AddDate(0, 0, frequency)
		return roundTripStep{
			audit:       "calibration_gauge_released",
			gaugeStatus: model.GaugeStatusAvailable,
			gaugeUpdates: map[string]interface{}{
				"calibration_due_date": due,
			},
			member: map[string]interface{}{
				"released_at": now,
				"released_by": actingUser,
				"closed_at":   now,
			},
			details: map[string]any{"calibration_due_date": due},
		}, nil
	}, actingUser)
}

// roundTripStep is what one round-trip transition writes.
type roundTripStep struct {
	audit        string
	gaugeStatus  model.GaugeStatus
	gaugeUpdates map[string]interface{}
	member       map[string]interface{}
	details      map[string]any
}

// step runs one per-gauge round-trip transition on a sent batch and
// completes the batch once no membership is left open.
func (s *CalibrationWorkflowService) step(ctx context.Context, batchID, gaugeID int64, want model.GaugeStatus,
	next func(tx txn.Tx, g model.Gauge) (roundTripStep, error), actingUser int64) (*RoundTripResult, error) {
	res := &RoundTripResult{}
	err := s.runner.Run(ctx, func(tx txn.Tx) error {
		if _, err := s.lockBatch(tx, batchID, model.BatchStatusSent); err != nil {
			return err
		}
		member, err := s.batches.Member(tx, batchID, gaugeID)
		if err != nil {
			return err
		}
		if member.ClosedAt != nil {
			return apperr.Conflict("member_closed").With("batch_id", batchID).With("gauge_id", gaugeID)
		}
		locked, err := s.gauges.LockForUpdate(tx, gaugeID)
		if err != nil {
			return err
		}
		g := locked[0]
		if g.Status != want {
			return apperr.Conflict("unexpected_gauge_status").
				With("gauge_id", gaugeID).
				With("expected", want).
				With("actual", g.Status)
		}

		st, err := next(tx, g)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{"status": st.gaugeStatus}
		for k, v := range st.gaugeUpdates {
			updates[k] = v
		}
		if err := s.gauges.Update(tx, gaugeID, updates); err != nil {
			return err
		}
		if err := s.batches.UpdateMember(tx, batchID, gaugeID, st.member); err != nil {
			return err
		}

		completed, err := s.completeIfDone(tx, batchID)
		if err != nil {
			return err
		}
		details := map[string]any{
			"gauge_ids":       []int64{gaugeID},
			"gauge_status":    st.gaugeStatus,
			"batch_completed": completed,
		}
		for k, v := range st.details {
			details[k] = v
		}
		if err := s.record(tx, actingUser, st.audit, audit.EntityCalibrationBatch, idString(batchID), details); err != nil {
			return err
		}

		if res.Gauge, err = s.gauges.Get(tx, gaugeID); err != nil {
			return err
		}
		if res.Member, err = s.batches.Member(tx, batchID, gaugeID); err != nil {
			return err
		}
		res.Batch, err = s.batches.Get(tx, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *CalibrationWorkflowService) completeIfDone(tx txn.Tx, batchID int64) (bool, error) {
	stats, err := s.batches.Statistics(tx, batchID)
	if err != nil {
		return false, err
	}
	if stats.Total == 0 || stats.Outstanding > 0 {
		return false, nil
	}
	if err := s.batches.Update(tx, batchID, map[string]interface{}{
		"status":       model.BatchStatusCompleted,
		"completed_at": time.Now().UTC(),
	}); err != nil {
		return false, err
	}
	s.log.Info("calibration batch completed", "batch_id", batchID, "gauges", stats.Total, "failed", stats.Failed)
	return true, nil
}

// GetBatch returns a batch with its membership rows.
func (s *CalibrationWorkflowService) GetBatch(ctx context.Context, batchID int64) (batch *model.CalibrationBatch, err error) {
	started := time.Now()
	defer func() { s.finish(opGetBatch, started, err, "batch_id", batchID) }()

	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		var err error
		batch, err = s.batches.Get(tx, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// BatchStatistics summarizes a batch's round-trip progress.
func (s *CalibrationWorkflowService) BatchStatistics(ctx context.Context, batchID int64) (stats *model.BatchStatistics, err error) {
	started := time.Now()
	defer func() { s.finish(opBatchStatistics, started, err, "batch_id", batchID) }()

	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		if _, err := s.batches.Get(tx, batchID); err != nil {
			return err
		}
		st, err := s.batches.Statistics(tx, batchID)
		if err != nil {
			return err
		}
		stats = &st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// lockBatch locks the batch row and requires it to be in status want.
func (s *CalibrationWorkflowService) lockBatch(tx txn.Tx, batchID int64, want model.BatchStatus) (*model.CalibrationBatch, error) {
	batch, err := s.batches.LockForUpdate(tx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != want {
		return nil, apperr.Conflict("batch_not_"+string(want)).
			With("batch_id", batchID).
			With("expected", want).
			With("actual", batch.Status)
	}
	return batch, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
