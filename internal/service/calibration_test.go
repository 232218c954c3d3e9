package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/model"
)

func (f *fixture) batch(t *testing.T, gaugeIDs ...int64) *model.CalibrationBatch {
	t.Helper()
	b, err := f.calibration.CreateBatch(context.Background(), CreateBatchInput{CalibrationType: model.CalibrationInternal}, actor)
	require.NoError(t, err)
	for _, id := range gaugeIDs {
		_, err := f.calibration.AddGaugeToBatch(context.Background(), b.ID, id, actor)
		require.NoError(t, err)
	}
	return b
}

func TestCreateBatch(t *testing.T) {
	f := newFixture(t)

	b, err := f.calibration.CreateBatch(context.Background(), CreateBatchInput{
		CalibrationType: model.CalibrationExternal,
		VendorName:      "Precision Cal Labs",
		TrackingNumber:  "1Z999",
	}, actor)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusPendingSend, b.Status)
	require.NotNil(t, b.VendorName)
	assert.Equal(t, "Precision Cal Labs", *b.VendorName)
	assert.Equal(t, int64(1), f.auditCount(t, "calibration_batch_created"))
}

func TestCreateBatch_Validation(t *testing.T) {
	testCases := []struct {
		name   string
		in     CreateBatchInput
		fields []string
	}{
		{"external without vendor info", CreateBatchInput{CalibrationType: model.CalibrationExternal}, []string{"vendor_name", "tracking_number"}},
		{"external with blank tracking", CreateBatchInput{CalibrationType: model.CalibrationExternal, VendorName: "Lab", TrackingNumber: "  "}, []string{"tracking_number"}},
		{"unknown type", CreateBatchInput{CalibrationType: "offsite"}, []string{"calibration_type"}},
		{"missing type", CreateBatchInput{}, []string{"calibration_type"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.calibration.CreateBatch(context.Background(), tc.in, actor)
			requireKind(t, err, apperr.KindValidation, "invalid_input")

			var e *apperr.Error
			require.ErrorAs(t, err, &e)
			assert.ElementsMatch(t, tc.fields, e.Context["fields"])

			var count int64
			require.NoError(t, f.db.Model(&model.CalibrationBatch{}).Count(&count).Error)
			assert.Zero(t, count)
		})
	}
}

func TestSendBatch_Empty(t *testing.T) {
	f := newFixture(t)
	b := f.batch(t)

	_, err := f.calibration.SendBatch(context.Background(), b.ID, actor)
	requireKind(t, err, apperr.KindValidation, "batch_empty")
	assert.Zero(t, f.auditCount(t, "calibration_batch_sent"))
}

func TestSendBatch(t *testing.T) {
	f := newFixture(t)
	g1, g2, g3 := f.spare(t, ".500-20", true), f.spare(t, ".500-20", false), f.spare(t, ".250-28", true)
	b := f.batch(t, g1.ID, g2.ID, g3.ID)

	sent, err := f.calibration.SendBatch(context.Background(), b.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)
	require.NotNil(t, sent.SentBy)
	assert.Equal(t, actor, *sent.SentBy)
	assert.Len(t, sent.Members, 3)

	for _, id := range []int64{g1.ID, g2.ID, g3.ID} {
		assert.Equal(t, model.GaugeStatusOutForCalibration, f.gauge(t, id).Status)
	}
	assert.Equal(t, int64(1), f.auditCount(t, "calibration_batch_sent"))

	_, err = f.calibration.SendBatch(context.Background(), b.ID, actor)
	requireKind(t, err, apperr.KindConflict, "batch_not_pending_send")
}

func TestSendBatch_MemberCheckedOutRollsBack(t *testing.T) {
	f := newFixture(t)
	g1, g2 := f.spare(t, ".500-20", true), f.spare(t, ".500-20", false)
	b := f.batch(t, g1.ID, g2.ID)
	_, err := f.cascade.CascadeCheckout(context.Background(), g2.ID, actor, "")
	require.NoError(t, err)

	_, err = f.calibration.SendBatch(context.Background(), b.ID, actor)
	requireKind(t, err, apperr.KindConflict, "member_checked_out")

	assert.Equal(t, model.GaugeStatusAvailable, f.gauge(t, g1.ID).Status)
	got, err := f.calibration.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusPendingSend, got.Status)
}

func TestSendBatch_MemberRetiredAfterAdd(t *testing.T) {
	f := newFixture(t)
	g1, g2 := f.spare(t, ".500-20", true), f.spare(t, ".500-20", false)
	b := f.batch(t, g1.ID, g2.ID)
	_, err := f.cascade.CascadeStatusChange(context.Background(), g2.ID, model.GaugeStatusRetired, actor, "worn out")
	require.NoError(t, err)

	_, err = f.calibration.SendBatch(context.Background(), b.ID, actor)
	requireKind(t, err, apperr.KindConflict, "member_retired")

	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []int64{g2.ID}, e.Context["gauge_ids"])
	assert.Equal(t, model.GaugeStatusRetired, f.gauge(t, g2.ID).Status)
	assert.Equal(t, model.GaugeStatusAvailable, f.gauge(t, g1.ID).Status)
	assert.Zero(t, f.auditCount(t, "calibration_batch_sent"))
}

func TestSendBatch_MemberDeletedAfterAdd(t *testing.T) {
	f := newFixture(t)
	g1, g2 := f.spare(t, ".500-20", true), f.spare(t, ".500-20", false)
	b := f.batch(t, g1.ID, g2.ID)
	f.force(t, g2.ID, map[string]interface{}{"is_deleted": true})

	_, err := f.calibration.SendBatch(context.Background(), b.ID, actor)
	requireKind(t, err, apperr.KindConflict, "member_deleted")

	assert.Equal(t, model.GaugeStatusAvailable, f.gauge(t, g1.ID).Status)
	got, err := f.calibration.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusPendingSend, got.Status)
}

func TestAddGaugeToBatch_ExclusiveMembership(t *testing.T) {
	f := newFixture(t)
	g := f.spare(t, ".500-20", true)
	batch1 := f.batch(t, g.ID)
	batch2 := f.batch(t)

	_, err := f.calibration.AddGaugeToBatch(context.Background(), batch2.ID, g.ID, actor)
	requireKind(t, err, apperr.KindConflict, "gauge_in_active_batch")

	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, batch1.ID, e.Context["batch_id"])

	_, err = f.calibration.AddGaugeToBatch(context.Background(), batch1.ID, g.ID, actor)
	requireKind(t, err, apperr.KindConflict, "gauge_already_in_batch")

	_, err = f.calibration.SendBatch(context.Background(), batch1.ID, actor)
	require.NoError(t, err)
	_, err = f.calibration.AddGaugeToBatch(context.Background(), batch2.ID, g.ID, actor)
	requireKind(t, err, apperr.KindConflict, "gauge_in_calibration")
}

func TestAddGaugeToBatch_Rejections(t *testing.T) {
	t.Run("checked out", func(t *testing.T) {
		f := newFixture(t)
		g := f.spare(t, ".500-20", true)
		_, err := f.cascade.CascadeCheckout(context.Background(), g.ID, actor, "")
		require.NoError(t, err)
		b := f.batch(t)

		_, err = f.calibration.AddGaugeToBatch(context.Background(), b.ID, g.ID, actor)
		requireKind(t, err, apperr.KindConflict, "gauge_checked_out")
	})

	t.Run("batch not pending", func(t *testing.T) {
		f := newFixture(t)
		b := f.batch(t)
		_, err := f.calibration.CancelBatch(context.Background(), b.ID, actor, "")
		require.NoError(t, err)
		g := f.spare(t, ".500-20", true)

		_, err = f.calibration.AddGaugeToBatch(context.Background(), b.ID, g.ID, actor)
		requireKind(t, err, apperr.KindConflict, "batch_not_pending_send")
	})

	t.Run("unknown batch", func(t *testing.T) {
		f := newFixture(t)
		g := f.spare(t, ".500-20", true)
		_, err := f.calibration.AddGaugeToBatch(context.Background(), 404, g.ID, actor)
		requireKind(t, err, apperr.KindNotFound, "batch_not_found")
	})
}

func TestRemoveGaugeFromBatch(t *testing.T) {
	f := newFixture(t)
	g1, g2 := f.spare(t, ".500-20", true), f.spare(t, ".500-20", false)
	b := f.batch(t, g1.ID, g2.ID)

	require.NoError(t, f.calibration.RemoveGaugeFromBatch(context.Background(), b.ID, g1.ID, actor))
	err := f.calibration.RemoveGaugeFromBatch(context.Background(), b.ID, g1.ID, actor)
	requireKind(t, err, apperr.KindNotFound, "batch_member_not_found")

	_, err = f.calibration.SendBatch(context.Background(), b.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, model.GaugeStatusAvailable, f.gauge(t, g1.ID).Status)

	err = f.calibration.RemoveGaugeFromBatch(context.Background(), b.ID, g2.ID, actor)
	requireKind(t, err, apperr.KindConflict, "batch_not_pending_send")
}

func TestCancelBatch_ReleasesMembership(t *testing.T) {
	f := newFixture(t)
	g := f.spare(t, ".500-20", true)
	b := f.batch(t, g.ID)

	cancelled, err := f.calibration.CancelBatch(context.Background(), b.ID, actor, "vendor closed")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCancelled, cancelled.Status)
	assert.Equal(t, "vendor closed", cancelled.CancellationReason)
	require.NotNil(t, cancelled.CancelledAt)

	other := f.batch(t)
	_, err = f.calibration.AddGaugeToBatch(context.Background(), other.ID, g.ID, actor)
	require.NoError(t, err)

	_, err = f.calibration.CancelBatch(context.Background(), b.ID, actor, "")
	requireKind(t, err, apperr.KindConflict, "batch_not_pending_send")
}

func TestCalibrationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pass, fail := f.spare(t, ".500-20", true), f.spare(t, ".500-20", false)
	b := f.batch(t, pass.ID, fail.ID)

	_, err := f.calibration.ReceiveGauge(ctx, b.ID, pass.ID, actor)
	requireKind(t, err, apperr.KindConflict, "batch_not_sent")

	_, err = f.calibration.SendBatch(ctx, b.ID, actor)
	require.NoError(t, err)

	for _, id := range []int64{pass.ID, fail.ID} {
		res, err := f.calibration.ReceiveGauge(ctx, b.ID, id, actor)
		require.NoError(t, err)
		assert.Equal(t, model.GaugeStatusPendingCertificate, res.Gauge.Status)
		assert.NotNil(t, res.Member.ReceivedAt)
	}
	_, err = f.calibration.ReceiveGauge(ctx, b.ID, pass.ID, actor)
	requireKind(t, err, apperr.KindConflict, "unexpected_gauge_status")

	_, err = f.calibration.RecordCertificate(ctx, b.ID, pass.ID, " ", true, actor)
	requireKind(t, err, apperr.KindValidation, "certificate_number_required")

	res, err := f.calibration.RecordCertificate(ctx, b.ID, pass.ID, "CERT-1", true, actor)
	require.NoError(t, err)
	assert.Equal(t, model.GaugeStatusPendingRelease, res.Gauge.Status)
	require.NotNil(t, res.Member.Result)
	assert.Equal(t, model.CalibrationPass, *res.Member.Result)

	res, err = f.calibration.RecordCertificate(ctx, b.ID, fail.ID, "CERT-2", false, actor)
	require.NoError(t, err)
	assert.Equal(t, model.GaugeStatusOutOfService, res.Gauge.Status)
	assert.NotNil(t, res.Member.ClosedAt)
	assert.Equal(t, model.BatchStatusSent, res.Batch.Status)

	_, err = f.calibration.ReleaseGauge(ctx, b.ID, fail.ID, actor)
	requireKind(t, err, apperr.KindConflict, "member_closed")

	stats, err := f.calibration.BatchStatistics(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatistics{
		BatchID: b.ID, Total: 2, Received: 2, Certified: 2, Released: 0, Failed: 1, Outstanding: 1,
	}, *stats)

	res, err = f.calibration.ReleaseGauge(ctx, b.ID, pass.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, model.GaugeStatusAvailable, res.Gauge.Status)
	require.NotNil(t, res.Gauge.CalibrationDueDate)
	expectedDue := time.Now().AddDate(0, 0, res.Gauge.CalibrationFrequencyDays)
	assert.WithinDuration(t, expectedDue, *res.Gauge.CalibrationDueDate, time.Minute)
	assert.Equal(t, model.BatchStatusCompleted, res.Batch.Status)
	assert.NotNil(t, res.Batch.CompletedAt)

	stats, err = f.calibration.BatchStatistics(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Outstanding)
	assert.Equal(t, int64(1), stats.Released)

	// A completed batch no longer reserves its gauges.
	next := f.batch(t, pass.ID)
	assert.NotEqual(t, b.ID, next.ID)
}

func TestBatchReads_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.calibration.GetBatch(context.Background(), 404)
	requireKind(t, err, apperr.KindNotFound, "batch_not_found")
	_, err = f.calibration.BatchStatistics(context.Background(), 404)
	requireKind(t, err, apperr.KindNotFound, "batch_not_found")
}
