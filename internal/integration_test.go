package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gauge-tracking-backend/config"
	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/audit"
	"gauge-tracking-backend/internal/duesweep"
	"gauge-tracking-backend/internal/metrics"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/service"
	"gauge-tracking-backend/internal/store"
	"gauge-tracking-backend/internal/testutil"
)

// TestGaugeSetLifecycle walks one GO/NO-GO set through due detection, an
// external calibration round-trip and a checkout, verifying both members stay
// in lockstep at each step.
func TestGaugeSetLifecycle(t *testing.T) {
	// --- Test Setup ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := testutil.Logger(t)
	gdb := testutil.SQLite(t)
	cfg := &config.Config{DueSweep: config.DueSweepConfig{Enabled: true, Workers: 1}}
	cfg.ApplyDefaults()

	deps := service.Deps{
		Runner:  testutil.Runner(t, gdb),
		Gauges:  store.NewGaugeRepo(log),
		Sets:    store.NewGaugeSetRepo(log),
		Batches: store.NewCalibrationBatchRepo(log),
		Audit:   audit.NewGormRecorder(log),
		Metrics: metrics.Nop(),
		Log:     log,
	}
	sets := service.NewSetLifecycleService(deps, cfg.Pairing, cfg.Calibration)
	cascade := service.NewCascadeEngine(deps)
	calibration := service.NewCalibrationWorkflowService(deps, cfg.Calibration)
	sweeper := duesweep.NewSweeper(cfg.DueSweep, deps.Runner, deps.Gauges, cascade, log)

	const operator int64 = 11
	past := time.Now().UTC().Add(-2 * time.Hour)
	in := service.GaugeInput{
		ThreadSize:               "1/4-20",
		ThreadClass:              "2B",
		ThreadType:               "UNC",
		StorageLocation:          "Crib B",
		CalibrationFrequencyDays: 180,
		CalibrationDueDate:       &past,
	}

	// --- Step 1: Create the set ---
	set, err := sets.CreateSet(ctx, in, in, operator)
	require.NoError(t, err)
	setStatus := func() (model.GaugeStatus, model.GaugeStatus) {
		t.Helper()
		res, err := sets.GetSet(ctx, set.SetID)
		require.NoError(t, err)
		return res.Go.Status, res.NoGo.Status
	}

	// --- Step 2: The due sweep flags both members ---
	go sweeper.Run(ctx)
	assert.Eventually(t, func() bool {
		var n int64
		gdb.Model(&model.Gauge{}).Where("status = ?", model.GaugeStatusCalibrationDue).Count(&n)
		return n == 2
	}, 3*time.Second, 20*time.Millisecond)

	// --- Step 3: Send both members out for external calibration ---
	batch, err := calibration.CreateBatch(ctx, service.CreateBatchInput{
		CalibrationType: model.CalibrationExternal,
		VendorName:      "Metrology Partners",
		TrackingNumber:  "TRK-100",
	}, operator)
	require.NoError(t, err)
	for _, id := range []int64{set.Go.ID, set.NoGo.ID} {
		_, err := calibration.AddGaugeToBatch(ctx, batch.ID, id, operator)
		require.NoError(t, err)
	}
	_, err = calibration.SendBatch(ctx, batch.ID, operator)
	require.NoError(t, err)

	goStatus, noGoStatus := setStatus()
	assert.Equal(t, model.GaugeStatusOutForCalibration, goStatus)
	assert.Equal(t, model.GaugeStatusOutForCalibration, noGoStatus)

	// A gauge out for calibration cannot be checked out.
	_, err = cascade.CascadeCheckout(ctx, set.Go.ID, operator, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// --- Step 4: Receive, certify and release each member ---
	var last *service.RoundTripResult
	for _, id := range []int64{set.Go.ID, set.NoGo.ID} {
		_, err := calibration.ReceiveGauge(ctx, batch.ID, id, operator)
		require.NoError(t, err)
		_, err = calibration.RecordCertificate(ctx, batch.ID, id, "CERT-"+time.Now().Format("150405.000"), true, operator)
		require.NoError(t, err)
		last, err = calibration.ReleaseGauge(ctx, batch.ID, id, operator)
		require.NoError(t, err)
	}
	assert.Equal(t, model.BatchStatusCompleted, last.Batch.Status)
	require.NotNil(t, last.Gauge.CalibrationDueDate)
	assert.True(t, last.Gauge.CalibrationDueDate.After(time.Now().AddDate(0, 0, 179)))

	goStatus, noGoStatus = setStatus()
	assert.Equal(t, model.GaugeStatusAvailable, goStatus)
	assert.Equal(t, model.GaugeStatusAvailable, noGoStatus)

	// --- Step 5: Check the set out and back in ---
	out, err := cascade.CascadeCheckout(ctx, set.NoGo.ID, operator, "thread inspection")
	require.NoError(t, err)
	require.NotNil(t, out.Companion)
	assert.Equal(t, model.GaugeStatusCheckedOut, out.Companion.Status)

	_, err = cascade.CascadeCheckin(ctx, set.Go.ID, operator, "")
	require.NoError(t, err)
	goStatus, noGoStatus = setStatus()
	assert.Equal(t, model.GaugeStatusAvailable, goStatus)
	assert.Equal(t, model.GaugeStatusAvailable, noGoStatus)

	// --- Step 6: Nothing is due any more ---
	var due int64
	require.NoError(t, gdb.Model(&model.Gauge{}).
		Where("calibration_due_date <= ?", time.Now().UTC()).
		Count(&due).Error)
	assert.Zero(t, due)

	// --- Verification: history records every cascade in order ---
	history, err := sets.SetHistory(ctx, set.SetID)
	require.NoError(t, err)
	var actions []model.SetAction
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []model.SetAction{
		model.SetActionCreatedTogether,
		model.SetActionCascadedStatus,
		model.SetActionCascadedCheckout,
		model.SetActionCascadedCheckin,
	}, actions)
}
