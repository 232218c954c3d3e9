package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gauge-tracking-backend/config"
	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/audit"
	"gauge-tracking-backend/internal/metrics"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/store"
	"gauge-tracking-backend/internal/testutil"
	"gauge-tracking-backend/internal/txn"
)

const actor int64 = 42

type fixture struct {
	db          *gorm.DB
	cfg         *config.Config
	sets        *SetLifecycleService
	cascade     *CascadeEngine
	calibration *CalibrationWorkflowService
}

type fixtureOption func(*config.Config, *Deps)

// withRecorder swaps the audit recorder, e.g. for one that fails.
func withRecorder(wrap func(audit.Recorder) audit.Recorder) fixtureOption {
	return func(_ *config.Config, d *Deps) { d.Audit = wrap(d.Audit) }
}

// withSets swaps the set repository, e.g. for one that races a writer.
func withSets(wrap func(store.GaugeSetRepo) store.GaugeSetRepo) fixtureOption {
	return func(_ *config.Config, d *Deps) { d.Sets = wrap(d.Sets) }
}

func withRejectMixedSeal() fixtureOption {
	return func(c *config.Config, _ *Deps) { c.Pairing.RejectMixedSeal = true }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	return newFixtureOn(t, testutil.SQLite(t), opts...)
}

func newFixtureOn(t *testing.T, gdb *gorm.DB, opts ...fixtureOption) *fixture {
	t.Helper()
	log := testutil.Logger(t)
	cfg := &config.Config{}
	deps := Deps{
		Runner:  testutil.Runner(t, gdb),
		Gauges:  store.NewGaugeRepo(log),
		Sets:    store.NewGaugeSetRepo(log),
		Batches: store.NewCalibrationBatchRepo(log),
		Audit:   audit.NewGormRecorder(log),
		Metrics: metrics.Nop(),
		Log:     log,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	cfg.ApplyDefaults()

	return &fixture{
		db:          gdb,
		cfg:         cfg,
		sets:        NewSetLifecycleService(deps, cfg.Pairing, cfg.Calibration),
		cascade:     NewCascadeEngine(deps),
		calibration: NewCalibrationWorkflowService(deps, cfg.Calibration),
	}
}

// failingRecorder fails the audit write for one action.
type failingRecorder struct {
	audit.Recorder
	failOn string
}

var errAuditDown = errors.New("audit store unavailable")

func (r failingRecorder) Record(tx txn.Tx, ev audit.Event) error {
	if ev.Action == r.failOn {
		return errAuditDown
	}
	return r.Recorder.Record(tx, ev)
}

// swappingSets re-pairs the set inside the first Members call and still
// returns the membership it read before the swap, as a concurrent
// ReplaceMember committing between the read and the lock would.
type swappingSets struct {
	store.GaugeSetRepo
	setID   string
	out, in int64
	swapped bool
}

func (r *swappingSets) Members(tx txn.Tx, setID string) ([]model.Gauge, error) {
	members, err := r.GaugeSetRepo.Members(tx, setID)
	if err != nil || r.swapped || setID != r.setID {
		return members, err
	}
	r.swapped = true
	if err := r.GaugeSetRepo.Clear(tx, r.out); err != nil {
		return nil, err
	}
	if err := r.GaugeSetRepo.Assign(tx, setID, r.in); err != nil {
		return nil, err
	}
	return members, nil
}

func threadInput(size, class string) GaugeInput {
	return GaugeInput{ThreadSize: size, ThreadClass: class, ThreadType: "UNF", StorageLocation: "Crib A"}
}

func (f *fixture) createSet(t *testing.T) *SetResult {
	t.Helper()
	res, err := f.sets.CreateSet(context.Background(), threadInput(".500-20", "2A"), threadInput(".500-20", "2A"), actor)
	require.NoError(t, err)
	return res
}

func (f *fixture) spare(t *testing.T, size string, isGo bool) *model.Gauge {
	t.Helper()
	g, err := f.sets.CreateSpare(context.Background(), threadInput(size, "2A"), isGo, actor)
	require.NoError(t, err)
	return g
}

// gauge reads a gauge row directly, including soft-deleted ones.
func (f *fixture) gauge(t *testing.T, id int64) model.Gauge {
	t.Helper()
	var g model.Gauge
	require.NoError(t, f.db.First(&g, id).Error)
	return g
}

// force writes columns directly, bypassing the services, to stage anomalies.
func (f *fixture) force(t *testing.T, id int64, updates map[string]interface{}) {
	t.Helper()
	require.NoError(t, f.db.Model(&model.Gauge{}).Where("id = ?", id).Updates(updates).Error)
}

func (f *fixture) history(t *testing.T, setID string, action model.SetAction) []model.SetHistory {
	t.Helper()
	var rows []model.SetHistory
	require.NoError(t, f.db.Where("set_id = ? AND action = ?", setID, action).Order("id").Find(&rows).Error)
	return rows
}

func (f *fixture) auditCount(t *testing.T, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.AuditLog{}).Where("action = ?", action).Count(&n).Error)
	return n
}

// assertSetSymmetry checks that every live set id is carried by exactly two
// non-spare gauges with opposite roles and matching thread specs.
func (f *fixture) assertSetSymmetry(t *testing.T) {
	t.Helper()
	var members []model.Gauge
	require.NoError(t, f.db.Preload("ThreadSpec").
		Where("set_id IS NOT NULL AND is_deleted = ?", false).
		Find(&members).Error)

	bySet := make(map[string][]model.Gauge)
	for _, g := range members {
		assert.False(t, g.IsSpare, "set member %d flagged spare", g.ID)
		bySet[*g.SetID] = append(bySet[*g.SetID], g)
	}
	for setID, group := range bySet {
		if !assert.Len(t, group, 2, "set %s", setID) {
			continue
		}
		a, b := group[0].ThreadSpec, group[1].ThreadSpec
		require.NotNil(t, a)
		require.NotNil(t, b)
		assert.NotEqual(t, a.IsGoGauge, b.IsGoGauge, "set %s roles", setID)
		assert.Equal(t, a.ThreadSize, b.ThreadSize, "set %s size", setID)
		assert.Equal(t, a.ThreadClass, b.ThreadClass, "set %s class", setID)
		assert.Equal(t, a.ThreadType, b.ThreadType, "set %s type", setID)
	}
}

func requireKind(t *testing.T, err error, kind apperr.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
	if code != "" {
		assert.Equal(t, code, apperr.CodeOf(err), "error: %v", err)
	}
}
