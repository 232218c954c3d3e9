package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gauge-tracking-backend/config"
	"gauge-tracking-backend/internal/audit"
	"gauge-tracking-backend/internal/metrics"
	"gauge-tracking-backend/internal/mw"
	"gauge-tracking-backend/internal/service"
	"gauge-tracking-backend/internal/store"
	"gauge-tracking-backend/internal/testutil"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := testutil.Logger(t)
	gdb := testutil.SQLite(t)
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000

	reg := prometheus.NewRegistry()
	deps := service.Deps{
		Runner:  testutil.Runner(t, gdb),
		Gauges:  store.NewGaugeRepo(log),
		Sets:    store.NewGaugeSetRepo(log),
		Batches: store.NewCalibrationBatchRepo(log),
		Audit:   audit.NewGormRecorder(log),
		Metrics: metrics.NewPrometheus(reg),
		Log:     log,
	}
	h := NewHandler(
		service.NewSetLifecycleService(deps, cfg.Pairing, cfg.Calibration),
		service.NewCascadeEngine(deps),
		service.NewCalibrationWorkflowService(deps, cfg.Calibration),
		log,
	)
	return NewRouter(h, cfg.Server, reg)
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(mw.UserHeader, "7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func gaugeBody(size string) gin.H {
	return gin.H{"thread_size": size, "thread_class": "2A", "thread_type": "UNF", "storage_location": "Crib A"}
}

func createSet(t *testing.T, r *gin.Engine) service.SetResult {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/sets", gin.H{"go": gaugeBody(".250-28"), "no_go": gaugeBody(".250-28")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[service.SetResult](t, w)
}

func TestMissingUserHeader(t *testing.T) {
	router := setupRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/sets/abc", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"missing or invalid X-User-ID"}`, w.Body.String())
}

func TestCreateSetAndCheckout(t *testing.T) {
	router := setupRouter(t)
	set := createSet(t, router)
	require.NotNil(t, set.Go)
	require.NotNil(t, set.NoGo)

	w := do(t, router, http.MethodPost, fmt.Sprintf("/api/gauges/%d/checkout", set.Go.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[service.CascadeResult](t, w)
	require.NotNil(t, res.Companion)
	assert.Equal(t, "checked_out", string(res.Companion.Status))
	require.NotNil(t, res.Companion.CheckedOutBy)
	assert.Equal(t, int64(7), *res.Companion.CheckedOutBy)

	w = do(t, router, http.MethodPost, fmt.Sprintf("/api/gauges/%d/checkout", set.NoGo.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	e := decode[errorResponse](t, w)
	assert.Equal(t, "conflict", e.Kind)
	assert.Equal(t, "gauge_not_available", e.Code)
}

func TestCreateSetMismatchedSpec(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/sets", gin.H{"go": gaugeBody(".250-28"), "no_go": gaugeBody(".250-20")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	e := decode[errorResponse](t, w)
	assert.Equal(t, "validation", e.Kind)
	assert.Equal(t, "thread_spec_mismatch", e.Code)
}

func TestUnknownSetIsNotFound(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodGet, "/api/sets/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "set_not_found", decode[errorResponse](t, w).Code)
}

func TestInvalidPathID(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/gauges/abc/checkin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid gauge_id"}`, w.Body.String())
}

func TestDissolveThenHistory(t *testing.T) {
	router := setupRouter(t)
	set := createSet(t, router)

	w := do(t, router, http.MethodPost, "/api/sets/"+set.SetID+"/dissolve", gin.H{"reason": "worn"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[service.DissolveResult](t, w).Spares, 2)

	w = do(t, router, http.MethodGet, "/api/sets/"+set.SetID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		History []struct {
			Action string `json:"action"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	var actions []string
	for _, h := range body.History {
		actions = append(actions, h.Action)
	}
	assert.Contains(t, actions, "created_together")
	assert.Contains(t, actions, "orphaned")
}

func TestCalibrationRoundTrip(t *testing.T) {
	router := setupRouter(t)
	set := createSet(t, router)

	w := do(t, router, http.MethodPost, "/api/batches", gin.H{"calibration_type": "internal"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var batch struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	base := fmt.Sprintf("/api/batches/%d", batch.ID)

	w = do(t, router, http.MethodPost, base+"/gauges", gin.H{"gauge_id": set.Go.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, base+"/gauges", gin.H{"gauge_id": set.Go.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, base+"/send", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	member := fmt.Sprintf("%s/gauges/%d", base, set.Go.ID)
	w = do(t, router, http.MethodPost, member+"/receive", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, router, http.MethodPost, member+"/certificate", gin.H{"certificate_number": "C-1", "passed": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, router, http.MethodPost, member+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[service.RoundTripResult](t, w)
	assert.Equal(t, "available", string(res.Gauge.Status))
	assert.Equal(t, "completed", string(res.Batch.Status))

	w = do(t, router, http.MethodGet, base+"/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCertificateRequiresPassed(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodPost, "/api/batches/1/gauges/1/certificate", gin.H{"certificate_number": "C-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router := setupRouter(t)
	createSet(t, router)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gauge_core_operations_total{operation="create_set",outcome="ok"} 1`)
}
