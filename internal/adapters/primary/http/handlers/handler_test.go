package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"model-retrain-service/internal/adapters/primary/http/dto"
	"model-retrain-service/internal/adapters/primary/http/middleware"
	"model-retrain-service/internal/config"
	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
	"model-retrain-service/internal/core/services"
	"model-retrain-service/internal/features"
	"model-retrain-service/internal/observability/metrics"
	"model-retrain-service/internal/testutil"
)

var project = config.ProjectConfig{
	ExperimentName: "citibike_membership",
	ModelName:      "citibike_classifier",
	Metric:         config.DefaultMetric,
	Alias:          domain.DefaultAlias,
}

func setupRouter(t *testing.T, store ports.TrackingStore, source ports.DatasetSource) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRetrainMetrics(registry)
	require.NoError(t, err)

	training := config.TrainingConfig{TestSize: 0.2, RandomState: 42, Threshold: 0.01}
	pipeline := features.NewPipeline(features.Options{WidenInts: true})
	experiments := services.NewExperimentService(store, source, pipeline, training, t.TempDir())
	registration := services.NewRegistrationService(store, project, recorder)
	promotion := services.NewPromotionService(store, experiments, registration, project, recorder)

	h := New(promotion, registration, training.Threshold, registry)
	r := gin.New()
	r.Use(middleware.RequestID())
	h.RegisterOps(r)
	h.RegisterRoutes(r.Group("/api/v1/retrain"))
	return r
}

func post(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := setupRouter(t, testutil.NewMemoryStore(), new(testutil.MockDatasetSource))

	req, _ := http.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRetrain_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"year":`},
		{"missing month", `{"year":2014}`},
		{"month out of range", `{"year":2014,"month":13}`},
		{"negative year", `{"year":-1,"month":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(testutil.MockTrackingStore)
			r := setupRouter(t, store, new(testutil.MockDatasetSource))

			w := post(r, "/api/v1/retrain/runs", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			store.AssertNotCalled(t, "GetModelVersionByAlias", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRetrain_DataNotFound(t *testing.T) {
	source := new(testutil.MockDatasetSource)
	source.On("LoadMonthData", mock.Anything, 2014, 7).
		Return(nil, fmt.Errorf("%w: 2014-07", domain.ErrDataNotFound))
	r := setupRouter(t, testutil.NewMemoryStore(), source)

	w := post(r, "/api/v1/retrain/runs", `{"year":2014,"month":7}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "2014-07")
	assert.NotEmpty(t, resp.RequestID)

	// The failed decision is visible on /metrics.
	req, _ := http.NewRequest("GET", "/metrics", nil)
	mw := httptest.NewRecorder()
	r.ServeHTTP(mw, req)
	assert.Equal(t, http.StatusOK, mw.Code)
	assert.Contains(t, mw.Body.String(), `retrain_decisions_total{outcome="failed"} 1`)
}

func TestRetrain_InternalErrorIsOpaque(t *testing.T) {
	source := new(testutil.MockDatasetSource)
	source.On("LoadMonthData", mock.Anything, 2014, 1).Return(nil, fmt.Errorf("disk on fire"))
	r := setupRouter(t, testutil.NewMemoryStore(), source)

	w := post(r, "/api/v1/retrain/runs", `{"year":2014,"month":1}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func TestRegisterBest(t *testing.T) {
	store := testutil.NewMemoryStore()
	ctx := context.Background()
	expID, err := store.CreateExperiment(ctx, project.ExperimentName)
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, expID, "decision_tree_20240101_000000", nil)
	require.NoError(t, err)
	require.NoError(t, store.LogBatch(ctx, run.ID, nil, map[string]float64{"test_f1_score": 0.8}, nil))

	r := setupRouter(t, store, new(testutil.MockDatasetSource))

	w := post(r, "/api/v1/retrain/register-best", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.RegistrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1", resp.Version)
	assert.Equal(t, run.ID, resp.BestRunID)
	assert.False(t, resp.Skipped)

	w = post(r, "/api/v1/retrain/register-best", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Skipped)
}

func TestRegisterBest_NoExperiment(t *testing.T) {
	r := setupRouter(t, testutil.NewMemoryStore(), new(testutil.MockDatasetSource))

	w := post(r, "/api/v1/retrain/register-best", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}
