package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
	"model-retrain-service/internal/testutil"
)

func newLoop(t *testing.T, store ports.TrackingStore, source ports.DatasetSource, recorder ports.DecisionRecorder) *PromotionService {
	experiments := NewExperimentService(store, source, newPipeline(), testTraining, t.TempDir())
	registration := NewRegistrationService(store, testProject, recorder)
	return NewPromotionService(store, experiments, registration, testProject, recorder)
}

func sourceFor(t *testing.T, year, month int) *testutil.MockDatasetSource {
	source := new(testutil.MockDatasetSource)
	source.On("LoadMonthData", mock.Anything, year, month).Return(monthlyDataset(t, year, month), nil)
	return source
}

func TestComparePerformance(t *testing.T) {
	tests := []struct {
		name      string
		oldF1     float64
		newF1     float64
		threshold float64
		want      bool
	}{
		{"cold start", 0, 0.5, 0.01, true},
		{"below threshold", 0.5, 0.5078125, 0.01, false},
		{"exactly threshold", 0.25, 0.5, 0.25, true},
		{"zero threshold, equal", 0.75, 0.75, 0, true},
		{"regression", 0.75, 0.5, 0, false},
		{"negative threshold tolerates regression", 0.75, 0.5, -0.5, true},
		{"negative threshold, too far behind", 0.75, 0.125, -0.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, delta := ComparePerformance(tt.oldF1, tt.newF1, tt.threshold)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.newF1-tt.oldF1, delta)
		})
	}
}

func TestRetrainIfNeeded_InvalidInput(t *testing.T) {
	store := new(testutil.MockTrackingStore)
	source := new(testutil.MockDatasetSource)
	svc := newLoop(t, store, source, nil)

	for _, th := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := svc.RetrainIfNeeded(context.Background(), 2014, 1, th)
		assert.ErrorIs(t, err, domain.ErrInvalidThreshold)
	}
	for _, m := range []int{0, 13} {
		_, err := svc.RetrainIfNeeded(context.Background(), 2014, m, 0.01)
		assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
	}

	store.AssertNotCalled(t, "GetModelVersionByAlias", mock.Anything, mock.Anything, mock.Anything)
	source.AssertNotCalled(t, "LoadMonthData", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetrainIfNeeded_ColdStartPromotes(t *testing.T) {
	store := testutil.NewMemoryStore()
	recorder := new(testutil.MockRecorder)
	recorder.On("ObserveRegistration", ports.RegistrationRegistered).Return()
	recorder.On("ObserveDecision", ports.OutcomePromoted, 0.0, mock.Anything, mock.Anything).Return()

	svc := newLoop(t, store, sourceFor(t, 2014, 1), recorder)

	d, err := svc.RetrainIfNeeded(context.Background(), 2014, 1, 0.01)
	require.NoError(t, err)

	assert.False(t, d.IncumbentFound)
	assert.Equal(t, 0.0, d.OldF1)
	assert.Equal(t, string(domain.DefaultModelType), d.ModelType)
	assert.Equal(t, domain.DefaultParams(), d.Params)
	assert.Greater(t, d.NewF1, 0.5)
	assert.True(t, d.Promoted)

	runs := store.Runs()
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, d.ChallengerRunID, run.ID)
	assert.Equal(t, domain.RunStatusFinished, run.Status)
	assert.True(t, strings.HasPrefix(run.Name, "logistic_regression_"))
	assert.Equal(t, "500", run.Params["max_iter"])
	assert.Equal(t, "logistic_regression", run.Tags[domain.TagModelType])
	assert.Equal(t, "2014-01", run.Tags[domain.TagDataSource])

	versions := store.Versions(testProject.ModelName)
	require.Len(t, versions, 1)
	assert.Equal(t, run.ID, versions[0].LineageRunID())
	assert.Equal(t, domain.RunModelURI(run.ID), versions[0].Source)

	prod, err := store.GetModelVersionByAlias(context.Background(), testProject.ModelName, "production")
	require.NoError(t, err)
	assert.Equal(t, "1", prod.Version)
	require.NotNil(t, d.Registration)
	assert.Equal(t, "1", d.Registration.Version)

	recorder.AssertExpectations(t)
}

func TestRetrainIfNeeded_HoldKeepsAlias(t *testing.T) {
	store := testutil.NewMemoryStore()
	ctx := context.Background()

	_, err := newLoop(t, store, sourceFor(t, 2014, 1), nil).RetrainIfNeeded(ctx, 2014, 1, 0.01)
	require.NoError(t, err)
	firstRun := store.Runs()[0]

	d, err := newLoop(t, store, sourceFor(t, 2014, 2), nil).RetrainIfNeeded(ctx, 2014, 2, 1.0)
	require.NoError(t, err)

	assert.True(t, d.IncumbentFound)
	assert.Equal(t, "1", d.IncumbentVersion)
	assert.Equal(t, firstRun.ID, d.IncumbentRunID)
	assert.Greater(t, d.OldF1, 0.0)
	assert.False(t, d.Promoted)
	assert.Nil(t, d.Registration)

	// The challenger is always logged, the registry is untouched.
	assert.Len(t, store.Runs(), 2)
	assert.Len(t, store.Versions(testProject.ModelName), 1)
	prod, err := store.GetModelVersionByAlias(ctx, testProject.ModelName, "production")
	require.NoError(t, err)
	assert.Equal(t, firstRun.ID, prod.LineageRunID())
}

func TestRetrainIfNeeded_NegativeThresholdPromotes(t *testing.T) {
	store := testutil.NewMemoryStore()
	ctx := context.Background()

	_, err := newLoop(t, store, sourceFor(t, 2014, 1), nil).RetrainIfNeeded(ctx, 2014, 1, 0.01)
	require.NoError(t, err)

	d, err := newLoop(t, store, sourceFor(t, 2014, 2), nil).RetrainIfNeeded(ctx, 2014, 2, -1.0)
	require.NoError(t, err)

	assert.Equal(t, -1.0, d.Threshold)
	assert.True(t, d.Promoted)
	require.NotNil(t, d.Registration)
}

func TestRetrainIfNeeded_InheritsIncumbentType(t *testing.T) {
	store := testutil.NewMemoryStore()
	ctx := context.Background()
	loop := newLoop(t, store, sourceFor(t, 2014, 1), nil)

	// Seed production with a decision tree run.
	data, err := loop.experiments.PrepareData(ctx, 2014, 1)
	require.NoError(t, err)
	seed, err := loop.experiments.Run(ctx, ExperimentRequest{
		ExperimentName: testProject.ExperimentName,
		ModelType:      "decision_tree",
		Params:         map[string]any{"max_depth": 4, "random_state": 0},
		Data:           data,
	})
	require.NoError(t, err)
	_, err = loop.registration.RegisterBestModel(ctx)
	require.NoError(t, err)

	d, err := loop.RetrainIfNeeded(ctx, 2014, 1, 1.0)
	require.NoError(t, err)
	assert.Equal(t, seed.RunID, d.IncumbentRunID)
	assert.Equal(t, "decision_tree", d.ModelType)
	assert.Equal(t, 4, d.Params["max_depth"])
	assert.Equal(t, 0, d.Params["random_state"])

	runs := store.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "4", runs[1].Params["max_depth"])
	assert.Equal(t, "decision_tree", runs[1].Tags[domain.TagModelType])
}

func TestRetrainIfNeeded_DataNotFound(t *testing.T) {
	store := new(testutil.MockTrackingStore)
	store.On("GetModelVersionByAlias", mock.Anything, testProject.ModelName, "production").
		Return(nil, domain.ErrAliasNotFound)
	source := new(testutil.MockDatasetSource)
	source.On("LoadMonthData", mock.Anything, 2014, 5).Return(nil, domain.ErrDataNotFound)
	recorder := new(testutil.MockRecorder)
	recorder.On("ObserveDecision", ports.OutcomeFailed, 0.0, 0.0, mock.Anything).Return()

	_, err := newLoop(t, store, source, recorder).RetrainIfNeeded(context.Background(), 2014, 5, 0.01)
	assert.ErrorIs(t, err, domain.ErrDataNotFound)
	store.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	recorder.AssertExpectations(t)
}

func TestLoadIncumbent_DowngradesFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no alias", func(t *testing.T) {
		store := new(testutil.MockTrackingStore)
		store.On("GetModelVersionByAlias", mock.Anything, testProject.ModelName, "production").
			Return(nil, errors.New("connection refused"))
		assert.False(t, newLoop(t, store, nil, nil).LoadIncumbent(ctx).IsFound())
	})

	t.Run("no lineage tag", func(t *testing.T) {
		store := new(testutil.MockTrackingStore)
		store.On("GetModelVersionByAlias", mock.Anything, testProject.ModelName, "production").
			Return(&domain.ModelVersion{Name: testProject.ModelName, Version: "3"}, nil)
		assert.False(t, newLoop(t, store, nil, nil).LoadIncumbent(ctx).IsFound())
		store.AssertNotCalled(t, "DownloadArtifact", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("model missing", func(t *testing.T) {
		store := new(testutil.MockTrackingStore)
		store.On("GetModelVersionByAlias", mock.Anything, testProject.ModelName, "production").
			Return(&domain.ModelVersion{Version: "3", Tags: map[string]string{domain.TagRegisteredFromRun: "r1"}}, nil)
		store.On("DownloadArtifact", mock.Anything, "r1", "model/MLmodel").Return(nil, domain.ErrArtifactNotFound)
		assert.False(t, newLoop(t, store, nil, nil).LoadIncumbent(ctx).IsFound())
	})
}

func TestInheritParams(t *testing.T) {
	ctx := context.Background()
	incumbent := domain.Found(&Incumbent{Version: &domain.ModelVersion{Version: "2"}, RunID: "r1"})

	t.Run("not found uses defaults", func(t *testing.T) {
		store := new(testutil.MockTrackingStore)
		mt, params := newLoop(t, store, nil, nil).InheritParams(ctx, domain.NotFound[*Incumbent]())
		assert.Equal(t, domain.ModelTypeLogisticRegression, mt)
		assert.Equal(t, map[string]any{"max_iter": 500}, params)
		store.AssertNotCalled(t, "GetRun", mock.Anything, mock.Anything)
	})

	t.Run("coerces run params", func(t *testing.T) {
		store := new(testutil.MockTrackingStore)
		store.On("GetRun", mock.Anything, "r1").Return(&domain.Run{
			ID:     "r1",
			Params: map[string]string{"n_estimators": "200", "learning_rate": "0.05", "objective": "binary"},
			Tags:   map[string]string{domain.TagModelType: "lgbm"},
		}, nil)
		mt, params := newLoop(t, store, nil, nil).InheritParams(ctx, incumbent)
		assert.Equal(t, domain.ModelTypeLGBM, mt)
		assert.Equal(t, map[string]any{"n_estimators": 200, "learning_rate": 0.05, "objective": "binary"}, params)
	})

	t.Run("missing type tag keeps default type", func(t *testing.T) {
		store := new(testutil.MockTrackingStore)
		store.On("GetRun", mock.Anything, "r1").Return(&domain.Run{
			ID: "r1", Params: map[string]string{"C": "0.5"}, Tags: map[string]string{},
		}, nil)
		mt, params := newLoop(t, store, nil, nil).InheritParams(ctx, incumbent)
		assert.Equal(t, domain.ModelTypeLogisticRegression, mt)
		assert.Equal(t, map[string]any{"C": 0.5}, params)
	})

	t.Run("unknown type falls back", func(t *testing.T) {
		store := new(testutil.MockTrackingStore)
		store.On("GetRun", mock.Anything, "r1").Return(&domain.Run{
			ID: "r1", Params: map[string]string{"kernel": "rbf"}, Tags: map[string]string{domain.TagModelType: "svm"},
		}, nil)
		mt, params := newLoop(t, store, nil, nil).InheritParams(ctx, incumbent)
		assert.Equal(t, domain.DefaultModelType, mt)
		assert.Equal(t, domain.DefaultParams(), params)
	})

	t.Run("run lookup fails", func(t *testing.T) {
		store := new(testutil.MockTrackingStore)
		store.On("GetRun", mock.Anything, "r1").Return(nil, domain.ErrRunNotFound)
		mt, params := newLoop(t, store, nil, nil).InheritParams(ctx, incumbent)
		assert.Equal(t, domain.DefaultModelType, mt)
		assert.Equal(t, domain.DefaultParams(), params)
	})
}
