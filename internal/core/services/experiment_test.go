package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"model-retrain-service/internal/core/domain"
	"model-retrain-service/internal/ml"
	"model-retrain-service/internal/testutil"
)

func prepared(t *testing.T, svc *ExperimentService) *PreparedData {
	t.Helper()
	data, err := svc.PrepareData(context.Background(), 2014, 1)
	require.NoError(t, err)
	return data
}

func TestExperimentService_Run_LogsEverything(t *testing.T) {
	store := testutil.NewMemoryStore()
	scratch := t.TempDir()
	svc := NewExperimentService(store, sourceFor(t, 2014, 1), newPipeline(), testTraining, scratch)
	svc.now = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }

	res, err := svc.Run(context.Background(), ExperimentRequest{
		ExperimentName: "citibike_membership",
		ModelType:      "XGBoost",
		Params:         map[string]any{"n_estimators": 20, "max_depth": 3, "random_state": 42},
		Data:           prepared(t, svc),
	})
	require.NoError(t, err)
	assert.Equal(t, "xgboost_20240305_140709", res.RunName)

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFinished, run.Status)
	assert.Equal(t, map[string]string{"n_estimators": "20", "max_depth": "3", "random_state": "42"}, run.Params)
	assert.Equal(t, "xgboost", run.Tags[domain.TagModelType])
	assert.Equal(t, "xgboost", run.Tags[domain.TagFramework])
	assert.Equal(t, "gradient_boosted", run.Tags[domain.TagModelKind])
	assert.Equal(t, "2014-01", run.Tags[domain.TagDataSource])

	for _, key := range []string{"train_accuracy", "train_f1_score", "test_precision", "test_recall", "test_f1_score"} {
		assert.Contains(t, run.Metrics, key)
	}
	assert.NotContains(t, run.Metrics, "test_confusion_matrix")

	assert.Equal(t, []string{
		"dataset_info/class_distribution.json",
		"dataset_info/features.json",
		"evaluation/confusion_matrix.json",
		"evaluation/train_confusion_matrix.json",
		"model/MLmodel",
		"model/input_example.json",
		"model/model.json",
	}, store.ArtifactPaths(res.RunID))

	inputs := store.Inputs(res.RunID)
	require.Len(t, inputs, 1)
	assert.Equal(t, "citibike_data_20240305", inputs[0].Name)
	assert.Equal(t, "training", inputs[0].Context)
	assert.Len(t, inputs[0].Digest, 8)

	raw, err := store.DownloadArtifact(context.Background(), res.RunID, "dataset_info/class_distribution.json")
	require.NoError(t, err)
	var dist map[string]map[string]int
	require.NoError(t, json.Unmarshal(raw, &dist))
	total := 0
	for _, split := range []string{"train", "test"} {
		for _, n := range dist[split] {
			total += n
		}
	}
	assert.Equal(t, 300, total)
	assert.Equal(t, 60, dist["test"]["0"]+dist["test"]["1"])

	// The scratch directory is cleaned up after logging.
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExperimentService_Run_LoggedModelLoadsBack(t *testing.T) {
	store := testutil.NewMemoryStore()
	svc := NewExperimentService(store, sourceFor(t, 2014, 1), newPipeline(), testTraining, t.TempDir())
	data := prepared(t, svc)

	res, err := svc.Run(context.Background(), ExperimentRequest{
		ExperimentName: "citibike_membership",
		ModelType:      "random_forest",
		Params:         map[string]any{"n_estimators": 10, "random_state": 1},
		Data:           data,
	})
	require.NoError(t, err)

	loaded, _, err := ml.Load(context.Background(), func(ctx context.Context, p string) ([]byte, error) {
		return store.DownloadArtifact(ctx, res.RunID, p)
	})
	require.NoError(t, err)

	want, err := res.Model.Predict(data.X)
	require.NoError(t, err)
	got, err := loaded.Predict(data.X)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExperimentService_Run_UnsupportedModelCreatesNoRun(t *testing.T) {
	store := new(testutil.MockTrackingStore)
	svc := NewExperimentService(store, sourceFor(t, 2014, 1), newPipeline(), testTraining, t.TempDir())

	_, err := svc.Run(context.Background(), ExperimentRequest{
		ExperimentName: "citibike_membership",
		ModelType:      "svm",
		Data:           prepared(t, svc),
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedModelType)
	store.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExperimentService_Run_CreatesMissingExperiment(t *testing.T) {
	store := new(testutil.MockTrackingStore)
	svc := NewExperimentService(store, sourceFor(t, 2014, 1), newPipeline(), testTraining, t.TempDir())

	store.On("GetExperimentByName", mock.Anything, "new_exp").Return(nil, domain.ErrExperimentNotFound)
	store.On("CreateExperiment", mock.Anything, "new_exp").Return("12", nil)
	store.On("CreateRun", mock.Anything, "12", mock.AnythingOfType("string"), mock.Anything).
		Return(&domain.Run{ID: "r1"}, nil)
	store.On("LogBatch", mock.Anything, "r1", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("LogArtifact", mock.Anything, "r1", mock.Anything, mock.Anything).Return(nil)
	store.On("LogInputs", mock.Anything, "r1", mock.Anything).Return(nil)
	store.On("FinishRun", mock.Anything, "r1", domain.RunStatusFinished).Return(nil)

	_, err := svc.Run(context.Background(), ExperimentRequest{
		ExperimentName: "new_exp",
		ModelType:      "decision_tree",
		Params:         map[string]any{"max_depth": 3},
		Data:           prepared(t, svc),
	})
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestExperimentService_Run_FailureMarksRunFailed(t *testing.T) {
	store := new(testutil.MockTrackingStore)
	svc := NewExperimentService(store, sourceFor(t, 2014, 1), newPipeline(), testTraining, t.TempDir())

	store.On("GetExperimentByName", mock.Anything, "citibike_membership").Return(&domain.Experiment{ID: "1"}, nil)
	store.On("CreateRun", mock.Anything, "1", mock.AnythingOfType("string"), mock.Anything).
		Return(&domain.Run{ID: "r1"}, nil)
	store.On("LogBatch", mock.Anything, "r1", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("LogArtifact", mock.Anything, "r1", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	store.On("FinishRun", mock.Anything, "r1", domain.RunStatusFailed).Return(nil)

	_, err := svc.Run(context.Background(), ExperimentRequest{
		ExperimentName: "citibike_membership",
		ModelType:      "logistic_regression",
		Params:         domain.DefaultParams(),
		Data:           prepared(t, svc),
	})
	assert.Error(t, err)
	store.AssertCalled(t, "FinishRun", mock.Anything, "r1", domain.RunStatusFailed)
}

func TestExperimentService_Run_DatasetInputFailureIsWarning(t *testing.T) {
	store := new(testutil.MockTrackingStore)
	svc := NewExperimentService(store, sourceFor(t, 2014, 1), newPipeline(), testTraining, t.TempDir())

	store.On("GetExperimentByName", mock.Anything, "citibike_membership").Return(&domain.Experiment{ID: "1"}, nil)
	store.On("CreateRun", mock.Anything, "1", mock.AnythingOfType("string"), mock.Anything).
		Return(&domain.Run{ID: "r1"}, nil)
	store.On("LogBatch", mock.Anything, "r1", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("LogArtifact", mock.Anything, "r1", mock.Anything, mock.Anything).Return(nil)
	store.On("LogInputs", mock.Anything, "r1", mock.Anything).Return(errors.New("dataset logging unsupported"))
	store.On("FinishRun", mock.Anything, "r1", domain.RunStatusFinished).Return(nil)

	_, err := svc.Run(context.Background(), ExperimentRequest{
		ExperimentName: "citibike_membership",
		ModelType:      "logistic_regression",
		Params:         domain.DefaultParams(),
		Data:           prepared(t, svc),
	})
	require.NoError(t, err)
	store.AssertCalled(t, "FinishRun", mock.Anything, "r1", domain.RunStatusFinished)
}

func TestExperimentService_Run_Deterministic(t *testing.T) {
	store := testutil.NewMemoryStore()
	svc := NewExperimentService(store, sourceFor(t, 2014, 1), newPipeline(), testTraining, t.TempDir())
	data := prepared(t, svc)

	req := ExperimentRequest{
		ExperimentName: "citibike_membership",
		ModelType:      "logistic_regression",
		Params:         domain.DefaultParams(),
		Data:           data,
	}
	first, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Run(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Metrics.Scalars, second.Metrics.Scalars)
}
