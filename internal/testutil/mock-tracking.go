package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
)

// MockTrackingStore is a mock of TrackingStore.
type MockTrackingStore struct {
	mock.Mock
}

func (m *MockTrackingStore) GetExperimentByName(ctx context.Context, name string) (*domain.Experiment, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Experiment), args.Error(1)
}

func (m *MockTrackingStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (m *MockTrackingStore) CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (*domain.Run, error) {
	args := m.Called(ctx, experimentID, runName, tags)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Run), args.Error(1)
}

func (m *MockTrackingStore) LogBatch(ctx context.Context, runID string, params map[string]string, metrics map[string]float64, tags map[string]string) error {
	args := m.Called(ctx, runID, params, metrics, tags)
	return args.Error(0)
}

func (m *MockTrackingStore) LogInputs(ctx context.Context, runID string, inputs []domain.DatasetInput) error {
	args := m.Called(ctx, runID, inputs)
	return args.Error(0)
}

func (m *MockTrackingStore) LogArtifact(ctx context.Context, runID, localPath, artifactDir string) error {
	args := m.Called(ctx, runID, localPath, artifactDir)
	return args.Error(0)
}

func (m *MockTrackingStore) DownloadArtifact(ctx context.Context, runID, artifactPath string) ([]byte, error) {
	args := m.Called(ctx, runID, artifactPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockTrackingStore) FinishRun(ctx context.Context, runID string, status domain.RunStatus) error {
	args := m.Called(ctx, runID, status)
	return args.Error(0)
}

func (m *MockTrackingStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Run), args.Error(1)
}

func (m *MockTrackingStore) SearchRuns(ctx context.Context, search domain.RunSearch) ([]*domain.Run, error) {
	args := m.Called(ctx, search)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Run), args.Error(1)
}

func (m *MockTrackingStore) CreateRegisteredModel(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockTrackingStore) CreateModelVersion(ctx context.Context, name, source, runID string) (*domain.ModelVersion, error) {
	args := m.Called(ctx, name, source, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ModelVersion), args.Error(1)
}

func (m *MockTrackingStore) SetModelVersionTag(ctx context.Context, name, version, key, value string) error {
	args := m.Called(ctx, name, version, key, value)
	return args.Error(0)
}

func (m *MockTrackingStore) GetModelVersionByAlias(ctx context.Context, name, alias string) (*domain.ModelVersion, error) {
	args := m.Called(ctx, name, alias)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ModelVersion), args.Error(1)
}

func (m *MockTrackingStore) SetRegisteredModelAlias(ctx context.Context, name, alias, version string) error {
	args := m.Called(ctx, name, alias, version)
	return args.Error(0)
}

func (m *MockTrackingStore) DeleteRegisteredModelAlias(ctx context.Context, name, alias string) error {
	args := m.Called(ctx, name, alias)
	return args.Error(0)
}

// MockDatasetSource is a mock of DatasetSource.
type MockDatasetSource struct {
	mock.Mock
}

func (m *MockDatasetSource) LoadMonthData(ctx context.Context, year, month int) (*ports.MonthlyDataset, error) {
	args := m.Called(ctx, year, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.MonthlyDataset), args.Error(1)
}

// MockRecorder is a mock of DecisionRecorder.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) ObserveDecision(outcome string, incumbentF1, challengerF1 float64, elapsed time.Duration) {
	m.Called(outcome, incumbentF1, challengerF1, elapsed)
}

func (m *MockRecorder) ObserveRegistration(result string) {
	m.Called(result)
}
