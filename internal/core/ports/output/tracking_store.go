package ports

import (
	"context"

	"model-retrain-service/internal/core/domain"
)

// ExperimentTracker records runs under named experiments.
type ExperimentTracker interface {
	GetExperimentByName(ctx context.Context, name string) (*domain.Experiment, error)
	CreateExperiment(ctx context.Context, name string) (string, error)

	CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (*domain.Run, error)
	LogBatch(ctx context.Context, runID string, params map[string]string, metrics map[string]float64, tags map[string]string) error
	LogInputs(ctx context.Context, runID string, inputs []domain.DatasetInput) error
	LogArtifact(ctx context.Context, runID, localPath, artifactDir string) error
	DownloadArtifact(ctx context.Context, runID, artifactPath string) ([]byte, error)
	FinishRun(ctx context.Context, runID string, status domain.RunStatus) error

	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	SearchRuns(ctx context.Context, search domain.RunSearch) ([]*domain.Run, error)
}

// ModelRegistry versions logged models and points aliases at them.
// Alias reassignment is two calls (delete, set) and is not transactional.
type ModelRegistry interface {
	CreateRegisteredModel(ctx context.Context, name string) error
	CreateModelVersion(ctx context.Context, name, source, runID string) (*domain.ModelVersion, error)
	SetModelVersionTag(ctx context.Context, name, version, key, value string) error

	GetModelVersionByAlias(ctx context.Context, name, alias string) (*domain.ModelVersion, error)
	SetRegisteredModelAlias(ctx context.Context, name, alias, version string) error
	DeleteRegisteredModelAlias(ctx context.Context, name, alias string) error
}

type TrackingStore interface {
	ExperimentTracker
	ModelRegistry
}
