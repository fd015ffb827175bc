package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"model-retrain-service/internal/config"
	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
	"model-retrain-service/internal/features"
	"model-retrain-service/internal/ml"
)

// Artifact directories inside a run.
const (
	ArtifactDirDatasetInfo = "dataset_info"
	ArtifactDirEvaluation  = "evaluation"

	datasetContextTraining = "training"
	runNameLayout          = "20060102_150405"
	datasetNameLayout      = "20060102"
)

// PreparedData is one month of trips turned into a feature table.
type PreparedData struct {
	Dataset  *ports.MonthlyDataset
	Table    dataframe.DataFrame
	X        *mat.Dense
	Y        []int
	Features []string
}

type ExperimentRequest struct {
	ExperimentName string
	ModelType      string
	Params         map[string]any
	Data           *PreparedData
}

type ExperimentResult struct {
	RunID   string
	RunName string
	Model   *ml.Model
	Metrics ml.Metrics
}

// TestF1 is the challenger score the promotion rule compares.
func (r *ExperimentResult) TestF1() float64 {
	return r.Metrics.Scalars[ml.TestPrefix+ml.MetricF1]
}

type ExperimentService struct {
	store      ports.ExperimentTracker
	source     ports.DatasetSource
	pipeline   *features.Pipeline
	training   config.TrainingConfig
	scratchDir string
	now        func() time.Time
}

func NewExperimentService(
	store ports.ExperimentTracker,
	source ports.DatasetSource,
	pipeline *features.Pipeline,
	training config.TrainingConfig,
	scratchDir string,
) *ExperimentService {
	return &ExperimentService{
		store:      store,
		source:     source,
		pipeline:   pipeline,
		training:   training,
		scratchDir: scratchDir,
		now:        time.Now,
	}
}

// PrepareData loads a month of raw trips and runs the feature pipeline on it.
func (s *ExperimentService) PrepareData(ctx context.Context, year, month int) (*PreparedData, error) {
	ds, err := s.source.LoadMonthData(ctx, year, month)
	if err != nil {
		return nil, err
	}
	table, err := s.pipeline.Run(ds.Frame)
	if err != nil {
		return nil, fmt.Errorf("build features for %s: %w", ds.SourceID(), err)
	}
	X, y, names, err := features.Matrix(table, features.LabelColumn)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"source": ds.SourceID(),
		"path":   ds.Path,
		"rows":   table.Nrow(),
	}).Info("Prepared feature table")

	return &PreparedData{Dataset: ds, Table: table, X: X, Y: y, Features: names}, nil
}

// Run trains one model on the prepared data, evaluates it on a seeded
// train/test split and records everything as a new run.
func (s *ExperimentService) Run(ctx context.Context, req ExperimentRequest) (*ExperimentResult, error) {
	if req.Data == nil {
		return nil, fmt.Errorf("run experiment: %w", domain.ErrEmptyDataset)
	}
	data := req.Data

	model, err := ml.GetModel(req.ModelType, req.Params)
	if err != nil {
		return nil, err
	}

	split, err := ml.TrainTestSplit(len(data.Y), s.training.TestSize, s.training.RandomState)
	if err != nil {
		return nil, err
	}
	Xtrain, ytrain := ml.TakeRows(data.X, data.Y, split.Train)
	Xtest, ytest := ml.TakeRows(data.X, data.Y, split.Test)

	start := s.now()
	if err := model.Fit(Xtrain, ytrain); err != nil {
		return nil, fmt.Errorf("train %s: %w", model.Type, err)
	}
	metrics, err := ml.EvaluateTrainTest(model, Xtrain, ytrain, Xtest, ytest)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"model_type":    model.Type,
		"train_rows":    len(ytrain),
		"test_rows":     len(ytest),
		"test_f1_score": metrics.Scalars[ml.TestPrefix+ml.MetricF1],
		"elapsed":       s.now().Sub(start).String(),
	}).Info("Trained challenger")

	run, err := s.logRun(ctx, req.ExperimentName, model, metrics, data, Xtrain, ytrain, ytest)
	if err != nil {
		return nil, err
	}
	return &ExperimentResult{RunID: run.ID, RunName: run.Name, Model: model, Metrics: metrics}, nil
}

func (s *ExperimentService) ensureExperiment(ctx context.Context, name string) (string, error) {
	exp, err := s.store.GetExperimentByName(ctx, name)
	if err == nil {
		return exp.ID, nil
	}
	if !errors.Is(err, domain.ErrExperimentNotFound) {
		return "", err
	}
	id, err := s.store.CreateExperiment(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create experiment %q: %w", name, err)
	}
	log.WithField("experiment", name).Info("Created experiment")
	return id, nil
}

func (s *ExperimentService) logRun(
	ctx context.Context,
	experimentName string,
	model *ml.Model,
	metrics ml.Metrics,
	data *PreparedData,
	Xtrain *mat.Dense,
	ytrain, ytest []int,
) (run *domain.Run, err error) {
	expID, err := s.ensureExperiment(ctx, experimentName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	runName := fmt.Sprintf("%s_%s", model.Type, now.Format(runNameLayout))
	run, err = s.store.CreateRun(ctx, expID, runName, nil)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	runID := run.ID
	logger := log.WithFields(log.Fields{"run_id": runID, "run_name": runName})

	defer func() {
		status := domain.RunStatusFinished
		if err != nil {
			status = domain.RunStatusFailed
		}
		if ferr := s.store.FinishRun(ctx, runID, status); ferr != nil {
			logger.WithError(ferr).Warn("Failed to finish run")
			if err == nil {
				err = fmt.Errorf("finish run: %w", ferr)
			}
		}
	}()

	scratch := filepath.Join(s.scratchDir, uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := s.store.LogBatch(ctx, run.ID, domain.FormatParams(model.Params), metrics.Scalars, nil); err != nil {
		return nil, fmt.Errorf("log params and metrics: %w", err)
	}

	distribution := map[string]map[int]int{
		"train": classCounts(ytrain),
		"test":  classCounts(ytest),
	}
	if err := s.logJSON(ctx, run.ID, scratch, ArtifactDirDatasetInfo, "features.json", data.Features); err != nil {
		return nil, err
	}
	if err := s.logJSON(ctx, run.ID, scratch, ArtifactDirDatasetInfo, "class_distribution.json", distribution); err != nil {
		return nil, err
	}

	input, err := datasetInput(data, now)
	if err == nil {
		err = s.store.LogInputs(ctx, run.ID, []domain.DatasetInput{input})
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to log dataset input")
		err = nil
	}

	if err := s.logJSON(ctx, run.ID, scratch, ArtifactDirEvaluation, "confusion_matrix.json",
		metrics.ConfusionMatrices[ml.TestPrefix+ml.MetricConfusionMatrix]); err != nil {
		return nil, err
	}
	if err := s.logJSON(ctx, run.ID, scratch, ArtifactDirEvaluation, "train_confusion_matrix.json",
		metrics.ConfusionMatrices[ml.TrainPrefix+ml.MetricConfusionMatrix]); err != nil {
		return nil, err
	}

	if err := s.logModel(ctx, run.ID, scratch, model, data.Features, Xtrain); err != nil {
		return nil, err
	}

	tags := map[string]string{
		domain.TagModelType:  string(model.Type),
		domain.TagModelKind:  string(model.Kind),
		domain.TagFramework:  model.Type.Framework(),
		domain.TagDataSource: data.Dataset.SourceID(),
	}
	if err := s.store.LogBatch(ctx, run.ID, nil, nil, tags); err != nil {
		return nil, fmt.Errorf("set run tags: %w", err)
	}

	logger.Info("Logged run")
	return run, nil
}

func (s *ExperimentService) logJSON(ctx context.Context, runID, scratch, artifactDir, name string, v any) error {
	dir := filepath.Join(scratch, artifactDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.store.LogArtifact(ctx, runID, path, artifactDir); err != nil {
		return fmt.Errorf("log artifact %s/%s: %w", artifactDir, name, err)
	}
	return nil
}

func (s *ExperimentService) logModel(ctx context.Context, runID, scratch string, model *ml.Model, names []string, Xtrain *mat.Dense) error {
	dir := filepath.Join(scratch, ml.ModelDir)
	if err := ml.Save(dir, model, runID, names, Xtrain); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read model dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := s.store.LogArtifact(ctx, runID, filepath.Join(dir, e.Name()), ml.ModelDir); err != nil {
			return fmt.Errorf("log model file %s: %w", e.Name(), err)
		}
	}
	return nil
}

func classCounts(y []int) map[int]int {
	out := map[int]int{}
	for _, v := range y {
		out[v]++
	}
	return out
}

type colSpec struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// datasetInput describes the training table the way the tracking store
// records dataset inputs: a content digest, a column schema and a size profile.
func datasetInput(data *PreparedData, now time.Time) (domain.DatasetInput, error) {
	var buf bytes.Buffer
	if err := data.Table.WriteCSV(&buf); err != nil {
		return domain.DatasetInput{}, fmt.Errorf("snapshot table: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())

	cols := make([]colSpec, 0, data.Table.Ncol())
	for _, name := range data.Table.Names() {
		cols = append(cols, colSpec{Type: columnType(data.Table.Col(name).Type()), Name: name})
	}
	schema, err := json.Marshal(map[string][]colSpec{"mlflow_colspec": cols})
	if err != nil {
		return domain.DatasetInput{}, err
	}
	profile, err := json.Marshal(map[string]int{
		"num_rows":     data.Table.Nrow(),
		"num_elements": data.Table.Nrow() * data.Table.Ncol(),
	})
	if err != nil {
		return domain.DatasetInput{}, err
	}

	source := map[string]string{"uri": data.Dataset.Path}
	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return domain.DatasetInput{}, err
	}

	return domain.DatasetInput{
		Name:       "citibike_data_" + now.Format(datasetNameLayout),
		Digest:     hex.EncodeToString(sum[:])[:8],
		SourceType: "local",
		Source:     string(sourceJSON),
		Schema:     string(schema),
		Profile:    string(profile),
		Context:    datasetContextTraining,
	}, nil
}

func columnType(t series.Type) string {
	switch t {
	case series.Int:
		return "long"
	case series.Float:
		return "double"
	case series.Bool:
		return "boolean"
	}
	return "string"
}
