package services

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"model-retrain-service/internal/config"
	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
	"model-retrain-service/internal/ml"
)

// Decision loop stages, used as the "stage" log field.
const (
	StageLoadIncumbent   = "load_incumbent"
	StageInheritParams   = "inherit_params"
	StageTrainChallenger = "train_challenger"
	StageCompare         = "compare"
	StagePromote         = "promote"
	StageHold            = "hold"
)

// Incumbent is the model currently holding the production alias.
type Incumbent struct {
	Version *domain.ModelVersion
	RunID   string
	Model   *ml.Model
}

type IncumbentLookup = domain.Lookup[*Incumbent]

// Decision is the outcome of one RetrainIfNeeded call.
type Decision struct {
	Year             int            `json:"year"`
	Month            int            `json:"month"`
	IncumbentFound   bool           `json:"incumbent_found"`
	IncumbentVersion string         `json:"incumbent_version,omitempty"`
	IncumbentRunID   string         `json:"incumbent_run_id,omitempty"`
	ModelType        string         `json:"model_type"`
	Params           map[string]any `json:"params"`
	ChallengerRunID  string         `json:"challenger_run_id"`
	OldF1            float64        `json:"old_f1"`
	NewF1            float64        `json:"new_f1"`
	Improvement      float64        `json:"improvement"`
	Threshold        float64        `json:"threshold"`
	Promoted         bool           `json:"promoted"`
	Registration     *Registration  `json:"registration,omitempty"`
}

type PromotionService struct {
	store        ports.TrackingStore
	experiments  *ExperimentService
	registration *RegistrationService
	project      config.ProjectConfig
	recorder     ports.DecisionRecorder
}

func NewPromotionService(
	store ports.TrackingStore,
	experiments *ExperimentService,
	registration *RegistrationService,
	project config.ProjectConfig,
	recorder ports.DecisionRecorder,
) *PromotionService {
	if recorder == nil {
		recorder = ports.NopRecorder()
	}
	if project.Alias == "" {
		project.Alias = domain.DefaultAlias
	}
	return &PromotionService{
		store:        store,
		experiments:  experiments,
		registration: registration,
		project:      project,
		recorder:     recorder,
	}
}

// ComparePerformance reports whether the challenger beats the incumbent by
// at least threshold, and by how much.
func ComparePerformance(oldF1, newF1, threshold float64) (bool, float64) {
	improvement := newF1 - oldF1
	return improvement >= threshold, improvement
}

func validateRequest(year, month int, threshold float64) error {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidThreshold, threshold)
	}
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month %d", domain.ErrInvalidPeriod, month)
	}
	if year < 1 {
		return fmt.Errorf("%w: year %d", domain.ErrInvalidPeriod, year)
	}
	return nil
}

// RetrainIfNeeded trains a challenger on the given month, scores the
// incumbent on the same month and registers the best run when the
// challenger improves F1 by at least threshold.
func (s *PromotionService) RetrainIfNeeded(ctx context.Context, year, month int, threshold float64) (d *Decision, err error) {
	if err := validateRequest(year, month, threshold); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		switch {
		case err != nil:
			s.recorder.ObserveDecision(ports.OutcomeFailed, 0, 0, time.Since(start))
		case d.Promoted:
			s.recorder.ObserveDecision(ports.OutcomePromoted, d.OldF1, d.NewF1, time.Since(start))
		default:
			s.recorder.ObserveDecision(ports.OutcomeHeld, d.OldF1, d.NewF1, time.Since(start))
		}
	}()

	logger := log.WithFields(log.Fields{
		"model_name": s.project.ModelName,
		"year":       year,
		"month":      month,
	})
	d = &Decision{Year: year, Month: month, Threshold: threshold}

	incumbent := s.LoadIncumbent(ctx)

	data, err := s.experiments.PrepareData(ctx, year, month)
	if err != nil {
		return nil, err
	}

	if inc, ok := incumbent.Get(); ok {
		d.IncumbentFound = true
		d.IncumbentVersion = inc.Version.Version
		d.IncumbentRunID = inc.RunID
		scores, err := ml.Evaluate(inc.Model, data.X, data.Y)
		if err != nil {
			return nil, fmt.Errorf("evaluate incumbent v%s: %w", inc.Version.Version, err)
		}
		d.OldF1 = scores.Scalars[ml.MetricF1]
	}

	modelType, params := s.InheritParams(ctx, incumbent)
	d.ModelType = string(modelType)
	d.Params = params

	logger.WithFields(log.Fields{"stage": StageTrainChallenger, "model_type": modelType}).Info("Training challenger")
	result, err := s.experiments.Run(ctx, ExperimentRequest{
		ExperimentName: s.project.ExperimentName,
		ModelType:      string(modelType),
		Params:         params,
		Data:           data,
	})
	if err != nil {
		return nil, err
	}
	d.ChallengerRunID = result.RunID
	d.NewF1 = result.TestF1()

	improved, delta := ComparePerformance(d.OldF1, d.NewF1, threshold)
	d.Improvement = delta
	logger.WithFields(log.Fields{
		"stage":       StageCompare,
		"old_f1":      fmt.Sprintf("%.4f", d.OldF1),
		"new_f1":      fmt.Sprintf("%.4f", d.NewF1),
		"improvement": fmt.Sprintf("%+.4f", delta),
	}).Info("Compared challenger with incumbent")

	if !improved {
		logger.WithField("stage", StageHold).Info("No significant improvement, keeping current model")
		return d, nil
	}

	logger.WithField("stage", StagePromote).Info("Improvement detected, registering best model")
	reg, err := s.registration.RegisterBestModel(ctx)
	if err != nil {
		return nil, err
	}
	d.Promoted = true
	d.Registration = reg
	return d, nil
}

// LoadIncumbent resolves the aliased version, follows its lineage tag to the
// producing run and loads that run's model. Any failure yields NotFound.
func (s *PromotionService) LoadIncumbent(ctx context.Context) IncumbentLookup {
	logger := log.WithFields(log.Fields{
		"stage":      StageLoadIncumbent,
		"model_name": s.project.ModelName,
		"alias":      s.project.Alias,
	})

	version, err := s.store.GetModelVersionByAlias(ctx, s.project.ModelName, s.project.Alias)
	if err != nil {
		logger.WithError(err).Warn("No production model found, retraining from scratch")
		return domain.NotFound[*Incumbent]()
	}
	runID := version.LineageRunID()
	if runID == "" {
		logger.WithField("version", version.Version).Warn("Production version has no lineage tag, retraining from scratch")
		return domain.NotFound[*Incumbent]()
	}

	model, _, err := ml.Load(ctx, func(ctx context.Context, path string) ([]byte, error) {
		return s.store.DownloadArtifact(ctx, runID, path)
	})
	if err != nil {
		logger.WithError(err).WithField("run_id", runID).Warn("Failed to load production model, retraining from scratch")
		return domain.NotFound[*Incumbent]()
	}

	logger.WithFields(log.Fields{"version": version.Version, "run_id": runID}).Info("Loaded current production model")
	return domain.Found(&Incumbent{Version: version, RunID: runID, Model: model})
}

// InheritParams returns the incumbent run's model type and coerced params,
// or the default model type and params when there is nothing to inherit.
func (s *PromotionService) InheritParams(ctx context.Context, incumbent IncumbentLookup) (domain.ModelType, map[string]any) {
	logger := log.WithField("stage", StageInheritParams)

	inc, ok := incumbent.Get()
	if !ok {
		logger.Info("Using default model type and params")
		return domain.DefaultModelType, domain.DefaultParams()
	}

	run, err := s.store.GetRun(ctx, inc.RunID)
	if err != nil {
		logger.WithError(err).Warn("Failed to load inherited params")
		return domain.DefaultModelType, domain.DefaultParams()
	}

	modelType := domain.DefaultModelType
	if tag, ok := run.Tags[domain.TagModelType]; ok {
		mt, err := domain.ParseModelType(tag)
		if err != nil {
			logger.WithError(err).Warn("Failed to load inherited params")
			return domain.DefaultModelType, domain.DefaultParams()
		}
		modelType = mt
	}

	params := domain.CoerceParams(run.Params)
	logger.WithFields(log.Fields{"model_type": modelType, "params": params}).Info("Inherited params")
	return modelType, params
}
