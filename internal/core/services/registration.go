package services

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"model-retrain-service/internal/config"
	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
)

// Registration reports what RegisterBestModel did.
type Registration struct {
	ModelName       string  `json:"model_name"`
	Alias           string  `json:"alias"`
	Metric          string  `json:"metric"`
	BestRunID       string  `json:"best_run_id"`
	BestMetric      float64 `json:"best_metric"`
	Version         string  `json:"version,omitempty"`
	PreviousVersion string  `json:"previous_version,omitempty"`
	Skipped         bool    `json:"skipped"`
}

type RegistrationService struct {
	store    ports.TrackingStore
	project  config.ProjectConfig
	recorder ports.DecisionRecorder
}

func NewRegistrationService(store ports.TrackingStore, project config.ProjectConfig, recorder ports.DecisionRecorder) *RegistrationService {
	if recorder == nil {
		recorder = ports.NopRecorder()
	}
	if project.Metric == "" {
		project.Metric = config.DefaultMetric
	}
	if project.Alias == "" {
		project.Alias = domain.DefaultAlias
	}
	return &RegistrationService{store: store, project: project, recorder: recorder}
}

// GetBestRun returns the run of the configured experiment with the highest
// value of the configured metric. Ties go to whichever run the store lists first.
func (s *RegistrationService) GetBestRun(ctx context.Context) (*domain.Run, error) {
	exp, err := s.store.GetExperimentByName(ctx, s.project.ExperimentName)
	if err != nil {
		return nil, fmt.Errorf("get experiment %q: %w", s.project.ExperimentName, err)
	}

	runs, err := s.store.SearchRuns(ctx, domain.RunSearch{
		ExperimentIDs: []string{exp.ID},
		OrderBy:       []string{fmt.Sprintf("metrics.%s DESC", s.project.Metric)},
		MaxResults:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("search runs: %w", err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: experiment %q", domain.ErrNoRunsFound, s.project.ExperimentName)
	}

	best := runs[0]
	log.WithFields(log.Fields{
		"run_id": best.ID,
		"metric": s.project.Metric,
		"value":  best.Metrics[s.project.Metric],
	}).Info("Best run")
	return best, nil
}

// RegisterBestModel points the alias at a new version built from the best
// run, unless the alias already holds a version registered from that run.
func (s *RegistrationService) RegisterBestModel(ctx context.Context) (reg *Registration, err error) {
	defer func() {
		switch {
		case err != nil:
			s.recorder.ObserveRegistration(ports.RegistrationFailed)
		case reg.Skipped:
			s.recorder.ObserveRegistration(ports.RegistrationSkipped)
		default:
			s.recorder.ObserveRegistration(ports.RegistrationRegistered)
		}
	}()

	best, err := s.GetBestRun(ctx)
	if err != nil {
		return nil, err
	}
	reg = &Registration{
		ModelName:  s.project.ModelName,
		Alias:      s.project.Alias,
		Metric:     s.project.Metric,
		BestRunID:  best.ID,
		BestMetric: best.Metrics[s.project.Metric],
	}

	logger := log.WithFields(log.Fields{"model_name": s.project.ModelName, "alias": s.project.Alias})

	current, err := s.store.GetModelVersionByAlias(ctx, s.project.ModelName, s.project.Alias)
	if err != nil {
		logger.WithError(err).Info("No current aliased version")
		current = nil
	} else {
		reg.PreviousVersion = current.Version
		logger.WithFields(log.Fields{
			"version": current.Version,
			"run_id":  current.LineageRunID(),
		}).Info("Current aliased version")
	}

	if current != nil && current.LineageRunID() == best.ID {
		logger.WithField("run_id", best.ID).Info("Best run already holds the alias, nothing to do")
		reg.Skipped = true
		return reg, nil
	}

	version, err := s.RegisterModelFromRun(ctx, best.ID)
	if err != nil {
		return nil, err
	}
	reg.Version = version.Version

	if err := s.UpdateAlias(ctx, version.Version); err != nil {
		return nil, err
	}
	return reg, nil
}

// RegisterModelFromRun registers the run's logged model as a new version and
// tags it with the run it came from.
func (s *RegistrationService) RegisterModelFromRun(ctx context.Context, runID string) (*domain.ModelVersion, error) {
	name := s.project.ModelName
	if err := s.store.CreateRegisteredModel(ctx, name); err != nil {
		return nil, fmt.Errorf("create registered model %q: %w", name, err)
	}

	version, err := s.store.CreateModelVersion(ctx, name, domain.RunModelURI(runID), runID)
	if err != nil {
		return nil, fmt.Errorf("create model version from run %s: %w", runID, err)
	}
	if err := s.store.SetModelVersionTag(ctx, name, version.Version, domain.TagRegisteredFromRun, runID); err != nil {
		return nil, fmt.Errorf("tag model version %s: %w", version.Version, err)
	}
	if version.Tags == nil {
		version.Tags = map[string]string{}
	}
	version.Tags[domain.TagRegisteredFromRun] = runID

	log.WithFields(log.Fields{
		"model_name": name,
		"version":    version.Version,
		"run_id":     runID,
	}).Info("Registered model version")
	return version, nil
}

// UpdateAlias moves the alias to version. The old assignment is removed
// first; failing to find or remove it is not an error.
func (s *RegistrationService) UpdateAlias(ctx context.Context, version string) error {
	name, alias := s.project.ModelName, s.project.Alias
	logger := log.WithFields(log.Fields{"model_name": name, "alias": alias})

	if existing, err := s.store.GetModelVersionByAlias(ctx, name, alias); err == nil {
		logger.WithField("version", existing.Version).Info("Removing existing alias")
		if err := s.store.DeleteRegisteredModelAlias(ctx, name, alias); err != nil {
			logger.WithError(err).Warn("Failed to remove existing alias")
		}
	} else {
		logger.Info("No existing alias found")
	}

	if err := s.store.SetRegisteredModelAlias(ctx, name, alias, version); err != nil {
		return fmt.Errorf("set alias %s on %s v%s: %w", alias, name, version, err)
	}
	logger.WithField("version", version).Info("Alias set")
	return nil
}
