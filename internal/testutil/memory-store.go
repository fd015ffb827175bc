package testutil

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
)

// MemoryStore is an in-process TrackingStore for service tests.
type MemoryStore struct {
	mu          sync.Mutex
	experiments []*domain.Experiment
	runs        []*domain.Run
	inputs      map[string][]domain.DatasetInput
	artifacts   map[string]map[string][]byte
	versions    map[string][]*domain.ModelVersion
	aliases     map[string]map[string]string
}

var _ ports.TrackingStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		inputs:    map[string][]domain.DatasetInput{},
		artifacts: map[string]map[string][]byte{},
		versions:  map[string][]*domain.ModelVersion{},
		aliases:   map[string]map[string]string{},
	}
}

func (s *MemoryStore) GetExperimentByName(_ context.Context, name string) (*domain.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.experiments {
		if e.Name == name {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, name)
}

func (s *MemoryStore) CreateExperiment(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strconv.Itoa(len(s.experiments) + 1)
	s.experiments = append(s.experiments, &domain.Experiment{ID: id, Name: name, LifecycleStage: "active"})
	return id, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, experimentID, runName string, tags map[string]string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &domain.Run{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		ExperimentID: experimentID,
		Name:         runName,
		Status:       domain.RunStatusRunning,
		StartTime:    time.Now(),
		Params:       map[string]string{},
		Metrics:      map[string]float64{},
		Tags:         map[string]string{},
	}
	for k, v := range tags {
		run.Tags[k] = v
	}
	s.runs = append(s.runs, run)
	return cloneRun(run), nil
}

func (s *MemoryStore) findRun(runID string) (*domain.Run, error) {
	for _, r := range s.runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
}

func (s *MemoryStore) LogBatch(_ context.Context, runID string, params map[string]string, metrics map[string]float64, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.findRun(runID)
	if err != nil {
		return err
	}
	for k, v := range params {
		if old, ok := run.Params[k]; ok && old != v {
			return fmt.Errorf("param %s already logged with a different value", k)
		}
		run.Params[k] = v
	}
	for k, v := range metrics {
		run.Metrics[k] = v
	}
	for k, v := range tags {
		run.Tags[k] = v
	}
	return nil
}

func (s *MemoryStore) LogInputs(_ context.Context, runID string, inputs []domain.DatasetInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findRun(runID); err != nil {
		return err
	}
	s.inputs[runID] = append(s.inputs[runID], inputs...)
	return nil
}

func (s *MemoryStore) LogArtifact(_ context.Context, runID, localPath, artifactDir string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findRun(runID); err != nil {
		return err
	}
	if s.artifacts[runID] == nil {
		s.artifacts[runID] = map[string][]byte{}
	}
	s.artifacts[runID][path.Join(artifactDir, filepath.Base(localPath))] = body
	return nil
}

func (s *MemoryStore) DownloadArtifact(_ context.Context, runID, artifactPath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.artifacts[runID][artifactPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrArtifactNotFound, runID, artifactPath)
	}
	return body, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID string, status domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.findRun(runID)
	if err != nil {
		return err
	}
	run.Status = status
	run.EndTime = time.Now()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.findRun(runID)
	if err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

// SearchRuns supports a single "metrics.<key> ASC|DESC" ordering. Runs
// without the metric sort last; ties go to the most recent run.
func (s *MemoryStore) SearchRuns(_ context.Context, search domain.RunSearch) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := map[string]bool{}
	for _, id := range search.ExperimentIDs {
		wanted[id] = true
	}
	var out []*domain.Run
	for i := len(s.runs) - 1; i >= 0; i-- {
		if r := s.runs[i]; wanted[r.ExperimentID] {
			out = append(out, cloneRun(r))
		}
	}

	if len(search.OrderBy) > 0 {
		fields := strings.Fields(search.OrderBy[0])
		key := strings.TrimPrefix(fields[0], "metrics.")
		desc := len(fields) > 1 && strings.EqualFold(fields[1], "DESC")
		sort.SliceStable(out, func(i, j int) bool {
			a, aok := out[i].Metrics[key]
			b, bok := out[j].Metrics[key]
			if aok != bok {
				return aok
			}
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if search.MaxResults > 0 && len(out) > search.MaxResults {
		out = out[:search.MaxResults]
	}
	return out, nil
}

func (s *MemoryStore) CreateRegisteredModel(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[name]; !ok {
		s.versions[name] = nil
	}
	return nil
}

func (s *MemoryStore) CreateModelVersion(_ context.Context, name, source, runID string) (*domain.ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[name]; !ok {
		return nil, fmt.Errorf("registered model %s does not exist", name)
	}
	v := &domain.ModelVersion{
		Name:      name,
		Version:   strconv.Itoa(len(s.versions[name]) + 1),
		Source:    source,
		RunID:     runID,
		Status:    "READY",
		Tags:      map[string]string{},
		CreatedAt: time.Now(),
	}
	s.versions[name] = append(s.versions[name], v)
	return cloneVersion(v), nil
}

func (s *MemoryStore) findVersion(name, version string) (*domain.ModelVersion, error) {
	for _, v := range s.versions[name] {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, fmt.Errorf("model version %s/%s does not exist", name, version)
}

func (s *MemoryStore) SetModelVersionTag(_ context.Context, name, version, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.findVersion(name, version)
	if err != nil {
		return err
	}
	v.Tags[key] = value
	return nil
}

func (s *MemoryStore) GetModelVersionByAlias(_ context.Context, name, alias string) (*domain.ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, ok := s.aliases[name][alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", domain.ErrAliasNotFound, name, alias)
	}
	v, err := s.findVersion(name, version)
	if err != nil {
		return nil, err
	}
	out := cloneVersion(v)
	out.Aliases = []string{alias}
	return out, nil
}

func (s *MemoryStore) SetRegisteredModelAlias(_ context.Context, name, alias, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findVersion(name, version); err != nil {
		return err
	}
	if s.aliases[name] == nil {
		s.aliases[name] = map[string]string{}
	}
	s.aliases[name][alias] = version
	return nil
}

func (s *MemoryStore) DeleteRegisteredModelAlias(_ context.Context, name, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aliases[name], alias)
	return nil
}

// Versions returns every version registered under name, oldest first.
func (s *MemoryStore) Versions(name string) []*domain.ModelVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ModelVersion, 0, len(s.versions[name]))
	for _, v := range s.versions[name] {
		cp := cloneVersion(v)
		for alias, version := range s.aliases[name] {
			if version == v.Version {
				cp.Aliases = append(cp.Aliases, alias)
			}
		}
		sort.Strings(cp.Aliases)
		out = append(out, cp)
	}
	return out
}

// Runs returns every run, oldest first.
func (s *MemoryStore) Runs() []*domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, cloneRun(r))
	}
	return out
}

// Inputs returns the dataset inputs logged for a run.
func (s *MemoryStore) Inputs(runID string) []domain.DatasetInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DatasetInput(nil), s.inputs[runID]...)
}

// ArtifactPaths lists a run's artifacts in sorted order.
func (s *MemoryStore) ArtifactPaths(runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.artifacts[runID]))
	for p := range s.artifacts[runID] {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func cloneRun(r *domain.Run) *domain.Run {
	cp := *r
	cp.Params = cloneMap(r.Params)
	cp.Metrics = cloneMap(r.Metrics)
	cp.Tags = cloneMap(r.Tags)
	return &cp
}

func cloneVersion(v *domain.ModelVersion) *domain.ModelVersion {
	cp := *v
	cp.Tags = cloneMap(v.Tags)
	cp.Aliases = append([]string(nil), v.Aliases...)
	return &cp
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
