package mlflow

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"model-retrain-service/internal/core/domain"
)

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metricJSON struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type runInfoJSON struct {
	RunID          string `json:"run_id"`
	RunName        string `json:"run_name"`
	ExperimentID   string `json:"experiment_id"`
	Status         string `json:"status"`
	StartTime      int64  `json:"start_time"`
	EndTime        int64  `json:"end_time"`
	ArtifactURI    string `json:"artifact_uri"`
	LifecycleStage string `json:"lifecycle_stage"`
}

type runDataJSON struct {
	Metrics []metricJSON `json:"metrics"`
	Params  []keyValue   `json:"params"`
	Tags    []keyValue   `json:"tags"`
}

type runJSON struct {
	Info runInfoJSON `json:"info"`
	Data runDataJSON `json:"data"`
}

type datasetJSON struct {
	Name       string `json:"name"`
	Digest     string `json:"digest"`
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Schema     string `json:"schema,omitempty"`
	Profile    string `json:"profile,omitempty"`
}

type datasetInputJSON struct {
	Tags    []keyValue  `json:"tags"`
	Dataset datasetJSON `json:"dataset"`
}

type modelVersionJSON struct {
	Name              string     `json:"name"`
	Version           string     `json:"version"`
	CreationTimestamp int64      `json:"creation_timestamp"`
	Source            string     `json:"source"`
	RunID             string     `json:"run_id"`
	Status            string     `json:"status"`
	Tags              []keyValue `json:"tags"`
	Aliases           []string   `json:"aliases"`
}

func (r runJSON) toDomain() *domain.Run {
	run := &domain.Run{
		ID:           r.Info.RunID,
		ExperimentID: r.Info.ExperimentID,
		Name:         r.Info.RunName,
		Status:       domain.RunStatus(r.Info.Status),
		StartTime:    fromMillis(r.Info.StartTime),
		EndTime:      fromMillis(r.Info.EndTime),
		ArtifactURI:  r.Info.ArtifactURI,
		Params:       fromKeyValues(r.Data.Params),
		Metrics:      make(map[string]float64, len(r.Data.Metrics)),
		Tags:         fromKeyValues(r.Data.Tags),
	}
	for _, m := range r.Data.Metrics {
		run.Metrics[m.Key] = m.Value
	}
	return run
}

func (v modelVersionJSON) toDomain() *domain.ModelVersion {
	return &domain.ModelVersion{
		Name:      v.Name,
		Version:   v.Version,
		Source:    v.Source,
		RunID:     v.RunID,
		Status:    v.Status,
		Tags:      fromKeyValues(v.Tags),
		Aliases:   v.Aliases,
		CreatedAt: fromMillis(v.CreationTimestamp),
	}
}

// toKeyValues flattens a map in key order so request bodies are stable.
func toKeyValues(m map[string]string) []keyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]keyValue, 0, len(m))
	for _, k := range keys {
		out = append(out, keyValue{Key: k, Value: m[k]})
	}
	return out
}

func fromKeyValues(kvs []keyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func readFile(p string) ([]byte, error) {
	body, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", p, err)
	}
	return body, nil
}

func baseName(p string) string { return filepath.Base(p) }

func joinArtifact(dir, name string) string { return path.Join(dir, name) }
