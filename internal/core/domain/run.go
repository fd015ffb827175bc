package domain

import "time"

type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

// Run tags written by the experiment logger and read back during inheritance.
const (
	TagModelType  = "model_type"
	TagModelKind  = "model_kind"
	TagFramework  = "framework"
	TagDataSource = "data_source"
)

type Experiment struct {
	ID               string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location"`
	LifecycleStage   string `json:"lifecycle_stage"`
}

// Run is one training execution. Params are stored as strings, the way the
// tracking store keeps them; see CoerceParams for the inverse.
type Run struct {
	ID           string             `json:"run_id"`
	ExperimentID string             `json:"experiment_id"`
	Name         string             `json:"run_name"`
	Status       RunStatus          `json:"status"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      time.Time          `json:"end_time"`
	ArtifactURI  string             `json:"artifact_uri"`
	Params       map[string]string  `json:"params"`
	Metrics      map[string]float64 `json:"metrics"`
	Tags         map[string]string  `json:"tags"`
}

// RunSearch selects runs across experiments. OrderBy follows the tracking
// store grammar, e.g. "metrics.test_f1_score DESC".
type RunSearch struct {
	ExperimentIDs []string
	OrderBy       []string
	MaxResults    int
}

// DatasetInput is the reference snapshot of a training table attached to a run.
type DatasetInput struct {
	Name       string `json:"name"`
	Digest     string `json:"digest"`
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Schema     string `json:"schema"`
	Profile    string `json:"profile"`
	Context    string `json:"context"`
}
