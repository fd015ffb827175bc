package domain

import (
	"fmt"
	"time"
)

// TagRegisteredFromRun is the lineage tag set on every version this service registers.
const TagRegisteredFromRun = "registered_from_run"

const DefaultAlias = "production"

type ModelVersion struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Source    string            `json:"source"`
	RunID     string            `json:"run_id"`
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags"`
	Aliases   []string          `json:"aliases"`
	CreatedAt time.Time         `json:"created_at"`
}

// LineageRunID returns the run that produced this version, as recorded by
// the lineage tag. Empty when the version was registered without one.
func (v *ModelVersion) LineageRunID() string {
	if v == nil || v.Tags == nil {
		return ""
	}
	return v.Tags[TagRegisteredFromRun]
}

// RunModelURI builds the run-scoped URI of a run's logged model.
func RunModelURI(runID string) string {
	return fmt.Sprintf("runs:/%s/model", runID)
}
