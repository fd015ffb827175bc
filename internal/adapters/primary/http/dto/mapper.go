package dto

import (
	"fmt"

	"model-retrain-service/internal/core/services"
)

func ToRegistrationResponse(r *services.Registration) *RegistrationResponse {
	if r == nil {
		return nil
	}
	return &RegistrationResponse{
		ModelName:       r.ModelName,
		Alias:           r.Alias,
		Metric:          r.Metric,
		BestRunID:       r.BestRunID,
		BestMetric:      r.BestMetric,
		Version:         r.Version,
		PreviousVersion: r.PreviousVersion,
		Skipped:         r.Skipped,
	}
}

func ToDecisionResponse(d *services.Decision) *DecisionResponse {
	resp := &DecisionResponse{
		Period:          fmt.Sprintf("%04d-%02d", d.Year, d.Month),
		ModelType:       d.ModelType,
		Params:          d.Params,
		ChallengerRunID: d.ChallengerRunID,
		OldF1:           d.OldF1,
		NewF1:           d.NewF1,
		Improvement:     d.Improvement,
		Threshold:       d.Threshold,
		Promoted:        d.Promoted,
		Registration:    ToRegistrationResponse(d.Registration),
	}
	if d.IncumbentFound {
		resp.Incumbent = &IncumbentResponse{Version: d.IncumbentVersion, RunID: d.IncumbentRunID}
	}
	return resp
}
