package dto

// RetrainRequest triggers one retrain-evaluate-promote cycle. Threshold
// falls back to the configured default when omitted.
type RetrainRequest struct {
	Year      int      `json:"year" binding:"required"`
	Month     int      `json:"month" binding:"required"`
	Threshold *float64 `json:"threshold"`
}

type RegistrationResponse struct {
	ModelName       string  `json:"model_name"`
	Alias           string  `json:"alias"`
	Metric          string  `json:"metric"`
	BestRunID       string  `json:"best_run_id"`
	BestMetric      float64 `json:"best_metric"`
	Version         string  `json:"version,omitempty"`
	PreviousVersion string  `json:"previous_version,omitempty"`
	Skipped         bool    `json:"skipped"`
}

type IncumbentResponse struct {
	Version string `json:"version"`
	RunID   string `json:"run_id"`
}

type DecisionResponse struct {
	Period          string                `json:"period"`
	Incumbent       *IncumbentResponse    `json:"incumbent"`
	ModelType       string                `json:"model_type"`
	Params          map[string]any        `json:"params"`
	ChallengerRunID string                `json:"challenger_run_id"`
	OldF1           float64               `json:"old_f1"`
	NewF1           float64               `json:"new_f1"`
	Improvement     float64               `json:"improvement"`
	Threshold       float64               `json:"threshold"`
	Promoted        bool                  `json:"promoted"`
	Registration    *RegistrationResponse `json:"registration,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
