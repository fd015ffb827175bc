package domain

import "errors"

// ============================================================================
// Configuration Errors
// ============================================================================

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid config")
)

// ============================================================================
// Tracking Store Errors
// ============================================================================

// Not found errors
var (
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrNoRunsFound        = errors.New("no runs found for experiment")
	ErrRunNotFound        = errors.New("run not found")
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrAliasNotFound      = errors.New("registered model alias not found")
)

// ============================================================================
// Training Errors
// ============================================================================

var (
	ErrUnsupportedModelType = errors.New("unsupported model type")
	ErrInvalidParam         = errors.New("invalid model parameter")
	ErrModelNotFitted       = errors.New("model is not fitted")
	ErrDimensionMismatch    = errors.New("feature dimension mismatch")
	ErrUnsupportedFormat    = errors.New("unsupported model format")
)

// ============================================================================
// Dataset Errors
// ============================================================================

var (
	ErrDataNotFound = errors.New("data not found")
	ErrSchema       = errors.New("unexpected dataset schema")
	ErrEmptyDataset = errors.New("dataset is empty")
)

// ============================================================================
// Request Validation Errors
// ============================================================================

var (
	ErrInvalidThreshold = errors.New("threshold must be a finite number >= 0")
	ErrInvalidPeriod    = errors.New("year must be positive and month between 1 and 12")
)
