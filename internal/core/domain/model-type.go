package domain

import (
	"fmt"
	"strings"
)

type ModelType string

const (
	ModelTypeLogisticRegression ModelType = "logistic_regression"
	ModelTypeDecisionTree       ModelType = "decision_tree"
	ModelTypeRandomForest       ModelType = "random_forest"
	ModelTypeLGBM               ModelType = "lgbm"
	ModelTypeXGBoost            ModelType = "xgboost"
)

// DefaultModelType and DefaultParams are used when nothing can be inherited
// from a production model.
const DefaultModelType = ModelTypeLogisticRegression

func DefaultParams() map[string]any {
	return map[string]any{"max_iter": 500}
}

var SupportedModelTypes = []ModelType{
	ModelTypeLogisticRegression,
	ModelTypeDecisionTree,
	ModelTypeRandomForest,
	ModelTypeLGBM,
	ModelTypeXGBoost,
}

// ParseModelType matches case-insensitively against SupportedModelTypes.
func ParseModelType(s string) (ModelType, error) {
	mt := ModelType(strings.ToLower(strings.TrimSpace(s)))
	for _, supported := range SupportedModelTypes {
		if mt == supported {
			return mt, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedModelType, s)
}

// ModelKind decides how a trained model is serialized.
type ModelKind string

const (
	ModelKindGradientBoosted ModelKind = "gradient_boosted"
	ModelKindGeneric         ModelKind = "generic"
)

func (t ModelType) Kind() ModelKind {
	switch t {
	case ModelTypeLGBM, ModelTypeXGBoost:
		return ModelKindGradientBoosted
	default:
		return ModelKindGeneric
	}
}

// Framework is the value of the framework tag for runs of this model type.
func (t ModelType) Framework() string {
	switch t {
	case ModelTypeLGBM:
		return "lightgbm"
	case ModelTypeXGBoost:
		return "xgboost"
	default:
		return "gonum"
	}
}
