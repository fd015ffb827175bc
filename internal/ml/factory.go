// Package ml holds the classifiers the retrain loop can train, the factory
// that builds them from a model type and a parameter map, the evaluator and
// the model codec.
package ml

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"gonum.org/v1/gonum/mat"

	"model-retrain-service/internal/core/domain"
)

// Classifier is a binary classifier over a dense feature matrix. Labels are 0 or 1.
type Classifier interface {
	Fit(X mat.Matrix, y []int) error
	Predict(X mat.Matrix) ([]int, error)
}

// Model is a classifier together with what the factory knew when it built
// it. Kind selects the serializer and is never re-derived from the
// classifier's dynamic type.
type Model struct {
	Type       domain.ModelType
	Kind       domain.ModelKind
	Params     map[string]any
	Classifier Classifier
}

func (m *Model) Fit(X mat.Matrix, y []int) error {
	return m.Classifier.Fit(X, y)
}

func (m *Model) Predict(X mat.Matrix) ([]int, error) {
	return m.Classifier.Predict(X)
}

// GetModel builds an untrained classifier. Params are handed to the
// estimator as-is; the estimator rejects names it does not know.
func GetModel(modelType string, params map[string]any) (*Model, error) {
	mt, err := domain.ParseModelType(modelType)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	var clf Classifier
	switch mt {
	case domain.ModelTypeLogisticRegression:
		clf, err = NewLogisticRegression(params)
	case domain.ModelTypeDecisionTree:
		clf, err = NewDecisionTree(params)
	case domain.ModelTypeRandomForest:
		clf, err = NewRandomForest(params)
	case domain.ModelTypeLGBM:
		clf, err = NewLGBMClassifier(params)
	case domain.ModelTypeXGBoost:
		clf, err = NewXGBClassifier(params)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", mt, err)
	}

	return &Model{Type: mt, Kind: mt.Kind(), Params: params, Classifier: clf}, nil
}

// decodeParams fills an estimator config from a parameter map. Unknown keys
// are an error; values are converted weakly so inherited strings still work.
func decodeParams(params map[string]any, out any) error {
	normalized := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok && (s == "None" || s == "null") {
			v = nil
		}
		normalized[k] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "param",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		ZeroFields:       false,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(normalized); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidParam, err)
	}
	return nil
}

func checkFitInput(X mat.Matrix, y []int) (int, int, error) {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return 0, 0, domain.ErrEmptyDataset
	}
	if len(y) != r {
		return 0, 0, fmt.Errorf("%w: %d rows but %d labels", domain.ErrDimensionMismatch, r, len(y))
	}
	for i, label := range y {
		if label != 0 && label != 1 {
			return 0, 0, fmt.Errorf("%w: label %d at row %d is not binary", domain.ErrSchema, label, i)
		}
	}
	return r, c, nil
}

func checkPredictInput(X mat.Matrix, nFeatures int) (int, error) {
	if nFeatures == 0 {
		return 0, domain.ErrModelNotFitted
	}
	r, c := X.Dims()
	if c != nFeatures {
		return 0, fmt.Errorf("%w: model has %d features, input has %d", domain.ErrDimensionMismatch, nFeatures, c)
	}
	return r, nil
}
