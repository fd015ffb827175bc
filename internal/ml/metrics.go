package ml

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"model-retrain-service/internal/core/domain"
)

// Metric keys.
const (
	MetricAccuracy        = "accuracy"
	MetricF1              = "f1_score"
	MetricPrecision       = "precision"
	MetricRecall          = "recall"
	MetricConfusionMatrix = "confusion_matrix"

	TrainPrefix = "train_"
	TestPrefix  = "test_"
)

// Metrics holds the scalar scores and the confusion matrices of one evaluation.
type Metrics struct {
	Scalars           map[string]float64
	ConfusionMatrices map[string][][]int
}

func newMetrics() Metrics {
	return Metrics{
		Scalars:           map[string]float64{},
		ConfusionMatrices: map[string][][]int{},
	}
}

// Evaluate scores a fitted model on one dataset. Keys are unprefixed.
func Evaluate(m Classifier, X mat.Matrix, y []int) (Metrics, error) {
	out := newMetrics()
	if err := score(m, X, y, "", out); err != nil {
		return Metrics{}, err
	}
	return out, nil
}

// EvaluateTrainTest scores a fitted model on both partitions. Keys carry the
// train_ and test_ prefixes.
func EvaluateTrainTest(m Classifier, Xtrain mat.Matrix, ytrain []int, Xtest mat.Matrix, ytest []int) (Metrics, error) {
	out := newMetrics()
	if err := score(m, Xtrain, ytrain, TrainPrefix, out); err != nil {
		return Metrics{}, fmt.Errorf("evaluate train: %w", err)
	}
	if err := score(m, Xtest, ytest, TestPrefix, out); err != nil {
		return Metrics{}, fmt.Errorf("evaluate test: %w", err)
	}
	return out, nil
}

func score(m Classifier, X mat.Matrix, y []int, prefix string, out Metrics) error {
	pred, err := m.Predict(X)
	if err != nil {
		return err
	}
	if len(pred) != len(y) {
		return fmt.Errorf("%w: %d predictions for %d labels", domain.ErrDimensionMismatch, len(pred), len(y))
	}
	if len(y) == 0 {
		return domain.ErrEmptyDataset
	}

	correct := 0
	var tp, fp, fn int
	for i := range y {
		if pred[i] == y[i] {
			correct++
		}
		switch {
		case pred[i] == 1 && y[i] == 1:
			tp++
		case pred[i] == 1 && y[i] != 1:
			fp++
		case pred[i] != 1 && y[i] == 1:
			fn++
		}
	}

	precision := safeDiv(float64(tp), float64(tp+fp))
	recall := safeDiv(float64(tp), float64(tp+fn))

	out.Scalars[prefix+MetricAccuracy] = float64(correct) / float64(len(y))
	out.Scalars[prefix+MetricPrecision] = precision
	out.Scalars[prefix+MetricRecall] = recall
	out.Scalars[prefix+MetricF1] = safeDiv(2*precision*recall, precision+recall)
	out.ConfusionMatrices[prefix+MetricConfusionMatrix] = ConfusionMatrix(y, pred)
	return nil
}

// ConfusionMatrix counts (true, predicted) pairs over the sorted union of
// labels seen in either slice. Rows are true labels.
func ConfusionMatrix(y, pred []int) [][]int {
	seen := map[int]bool{}
	for i := range y {
		seen[y[i]] = true
		seen[pred[i]] = true
	}
	labels := make([]int, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	index := make(map[int]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	cm := make([][]int, len(labels))
	for i := range cm {
		cm[i] = make([]int, len(labels))
	}
	for i := range y {
		cm[index[y[i]]][index[pred[i]]]++
	}
	return cm
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
