package ml

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"model-retrain-service/internal/core/domain"
)

// Split is a train/test partition of row indices.
type Split struct {
	Train []int
	Test  []int
}

// TrainTestSplit shuffles n row indices with a fixed seed and puts the first
// ceil(testSize*n) of them in the test set.
func TrainTestSplit(n int, testSize float64, seed int64) (Split, error) {
	if testSize <= 0 || testSize >= 1 || math.IsNaN(testSize) {
		return Split{}, fmt.Errorf("%w: test size must be in (0, 1), got %v", domain.ErrInvalidParam, testSize)
	}
	nTest := int(math.Ceil(testSize * float64(n)))
	nTrain := n - nTest
	if nTest == 0 || nTrain == 0 {
		return Split{}, fmt.Errorf("%w: %d rows cannot be split with test size %v", domain.ErrEmptyDataset, n, testSize)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return Split{Test: perm[:nTest], Train: perm[nTest:]}, nil
}

// TakeRows copies the given rows of X and y.
func TakeRows(X mat.Matrix, y []int, rows []int) (*mat.Dense, []int) {
	_, c := X.Dims()
	out := mat.NewDense(len(rows), c, nil)
	labels := make([]int, len(rows))
	for k, i := range rows {
		for j := 0; j < c; j++ {
			out.Set(k, j, X.At(i, j))
		}
		labels[k] = y[i]
	}
	return out, labels
}
