package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestBinThresholds(t *testing.T) {
	assert.Nil(t, binThresholds([]float64{3, 3, 3}))
	assert.Equal(t, []float64{1.5, 2.5}, binThresholds([]float64{3, 1, 2, 1}))

	many := make([]float64, 10000)
	for i := range many {
		many[i] = float64(i)
	}
	th := binThresholds(many)
	assert.LessOrEqual(t, len(th), maxBins-1)
	for i := 1; i < len(th); i++ {
		assert.Less(t, th[i-1], th[i])
	}
}

func TestBinnedData_SplitMatchesRawThreshold(t *testing.T) {
	X, _ := separable(300, 11)
	d := newBinnedData(X)
	for f := 0; f < d.cols; f++ {
		for b := 0; b < d.nBins(f)-1; b += 17 {
			for i := 0; i < d.rows; i++ {
				assert.Equal(t, int(d.bins[f][i]) <= b, X.At(i, f) <= d.threshold(f, b))
			}
		}
	}
}

func TestDecisionTree_MaxDepth(t *testing.T) {
	X, y := separable(200, 5)
	tree, err := NewDecisionTree(map[string]any{"max_depth": 2})
	require.NoError(t, err)
	require.NoError(t, tree.Fit(X, y))
	assert.LessOrEqual(t, tree.Root.depth(), 2)
}

func TestDecisionTree_PureNodeIsLeaf(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	tree, err := NewDecisionTree(nil)
	require.NoError(t, err)
	require.NoError(t, tree.Fit(X, []int{1, 1, 1, 1}))
	assert.True(t, tree.Root.IsLeaf())
	assert.Equal(t, 1.0, tree.Root.Value)
}

func TestDecisionTree_Entropy(t *testing.T) {
	X, y := separable(200, 9)
	tree, err := NewDecisionTree(map[string]any{"criterion": "entropy", "random_state": 0})
	require.NoError(t, err)
	require.NoError(t, tree.Fit(X, y))
	pred, err := tree.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, 1.0, accuracy(pred, y))
}

func TestRandomForest_DeterministicAcrossWorkers(t *testing.T) {
	X, y := separable(150, 21)

	fit := func(jobs int) []float64 {
		rf, err := NewRandomForest(map[string]any{"n_estimators": 12, "random_state": 3, "n_jobs": jobs})
		require.NoError(t, err)
		require.NoError(t, rf.Fit(X, y))
		p, err := rf.PredictProba(X)
		require.NoError(t, err)
		return p
	}
	assert.Equal(t, fit(1), fit(4))
	assert.Equal(t, fit(-1), fit(1))
}

func TestGradientBooster_DepthwiseRespectsMaxDepth(t *testing.T) {
	X, y := separable(200, 13)
	b, err := NewXGBClassifier(map[string]any{"n_estimators": 5, "max_depth": 2})
	require.NoError(t, err)
	require.NoError(t, b.Fit(X, y))
	for _, tree := range b.Trees {
		assert.LessOrEqual(t, tree.depth(), 2)
	}
}

func countLeaves(n *TreeNode) int {
	if n.IsLeaf() {
		return 1
	}
	return countLeaves(n.Left) + countLeaves(n.Right)
}

func TestGradientBooster_LossguideRespectsNumLeaves(t *testing.T) {
	X, y := separable(400, 17)
	b, err := NewLGBMClassifier(map[string]any{"n_estimators": 5, "num_leaves": 4, "min_child_samples": 5})
	require.NoError(t, err)
	require.NoError(t, b.Fit(X, y))
	for _, tree := range b.Trees {
		assert.LessOrEqual(t, countLeaves(tree), 4)
	}
}

func TestGradientBooster_BaseScoreIsPriorLogOdds(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{0, 0, 0, 0})
	b, err := NewXGBClassifier(map[string]any{"n_estimators": 1})
	require.NoError(t, err)
	require.NoError(t, b.Fit(X, []int{1, 1, 1, 0}))
	assert.InDelta(t, 1.0986, b.BaseScore, 1e-3)

	p, err := b.PredictProba(X)
	require.NoError(t, err)
	for _, v := range p {
		assert.InDelta(t, 0.75, v, 0.05)
	}
}

func TestLogisticRegression_Coefficients(t *testing.T) {
	X, y := separable(300, 23)
	lr, err := NewLogisticRegression(map[string]any{"C": 10.0, "max_iter": 300})
	require.NoError(t, err)
	require.NoError(t, lr.Fit(X, y))

	// The label depends on x0 and x1 only, with x0 weighted more.
	assert.Greater(t, lr.Coef[0], 0.0)
	assert.Greater(t, lr.Coef[1], 0.0)
	assert.Greater(t, lr.Coef[0], lr.Coef[1])

	proba, err := lr.PredictProba(X)
	require.NoError(t, err)
	for _, p := range proba {
		assert.True(t, p >= 0 && p <= 1)
	}
}
