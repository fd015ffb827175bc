package ml

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"model-retrain-service/internal/core/domain"
)

// TreeNode is a binary split node. Feature is -1 on leaves. Rows with
// x[Feature] <= Threshold go left.
type TreeNode struct {
	Feature   int
	Threshold float64
	Left      *TreeNode
	Right     *TreeNode
	// Value is P(y=1) for a classification leaf or the raw score for a
	// boosting leaf.
	Value float64
}

func (n *TreeNode) IsLeaf() bool {
	return n.Feature < 0
}

func (n *TreeNode) predictRow(X mat.Matrix, i int) float64 {
	node := n
	for !node.IsLeaf() {
		if X.At(i, node.Feature) <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.Value
}

func (n *TreeNode) depth() int {
	if n == nil || n.IsLeaf() {
		return 0
	}
	return 1 + max(n.Left.depth(), n.Right.depth())
}

type treeConfig struct {
	Criterion       string `param:"criterion"`
	MaxDepth        *int   `param:"max_depth"`
	MinSamplesSplit int    `param:"min_samples_split"`
	MinSamplesLeaf  int    `param:"min_samples_leaf"`
	MaxFeatures     any    `param:"max_features"`
	RandomState     *int   `param:"random_state"`
}

func defaultTreeConfig() treeConfig {
	return treeConfig{
		Criterion:       "gini",
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
	}
}

func (c treeConfig) validate() error {
	if c.Criterion != "gini" && c.Criterion != "entropy" && c.Criterion != "log_loss" {
		return fmt.Errorf("%w: unsupported criterion %q", domain.ErrInvalidParam, c.Criterion)
	}
	if c.MaxDepth != nil && *c.MaxDepth < 1 {
		return fmt.Errorf("%w: max_depth must be >= 1, got %d", domain.ErrInvalidParam, *c.MaxDepth)
	}
	if c.MinSamplesSplit < 2 {
		return fmt.Errorf("%w: min_samples_split must be >= 2, got %d", domain.ErrInvalidParam, c.MinSamplesSplit)
	}
	if c.MinSamplesLeaf < 1 {
		return fmt.Errorf("%w: min_samples_leaf must be >= 1, got %d", domain.ErrInvalidParam, c.MinSamplesLeaf)
	}
	_, err := resolveMaxFeatures(c.MaxFeatures, 10)
	return err
}

// resolveMaxFeatures turns the max_features setting into a feature count.
func resolveMaxFeatures(v any, nFeatures int) (int, error) {
	switch mf := v.(type) {
	case nil:
		return nFeatures, nil
	case string:
		switch mf {
		case "sqrt", "auto":
			return max(1, int(math.Sqrt(float64(nFeatures)))), nil
		case "log2":
			return max(1, int(math.Log2(float64(nFeatures)))), nil
		}
		return 0, fmt.Errorf("%w: unsupported max_features %q", domain.ErrInvalidParam, mf)
	case int64:
		return resolveMaxFeatures(int(mf), nFeatures)
	case int:
		if mf < 1 {
			return 0, fmt.Errorf("%w: max_features must be >= 1, got %d", domain.ErrInvalidParam, mf)
		}
		return min(mf, nFeatures), nil
	case float64:
		if mf > 1 && mf == math.Trunc(mf) {
			return min(int(mf), nFeatures), nil
		}
		if mf <= 0 || mf > 1 {
			return 0, fmt.Errorf("%w: fractional max_features must be in (0, 1], got %v", domain.ErrInvalidParam, mf)
		}
		return max(1, int(mf*float64(nFeatures))), nil
	}
	return 0, fmt.Errorf("%w: unsupported max_features %v", domain.ErrInvalidParam, v)
}

func newRand(seed *int) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return rand.New(rand.NewSource(int64(*seed)))
}

// DecisionTree is a CART classifier grown on binned features.
type DecisionTree struct {
	Config    treeConfig
	Root      *TreeNode
	NFeatures int
}

func NewDecisionTree(params map[string]any) (*DecisionTree, error) {
	cfg := defaultTreeConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &DecisionTree{Config: cfg}, nil
}

func (t *DecisionTree) Fit(X mat.Matrix, y []int) error {
	r, c, err := checkFitInput(X, y)
	if err != nil {
		return err
	}
	rows := make([]int, r)
	for i := range rows {
		rows[i] = i
	}
	root, err := growCART(newBinnedData(X), y, rows, t.Config, newRand(t.Config.RandomState))
	if err != nil {
		return err
	}
	t.Root = root
	t.NFeatures = c
	return nil
}

func (t *DecisionTree) PredictProba(X mat.Matrix) ([]float64, error) {
	r, err := checkPredictInput(X, t.NFeatures)
	if err != nil {
		return nil, err
	}
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = t.Root.predictRow(X, i)
	}
	return out, nil
}

func (t *DecisionTree) Predict(X mat.Matrix) ([]int, error) {
	proba, err := t.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return threshold(proba), nil
}

// growCART builds a classification tree over the given rows. Rows may repeat,
// which is how bootstrap samples are passed in.
func growCART(d *binnedData, y []int, rows []int, cfg treeConfig, rng *rand.Rand) (*TreeNode, error) {
	nFeat, err := resolveMaxFeatures(cfg.MaxFeatures, d.cols)
	if err != nil {
		return nil, err
	}
	g := &cartGrower{d: d, y: y, cfg: cfg, rng: rng, nFeat: nFeat}
	return g.grow(rows, 0), nil
}

type cartGrower struct {
	d     *binnedData
	y     []int
	cfg   treeConfig
	rng   *rand.Rand
	nFeat int
}

func (g *cartGrower) impurity(pos, total float64) float64 {
	if total == 0 {
		return 0
	}
	p := pos / total
	if g.cfg.Criterion == "gini" {
		return 1 - p*p - (1-p)*(1-p)
	}
	h := 0.0
	for _, q := range []float64{p, 1 - p} {
		if q > 0 {
			h -= q * math.Log2(q)
		}
	}
	return h
}

func (g *cartGrower) grow(rows []int, depth int) *TreeNode {
	pos := 0
	for _, i := range rows {
		pos += g.y[i]
	}
	n := len(rows)
	leaf := &TreeNode{Feature: -1, Value: float64(pos) / float64(n)}

	if pos == 0 || pos == n ||
		n < g.cfg.MinSamplesSplit ||
		n < 2*g.cfg.MinSamplesLeaf ||
		(g.cfg.MaxDepth != nil && depth >= *g.cfg.MaxDepth) {
		return leaf
	}

	parent := g.impurity(float64(pos), float64(n))
	bestGain, bestFeat, bestBin := 0.0, -1, 0

	for _, f := range g.candidateFeatures() {
		nb := g.d.nBins(f)
		if nb < 2 {
			continue
		}
		cnt := make([]int, nb)
		posCnt := make([]int, nb)
		col := g.d.bins[f]
		for _, i := range rows {
			b := col[i]
			cnt[b]++
			posCnt[b] += g.y[i]
		}

		leftN, leftPos := 0, 0
		for b := 0; b < nb-1; b++ {
			leftN += cnt[b]
			leftPos += posCnt[b]
			rightN := n - leftN
			if leftN < g.cfg.MinSamplesLeaf || rightN < g.cfg.MinSamplesLeaf {
				continue
			}
			if cnt[b] == 0 {
				continue
			}
			child := (float64(leftN)*g.impurity(float64(leftPos), float64(leftN)) +
				float64(rightN)*g.impurity(float64(pos-leftPos), float64(rightN))) / float64(n)
			if gain := parent - child; gain > bestGain+1e-12 {
				bestGain, bestFeat, bestBin = gain, f, b
			}
		}
	}

	if bestFeat < 0 {
		return leaf
	}

	var left, right []int
	col := g.d.bins[bestFeat]
	for _, i := range rows {
		if int(col[i]) <= bestBin {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &TreeNode{
		Feature:   bestFeat,
		Threshold: g.d.threshold(bestFeat, bestBin),
		Left:      g.grow(left, depth+1),
		Right:     g.grow(right, depth+1),
	}
}

func (g *cartGrower) candidateFeatures() []int {
	if g.nFeat >= g.d.cols {
		all := make([]int, g.d.cols)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return g.rng.Perm(g.d.cols)[:g.nFeat]
}
