package ml

import (
	"fmt"
	"math"
	"math/rand"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"model-retrain-service/internal/core/domain"
)

const (
	GrowDepthwise = "depthwise"
	GrowLossguide = "lossguide"
)

// BoosterConfig is the framework-neutral form of the boosting settings.
type BoosterConfig struct {
	NEstimators     int     `json:"n_estimators"`
	LearningRate    float64 `json:"learning_rate"`
	MaxDepth        int     `json:"max_depth"`  // <= 0 means unlimited
	MaxLeaves       int     `json:"max_leaves"` // <= 0 means unlimited
	MinChildSamples int     `json:"min_child_samples"`
	MinChildWeight  float64 `json:"min_child_weight"`
	Lambda          float64 `json:"lambda"`
	Alpha           float64 `json:"alpha"`
	MinSplitGain    float64 `json:"min_split_gain"`
	Subsample       float64 `json:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree"`
	GrowPolicy      string  `json:"grow_policy"`
	RandomState     *int    `json:"random_state,omitempty"`
}

func (c BoosterConfig) validate() error {
	switch {
	case c.NEstimators < 1:
		return fmt.Errorf("%w: n_estimators must be >= 1, got %d", domain.ErrInvalidParam, c.NEstimators)
	case c.LearningRate <= 0 || math.IsNaN(c.LearningRate):
		return fmt.Errorf("%w: learning_rate must be positive, got %v", domain.ErrInvalidParam, c.LearningRate)
	case c.Subsample <= 0 || c.Subsample > 1:
		return fmt.Errorf("%w: subsample must be in (0, 1], got %v", domain.ErrInvalidParam, c.Subsample)
	case c.ColsampleByTree <= 0 || c.ColsampleByTree > 1:
		return fmt.Errorf("%w: colsample_bytree must be in (0, 1], got %v", domain.ErrInvalidParam, c.ColsampleByTree)
	case c.Lambda < 0 || c.Alpha < 0 || c.MinSplitGain < 0 || c.MinChildWeight < 0:
		return fmt.Errorf("%w: regularisation terms must be non-negative", domain.ErrInvalidParam)
	case c.GrowPolicy != GrowDepthwise && c.GrowPolicy != GrowLossguide:
		return fmt.Errorf("%w: unsupported grow_policy %q", domain.ErrInvalidParam, c.GrowPolicy)
	case c.GrowPolicy == GrowLossguide && c.MaxLeaves == 1:
		return fmt.Errorf("%w: num_leaves must be > 1", domain.ErrInvalidParam)
	}
	return nil
}

// GradientBooster fits an additive ensemble of regression trees on the
// logistic loss using second-order gradient statistics.
type GradientBooster struct {
	Framework string        `json:"framework"`
	Config    BoosterConfig `json:"config"`
	BaseScore float64       `json:"base_score"`
	Trees     []*TreeNode   `json:"trees"`
	NFeatures int           `json:"n_features"`
}

type lgbmConfig struct {
	BoostingType    string   `param:"boosting_type"`
	Objective       string   `param:"objective"`
	NEstimators     int      `param:"n_estimators"`
	LearningRate    float64  `param:"learning_rate"`
	NumLeaves       int      `param:"num_leaves"`
	MaxDepth        int      `param:"max_depth"`
	MinChildSamples int      `param:"min_child_samples"`
	MinChildWeight  float64  `param:"min_child_weight"`
	MinSplitGain    float64  `param:"min_split_gain"`
	RegLambda       float64  `param:"reg_lambda"`
	RegAlpha        float64  `param:"reg_alpha"`
	Subsample       float64  `param:"subsample"`
	SubsampleFreq   int      `param:"subsample_freq"`
	ColsampleByTree float64  `param:"colsample_bytree"`
	RandomState     *int     `param:"random_state"`
	NJobs           *int     `param:"n_jobs"`
	Verbose         int      `param:"verbose"`
	ClassWeight     *string  `param:"class_weight"`
	ScalePosWeight  *float64 `param:"scale_pos_weight"`
}

// NewLGBMClassifier builds a leaf-wise booster with LightGBM's defaults and
// parameter names.
func NewLGBMClassifier(params map[string]any) (*GradientBooster, error) {
	cfg := lgbmConfig{
		BoostingType:    "gbdt",
		Objective:       "binary",
		NEstimators:     100,
		LearningRate:    0.1,
		NumLeaves:       31,
		MaxDepth:        -1,
		MinChildSamples: 20,
		MinChildWeight:  1e-3,
		Subsample:       1.0,
		ColsampleByTree: 1.0,
	}
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.BoostingType != "gbdt" {
		return nil, fmt.Errorf("%w: unsupported boosting_type %q", domain.ErrInvalidParam, cfg.BoostingType)
	}
	if cfg.Objective != "binary" {
		return nil, fmt.Errorf("%w: unsupported objective %q", domain.ErrInvalidParam, cfg.Objective)
	}
	if cfg.ClassWeight != nil || cfg.ScalePosWeight != nil {
		log.Warn("lightgbm: class weighting is not applied")
	}

	subsample := cfg.Subsample
	if cfg.SubsampleFreq <= 0 {
		// LightGBM only bags when subsample_freq is set.
		subsample = 1.0
	}

	b := &GradientBooster{
		Framework: domain.ModelTypeLGBM.Framework(),
		Config: BoosterConfig{
			NEstimators:     cfg.NEstimators,
			LearningRate:    cfg.LearningRate,
			MaxDepth:        cfg.MaxDepth,
			MaxLeaves:       cfg.NumLeaves,
			MinChildSamples: cfg.MinChildSamples,
			MinChildWeight:  cfg.MinChildWeight,
			Lambda:          cfg.RegLambda,
			Alpha:           cfg.RegAlpha,
			MinSplitGain:    cfg.MinSplitGain,
			Subsample:       subsample,
			ColsampleByTree: cfg.ColsampleByTree,
			GrowPolicy:      GrowLossguide,
			RandomState:     cfg.RandomState,
		},
	}
	if err := b.Config.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

type xgbConfig struct {
	Objective       string   `param:"objective"`
	Booster         string   `param:"booster"`
	NEstimators     int      `param:"n_estimators"`
	LearningRate    *float64 `param:"learning_rate"`
	Eta             *float64 `param:"eta"`
	MaxDepth        int      `param:"max_depth"`
	MaxLeaves       int      `param:"max_leaves"`
	MinChildWeight  float64  `param:"min_child_weight"`
	Gamma           float64  `param:"gamma"`
	RegLambda       float64  `param:"reg_lambda"`
	RegAlpha        float64  `param:"reg_alpha"`
	Subsample       float64  `param:"subsample"`
	ColsampleByTree float64  `param:"colsample_bytree"`
	GrowPolicy      string   `param:"grow_policy"`
	TreeMethod      string   `param:"tree_method"`
	RandomState     *int     `param:"random_state"`
	NJobs           *int     `param:"n_jobs"`
	Verbosity       *int     `param:"verbosity"`
	EvalMetric      *string  `param:"eval_metric"`
	UseLabelEncoder *bool    `param:"use_label_encoder"`
}

// NewXGBClassifier builds a depth-wise booster with XGBoost's defaults and
// parameter names.
func NewXGBClassifier(params map[string]any) (*GradientBooster, error) {
	cfg := xgbConfig{
		Objective:       "binary:logistic",
		Booster:         "gbtree",
		NEstimators:     100,
		MaxDepth:        6,
		MinChildWeight:  1,
		RegLambda:       1,
		Subsample:       1,
		ColsampleByTree: 1,
		GrowPolicy:      GrowDepthwise,
		TreeMethod:      "hist",
	}
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Objective != "binary:logistic" {
		return nil, fmt.Errorf("%w: unsupported objective %q", domain.ErrInvalidParam, cfg.Objective)
	}
	if cfg.Booster != "gbtree" {
		return nil, fmt.Errorf("%w: unsupported booster %q", domain.ErrInvalidParam, cfg.Booster)
	}

	lr := 0.3
	switch {
	case cfg.LearningRate != nil:
		lr = *cfg.LearningRate
	case cfg.Eta != nil:
		lr = *cfg.Eta
	}

	b := &GradientBooster{
		Framework: domain.ModelTypeXGBoost.Framework(),
		Config: BoosterConfig{
			NEstimators:     cfg.NEstimators,
			LearningRate:    lr,
			MaxDepth:        cfg.MaxDepth,
			MaxLeaves:       cfg.MaxLeaves,
			MinChildSamples: 1,
			MinChildWeight:  cfg.MinChildWeight,
			Lambda:          cfg.RegLambda,
			Alpha:           cfg.RegAlpha,
			MinSplitGain:    cfg.Gamma,
			Subsample:       cfg.Subsample,
			ColsampleByTree: cfg.ColsampleByTree,
			GrowPolicy:      cfg.GrowPolicy,
			RandomState:     cfg.RandomState,
		},
	}
	if err := b.Config.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *GradientBooster) Fit(X mat.Matrix, y []int) error {
	r, c, err := checkFitInput(X, y)
	if err != nil {
		return err
	}
	d := newBinnedData(X)
	rng := newRand(b.Config.RandomState)

	pos := 0
	for _, v := range y {
		pos += v
	}
	prior := math.Min(math.Max(float64(pos)/float64(r), 1e-6), 1-1e-6)
	b.BaseScore = math.Log(prior / (1 - prior))

	score := make([]float64, r)
	for i := range score {
		score[i] = b.BaseScore
	}
	grad := make([]float64, r)
	hess := make([]float64, r)

	b.Trees = make([]*TreeNode, 0, b.Config.NEstimators)
	for round := 0; round < b.Config.NEstimators; round++ {
		for i := 0; i < r; i++ {
			p := sigmoid(score[i])
			grad[i] = p - float64(y[i])
			hess[i] = math.Max(p*(1-p), 1e-16)
		}

		g := &boostGrower{
			d:        d,
			grad:     grad,
			hess:     hess,
			cfg:      b.Config,
			features: sampleFeatures(rng, c, b.Config.ColsampleByTree),
		}
		tree := g.grow(sampleRows(rng, r, b.Config.Subsample))
		scaleLeaves(tree, b.Config.LearningRate)
		b.Trees = append(b.Trees, tree)

		for i := 0; i < r; i++ {
			score[i] += tree.predictRow(X, i)
		}
	}

	b.NFeatures = c
	return nil
}

// DecisionFunction returns the raw margin for every row.
func (b *GradientBooster) DecisionFunction(X mat.Matrix) ([]float64, error) {
	r, err := checkPredictInput(X, b.NFeatures)
	if err != nil {
		return nil, err
	}
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		s := b.BaseScore
		for _, t := range b.Trees {
			s += t.predictRow(X, i)
		}
		out[i] = s
	}
	return out, nil
}

func (b *GradientBooster) PredictProba(X mat.Matrix) ([]float64, error) {
	margin, err := b.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	for i, m := range margin {
		margin[i] = sigmoid(m)
	}
	return margin, nil
}

func (b *GradientBooster) Predict(X mat.Matrix) ([]int, error) {
	proba, err := b.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return threshold(proba), nil
}

func sampleRows(rng *rand.Rand, n int, frac float64) []int {
	if frac >= 1 {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	k := max(1, int(math.Round(frac*float64(n))))
	return rng.Perm(n)[:k]
}

func sampleFeatures(rng *rand.Rand, n int, frac float64) []int {
	if frac >= 1 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	k := max(1, int(math.Round(frac*float64(n))))
	return rng.Perm(n)[:k]
}

func scaleLeaves(n *TreeNode, lr float64) {
	if n.IsLeaf() {
		n.Value *= lr
		return
	}
	scaleLeaves(n.Left, lr)
	scaleLeaves(n.Right, lr)
}

type boostSplit struct {
	ok      bool
	gain    float64
	feature int
	bin     int
}

type boostLeaf struct {
	node  *TreeNode
	rows  []int
	depth int
	split boostSplit
}

type boostGrower struct {
	d        *binnedData
	grad     []float64
	hess     []float64
	cfg      BoosterConfig
	features []int
}

// grow expands leaves until none can be split or the leaf budget is spent.
// Lossguide always expands the leaf with the largest gain; depthwise expands
// in creation order, which is level by level.
func (g *boostGrower) grow(rows []int) *TreeNode {
	root := g.newLeaf(rows, 0)
	leaves := []*boostLeaf{root}
	nLeaves := 1

	for g.cfg.MaxLeaves <= 0 || nLeaves < g.cfg.MaxLeaves {
		idx := -1
		for i, l := range leaves {
			if !l.split.ok {
				continue
			}
			if idx < 0 {
				idx = i
				if g.cfg.GrowPolicy == GrowDepthwise {
					break
				}
				continue
			}
			if l.split.gain > leaves[idx].split.gain {
				idx = i
			}
		}
		if idx < 0 {
			break
		}

		l := leaves[idx]
		var left, right []int
		col := g.d.bins[l.split.feature]
		for _, i := range l.rows {
			if int(col[i]) <= l.split.bin {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}

		lc := g.newLeaf(left, l.depth+1)
		rc := g.newLeaf(right, l.depth+1)
		l.node.Feature = l.split.feature
		l.node.Threshold = g.d.threshold(l.split.feature, l.split.bin)
		l.node.Left = lc.node
		l.node.Right = rc.node
		l.node.Value = 0

		leaves = append(append(leaves[:idx:idx], leaves[idx+1:]...), lc, rc)
		nLeaves++
	}
	return root.node
}

func (g *boostGrower) newLeaf(rows []int, depth int) *boostLeaf {
	var G, H float64
	for _, i := range rows {
		G += g.grad[i]
		H += g.hess[i]
	}
	l := &boostLeaf{
		node:  &TreeNode{Feature: -1, Value: g.leafWeight(G, H)},
		rows:  rows,
		depth: depth,
	}
	if g.cfg.MaxDepth <= 0 || depth < g.cfg.MaxDepth {
		l.split = g.bestSplit(rows, G, H)
	}
	return l
}

func (g *boostGrower) bestSplit(rows []int, G, H float64) boostSplit {
	best := boostSplit{}
	n := len(rows)
	if n < 2*max(1, g.cfg.MinChildSamples) {
		return best
	}
	parent := g.score(G, H)

	for _, f := range g.features {
		nb := g.d.nBins(f)
		if nb < 2 {
			continue
		}
		gs := make([]float64, nb)
		hs := make([]float64, nb)
		cnt := make([]int, nb)
		col := g.d.bins[f]
		for _, i := range rows {
			b := col[i]
			gs[b] += g.grad[i]
			hs[b] += g.hess[i]
			cnt[b]++
		}

		var gl, hl float64
		nl := 0
		for b := 0; b < nb-1; b++ {
			gl += gs[b]
			hl += hs[b]
			nl += cnt[b]
			if cnt[b] == 0 {
				continue
			}
			nr := n - nl
			hr := H - hl
			if nl < g.cfg.MinChildSamples || nr < g.cfg.MinChildSamples {
				continue
			}
			if hl < g.cfg.MinChildWeight || hr < g.cfg.MinChildWeight {
				continue
			}
			gain := 0.5*(g.score(gl, hl)+g.score(G-gl, hr)-parent) - g.cfg.MinSplitGain
			if gain > 1e-12 && (!best.ok || gain > best.gain) {
				best = boostSplit{ok: true, gain: gain, feature: f, bin: b}
			}
		}
	}
	return best
}

func (g *boostGrower) thresholdL1(G float64) float64 {
	switch {
	case G > g.cfg.Alpha:
		return G - g.cfg.Alpha
	case G < -g.cfg.Alpha:
		return G + g.cfg.Alpha
	}
	return 0
}

func (g *boostGrower) score(G, H float64) float64 {
	t := g.thresholdL1(G)
	return t * t / (H + g.cfg.Lambda)
}

func (g *boostGrower) leafWeight(G, H float64) float64 {
	if H+g.cfg.Lambda == 0 {
		return 0
	}
	return -g.thresholdL1(G) / (H + g.cfg.Lambda)
}
