package ml

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"model-retrain-service/internal/core/domain"
)

type forestConfig struct {
	Tree        treeConfig `param:",squash"`
	NEstimators int        `param:"n_estimators"`
	Bootstrap   bool       `param:"bootstrap"`
	NJobs       *int       `param:"n_jobs"`
	Verbose     int        `param:"verbose"`
}

// RandomForest averages the leaf probabilities of bagged CART trees.
type RandomForest struct {
	Config    forestConfig
	Trees     []*TreeNode
	NFeatures int
}

func NewRandomForest(params map[string]any) (*RandomForest, error) {
	cfg := forestConfig{
		Tree:        defaultTreeConfig(),
		NEstimators: 100,
		Bootstrap:   true,
	}
	cfg.Tree.MaxFeatures = "sqrt"
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Tree.validate(); err != nil {
		return nil, err
	}
	if cfg.NEstimators < 1 {
		return nil, fmt.Errorf("%w: n_estimators must be >= 1, got %d", domain.ErrInvalidParam, cfg.NEstimators)
	}
	return &RandomForest{Config: cfg}, nil
}

func (f *RandomForest) workers() int {
	if f.Config.NJobs == nil || *f.Config.NJobs == 0 {
		return 1
	}
	if *f.Config.NJobs < 0 {
		return runtime.GOMAXPROCS(0)
	}
	return *f.Config.NJobs
}

func (f *RandomForest) Fit(X mat.Matrix, y []int) error {
	r, c, err := checkFitInput(X, y)
	if err != nil {
		return err
	}
	d := newBinnedData(X)

	// Seeds are drawn up front so the result does not depend on scheduling.
	rng := newRand(f.Config.Tree.RandomState)
	seeds := make([]int, f.Config.NEstimators)
	for i := range seeds {
		seeds[i] = rng.Int()
	}

	trees := make([]*TreeNode, f.Config.NEstimators)
	var g errgroup.Group
	g.SetLimit(f.workers())
	for k := range trees {
		g.Go(func() error {
			seed := seeds[k]
			treeRng := newRand(&seed)
			rows := make([]int, r)
			for i := range rows {
				if f.Config.Bootstrap {
					rows[i] = treeRng.Intn(r)
				} else {
					rows[i] = i
				}
			}
			node, err := growCART(d, y, rows, f.Config.Tree, treeRng)
			if err != nil {
				return err
			}
			trees[k] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fit random forest: %w", err)
	}

	f.Trees = trees
	f.NFeatures = c
	return nil
}

func (f *RandomForest) PredictProba(X mat.Matrix) ([]float64, error) {
	r, err := checkPredictInput(X, f.NFeatures)
	if err != nil {
		return nil, err
	}
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		sum := 0.0
		for _, t := range f.Trees {
			sum += t.predictRow(X, i)
		}
		out[i] = sum / float64(len(f.Trees))
	}
	return out, nil
}

func (f *RandomForest) Predict(X mat.Matrix) ([]int, error) {
	proba, err := f.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return threshold(proba), nil
}
