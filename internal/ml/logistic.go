package ml

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"model-retrain-service/internal/core/domain"
)

type logisticConfig struct {
	C            float64 `param:"C"`
	MaxIter      int     `param:"max_iter"`
	Tol          float64 `param:"tol"`
	FitIntercept bool    `param:"fit_intercept"`
	Penalty      *string `param:"penalty"`
	Solver       string  `param:"solver"`
	RandomState  *int    `param:"random_state"`
	Verbose      int     `param:"verbose"`
}

// LogisticRegression is an L2-regularised binary logistic model fitted with
// L-BFGS on standardised features. The intercept is not penalised.
type LogisticRegression struct {
	Config    logisticConfig
	Coef      []float64
	Intercept float64
	Mean      []float64
	Scale     []float64
	NFeatures int
}

func NewLogisticRegression(params map[string]any) (*LogisticRegression, error) {
	cfg := logisticConfig{
		C:            1.0,
		MaxIter:      100,
		Tol:          1e-4,
		FitIntercept: true,
		Solver:       "lbfgs",
	}
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.C <= 0 || math.IsNaN(cfg.C) {
		return nil, fmt.Errorf("%w: C must be positive, got %v", domain.ErrInvalidParam, cfg.C)
	}
	if cfg.MaxIter <= 0 {
		return nil, fmt.Errorf("%w: max_iter must be positive, got %d", domain.ErrInvalidParam, cfg.MaxIter)
	}
	if cfg.Solver != "lbfgs" {
		return nil, fmt.Errorf("%w: unsupported solver %q", domain.ErrInvalidParam, cfg.Solver)
	}
	if cfg.Penalty != nil && *cfg.Penalty != "l2" && *cfg.Penalty != "none" {
		return nil, fmt.Errorf("%w: unsupported penalty %q", domain.ErrInvalidParam, *cfg.Penalty)
	}
	return &LogisticRegression{Config: cfg}, nil
}

func (m *LogisticRegression) penalised() bool {
	return m.Config.Penalty == nil || *m.Config.Penalty == "l2"
}

func (m *LogisticRegression) Fit(X mat.Matrix, y []int) error {
	r, c, err := checkFitInput(X, y)
	if err != nil {
		return err
	}

	m.Mean, m.Scale = standardize(X)
	Z := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			Z.Set(i, j, (X.At(i, j)-m.Mean[j])/m.Scale[j])
		}
	}

	n := float64(r)
	lambda := 0.0
	if m.penalised() {
		lambda = 1 / (m.Config.C * n)
	}
	target := make([]float64, r)
	for i, v := range y {
		target[i] = float64(v)
	}

	// x[:c] are weights, x[c] is the intercept.
	logit := func(x []float64, i int) float64 {
		z := x[c]
		for j := 0; j < c; j++ {
			z += x[j] * Z.At(i, j)
		}
		return z
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			loss := 0.0
			for i := 0; i < r; i++ {
				z := logit(x, i)
				// log(1+exp(z)) - y*z, stable for large |z|.
				loss += softplus(z) - target[i]*z
			}
			return loss/n + 0.5*lambda*floats.Dot(x[:c], x[:c])
		},
		Grad: func(grad, x []float64) {
			for k := range grad {
				grad[k] = 0
			}
			for i := 0; i < r; i++ {
				d := sigmoid(logit(x, i)) - target[i]
				for j := 0; j < c; j++ {
					grad[j] += d * Z.At(i, j)
				}
				grad[c] += d
			}
			for j := 0; j < c; j++ {
				grad[j] = grad[j]/n + lambda*x[j]
			}
			if m.Config.FitIntercept {
				grad[c] /= n
			} else {
				grad[c] = 0
			}
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   m.Config.MaxIter,
		GradientThreshold: m.Config.Tol,
	}
	result, err := optimize.Minimize(problem, make([]float64, c+1), settings, &optimize.LBFGS{})
	if result == nil {
		return fmt.Errorf("fit logistic regression: %w", err)
	}
	if err != nil {
		log.Warnf("logistic regression did not converge: %v", err)
	}
	if m.Config.Verbose > 0 {
		log.Debugf("logistic regression: status=%s iterations=%d loss=%.6f",
			result.Status, result.Stats.MajorIterations, result.F)
	}

	m.Coef = append([]float64(nil), result.X[:c]...)
	m.Intercept = result.X[c]
	m.NFeatures = c
	return nil
}

// PredictProba returns P(y=1) for every row.
func (m *LogisticRegression) PredictProba(X mat.Matrix) ([]float64, error) {
	r, err := checkPredictInput(X, m.NFeatures)
	if err != nil {
		return nil, err
	}
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		z := m.Intercept
		for j := 0; j < m.NFeatures; j++ {
			z += m.Coef[j] * (X.At(i, j) - m.Mean[j]) / m.Scale[j]
		}
		out[i] = sigmoid(z)
	}
	return out, nil
}

func (m *LogisticRegression) Predict(X mat.Matrix) ([]int, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return threshold(proba), nil
}

func standardize(X mat.Matrix) (mean, scale []float64) {
	r, c := X.Dims()
	mean = make([]float64, c)
	scale = make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, X)
		mu := floats.Sum(col) / float64(r)
		ss := 0.0
		for _, v := range col {
			ss += (v - mu) * (v - mu)
		}
		sd := math.Sqrt(ss / float64(r))
		if sd == 0 {
			sd = 1
		}
		mean[j], scale[j] = mu, sd
	}
	return mean, scale
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

func threshold(proba []float64) []int {
	out := make([]int, len(proba))
	for i, p := range proba {
		if p > 0.5 {
			out[i] = 1
		}
	}
	return out
}
