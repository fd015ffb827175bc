package ml

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

const maxBins = 255

// binnedData is a column-major view of X where every value is replaced by the
// index of the first threshold >= value. A tree split "bin <= b" is the same
// as "x <= thresholds[f][b]" on raw values.
type binnedData struct {
	rows       int
	cols       int
	bins       [][]uint8
	thresholds [][]float64
}

func newBinnedData(X mat.Matrix) *binnedData {
	r, c := X.Dims()
	d := &binnedData{
		rows:       r,
		cols:       c,
		bins:       make([][]uint8, c),
		thresholds: make([][]float64, c),
	}

	col := make([]float64, r)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			col[i] = X.At(i, j)
		}
		th := binThresholds(col)
		d.thresholds[j] = th

		b := make([]uint8, r)
		for i, v := range col {
			b[i] = uint8(sort.SearchFloat64s(th, v))
		}
		d.bins[j] = b
	}
	return d
}

// nBins is the number of distinct bins a feature can take.
func (d *binnedData) nBins(f int) int {
	return len(d.thresholds[f]) + 1
}

func (d *binnedData) threshold(f, b int) float64 {
	return d.thresholds[f][b]
}

// binThresholds returns at most maxBins-1 ascending cut points. With few
// distinct values the cuts sit halfway between neighbours; otherwise they
// are quantiles.
func binThresholds(values []float64) []float64 {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if v == v { // skip NaN
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	uniq := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			uniq = append(uniq, v)
		}
	}
	if len(uniq) <= 1 {
		return nil
	}

	if len(uniq) <= maxBins {
		th := make([]float64, len(uniq)-1)
		for i := 0; i < len(uniq)-1; i++ {
			th[i] = uniq[i] + (uniq[i+1]-uniq[i])/2
		}
		return th
	}

	th := make([]float64, 0, maxBins-1)
	n := len(sorted)
	for k := 1; k < maxBins; k++ {
		v := sorted[k*n/maxBins]
		if len(th) > 0 && v <= th[len(th)-1] {
			continue
		}
		if v >= sorted[n-1] {
			break
		}
		th = append(th, v)
	}
	return th
}
