// Package features turns raw trip records into the model-ready table.
//
// Every step is a pure function of its input frame, so running the pipeline
// twice on the same records yields the same table.
package features

import (
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"gonum.org/v1/gonum/mat"

	"model-retrain-service/internal/core/domain"
)

// Raw columns.
const (
	ColTripDuration = "tripduration"
	ColStartTime    = "starttime"
	ColStopTime     = "stoptime"
	ColStartStation = "start station name"
	ColBikeID       = "bikeid"
	ColUserType     = "usertype"
	ColGender       = "gender"
)

// Derived columns.
const (
	ColTripDurationMin   = "tripduration_min"
	ColStartHour         = "start_hour"
	ColWeekday           = "weekday"
	ColTimeCategory      = "time_category"
	ColStationUsageCount = "station_usage_count"
	ColBikeUsageCount    = "bike_usage_count"
	LabelColumn          = "is_member"
)

const (
	DefaultMaxDurationMin = 360.0
	subscriberUserType    = "Subscriber"
)

// FeatureColumns is the model input, in order.
var FeatureColumns = []string{
	ColStartHour,
	ColWeekday,
	ColTimeCategory,
	ColTripDurationMin,
	ColStationUsageCount,
	ColBikeUsageCount,
	ColGender,
}

type Options struct {
	MaxDurationMin float64
	// WidenInts converts integer feature columns (never the label) to float.
	WidenInts bool
}

type Pipeline struct {
	opts Options
}

func NewPipeline(opts Options) *Pipeline {
	if opts.MaxDurationMin <= 0 {
		opts.MaxDurationMin = DefaultMaxDurationMin
	}
	return &Pipeline{opts: opts}
}

func (p *Pipeline) Run(raw dataframe.DataFrame) (dataframe.DataFrame, error) {
	if err := requireColumns(raw, ColTripDuration, ColStartTime, ColStopTime,
		ColStartStation, ColBikeID, ColUserType, ColGender); err != nil {
		return dataframe.DataFrame{}, err
	}

	df, err := Clean(raw, p.opts.MaxDurationMin)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	if df, err = AddTimeFeatures(df); err != nil {
		return dataframe.DataFrame{}, err
	}
	if df, err = AddAggregateFeatures(df); err != nil {
		return dataframe.DataFrame{}, err
	}
	if df, err = AddTarget(df); err != nil {
		return dataframe.DataFrame{}, err
	}
	if df, err = SelectFeatures(df); err != nil {
		return dataframe.DataFrame{}, err
	}
	if p.opts.WidenInts {
		return WidenInts(df, LabelColumn)
	}
	return df, nil
}

// Clean validates both timestamps, derives tripduration_min and drops trips
// lasting maxDurationMin minutes or more.
func Clean(df dataframe.DataFrame, maxDurationMin float64) (dataframe.DataFrame, error) {
	if err := requireColumns(df, ColTripDuration, ColStartTime, ColStopTime); err != nil {
		return dataframe.DataFrame{}, err
	}
	if _, err := parseTimes(df, ColStartTime); err != nil {
		return dataframe.DataFrame{}, err
	}
	if _, err := parseTimes(df, ColStopTime); err != nil {
		return dataframe.DataFrame{}, err
	}

	seconds := df.Col(ColTripDuration).Float()
	minutes := make([]float64, len(seconds))
	for i, s := range seconds {
		minutes[i] = s / 60
	}

	out := df.Mutate(series.New(minutes, series.Float, ColTripDurationMin))
	out = out.Filter(dataframe.F{
		Colname:    ColTripDurationMin,
		Comparator: series.Less,
		Comparando: maxDurationMin,
	})
	if out.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("filter trip duration: %w", out.Err)
	}
	if out.Nrow() == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("%w: no trips shorter than %.0f minutes", domain.ErrEmptyDataset, maxDurationMin)
	}
	return out, nil
}

// AddTimeFeatures derives start_hour, weekday (Monday=0) and time_category.
func AddTimeFeatures(df dataframe.DataFrame) (dataframe.DataFrame, error) {
	starts, err := parseTimes(df, ColStartTime)
	if err != nil {
		return dataframe.DataFrame{}, err
	}

	hours := make([]int, len(starts))
	weekdays := make([]int, len(starts))
	categories := make([]int, len(starts))
	for i, t := range starts {
		hours[i] = t.Hour()
		weekdays[i] = (int(t.Weekday()) + 6) % 7
		categories[i] = int(domain.CategorizeHour(t.Hour()))
	}

	out := df.
		Mutate(series.New(hours, series.Int, ColStartHour)).
		Mutate(series.New(weekdays, series.Int, ColWeekday)).
		Mutate(series.New(categories, series.Int, ColTimeCategory))
	if out.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("add time features: %w", out.Err)
	}
	return out, nil
}

// AddAggregateFeatures joins per-station and per-bike usage counts onto
// every row. The counts come from the same rows that are later split into
// train and test.
func AddAggregateFeatures(df dataframe.DataFrame) (dataframe.DataFrame, error) {
	stationCounts, err := usageCounts(df, ColStartStation, ColStationUsageCount)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	bikeCounts, err := usageCounts(df, ColBikeID, ColBikeUsageCount)
	if err != nil {
		return dataframe.DataFrame{}, err
	}

	out := df.Mutate(stationCounts).Mutate(bikeCounts)
	if out.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("add aggregate features: %w", out.Err)
	}
	return out, nil
}

func AddTarget(df dataframe.DataFrame) (dataframe.DataFrame, error) {
	if err := requireColumns(df, ColUserType); err != nil {
		return dataframe.DataFrame{}, err
	}

	types := df.Col(ColUserType).Records()
	labels := make([]int, len(types))
	for i, ut := range types {
		if ut == subscriberUserType {
			labels[i] = 1
		}
	}

	out := df.Mutate(series.New(labels, series.Int, LabelColumn))
	if out.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("add target: %w", out.Err)
	}
	return out, nil
}

func SelectFeatures(df dataframe.DataFrame) (dataframe.DataFrame, error) {
	cols := append(append([]string{}, FeatureColumns...), LabelColumn)
	if err := requireColumns(df, cols...); err != nil {
		return dataframe.DataFrame{}, err
	}

	out := df.Select(cols)
	if out.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("select features: %w", out.Err)
	}
	return out, nil
}

// WidenInts converts every integer column except the excluded ones to float.
func WidenInts(df dataframe.DataFrame, exclude ...string) (dataframe.DataFrame, error) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	out := df
	for _, name := range df.Names() {
		col := df.Col(name)
		if skip[name] || col.Type() != series.Int {
			continue
		}
		out = out.Mutate(series.New(col.Float(), series.Float, name))
	}
	if out.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("widen int columns: %w", out.Err)
	}
	return out, nil
}

// Matrix converts a feature table into a design matrix, the label vector and
// the feature names in column order.
func Matrix(df dataframe.DataFrame, label string) (*mat.Dense, []int, []string, error) {
	if err := requireColumns(df, label); err != nil {
		return nil, nil, nil, err
	}
	if df.Nrow() == 0 {
		return nil, nil, nil, domain.ErrEmptyDataset
	}

	var names []string
	for _, name := range df.Names() {
		if name != label {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no feature columns", domain.ErrSchema)
	}

	X := mat.NewDense(df.Nrow(), len(names), nil)
	for j, name := range names {
		for i, v := range df.Col(name).Float() {
			X.Set(i, j, v)
		}
	}

	y, err := df.Col(label).Int()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: label %s: %v", domain.ErrSchema, label, err)
	}
	return X, y, names, nil
}

func usageCounts(df dataframe.DataFrame, key, name string) (series.Series, error) {
	if err := requireColumns(df, key); err != nil {
		return series.Series{}, err
	}

	keys := df.Col(key).Records()
	counts := make(map[string]int)
	for _, k := range keys {
		counts[k]++
	}

	values := make([]int, len(keys))
	for i, k := range keys {
		values[i] = counts[k]
	}
	return series.New(values, series.Int, name), nil
}

func parseTimes(df dataframe.DataFrame, col string) ([]time.Time, error) {
	records := df.Col(col).Records()
	out := make([]time.Time, len(records))
	for i, r := range records {
		t, err := dateparse.ParseIn(r, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s row %d: %v", domain.ErrSchema, col, i, err)
		}
		out[i] = t
	}
	return out, nil
}

func requireColumns(df dataframe.DataFrame, cols ...string) error {
	present := make(map[string]bool, df.Ncol())
	for _, name := range df.Names() {
		present[name] = true
	}
	for _, c := range cols {
		if !present[c] {
			return fmt.Errorf("%w: missing column %q", domain.ErrSchema, c)
		}
	}
	return nil
}
