package features

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model-retrain-service/internal/core/domain"
)

const rawTrips = `tripduration,starttime,stoptime,start station name,bikeid,usertype,gender
600,2014-01-06 05:30:00,2014-01-06 05:40:00,A St,1,Subscriber,1
600,2014-01-06 06:00:00,2014-01-06 06:10:00,A St,1,Customer,0
600,2014-01-07 11:59:00,2014-01-07 12:09:00,B St,2,Subscriber,2
21599,2014-01-07 12:00:00,2014-01-07 17:59:59,A St,3,Subscriber,1
21600,2014-01-08 17:00:00,2014-01-08 23:00:00,C St,3,Subscriber,1
30000,2014-01-08 17:30:00,2014-01-09 01:50:00,C St,4,Customer,0
600,2014-01-12 18:00:00,2014-01-12 18:10:00,B St,2,Subscriber,1
600,2014-01-12 23:15:00,2014-01-12 23:25:00,A St,1,Customer,2
`

func loadRaw(t *testing.T, body string) dataframe.DataFrame {
	t.Helper()
	df := dataframe.ReadCSV(strings.NewReader(body))
	require.NoError(t, df.Err)
	return df
}

func TestPipeline_Run(t *testing.T) {
	out, err := NewPipeline(Options{WidenInts: true}).Run(loadRaw(t, rawTrips))
	require.NoError(t, err)

	assert.Equal(t, append(append([]string{}, FeatureColumns...), LabelColumn), out.Names())
	assert.Equal(t, 6, out.Nrow())

	hours, err := out.Col(ColStartHour).Int()
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 11, 12, 18, 23}, hours)

	categories, err := out.Col(ColTimeCategory).Int()
	require.NoError(t, err)
	assert.Equal(t, []int{
		int(domain.TimeOfDayNight),
		int(domain.TimeOfDayMorning),
		int(domain.TimeOfDayMorning),
		int(domain.TimeOfDayAfternoon),
		int(domain.TimeOfDayNight),
		int(domain.TimeOfDayNight),
	}, categories)

	// 2014-01-06 is a Monday, 2014-01-12 a Sunday.
	weekdays, err := out.Col(ColWeekday).Int()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1, 6, 6}, weekdays)

	labels, err := out.Col(LabelColumn).Int()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 1, 1, 1, 0}, labels)
}

func TestPipeline_AggregatesCountSurvivingRows(t *testing.T) {
	out, err := NewPipeline(Options{}).Run(loadRaw(t, rawTrips))
	require.NoError(t, err)

	// After cleaning: A St x4 (bikes 1,1,3,1), B St x2 (bike 2 twice).
	station, err := out.Col(ColStationUsageCount).Int()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 2, 4, 2, 4}, station)

	bike, err := out.Col(ColBikeUsageCount).Int()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 2, 1, 2, 3}, bike)
}

func TestAddAggregateFeatures_FullMonthScale(t *testing.T) {
	const rows, stations, bikes = 200000, 50, 4000
	stationNames := make([]string, rows)
	bikeIDs := make([]int, rows)
	for i := range stationNames {
		stationNames[i] = "station " + strconv.Itoa(i%stations)
		bikeIDs[i] = i % bikes
	}
	df := dataframe.New(
		series.New(stationNames, series.String, ColStartStation),
		series.New(bikeIDs, series.Int, ColBikeID),
	)
	require.NoError(t, df.Err)

	out, err := AddAggregateFeatures(df)
	require.NoError(t, err)

	station, err := out.Col(ColStationUsageCount).Int()
	require.NoError(t, err)
	bike, err := out.Col(ColBikeUsageCount).Int()
	require.NoError(t, err)
	for i := 0; i < rows; i += 997 {
		require.Equal(t, rows/stations, station[i])
		require.Equal(t, rows/bikes, bike[i])
	}
}

func TestClean_DropsAtAndAboveThreshold(t *testing.T) {
	out, err := Clean(loadRaw(t, rawTrips), DefaultMaxDurationMin)
	require.NoError(t, err)

	for _, m := range out.Col(ColTripDurationMin).Float() {
		assert.Less(t, m, 360.0)
	}
	// 21599s is kept, 21600s (exactly 360 min) and 30000s are dropped.
	assert.Equal(t, 6, out.Nrow())
	assert.Contains(t, out.Col(ColTripDurationMin).Float(), 21599.0/60)
}

func TestClean_CustomThreshold(t *testing.T) {
	out, err := Clean(loadRaw(t, rawTrips), 11)
	require.NoError(t, err)
	assert.Equal(t, 0, countAtLeast(out.Col(ColTripDurationMin).Float(), 11))
	assert.Equal(t, 5, out.Nrow())
}

func countAtLeast(vals []float64, min float64) int {
	n := 0
	for _, v := range vals {
		if v >= min {
			n++
		}
	}
	return n
}

func TestPipeline_AllRowsDropped(t *testing.T) {
	_, err := NewPipeline(Options{MaxDurationMin: 1}).Run(loadRaw(t, rawTrips))
	assert.ErrorIs(t, err, domain.ErrEmptyDataset)
}

func TestPipeline_MissingColumn(t *testing.T) {
	raw := loadRaw(t, rawTrips).Drop([]string{ColBikeID})

	_, err := NewPipeline(Options{}).Run(raw)
	assert.ErrorIs(t, err, domain.ErrSchema)
}

func TestPipeline_BadTimestamp(t *testing.T) {
	body := "tripduration,starttime,stoptime,start station name,bikeid,usertype,gender\n" +
		"600,not a time,2014-01-06 05:40:00,A St,1,Subscriber,1\n"

	_, err := NewPipeline(Options{}).Run(loadRaw(t, body))
	assert.ErrorIs(t, err, domain.ErrSchema)
}

func TestPipeline_Deterministic(t *testing.T) {
	p := NewPipeline(Options{WidenInts: true})

	render := func() []byte {
		out, err := p.Run(loadRaw(t, rawTrips))
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, out.WriteCSV(&buf))
		return buf.Bytes()
	}

	first := render()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, render())
	}
}

func TestWidenInts(t *testing.T) {
	widened, err := NewPipeline(Options{WidenInts: true}).Run(loadRaw(t, rawTrips))
	require.NoError(t, err)
	for _, name := range FeatureColumns {
		assert.Equal(t, series.Float, widened.Col(name).Type(), name)
	}
	assert.Equal(t, series.Int, widened.Col(LabelColumn).Type())

	plain, err := NewPipeline(Options{WidenInts: false}).Run(loadRaw(t, rawTrips))
	require.NoError(t, err)
	assert.Equal(t, series.Int, plain.Col(ColStartHour).Type())
	assert.Equal(t, series.Float, plain.Col(ColTripDurationMin).Type())
}

func TestMatrix(t *testing.T) {
	out, err := NewPipeline(Options{WidenInts: true}).Run(loadRaw(t, rawTrips))
	require.NoError(t, err)

	X, y, names, err := Matrix(out, LabelColumn)
	require.NoError(t, err)

	r, c := X.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, len(FeatureColumns), c)
	assert.Equal(t, FeatureColumns, names)
	assert.Equal(t, []int{1, 0, 1, 1, 1, 0}, y)
	assert.Equal(t, 5.0, X.At(0, 0))
}

func TestMatrix_MissingLabel(t *testing.T) {
	_, _, _, err := Matrix(loadRaw(t, rawTrips), LabelColumn)
	assert.ErrorIs(t, err, domain.ErrSchema)
}
