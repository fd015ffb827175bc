package services

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/stretchr/testify/require"

	"model-retrain-service/internal/config"
	ports "model-retrain-service/internal/core/ports/output"
	"model-retrain-service/internal/features"
)

var testProject = config.ProjectConfig{
	ExperimentName: "citibike_membership",
	ModelName:      "citibike_classifier",
	Metric:         config.DefaultMetric,
	Alias:          "production",
}

var testTraining = config.TrainingConfig{TestSize: 0.2, RandomState: 42, Threshold: 0.01}

// tripFrame builds n raw trip records where subscribers mostly report a
// gender and customers mostly do not.
func tripFrame(t *testing.T, n int, seed int64) dataframe.DataFrame {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	stations := []string{"W 26 St & 10 Ave", "Broadway & W 24 St", "E 17 St & Broadway", "Pike St & Monroe St"}
	base := time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)

	var b strings.Builder
	b.WriteString("tripduration,starttime,stoptime,start station name,bikeid,usertype,gender\n")
	for i := 0; i < n; i++ {
		start := base.Add(time.Duration(rng.Intn(30*24*60)) * time.Minute)
		duration := 120 + rng.Intn(3000)
		subscriber := rng.Float64() < 0.6
		gender := 0
		if subscriber {
			gender = 1 + rng.Intn(2)
		}
		if i%10 == 0 {
			subscriber = !subscriber
		}
		userType := "Customer"
		if subscriber {
			userType = "Subscriber"
		}
		fmt.Fprintf(&b, "%d,%s,%s,%s,%d,%s,%d\n",
			duration,
			start.Format("2006-01-02 15:04:05"),
			start.Add(time.Duration(duration)*time.Second).Format("2006-01-02 15:04:05"),
			stations[rng.Intn(len(stations))],
			10000+rng.Intn(40),
			userType,
			gender,
		)
	}

	df := dataframe.ReadCSV(strings.NewReader(b.String()))
	require.NoError(t, df.Err)
	return df
}

func monthlyDataset(t *testing.T, year, month int) *ports.MonthlyDataset {
	return &ports.MonthlyDataset{
		Year:  year,
		Month: month,
		Path:  fmt.Sprintf("data/raw/%d-citibike-tripdata/%d_trips/trips.csv", year, month),
		Frame: tripFrame(t, 300, int64(year*100+month)),
	}
}

func newPipeline() *features.Pipeline {
	return features.NewPipeline(features.Options{WidenInts: true})
}
