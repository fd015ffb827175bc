package ports

import (
	"context"
	"fmt"

	"github.com/go-gota/gota/dataframe"
)

// MonthlyDataset is one month of raw trip records.
type MonthlyDataset struct {
	Year  int
	Month int
	Path  string
	Frame dataframe.DataFrame
}

// SourceID identifies the dataset in run tags, e.g. "2014-01".
func (d MonthlyDataset) SourceID() string {
	return fmt.Sprintf("%04d-%02d", d.Year, d.Month)
}

type DatasetSource interface {
	LoadMonthData(ctx context.Context, year, month int) (*MonthlyDataset, error)
}
