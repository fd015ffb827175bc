package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
	log "github.com/sirupsen/logrus"

	"model-retrain-service/internal/config"
	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
)

// Raw data lives under <root>/raw/<year dir>/<month>_*/*.csv.
const rawDir = "raw"

type datasetSource struct {
	root          string
	yearDirFormat string
}

func NewDatasetSource(cfg *config.DataConfig) ports.DatasetSource {
	format := cfg.YearDirFormat
	if format == "" {
		format = "%d-citibike-tripdata"
	}
	return &datasetSource{root: cfg.Root, yearDirFormat: format}
}

func (s *datasetSource) LoadMonthData(ctx context.Context, year, month int) (*ports.MonthlyDataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	yearDir, err := s.yearDir(year)
	if err != nil {
		return nil, err
	}

	monthDir, err := findMonthDir(yearDir, month)
	if err != nil {
		return nil, err
	}

	csvPath, err := findCSV(monthDir)
	if err != nil {
		return nil, err
	}

	log.WithField("path", csvPath).Info("loading trip data")
	frame, err := readCSV(csvPath)
	if err != nil {
		return nil, err
	}

	return &ports.MonthlyDataset{Year: year, Month: month, Path: csvPath, Frame: frame}, nil
}

func (s *datasetSource) yearDir(year int) (string, error) {
	dir := filepath.Join(s.root, rawDir, fmt.Sprintf(s.yearDirFormat, year))
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: year directory %s", domain.ErrDataNotFound, dir)
	}
	return dir, nil
}

// findMonthDir picks the first directory (lexicographic) whose name starts
// with "<month>_", ignoring case.
func findMonthDir(yearDir string, month int) (string, error) {
	entries, err := os.ReadDir(yearDir)
	if err != nil {
		return "", fmt.Errorf("read year directory: %w", err)
	}

	prefix := fmt.Sprintf("%d_", month)
	var matches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(strings.ToLower(e.Name()), prefix) {
			matches = append(matches, e.Name())
		}
	}
	sort.Strings(matches)

	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no folder for month=%d in %s", domain.ErrDataNotFound, month, yearDir)
	}
	if len(matches) > 1 {
		log.WithFields(log.Fields{
			"month":   month,
			"matches": matches,
			"using":   matches[0],
		}).Warn("multiple month folders matched, using the first")
	}
	return filepath.Join(yearDir, matches[0]), nil
}

func findCSV(monthDir string) (string, error) {
	files, err := filepath.Glob(filepath.Join(monthDir, "*.csv"))
	if err != nil {
		return "", fmt.Errorf("glob csv: %w", err)
	}
	sort.Strings(files)

	if len(files) == 0 {
		return "", fmt.Errorf("%w: no CSV in %s", domain.ErrDataNotFound, monthDir)
	}
	if len(files) > 1 {
		log.WithFields(log.Fields{
			"files": files,
			"using": filepath.Base(files[0]),
		}).Warn("multiple CSV files found, loading the first")
	}
	return files[0], nil
}

func readCSV(path string) (dataframe.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return dataframe.DataFrame{}, fmt.Errorf("%w: %s", domain.ErrDataNotFound, path)
		}
		return dataframe.DataFrame{}, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	frame := dataframe.ReadCSV(f)
	if frame.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("parse csv %s: %w", path, frame.Err)
	}
	return frame, nil
}
