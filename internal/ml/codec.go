package ml

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"model-retrain-service/internal/core/domain"
)

const (
	ModelDir         = "model"
	MLmodelFile      = "MLmodel"
	InputExampleFile = "input_example.json"

	FormatJSON = "json"
	FormatGob  = "gob"

	inputExampleRows = 5
)

// ModelMeta is the content of the MLmodel descriptor written next to the
// serialized model.
type ModelMeta struct {
	ArtifactPath   string            `yaml:"artifact_path"`
	RunID          string            `yaml:"run_id,omitempty"`
	UTCTimeCreated string            `yaml:"utc_time_created"`
	ModelType      domain.ModelType  `yaml:"model_type"`
	ModelKind      domain.ModelKind  `yaml:"model_kind"`
	Framework      string            `yaml:"framework"`
	Format         string            `yaml:"format"`
	ModelFile      string            `yaml:"model_file"`
	Features       []string          `yaml:"features"`
	Params         map[string]string `yaml:"params,omitempty"`
}

// ArtifactFetcher downloads one artifact of a run by its path relative to the
// run's artifact root.
type ArtifactFetcher func(ctx context.Context, artifactPath string) ([]byte, error)

func formatFor(kind domain.ModelKind) (string, string) {
	if kind == domain.ModelKindGradientBoosted {
		return FormatJSON, "model.json"
	}
	return FormatGob, "model.gob"
}

// Encode serializes the classifier with the format its kind calls for.
func Encode(m *Model) (ModelMeta, []byte, error) {
	format, file := formatFor(m.Kind)
	meta := ModelMeta{
		ArtifactPath:   ModelDir,
		UTCTimeCreated: time.Now().UTC().Format("2006-01-02 15:04:05.000000"),
		ModelType:      m.Type,
		ModelKind:      m.Kind,
		Framework:      m.Type.Framework(),
		Format:         format,
		ModelFile:      file,
		Params:         domain.FormatParams(m.Params),
	}

	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m.Classifier); err != nil {
			return ModelMeta{}, nil, fmt.Errorf("encode %s model: %w", m.Type, err)
		}
	case FormatGob:
		if err := gob.NewEncoder(&buf).Encode(m.Classifier); err != nil {
			return ModelMeta{}, nil, fmt.Errorf("encode %s model: %w", m.Type, err)
		}
	}
	return meta, buf.Bytes(), nil
}

// Decode rebuilds a model from its descriptor and serialized bytes.
func Decode(meta ModelMeta, data []byte) (*Model, error) {
	clf, err := emptyClassifier(meta.ModelType)
	if err != nil {
		return nil, err
	}

	wantFormat, _ := formatFor(meta.ModelKind)
	if meta.Format != wantFormat {
		return nil, fmt.Errorf("%w: %s model stored as %q", domain.ErrUnsupportedFormat, meta.ModelKind, meta.Format)
	}

	switch meta.Format {
	case FormatJSON:
		err = json.Unmarshal(data, clf)
	case FormatGob:
		err = gob.NewDecoder(bytes.NewReader(data)).Decode(clf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s model: %v", domain.ErrUnsupportedFormat, meta.ModelType, err)
	}

	return &Model{
		Type:       meta.ModelType,
		Kind:       meta.ModelKind,
		Params:     domain.CoerceParams(meta.Params),
		Classifier: clf,
	}, nil
}

func emptyClassifier(t domain.ModelType) (Classifier, error) {
	switch t {
	case domain.ModelTypeLogisticRegression:
		return &LogisticRegression{}, nil
	case domain.ModelTypeDecisionTree:
		return &DecisionTree{}, nil
	case domain.ModelTypeRandomForest:
		return &RandomForest{}, nil
	case domain.ModelTypeLGBM, domain.ModelTypeXGBoost:
		return &GradientBooster{}, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedModelType, t)
}

// Save writes MLmodel, the model file and an input example into dir, which
// is typically uploaded as the run's "model" artifact directory.
func Save(dir string, m *Model, runID string, features []string, X mat.Matrix) error {
	meta, data, err := Encode(m)
	if err != nil {
		return err
	}
	meta.RunID = runID
	meta.Features = features

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	descriptor, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode %s: %w", MLmodelFile, err)
	}
	example, err := inputExample(features, X)
	if err != nil {
		return err
	}

	files := map[string][]byte{
		MLmodelFile:      descriptor,
		meta.ModelFile:   data,
		InputExampleFile: example,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Load fetches the descriptor and model file of a logged model and decodes it.
func Load(ctx context.Context, fetch ArtifactFetcher) (*Model, ModelMeta, error) {
	raw, err := fetch(ctx, ModelDir+"/"+MLmodelFile)
	if err != nil {
		return nil, ModelMeta{}, fmt.Errorf("fetch %s: %w", MLmodelFile, err)
	}
	var meta ModelMeta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, ModelMeta{}, fmt.Errorf("%w: parse %s: %v", domain.ErrUnsupportedFormat, MLmodelFile, err)
	}
	if meta.ModelFile == "" {
		return nil, ModelMeta{}, fmt.Errorf("%w: %s names no model file", domain.ErrUnsupportedFormat, MLmodelFile)
	}

	data, err := fetch(ctx, ModelDir+"/"+meta.ModelFile)
	if err != nil {
		return nil, ModelMeta{}, fmt.Errorf("fetch %s: %w", meta.ModelFile, err)
	}
	m, err := Decode(meta, data)
	if err != nil {
		return nil, ModelMeta{}, err
	}
	return m, meta, nil
}

type inputExampleDoc struct {
	Columns []string    `json:"columns"`
	Data    [][]float64 `json:"data"`
}

func inputExample(features []string, X mat.Matrix) ([]byte, error) {
	doc := inputExampleDoc{Columns: features, Data: [][]float64{}}
	if X != nil {
		r, c := X.Dims()
		for i := 0; i < min(r, inputExampleRows); i++ {
			row := make([]float64, c)
			mat.Row(row, i, X)
			doc.Data = append(doc.Data, row)
		}
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode input example: %w", err)
	}
	return out, nil
}
