package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"model-retrain-service/internal/config"
	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
)

const (
	apiPrefix       = "/api/2.0/mlflow"
	artifactsPrefix = "/api/2.0/mlflow-artifacts/artifacts"
	proxySchemePfx  = "mlflow-artifacts:"

	errResourceDoesNotExist = "RESOURCE_DOES_NOT_EXIST"
	errResourceExists       = "RESOURCE_ALREADY_EXISTS"

	datasetContextTag = "mlflow.data.context"
)

// Client is a TrackingStore backed by an MLflow tracking server.
type Client struct {
	baseURL string
	token   string
	client  *http.Client

	mu           sync.RWMutex
	artifactURIs map[string]string
}

var _ ports.TrackingStore = (*Client)(nil)

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func NewClient(cfg *config.MLflowConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	c := &Client{
		baseURL:      strings.TrimRight(cfg.URI, "/"),
		token:        cfg.Token,
		client:       &http.Client{Timeout: timeout},
		artifactURIs: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the error body MLflow returns on non-2xx responses.
type apiError struct {
	Status    int    `json:"-"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *apiError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("mlflow: HTTP %d", e.Status)
	}
	return fmt.Sprintf("mlflow: %s: %s", e.ErrorCode, e.Message)
}

func isCode(err error, code string) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == code
}

// notFound rewrites RESOURCE_DOES_NOT_EXIST into the given domain error.
func notFound(err error, sentinel error, what string) error {
	if isCode(err, errResourceDoesNotExist) {
		return fmt.Errorf("%w: %s", sentinel, what)
	}
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mlflow %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mlflow %s %s: read body: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		if apiErr.ErrorCode == "" && resp.StatusCode == http.StatusNotFound {
			apiErr.ErrorCode = errResourceDoesNotExist
		}
		return nil, apiErr
	}
	return body, nil
}

// call sends a JSON request to the REST API. GET requests carry their
// arguments as query parameters.
func (c *Client) call(ctx context.Context, method, endpoint string, in, out any) error {
	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		query, _ := in.(url.Values)
		req, err = c.newRequest(ctx, method, apiPrefix+endpoint, query, nil)
	} else {
		var payload []byte
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		req, err = c.newRequest(ctx, method, apiPrefix+endpoint, nil, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return err
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// ============================================================================
// Experiments
// ============================================================================

func (c *Client) GetExperimentByName(ctx context.Context, name string) (*domain.Experiment, error) {
	var resp struct {
		Experiment domain.Experiment `json:"experiment"`
	}
	q := url.Values{"experiment_name": {name}}
	if err := c.call(ctx, http.MethodGet, "/experiments/get-by-name", q, &resp); err != nil {
		return nil, notFound(err, domain.ErrExperimentNotFound, name)
	}
	return &resp.Experiment, nil
}

func (c *Client) CreateExperiment(ctx context.Context, name string) (string, error) {
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.call(ctx, http.MethodPost, "/experiments/create", map[string]string{"name": name}, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

// ============================================================================
// Runs
// ============================================================================

func (c *Client) CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (*domain.Run, error) {
	req := map[string]any{
		"experiment_id": experimentID,
		"run_name":      runName,
		"start_time":    time.Now().UnixMilli(),
		"tags":          toKeyValues(tags),
	}
	var resp struct {
		Run runJSON `json:"run"`
	}
	if err := c.call(ctx, http.MethodPost, "/runs/create", req, &resp); err != nil {
		return nil, err
	}
	run := resp.Run.toDomain()
	c.rememberArtifactURI(run)
	return run, nil
}

func (c *Client) LogBatch(ctx context.Context, runID string, params map[string]string, metrics map[string]float64, tags map[string]string) error {
	now := time.Now().UnixMilli()
	ms := make([]metricJSON, 0, len(metrics))
	for k, v := range metrics {
		ms = append(ms, metricJSON{Key: k, Value: v, Timestamp: now})
	}
	req := map[string]any{
		"run_id":  runID,
		"params":  toKeyValues(params),
		"metrics": ms,
		"tags":    toKeyValues(tags),
	}
	if err := c.call(ctx, http.MethodPost, "/runs/log-batch", req, nil); err != nil {
		return notFound(err, domain.ErrRunNotFound, runID)
	}
	return nil
}

func (c *Client) LogInputs(ctx context.Context, runID string, inputs []domain.DatasetInput) error {
	datasets := make([]datasetInputJSON, 0, len(inputs))
	for _, in := range inputs {
		datasets = append(datasets, datasetInputJSON{
			Dataset: datasetJSON{
				Name:       in.Name,
				Digest:     in.Digest,
				SourceType: in.SourceType,
				Source:     in.Source,
				Schema:     in.Schema,
				Profile:    in.Profile,
			},
			Tags: []keyValue{{Key: datasetContextTag, Value: in.Context}},
		})
	}
	req := map[string]any{"run_id": runID, "datasets": datasets}
	if err := c.call(ctx, http.MethodPost, "/runs/log-inputs", req, nil); err != nil {
		return notFound(err, domain.ErrRunNotFound, runID)
	}
	return nil
}

func (c *Client) FinishRun(ctx context.Context, runID string, status domain.RunStatus) error {
	req := map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": time.Now().UnixMilli(),
	}
	if err := c.call(ctx, http.MethodPost, "/runs/update", req, nil); err != nil {
		return notFound(err, domain.ErrRunNotFound, runID)
	}
	return nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var resp struct {
		Run runJSON `json:"run"`
	}
	if err := c.call(ctx, http.MethodGet, "/runs/get", url.Values{"run_id": {runID}}, &resp); err != nil {
		return nil, notFound(err, domain.ErrRunNotFound, runID)
	}
	run := resp.Run.toDomain()
	c.rememberArtifactURI(run)
	return run, nil
}

func (c *Client) SearchRuns(ctx context.Context, search domain.RunSearch) ([]*domain.Run, error) {
	req := map[string]any{
		"experiment_ids": search.ExperimentIDs,
		"order_by":       search.OrderBy,
	}
	if search.MaxResults > 0 {
		req["max_results"] = search.MaxResults
	}
	var resp struct {
		Runs []runJSON `json:"runs"`
	}
	if err := c.call(ctx, http.MethodPost, "/runs/search", req, &resp); err != nil {
		return nil, err
	}
	out := make([]*domain.Run, 0, len(resp.Runs))
	for _, r := range resp.Runs {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ============================================================================
// Artifacts
// ============================================================================

func (c *Client) rememberArtifactURI(run *domain.Run) {
	if run.ArtifactURI == "" {
		return
	}
	c.mu.Lock()
	c.artifactURIs[run.ID] = run.ArtifactURI
	c.mu.Unlock()
}

// artifactPath resolves a run-relative artifact path to its location on the
// artifact proxy. Only proxied (mlflow-artifacts:) roots are supported.
func (c *Client) artifactPath(ctx context.Context, runID, rel string) (string, error) {
	c.mu.RLock()
	root, ok := c.artifactURIs[runID]
	c.mu.RUnlock()
	if !ok {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return "", err
		}
		root = run.ArtifactURI
	}

	if !strings.HasPrefix(root, proxySchemePfx) {
		return "", fmt.Errorf("%w: artifact root %q is not served by the tracking server", domain.ErrUnsupportedFormat, root)
	}
	u, err := url.Parse(root)
	if err != nil {
		return "", fmt.Errorf("parse artifact root %q: %w", root, err)
	}
	p := strings.TrimLeft(u.Path, "/")
	return artifactsPrefix + "/" + strings.TrimRight(p, "/") + "/" + strings.TrimLeft(rel, "/"), nil
}

func (c *Client) LogArtifact(ctx context.Context, runID, localPath, artifactDir string) error {
	body, err := readFile(localPath)
	if err != nil {
		return err
	}
	p, err := c.artifactPath(ctx, runID, joinArtifact(artifactDir, baseName(localPath)))
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPut, p, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("upload %s: %w", p, err)
	}
	log.WithFields(log.Fields{"run_id": runID, "path": p}).Debug("Uploaded artifact")
	return nil
}

func (c *Client) DownloadArtifact(ctx context.Context, runID, artifactPath string) ([]byte, error) {
	p, err := c.artifactPath(ctx, runID, artifactPath)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, p, nil, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, notFound(err, domain.ErrArtifactNotFound, runID+"/"+artifactPath)
	}
	return body, nil
}

// ============================================================================
// Model Registry
// ============================================================================

func (c *Client) CreateRegisteredModel(ctx context.Context, name string) error {
	err := c.call(ctx, http.MethodPost, "/registered-models/create", map[string]string{"name": name}, nil)
	if err != nil && !isCode(err, errResourceExists) {
		return err
	}
	return nil
}

func (c *Client) CreateModelVersion(ctx context.Context, name, source, runID string) (*domain.ModelVersion, error) {
	req := map[string]string{"name": name, "source": source, "run_id": runID}
	var resp struct {
		ModelVersion modelVersionJSON `json:"model_version"`
	}
	if err := c.call(ctx, http.MethodPost, "/model-versions/create", req, &resp); err != nil {
		return nil, err
	}
	return resp.ModelVersion.toDomain(), nil
}

func (c *Client) SetModelVersionTag(ctx context.Context, name, version, key, value string) error {
	req := map[string]string{"name": name, "version": version, "key": key, "value": value}
	return c.call(ctx, http.MethodPost, "/model-versions/set-tag", req, nil)
}

func (c *Client) GetModelVersionByAlias(ctx context.Context, name, alias string) (*domain.ModelVersion, error) {
	var resp struct {
		ModelVersion modelVersionJSON `json:"model_version"`
	}
	q := url.Values{"name": {name}, "alias": {alias}}
	if err := c.call(ctx, http.MethodGet, "/registered-models/alias", q, &resp); err != nil {
		return nil, notFound(err, domain.ErrAliasNotFound, name+"@"+alias)
	}
	return resp.ModelVersion.toDomain(), nil
}

func (c *Client) SetRegisteredModelAlias(ctx context.Context, name, alias, version string) error {
	req := map[string]string{"name": name, "alias": alias, "version": version}
	return c.call(ctx, http.MethodPost, "/registered-models/alias", req, nil)
}

func (c *Client) DeleteRegisteredModelAlias(ctx context.Context, name, alias string) error {
	req := map[string]string{"name": name, "alias": alias}
	if err := c.call(ctx, http.MethodDelete, "/registered-models/alias", req, nil); err != nil {
		return notFound(err, domain.ErrAliasNotFound, name+"@"+alias)
	}
	return nil
}
