package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"model-retrain-service/internal/core/domain"
	ports "model-retrain-service/internal/core/ports/output"
)

const defaultMaxResults = 1000

// TrackingStore keeps experiments, runs, artifacts and the model registry in
// PostgreSQL. Artifacts are stored inline as bytea.
type TrackingStore struct {
	pool *pgxpool.Pool
}

var _ ports.TrackingStore = (*TrackingStore)(nil)

func NewTrackingStore(pool *pgxpool.Pool) *TrackingStore {
	return &TrackingStore{pool: pool}
}

// ============================================================================
// Experiments
// ============================================================================

func (s *TrackingStore) GetExperimentByName(ctx context.Context, name string) (*domain.Experiment, error) {
	query := `
		SELECT id::text, name, artifact_location, lifecycle_stage
		FROM experiment
		WHERE name = $1
	`
	var e domain.Experiment
	err := s.pool.QueryRow(ctx, query, name).Scan(&e.ID, &e.Name, &e.ArtifactLocation, &e.LifecycleStage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, name)
		}
		return nil, fmt.Errorf("get experiment by name: %w", err)
	}
	return &e, nil
}

func (s *TrackingStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `INSERT INTO experiment (name) VALUES ($1) RETURNING id::text`, name).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("experiment %q already exists", name)
		}
		return "", fmt.Errorf("create experiment: %w", err)
	}
	return id, nil
}

// ============================================================================
// Runs
// ============================================================================

func (s *TrackingStore) CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (*domain.Run, error) {
	expID, err := strconv.ParseInt(experimentID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, experimentID)
	}
	run := &domain.Run{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		ExperimentID: experimentID,
		Name:         runName,
		Status:       domain.RunStatusRunning,
		StartTime:    time.Now().UTC(),
		Params:       map[string]string{},
		Metrics:      map[string]float64{},
		Tags:         map[string]string{},
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO run (id, experiment_id, name, status, start_time)
			VALUES ($1, $2, $3, $4, $5)
		`, run.ID, expID, runName, string(run.Status), run.StartTime)
		if err != nil {
			return err
		}
		return upsertTags(ctx, tx, run.ID, tags)
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	for k, v := range tags {
		run.Tags[k] = v
	}
	return run, nil
}

// LogBatch writes params, metrics and tags in one transaction. A param
// already logged with a different value fails the batch.
func (s *TrackingStore) LogBatch(ctx context.Context, runID string, params map[string]string, metrics map[string]float64, tags map[string]string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.lockRun(ctx, tx, runID); err != nil {
			return err
		}
		for k, v := range params {
			tag, err := tx.Exec(ctx, `
				INSERT INTO run_param (run_id, key, value) VALUES ($1, $2, $3)
				ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value
				WHERE run_param.value = EXCLUDED.value
			`, runID, k, v)
			if err != nil {
				return fmt.Errorf("log param %s: %w", k, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("param %s already logged with a different value", k)
			}
		}
		for k, v := range metrics {
			_, err := tx.Exec(ctx, `
				INSERT INTO run_metric (run_id, key, value) VALUES ($1, $2, $3)
				ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value, logged_at = NOW()
			`, runID, k, v)
			if err != nil {
				return fmt.Errorf("log metric %s: %w", k, err)
			}
		}
		return upsertTags(ctx, tx, runID, tags)
	})
}

func (s *TrackingStore) LogInputs(ctx context.Context, runID string, inputs []domain.DatasetInput) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.lockRun(ctx, tx, runID); err != nil {
			return err
		}
		for _, in := range inputs {
			_, err := tx.Exec(ctx, `
				INSERT INTO run_input (run_id, name, digest, source_type, source, schema, profile, context)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, runID, in.Name, in.Digest, in.SourceType, in.Source, in.Schema, in.Profile, in.Context)
			if err != nil {
				return fmt.Errorf("log input %s: %w", in.Name, err)
			}
		}
		return nil
	})
}

func (s *TrackingStore) LogArtifact(ctx context.Context, runID, localPath, artifactDir string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", localPath, err)
	}
	key := path.Join(artifactDir, filepath.Base(localPath))
	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_artifact (run_id, path, content) VALUES ($1, $2, $3)
		ON CONFLICT (run_id, path) DO UPDATE SET content = EXCLUDED.content, created_at = NOW()
	`, runID, key, body)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return fmt.Errorf("log artifact %s: %w", key, err)
	}
	return nil
}

func (s *TrackingStore) DownloadArtifact(ctx context.Context, runID, artifactPath string) ([]byte, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM run_artifact WHERE run_id = $1 AND path = $2`,
		runID, artifactPath).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrArtifactNotFound, runID, artifactPath)
		}
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	return body, nil
}

func (s *TrackingStore) FinishRun(ctx context.Context, runID string, status domain.RunStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE run SET status = $1, end_time = NOW() WHERE id = $2`, string(status), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return nil
}

func (s *TrackingStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.loadRun(ctx, runID)
}

func (s *TrackingStore) SearchRuns(ctx context.Context, search domain.RunSearch) ([]*domain.Run, error) {
	order, err := parseOrderBy(search.OrderBy)
	if err != nil {
		return nil, err
	}
	limit := search.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}

	var rows pgx.Rows
	if order == nil {
		rows, err = s.pool.Query(ctx, `
			SELECT r.id FROM run r
			WHERE r.experiment_id::text = ANY($1)
			ORDER BY r.start_time DESC, r.id
			LIMIT $2
		`, search.ExperimentIDs, limit)
	} else {
		rows, err = s.pool.Query(ctx, order.searchSQL(), search.ExperimentIDs, order.metric, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("search runs: %w", err)
	}

	out := make([]*domain.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.loadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *TrackingStore) lockRun(ctx context.Context, tx pgx.Tx, runID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM run WHERE id = $1 FOR UPDATE`, runID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return err
}

func (s *TrackingStore) loadRun(ctx context.Context, runID string) (*domain.Run, error) {
	run := &domain.Run{
		Params:  map[string]string{},
		Metrics: map[string]float64{},
		Tags:    map[string]string{},
	}
	var (
		status string
		end    *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, experiment_id::text, name, status, start_time, end_time
		FROM run WHERE id = $1
	`, runID).Scan(&run.ID, &run.ExperimentID, &run.Name, &status, &run.StartTime, &end)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = domain.RunStatus(status)
	if end != nil {
		run.EndTime = *end
	}

	if err := scanPairs(ctx, s.pool, `SELECT key, value FROM run_param WHERE run_id = $1`, runID, run.Params); err != nil {
		return nil, fmt.Errorf("get run params: %w", err)
	}
	if err := scanPairs(ctx, s.pool, `SELECT key, value FROM run_tag WHERE run_id = $1`, runID, run.Tags); err != nil {
		return nil, fmt.Errorf("get run tags: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT key, value FROM run_metric WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			v float64
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan run metric: %w", err)
		}
		run.Metrics[k] = v
	}
	return run, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanPairs(ctx context.Context, q querier, query string, arg any, into map[string]string) error {
	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		into[k] = v
	}
	return rows.Err()
}

func upsertTags(ctx context.Context, tx pgx.Tx, runID string, tags map[string]string) error {
	for k, v := range tags {
		_, err := tx.Exec(ctx, `
			INSERT INTO run_tag (run_id, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value
		`, runID, k, v)
		if err != nil {
			return fmt.Errorf("set tag %s: %w", k, err)
		}
	}
	return nil
}
