package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"model-retrain-service/internal/core/domain"
)

func (s *TrackingStore) CreateRegisteredModel(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO registered_model (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("create registered model: %w", err)
	}
	return nil
}

// CreateModelVersion assigns the next version number under a row lock on
// the registered model.
func (s *TrackingStore) CreateModelVersion(ctx context.Context, name, source, runID string) (*domain.ModelVersion, error) {
	var (
		version   int
		createdAt time.Time
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT name FROM registered_model WHERE name = $1 FOR UPDATE`, name).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("registered model %s does not exist", name)
			}
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO model_version (model_name, version, source, run_id)
			SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3
			FROM model_version WHERE model_name = $1
			RETURNING version, created_at
		`, name, source, runID).Scan(&version, &createdAt)
	})
	if err != nil {
		return nil, fmt.Errorf("create model version: %w", err)
	}

	return &domain.ModelVersion{
		Name:      name,
		Version:   strconv.Itoa(version),
		Source:    source,
		RunID:     runID,
		Status:    "READY",
		Tags:      map[string]string{},
		CreatedAt: createdAt,
	}, nil
}

func (s *TrackingStore) SetModelVersionTag(ctx context.Context, name, version, key, value string) error {
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO model_version_tag (model_name, version, key, value) VALUES ($1, $2, $3, $4)
		ON CONFLICT (model_name, version, key) DO UPDATE SET value = EXCLUDED.value
	`, name, v, key, value)
	if err != nil {
		return fmt.Errorf("set model version tag: %w", err)
	}
	return nil
}

func (s *TrackingStore) GetModelVersionByAlias(ctx context.Context, name, alias string) (*domain.ModelVersion, error) {
	var (
		version int
		mv      = domain.ModelVersion{Name: name, Tags: map[string]string{}}
	)
	err := s.pool.QueryRow(ctx, `
		SELECT mv.version, mv.source, mv.run_id, mv.status, mv.created_at
		FROM registered_model_alias a
		JOIN model_version mv ON mv.model_name = a.model_name AND mv.version = a.version
		WHERE a.model_name = $1 AND a.alias = $2
	`, name, alias).Scan(&version, &mv.Source, &mv.RunID, &mv.Status, &mv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s@%s", domain.ErrAliasNotFound, name, alias)
		}
		return nil, fmt.Errorf("get model version by alias: %w", err)
	}
	mv.Version = strconv.Itoa(version)

	rows, err := s.pool.Query(ctx, `
		SELECT key, value FROM model_version_tag WHERE model_name = $1 AND version = $2
	`, name, version)
	if err != nil {
		return nil, fmt.Errorf("get model version tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan model version tag: %w", err)
		}
		mv.Tags[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	aliasRows, err := s.pool.Query(ctx, `
		SELECT alias FROM registered_model_alias WHERE model_name = $1 AND version = $2 ORDER BY alias
	`, name, version)
	if err != nil {
		return nil, fmt.Errorf("get model version aliases: %w", err)
	}
	mv.Aliases, err = pgx.CollectRows(aliasRows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("get model version aliases: %w", err)
	}
	return &mv, nil
}

func (s *TrackingStore) SetRegisteredModelAlias(ctx context.Context, name, alias, version string) error {
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO registered_model_alias (model_name, alias, version) VALUES ($1, $2, $3)
		ON CONFLICT (model_name, alias) DO UPDATE SET version = EXCLUDED.version
	`, name, alias, v)
	if err != nil {
		return fmt.Errorf("set registered model alias: %w", err)
	}
	return nil
}

func (s *TrackingStore) DeleteRegisteredModelAlias(ctx context.Context, name, alias string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM registered_model_alias WHERE model_name = $1 AND alias = $2`, name, alias)
	if err != nil {
		return fmt.Errorf("delete registered model alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s@%s", domain.ErrAliasNotFound, name, alias)
	}
	return nil
}

func parseVersion(version string) (int, error) {
	v, err := strconv.Atoi(version)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid model version %q", version)
	}
	return v, nil
}
