package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

type SpecBundleStore struct {
	db *sql.DB
}

func NewSpecBundleStore(db *sql.DB) *SpecBundleStore { return &SpecBundleStore{db: db} }

func (s *SpecBundleStore) Create(ctx context.Context, b *domain.SpecBundle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spec_bundles (id, run_id, schema_version, manifest_path)
		VALUES ($1,$2,$3,$4)`, b.ID, b.RunID, b.SchemaVersion, b.ManifestPath)
	if err != nil {
		return fmt.Errorf("postgres: create spec bundle: %w", err)
	}
	return nil
}

func (s *SpecBundleStore) Get(ctx context.Context, id string) (*domain.SpecBundle, error) {
	return s.scanOne(ctx, `SELECT id, run_id, schema_version, manifest_path FROM spec_bundles WHERE id = $1`, id)
}

func (s *SpecBundleStore) GetByRun(ctx context.Context, runID string) (*domain.SpecBundle, error) {
	return s.scanOne(ctx, `SELECT id, run_id, schema_version, manifest_path FROM spec_bundles WHERE run_id = $1`, runID)
}

func (s *SpecBundleStore) scanOne(ctx context.Context, query, arg string) (*domain.SpecBundle, error) {
	var b domain.SpecBundle
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&b.ID, &b.RunID, &b.SchemaVersion, &b.ManifestPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("spec bundle %q not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get spec bundle: %w", err)
	}
	return &b, nil
}
