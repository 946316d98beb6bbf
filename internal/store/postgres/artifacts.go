package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

type ArtifactStore struct {
	db *sql.DB
}

func NewArtifactStore(db *sql.DB) *ArtifactStore { return &ArtifactStore{db: db} }

func (s *ArtifactStore) Insert(ctx context.Context, a *domain.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, key, path, content_type, size_bytes)
		VALUES ($1,$2,$3,$4,$5,$6)`, a.ID, a.RunID, a.Key, a.Path, nullString(a.ContentType), a.SizeBytes)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.Conflict("artifact key %q already registered for run %q", a.Key, a.RunID)
		}
		return fmt.Errorf("postgres: insert artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStore) ListByRun(ctx context.Context, runID string) ([]*domain.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, key, path, content_type, size_bytes FROM artifacts
		WHERE run_id = $1 ORDER BY key`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ArtifactStore) ExistingKeys(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM artifacts WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list artifact keys: %w", err)
	}
	defer rows.Close()

	keys := map[string]bool{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("postgres: scan artifact key: %w", err)
		}
		keys[key] = true
	}
	return keys, rows.Err()
}

func scanArtifact(row rowScanner) (*domain.Artifact, error) {
	var a domain.Artifact
	var contentType sql.NullString
	if err := row.Scan(&a.ID, &a.RunID, &a.Key, &a.Path, &contentType, &a.SizeBytes); err != nil {
		return nil, err
	}
	a.ContentType = stringOrEmpty(contentType)
	return &a, nil
}
