package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

type ProjectStore struct {
	db *sql.DB
}

func NewProjectStore(db *sql.DB) *ProjectStore { return &ProjectStore{db: db} }

func (s *ProjectStore) Create(ctx context.Context, p *domain.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (
			id, name, namespace, default_branch, repo_full_name,
			default_environment_id, installation_ref, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, p.ID, p.Name, p.Namespace, p.DefaultBranch, nullString(p.RepoFullName),
		nullString(p.DefaultEnvironmentID), nullString(p.InstallationRef))
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.Conflict("project namespace %q is already in use", p.Namespace)
		}
		return fmt.Errorf("postgres: create project: %w", err)
	}
	return nil
}

func (s *ProjectStore) Get(ctx context.Context, id string) (*domain.Project, error) {
	return s.scanOne(ctx, `
		SELECT id, name, namespace, default_branch, repo_full_name,
			default_environment_id, installation_ref, created_at
		FROM projects WHERE id = $1`, id)
}

func (s *ProjectStore) GetByNamespace(ctx context.Context, namespace string) (*domain.Project, error) {
	return s.scanOne(ctx, `
		SELECT id, name, namespace, default_branch, repo_full_name,
			default_environment_id, installation_ref, created_at
		FROM projects WHERE namespace = $1`, namespace)
}

func (s *ProjectStore) scanOne(ctx context.Context, query string, arg string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var p domain.Project
	var repoFullName, defaultEnvironmentID, installationRef sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Namespace, &p.DefaultBranch, &repoFullName,
		&defaultEnvironmentID, &installationRef, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("project %q not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get project: %w", err)
	}
	p.RepoFullName = stringOrEmpty(repoFullName)
	p.DefaultEnvironmentID = stringOrEmpty(defaultEnvironmentID)
	p.InstallationRef = stringOrEmpty(installationRef)
	return &p, nil
}
