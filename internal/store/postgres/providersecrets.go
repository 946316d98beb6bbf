package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

type ProviderSecretStore struct {
	db *sql.DB
}

func NewProviderSecretStore(db *sql.DB) *ProviderSecretStore { return &ProviderSecretStore{db: db} }

func (s *ProviderSecretStore) Upsert(ctx context.Context, secret *domain.ProviderSecret) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_secrets (id, scope, project_id, provider, secret_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (scope, project_id, provider) DO UPDATE SET secret_ref = EXCLUDED.secret_ref
	`, secret.ID, string(secret.Scope), nullString(secret.ProjectID), secret.Provider, secret.SecretRef)
	if err != nil {
		return fmt.Errorf("postgres: upsert provider secret: %w", err)
	}
	return nil
}

// EffectiveSecret tries PROJECT scope first and falls back to GLOBAL,
// matching the create-run precondition's project-overrides-global rule.
func (s *ProviderSecretStore) EffectiveSecret(ctx context.Context, projectID, provider string) (*domain.ProviderSecret, error) {
	if projectID != "" {
		secret, err := s.scanOne(ctx, `
			SELECT id, scope, project_id, provider, secret_ref, created_at
			FROM provider_secrets WHERE scope = 'PROJECT' AND project_id = $1 AND provider = $2`,
			projectID, provider)
		if err == nil {
			return secret, nil
		}
		if !apierr.Is(err, apierr.KindNotFound) {
			return nil, err
		}
	}
	secret, err := s.scanOne(ctx, `
		SELECT id, scope, project_id, provider, secret_ref, created_at
		FROM provider_secrets WHERE scope = 'GLOBAL' AND provider = $1`, provider)
	if err != nil {
		if apierr.Is(err, apierr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return secret, nil
}

func (s *ProviderSecretStore) scanOne(ctx context.Context, query string, args ...any) (*domain.ProviderSecret, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var secret domain.ProviderSecret
	var scope string
	var projectID sql.NullString
	if err := row.Scan(&secret.ID, &scope, &projectID, &secret.Provider, &secret.SecretRef, &secret.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("provider secret not found")
		}
		return nil, fmt.Errorf("postgres: scan provider secret: %w", err)
	}
	secret.Scope = domain.Scope(scope)
	secret.ProjectID = stringOrEmpty(projectID)
	return &secret, nil
}
