package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

type EnvironmentStore struct {
	db *sql.DB
}

func NewEnvironmentStore(db *sql.DB) *EnvironmentStore { return &EnvironmentStore{db: db} }

func (s *EnvironmentStore) Create(ctx context.Context, e *domain.Environment) error {
	requests, err := marshalResourceSpec(e.ResourceRequests)
	if err != nil {
		return err
	}
	limits, err := marshalResourceSpec(e.ResourceLimits)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO environments (
			id, name, kind, runner_image_ref, service_account,
			resource_requests, resource_limits, active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.Name, string(e.Kind), e.RunnerImageRef, nullString(e.ServiceAccount),
		requests, limits, e.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.Conflict("environment name %q is already in use", e.Name)
		}
		return fmt.Errorf("postgres: create environment: %w", err)
	}
	return nil
}

func (s *EnvironmentStore) Get(ctx context.Context, id string) (*domain.Environment, error) {
	return s.scanOne(ctx, `
		SELECT id, name, kind, runner_image_ref, service_account,
			resource_requests, resource_limits, active
		FROM environments WHERE id = $1`, id)
}

func (s *EnvironmentStore) GetByName(ctx context.Context, name string) (*domain.Environment, error) {
	return s.scanOne(ctx, `
		SELECT id, name, kind, runner_image_ref, service_account,
			resource_requests, resource_limits, active
		FROM environments WHERE name = $1`, name)
}

func (s *EnvironmentStore) ListActive(ctx context.Context) ([]*domain.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, runner_image_ref, service_account,
			resource_requests, resource_limits, active
		FROM environments WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active environments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Environment
	for rows.Next() {
		e, err := scanEnvironmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan environment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *EnvironmentStore) scanOne(ctx context.Context, query, arg string) (*domain.Environment, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	e, err := scanEnvironmentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("environment %q not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get environment: %w", err)
	}
	return e, nil
}

func scanEnvironmentRow(row rowScanner) (*domain.Environment, error) {
	var e domain.Environment
	var kind string
	var serviceAccount sql.NullString
	var requests, limits []byte
	if err := row.Scan(&e.ID, &e.Name, &kind, &e.RunnerImageRef, &serviceAccount,
		&requests, &limits, &e.Active); err != nil {
		return nil, err
	}
	e.Kind = domain.EnvironmentKind(kind)
	e.ServiceAccount = stringOrEmpty(serviceAccount)
	var err error
	if e.ResourceRequests, err = unmarshalResourceSpec(requests); err != nil {
		return nil, err
	}
	if e.ResourceLimits, err = unmarshalResourceSpec(limits); err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalResourceSpec(spec *domain.ResourceSpec) ([]byte, error) {
	if spec == nil {
		return []byte("null"), nil
	}
	return json.Marshal(spec)
}

func unmarshalResourceSpec(raw []byte) (*domain.ResourceSpec, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var spec domain.ResourceSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode resource spec: %w", err)
	}
	return &spec, nil
}
