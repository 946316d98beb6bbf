package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

type AttractorDefStore struct {
	db *sql.DB
}

func NewAttractorDefStore(db *sql.DB) *AttractorDefStore { return &AttractorDefStore{db: db} }

func (s *AttractorDefStore) Create(ctx context.Context, d *domain.AttractorDef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attractor_defs (
			id, project_id, scope, name, content_path, content_version,
			default_run_type, model_provider, model_name, model_reasoning,
			model_temperature, model_max_tokens, active, description
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, d.ID, nullString(d.ProjectID), string(d.Scope), d.Name, d.ContentPath, d.ContentVersion,
		string(d.DefaultRunType), d.ModelConfig.Provider, d.ModelConfig.Model,
		nullString(d.ModelConfig.Reasoning), d.ModelConfig.Temperature, d.ModelConfig.MaxTokens,
		d.Active, nullString(d.Description))
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.Conflict("attractor (projectId=%s, name=%s, scope=%s) already exists", d.ProjectID, d.Name, d.Scope)
		}
		return fmt.Errorf("postgres: create attractor def: %w", err)
	}
	return nil
}

func (s *AttractorDefStore) Get(ctx context.Context, id string) (*domain.AttractorDef, error) {
	row := s.db.QueryRowContext(ctx, attractorDefSelect+` WHERE id = $1`, id)
	return scanAttractorDef(row, id)
}

func (s *AttractorDefStore) GetByProjectNameScope(ctx context.Context, projectID, name string, scope domain.Scope) (*domain.AttractorDef, error) {
	row := s.db.QueryRowContext(ctx, attractorDefSelect+`
		WHERE project_id = $1 AND name = $2 AND scope = $3`, projectID, name, string(scope))
	return scanAttractorDef(row, name)
}

func (s *AttractorDefStore) ListByProject(ctx context.Context, projectID string) ([]*domain.AttractorDef, error) {
	rows, err := s.db.QueryContext(ctx, attractorDefSelect+`
		WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list attractor defs: %w", err)
	}
	defer rows.Close()

	var out []*domain.AttractorDef
	for rows.Next() {
		d, err := scanAttractorDefRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan attractor def: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *AttractorDefStore) UpdateContentPointer(ctx context.Context, id, contentPath string, version int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attractor_defs SET content_path = $2, content_version = $3 WHERE id = $1`,
		id, contentPath, version)
	if err != nil {
		return fmt.Errorf("postgres: update attractor content pointer: %w", err)
	}
	return requireOneRowAffected(res, "attractor def", id)
}

func (s *AttractorDefStore) UpsertGlobalMirror(ctx context.Context, d *domain.AttractorDef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attractor_defs (
			id, project_id, scope, name, content_path, content_version,
			default_run_type, model_provider, model_name, model_reasoning,
			model_temperature, model_max_tokens, active, description
		) VALUES ($1,$2,'GLOBAL',$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (project_id, name, scope) DO UPDATE SET
			content_path = EXCLUDED.content_path,
			content_version = EXCLUDED.content_version,
			default_run_type = EXCLUDED.default_run_type,
			model_provider = EXCLUDED.model_provider,
			model_name = EXCLUDED.model_name,
			model_reasoning = EXCLUDED.model_reasoning,
			model_temperature = EXCLUDED.model_temperature,
			model_max_tokens = EXCLUDED.model_max_tokens,
			active = EXCLUDED.active,
			description = EXCLUDED.description
	`, d.ID, d.ProjectID, d.Name, d.ContentPath, d.ContentVersion,
		string(d.DefaultRunType), d.ModelConfig.Provider, d.ModelConfig.Model,
		nullString(d.ModelConfig.Reasoning), d.ModelConfig.Temperature, d.ModelConfig.MaxTokens,
		d.Active, nullString(d.Description))
	if err != nil {
		return fmt.Errorf("postgres: upsert global attractor mirror: %w", err)
	}
	return nil
}

const attractorDefSelect = `
	SELECT id, project_id, scope, name, content_path, content_version,
		default_run_type, model_provider, model_name, model_reasoning,
		model_temperature, model_max_tokens, active, description
	FROM attractor_defs`

func scanAttractorDef(row rowScanner, ref string) (*domain.AttractorDef, error) {
	d, err := scanAttractorDefRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("attractor def %q not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get attractor def: %w", err)
	}
	return d, nil
}

func scanAttractorDefRow(row rowScanner) (*domain.AttractorDef, error) {
	var d domain.AttractorDef
	var projectID, reasoning, description sql.NullString
	var scope, runType string
	if err := row.Scan(&d.ID, &projectID, &scope, &d.Name, &d.ContentPath, &d.ContentVersion,
		&runType, &d.ModelConfig.Provider, &d.ModelConfig.Model, &reasoning,
		&d.ModelConfig.Temperature, &d.ModelConfig.MaxTokens, &d.Active, &description); err != nil {
		return nil, err
	}
	d.ProjectID = stringOrEmpty(projectID)
	d.Scope = domain.Scope(scope)
	d.DefaultRunType = domain.RunType(runType)
	d.ModelConfig.Reasoning = stringOrEmpty(reasoning)
	d.Description = stringOrEmpty(description)
	return &d, nil
}

func requireOneRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return apierr.NotFound("%s %q not found", kind, id)
	}
	return nil
}

// GlobalAttractorStore persists GlobalAttractor rows.
type GlobalAttractorStore struct {
	db *sql.DB
}

func NewGlobalAttractorStore(db *sql.DB) *GlobalAttractorStore { return &GlobalAttractorStore{db: db} }

func (s *GlobalAttractorStore) Create(ctx context.Context, g *domain.GlobalAttractor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_attractors (id, name, content_path, content_version)
		VALUES ($1,$2,$3,$4)`, g.ID, g.Name, g.ContentPath, g.ContentVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.Conflict("global attractor name %q already exists", g.Name)
		}
		return fmt.Errorf("postgres: create global attractor: %w", err)
	}
	return nil
}

func (s *GlobalAttractorStore) Get(ctx context.Context, id string) (*domain.GlobalAttractor, error) {
	return s.scanOne(ctx, `SELECT id, name, content_path, content_version FROM global_attractors WHERE id = $1`, id)
}

func (s *GlobalAttractorStore) GetByName(ctx context.Context, name string) (*domain.GlobalAttractor, error) {
	return s.scanOne(ctx, `SELECT id, name, content_path, content_version FROM global_attractors WHERE name = $1`, name)
}

func (s *GlobalAttractorStore) scanOne(ctx context.Context, query, arg string) (*domain.GlobalAttractor, error) {
	var g domain.GlobalAttractor
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&g.ID, &g.Name, &g.ContentPath, &g.ContentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("global attractor %q not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get global attractor: %w", err)
	}
	return &g, nil
}

func (s *GlobalAttractorStore) UpdateContentPointer(ctx context.Context, id, contentPath string, version int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE global_attractors SET content_path = $2, content_version = $3 WHERE id = $1`,
		id, contentPath, version)
	if err != nil {
		return fmt.Errorf("postgres: update global attractor content pointer: %w", err)
	}
	return requireOneRowAffected(res, "global attractor", id)
}

// ContentVersionStore persists AttractorDefVersion/GlobalAttractorVersion
// rows; table selects which parent kind this instance serves.
type ContentVersionStore struct {
	db    *sql.DB
	table string
}

func NewAttractorDefVersionStore(db *sql.DB) *ContentVersionStore {
	return &ContentVersionStore{db: db, table: "attractor_def_versions"}
}

func NewGlobalAttractorVersionStore(db *sql.DB) *ContentVersionStore {
	return &ContentVersionStore{db: db, table: "global_attractor_versions"}
}

func (s *ContentVersionStore) Latest(ctx context.Context, parentID string) (*domain.ContentVersionRow, error) {
	query := fmt.Sprintf(`
		SELECT parent_id, version, content_path, content_sha256, size_bytes
		FROM %s WHERE parent_id = $1 ORDER BY version DESC LIMIT 1`, s.table)
	var row domain.ContentVersionRow
	err := s.db.QueryRowContext(ctx, query, parentID).Scan(
		&row.ParentID, &row.Version, &row.ContentPath, &row.ContentSha256, &row.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: latest content version: %w", err)
	}
	return &row, nil
}

func (s *ContentVersionStore) Insert(ctx context.Context, row domain.ContentVersionRow) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (parent_id, version, content_path, content_sha256, size_bytes)
		VALUES ($1,$2,$3,$4,$5)`, s.table)
	_, err := s.db.ExecContext(ctx, query, row.ParentID, row.Version, row.ContentPath, row.ContentSha256, row.SizeBytes)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.Conflict("content version (%s, %d) already exists", row.ParentID, row.Version)
		}
		return fmt.Errorf("postgres: insert content version: %w", err)
	}
	return nil
}

func (s *ContentVersionStore) Get(ctx context.Context, parentID string, version int) (*domain.ContentVersionRow, error) {
	query := fmt.Sprintf(`
		SELECT parent_id, version, content_path, content_sha256, size_bytes
		FROM %s WHERE parent_id = $1 AND version = $2`, s.table)
	var row domain.ContentVersionRow
	err := s.db.QueryRowContext(ctx, query, parentID, version).Scan(
		&row.ParentID, &row.Version, &row.ContentPath, &row.ContentSha256, &row.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("content version (%s, %d) not found", parentID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get content version: %w", err)
	}
	return &row, nil
}

func (s *ContentVersionStore) List(ctx context.Context, parentID string) ([]domain.ContentVersionRow, error) {
	query := fmt.Sprintf(`
		SELECT parent_id, version, content_path, content_sha256, size_bytes
		FROM %s WHERE parent_id = $1 ORDER BY version`, s.table)
	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list content versions: %w", err)
	}
	defer rows.Close()

	var out []domain.ContentVersionRow
	for rows.Next() {
		var row domain.ContentVersionRow
		if err := rows.Scan(&row.ParentID, &row.Version, &row.ContentPath, &row.ContentSha256, &row.SizeBytes); err != nil {
			return nil, fmt.Errorf("postgres: scan content version: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
