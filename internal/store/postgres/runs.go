package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore { return &RunStore{db: db} }

func (s *RunStore) Create(ctx context.Context, r *domain.Run) error {
	snapshot, err := json.Marshal(r.EnvironmentSnapshot)
	if err != nil {
		return fmt.Errorf("postgres: marshal environment snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, project_id, attractor_def_id, attractor_content_path,
			attractor_content_version, attractor_content_sha256, environment_id,
			environment_snapshot, run_type, source_branch, target_branch, status,
			spec_bundle_id, linked_issue_ref
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, r.ID, r.ProjectID, r.AttractorDefID, r.AttractorContentPath, r.AttractorContentVersion,
		r.AttractorContentSha256, r.EnvironmentID, snapshot, string(r.RunType), r.SourceBranch,
		r.TargetBranch, string(r.Status), nullString(r.SpecBundleID), nullString(r.LinkedIssueRef))
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

const runSelect = `
	SELECT id, project_id, attractor_def_id, attractor_content_path,
		attractor_content_version, attractor_content_sha256, environment_id,
		environment_snapshot, run_type, source_branch, target_branch, status,
		spec_bundle_id, linked_issue_ref, linked_pull_request_ref, pr_url,
		started_at, finished_at, error
	FROM runs`

func (s *RunStore) Get(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	return r, nil
}

func (s *RunStore) ListByProject(ctx context.Context, projectID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, runSelect+`
		WHERE project_id = $1 ORDER BY id DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveImplementationRunID implements the branch-lock invariant's storage
// side: at most one QUEUED/RUNNING implementation run per
// (projectId, targetBranch) unless force bypasses the check upstream.
func (s *RunStore) ActiveImplementationRunID(ctx context.Context, projectID, targetBranch string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs
		WHERE project_id = $1 AND target_branch = $2 AND run_type = 'implementation'
			AND status IN ('QUEUED', 'RUNNING')
		LIMIT 1`, projectID, targetBranch).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: active implementation run: %w", err)
	}
	return id, nil
}

// TransitionStatus applies the run status state machine at the storage
// layer: the UPDATE's WHERE clause only matches rows whose current status
// legally transitions to "to", so a racing writer's UPDATE affects zero
// rows and is reported as a conflict rather than silently clobbering state.
func (s *RunStore) TransitionStatus(ctx context.Context, id string, to domain.RunStatus, startedAt, finishedAt *time.Time, errMsg string) error {
	allowedFrom := predecessorsOf(to)
	if len(allowedFrom) == 0 {
		return apierr.Validation("run status %q is not a legal transition target", to)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, started_at = COALESCE($3, started_at),
			finished_at = COALESCE($4, finished_at), error = $5
		WHERE id = $1 AND status = ANY($6)
	`, id, string(to), startedAt, finishedAt, nullString(errMsg), statusStrings(allowedFrom))
	if err != nil {
		return fmt.Errorf("postgres: transition run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return apierr.Conflict("run %q cannot transition to %s from its current status", id, to)
	}
	return nil
}

func (s *RunStore) SetSpecBundleID(ctx context.Context, id, specBundleID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET spec_bundle_id = $2 WHERE id = $1`, id, specBundleID)
	if err != nil {
		return fmt.Errorf("postgres: set run spec bundle id: %w", err)
	}
	return requireOneRowAffected(res, "run", id)
}

func (s *RunStore) SetPullRequestRef(ctx context.Context, id, linkedPullRequestRef, prURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET linked_pull_request_ref = $2, pr_url = $3 WHERE id = $1`,
		id, nullString(linkedPullRequestRef), nullString(prURL))
	if err != nil {
		return fmt.Errorf("postgres: set run pull request ref: %w", err)
	}
	return requireOneRowAffected(res, "run", id)
}

// SetLinkedIssueRef mirrors an issue reference discovered in the
// implementation text (or commit body) onto the run, after Create has
// already run.
func (s *RunStore) SetLinkedIssueRef(ctx context.Context, id, linkedIssueRef string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET linked_issue_ref = $2 WHERE id = $1`, id, nullString(linkedIssueRef))
	if err != nil {
		return fmt.Errorf("postgres: set run linked issue ref: %w", err)
	}
	return requireOneRowAffected(res, "run", id)
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var r domain.Run
	var status, runType string
	var snapshot []byte
	var specBundleID, linkedIssueRef, linkedPullRequestRef, prURL, errMsg sql.NullString
	if err := row.Scan(&r.ID, &r.ProjectID, &r.AttractorDefID, &r.AttractorContentPath,
		&r.AttractorContentVersion, &r.AttractorContentSha256, &r.EnvironmentID, &snapshot,
		&runType, &r.SourceBranch, &r.TargetBranch, &status, &specBundleID, &linkedIssueRef,
		&linkedPullRequestRef, &prURL, &r.StartedAt, &r.FinishedAt, &errMsg); err != nil {
		return nil, err
	}
	r.RunType = domain.RunType(runType)
	r.Status = domain.RunStatus(status)
	r.SpecBundleID = stringOrEmpty(specBundleID)
	r.LinkedIssueRef = stringOrEmpty(linkedIssueRef)
	r.LinkedPullRequestRef = stringOrEmpty(linkedPullRequestRef)
	r.PrURL = stringOrEmpty(prURL)
	r.Error = stringOrEmpty(errMsg)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &r.EnvironmentSnapshot); err != nil {
			return nil, fmt.Errorf("decode environment snapshot: %w", err)
		}
	}
	return &r, nil
}

// predecessorsOf returns the statuses from which "to" is a legal
// transition target, mirroring domain.allowedTransitions's inverse.
func predecessorsOf(to domain.RunStatus) []domain.RunStatus {
	var out []domain.RunStatus
	for _, from := range []domain.RunStatus{domain.RunStatusQueued, domain.RunStatusRunning} {
		if domain.CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func statusStrings(statuses []domain.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
