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

type RunReviewStore struct {
	db *sql.DB
}

func NewRunReviewStore(db *sql.DB) *RunReviewStore { return &RunReviewStore{db: db} }

func (s *RunReviewStore) Upsert(ctx context.Context, r *domain.RunReview) error {
	checklist, err := json.Marshal(r.Checklist)
	if err != nil {
		return fmt.Errorf("postgres: marshal review checklist: %w", err)
	}
	criticalFindings, err := json.Marshal(r.CriticalFindings)
	if err != nil {
		return fmt.Errorf("postgres: marshal review critical findings: %w", err)
	}
	artifactFindings, err := json.Marshal(r.ArtifactFindings)
	if err != nil {
		return fmt.Errorf("postgres: marshal review artifact findings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_reviews (
			run_id, reviewer, decision, checklist, summary, critical_findings,
			artifact_findings, attestation, reviewed_head_sha, writeback_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id) DO UPDATE SET
			reviewer = EXCLUDED.reviewer,
			decision = EXCLUDED.decision,
			checklist = EXCLUDED.checklist,
			summary = EXCLUDED.summary,
			critical_findings = EXCLUDED.critical_findings,
			artifact_findings = EXCLUDED.artifact_findings,
			attestation = EXCLUDED.attestation,
			reviewed_head_sha = EXCLUDED.reviewed_head_sha,
			writeback_status = EXCLUDED.writeback_status
	`, r.RunID, r.Reviewer, string(r.Decision), checklist, nullString(r.Summary), criticalFindings,
		artifactFindings, nullString(r.Attestation), nullString(r.ReviewedHeadSha), nullString(r.WritebackStatus))
	if err != nil {
		return fmt.Errorf("postgres: upsert run review: %w", err)
	}
	return nil
}

func (s *RunReviewStore) Get(ctx context.Context, runID string) (*domain.RunReview, error) {
	var r domain.RunReview
	var decision string
	var checklist, criticalFindings, artifactFindings []byte
	var summary, attestation, reviewedHeadSha, writebackStatus sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, reviewer, decision, checklist, summary, critical_findings,
			artifact_findings, attestation, reviewed_head_sha, writeback_status
		FROM run_reviews WHERE run_id = $1`, runID).Scan(
		&r.RunID, &r.Reviewer, &decision, &checklist, &summary, &criticalFindings,
		&artifactFindings, &attestation, &reviewedHeadSha, &writebackStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("no review for run %q", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run review: %w", err)
	}
	r.Decision = domain.ReviewDecision(decision)
	r.Summary = stringOrEmpty(summary)
	r.Attestation = stringOrEmpty(attestation)
	r.ReviewedHeadSha = stringOrEmpty(reviewedHeadSha)
	r.WritebackStatus = stringOrEmpty(writebackStatus)
	if len(checklist) > 0 {
		if err := json.Unmarshal(checklist, &r.Checklist); err != nil {
			return nil, fmt.Errorf("decode review checklist: %w", err)
		}
	}
	if len(criticalFindings) > 0 {
		if err := json.Unmarshal(criticalFindings, &r.CriticalFindings); err != nil {
			return nil, fmt.Errorf("decode review critical findings: %w", err)
		}
	}
	if len(artifactFindings) > 0 {
		if err := json.Unmarshal(artifactFindings, &r.ArtifactFindings); err != nil {
			return nil, fmt.Errorf("decode review artifact findings: %w", err)
		}
	}
	return &r, nil
}

func (s *RunReviewStore) SetWritebackStatus(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE run_reviews SET writeback_status = $2 WHERE run_id = $1`, runID, status)
	if err != nil {
		return fmt.Errorf("postgres: set review writeback status: %w", err)
	}
	return requireOneRowAffected(res, "run review", runID)
}
