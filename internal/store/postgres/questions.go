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

type RunQuestionStore struct {
	db *sql.DB
}

func NewRunQuestionStore(db *sql.DB) *RunQuestionStore { return &RunQuestionStore{db: db} }

const questionSelect = `
	SELECT id, run_id, node_id, prompt, options, status, answer, created_at, answered_at
	FROM run_questions`

// GetOrCreatePending implements the §4.6 idempotent re-registration rule:
// a PENDING row with the same (runId, nodeId, prompt) is reused rather than
// duplicated, which matters when the engine resumes from a checkpoint that
// re-enters the same human node.
func (s *RunQuestionStore) GetOrCreatePending(ctx context.Context, q *domain.RunQuestion) (*domain.RunQuestion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin get-or-create question: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanQuestion(tx.QueryRowContext(ctx, questionSelect+`
		WHERE run_id = $1 AND node_id = $2 AND prompt = $3 AND status = 'PENDING'`,
		q.RunID, q.NodeID, q.Prompt))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: lookup pending question: %w", err)
	}

	options, err := marshalOptions(q.Options)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_questions (id, run_id, node_id, prompt, options, status, created_at)
		VALUES ($1,$2,$3,$4,$5,'PENDING',$6)`,
		q.ID, q.RunID, q.NodeID, q.Prompt, options, q.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert run question: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit run question insert: %w", err)
	}
	q.Status = domain.QuestionPending
	return q, nil
}

func (s *RunQuestionStore) GetAnswered(ctx context.Context, runID, nodeID, prompt string) (*domain.RunQuestion, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx, questionSelect+`
		WHERE run_id = $1 AND node_id = $2 AND prompt = $3 AND status = 'ANSWERED' AND answer <> ''`,
		runID, nodeID, prompt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get answered question: %w", err)
	}
	return q, nil
}

func (s *RunQuestionStore) Get(ctx context.Context, id string) (*domain.RunQuestion, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx, questionSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("run question %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run question: %w", err)
	}
	return q, nil
}

// Answer transitions a PENDING question to ANSWERED. Re-answering an
// already-ANSWERED row is a no-op: the WHERE clause only matches PENDING
// rows, so a second call affects zero rows and returns nil rather than an
// error, per the round-trip property that answering twice never reopens
// the question.
func (s *RunQuestionStore) Answer(ctx context.Context, id, answer string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_questions SET status = 'ANSWERED', answer = $2, answered_at = $3
		WHERE id = $1 AND status = 'PENDING'`, id, answer, at)
	if err != nil {
		return fmt.Errorf("postgres: answer run question: %w", err)
	}
	return nil
}

func (s *RunQuestionStore) Timeout(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_questions SET status = 'TIMEOUT', answered_at = $2
		WHERE id = $1 AND status = 'PENDING'`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: timeout run question: %w", err)
	}
	return nil
}

func scanQuestion(row rowScanner) (*domain.RunQuestion, error) {
	var q domain.RunQuestion
	var status string
	var options []byte
	var answer sql.NullString
	var answeredAt sql.NullTime
	if err := row.Scan(&q.ID, &q.RunID, &q.NodeID, &q.Prompt, &options, &status,
		&answer, &q.CreatedAt, &answeredAt); err != nil {
		return nil, err
	}
	q.Status = domain.RunQuestionStatus(status)
	q.Answer = stringOrEmpty(answer)
	if answeredAt.Valid {
		t := answeredAt.Time
		q.AnsweredAt = &t
	}
	opts, err := unmarshalOptions(options)
	if err != nil {
		return nil, err
	}
	q.Options = opts
	return &q, nil
}

func marshalOptions(options []string) ([]byte, error) {
	if options == nil {
		return []byte("null"), nil
	}
	return json.Marshal(options)
}

func unmarshalOptions(raw []byte) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var options []string
	if err := json.Unmarshal(raw, &options); err != nil {
		return nil, fmt.Errorf("decode question options: %w", err)
	}
	return options, nil
}
