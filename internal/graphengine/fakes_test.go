package graphengine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/attractor-run/control-plane/internal/domain"
)

type fakeCheckpoints struct {
	mu  sync.Mutex
	row *domain.RunCheckpoint
}

func (f *fakeCheckpoints) Upsert(ctx context.Context, c *domain.RunCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.row = &cp
	return nil
}

func (f *fakeCheckpoints) Get(ctx context.Context, runID string) (*domain.RunCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.row == nil || f.row.RunID != runID {
		return nil, nil
	}
	cp := *f.row
	return &cp, nil
}

type fakeNodeOutcomes struct {
	mu       sync.Mutex
	rows     []*domain.RunNodeOutcome
	attempts map[string]int
}

func newFakeNodeOutcomes() *fakeNodeOutcomes {
	return &fakeNodeOutcomes{attempts: map[string]int{}}
}

func (f *fakeNodeOutcomes) Insert(ctx context.Context, o *domain.RunNodeOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := *o
	f.rows = append(f.rows, &row)
	return nil
}

func (f *fakeNodeOutcomes) ListByRun(ctx context.Context, runID string) ([]*domain.RunNodeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.RunNodeOutcome
	for _, r := range f.rows {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeNodeOutcomes) NextAttempt(ctx context.Context, runID, nodeID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "/" + nodeID
	f.attempts[key]++
	return f.attempts[key], nil
}

type fakeQuestions struct {
	mu   sync.Mutex
	rows map[string]*domain.RunQuestion
}

func newFakeQuestions() *fakeQuestions {
	return &fakeQuestions{rows: map[string]*domain.RunQuestion{}}
}

func (f *fakeQuestions) key(runID, nodeID, prompt string) string {
	return runID + "|" + nodeID + "|" + prompt
}

func (f *fakeQuestions) GetOrCreatePending(ctx context.Context, q *domain.RunQuestion) (*domain.RunQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(q.RunID, q.NodeID, q.Prompt)
	if existing, ok := f.rows[k]; ok && existing.Status == domain.QuestionPending {
		return existing, nil
	}
	row := *q
	f.rows[k] = &row
	return &row, nil
}

func (f *fakeQuestions) GetAnswered(ctx context.Context, runID, nodeID, prompt string) (*domain.RunQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[f.key(runID, nodeID, prompt)]
	if !ok || row.Status != domain.QuestionAnswered {
		return nil, nil
	}
	r := *row
	return &r, nil
}

func (f *fakeQuestions) Get(ctx context.Context, id string) (*domain.RunQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			r := *row
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeQuestions) Answer(ctx context.Context, id, answer string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			if row.Status == domain.QuestionAnswered {
				return nil
			}
			row.Status = domain.QuestionAnswered
			row.Answer = answer
			row.AnsweredAt = &at
			return nil
		}
	}
	return nil
}

func (f *fakeQuestions) Timeout(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			row.Status = domain.QuestionTimedOut
			return nil
		}
	}
	return nil
}

type fakeArtifacts struct {
	mu   sync.Mutex
	rows []*domain.Artifact
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{}
}

func (f *fakeArtifacts) Insert(ctx context.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := *a
	f.rows = append(f.rows, &row)
	return nil
}

func (f *fakeArtifacts) ListByRun(ctx context.Context, runID string) ([]*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Artifact
	for _, r := range f.rows {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeArtifacts) ExistingKeys(ctx context.Context, runID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, r := range f.rows {
		if r.RunID == runID {
			out[r.Key] = true
		}
	}
	return out, nil
}

type fakeObjects struct {
	mu      sync.Mutex
	written map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{written: map[string][]byte{}}
}

func (f *fakeObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	buf, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[key] = buf
	return nil
}

type fakeCanceler struct {
	mu        sync.Mutex
	requested bool
}

func (f *fakeCanceler) CancelRequested(ctx context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested, nil
}

func (f *fakeCanceler) cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = true
}

type scriptedModelCaller struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req ModelRequest) (ModelResponse, error)
}

func (s *scriptedModelCaller) Call(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call, req)
}

type scriptedToolRunner struct {
	fn func(req ToolRequest) (ToolResponse, error)
}

func (s *scriptedToolRunner) Run(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	return s.fn(req)
}
