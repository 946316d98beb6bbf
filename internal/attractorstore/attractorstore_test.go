package attractorstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

const validDOT = `digraph plan { a [type=start]; b [type=terminal]; a -> b; }`
const validDOTv2 = `digraph plan { a [type=start]; b [type=tool, tool="echo hi"]; c [type=terminal]; a -> b; b -> c; }`

type fakeContentVersions struct {
	rows map[string][]domain.ContentVersionRow
}

func newFakeContentVersions() *fakeContentVersions {
	return &fakeContentVersions{rows: map[string][]domain.ContentVersionRow{}}
}

func (f *fakeContentVersions) Latest(ctx context.Context, parentID string) (*domain.ContentVersionRow, error) {
	rows := f.rows[parentID]
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[len(rows)-1]
	return &row, nil
}

func (f *fakeContentVersions) Insert(ctx context.Context, row domain.ContentVersionRow) error {
	f.rows[row.ParentID] = append(f.rows[row.ParentID], row)
	return nil
}

func (f *fakeContentVersions) Get(ctx context.Context, parentID string, version int) (*domain.ContentVersionRow, error) {
	for _, row := range f.rows[parentID] {
		if row.Version == version {
			r := row
			return &r, nil
		}
	}
	return nil, apierr.NotFound("content version %d for %s not found", version, parentID)
}

func (f *fakeContentVersions) List(ctx context.Context, parentID string) ([]domain.ContentVersionRow, error) {
	return append([]domain.ContentVersionRow{}, f.rows[parentID]...), nil
}

type fakeAttractorDefs struct {
	byID    map[string]*domain.AttractorDef
	mirrors int
}

func newFakeAttractorDefs() *fakeAttractorDefs {
	return &fakeAttractorDefs{byID: map[string]*domain.AttractorDef{}}
}

func (f *fakeAttractorDefs) Create(ctx context.Context, d *domain.AttractorDef) error {
	f.byID[d.ID] = d
	return nil
}

func (f *fakeAttractorDefs) Get(ctx context.Context, id string) (*domain.AttractorDef, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, apierr.NotFound("attractor def %s not found", id)
	}
	return d, nil
}

func (f *fakeAttractorDefs) GetByProjectNameScope(ctx context.Context, projectID, name string, scope domain.Scope) (*domain.AttractorDef, error) {
	for _, d := range f.byID {
		if d.ProjectID == projectID && d.Name == name && d.Scope == scope {
			return d, nil
		}
	}
	return nil, apierr.NotFound("attractor def %s/%s/%s not found", projectID, scope, name)
}

func (f *fakeAttractorDefs) ListByProject(ctx context.Context, projectID string) ([]*domain.AttractorDef, error) {
	var out []*domain.AttractorDef
	for _, d := range f.byID {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeAttractorDefs) UpdateContentPointer(ctx context.Context, id, contentPath string, version int) error {
	d, ok := f.byID[id]
	if !ok {
		return apierr.NotFound("attractor def %s not found", id)
	}
	d.ContentPath = contentPath
	d.ContentVersion = version
	return nil
}

func (f *fakeAttractorDefs) UpsertGlobalMirror(ctx context.Context, d *domain.AttractorDef) error {
	f.mirrors++
	for _, existing := range f.byID {
		if existing.ProjectID == d.ProjectID && existing.Name == d.Name && existing.Scope == domain.ScopeGlobal {
			existing.ContentPath = d.ContentPath
			existing.ContentVersion = d.ContentVersion
			existing.Description = d.Description
			return nil
		}
	}
	f.byID[d.ID] = d
	return nil
}

type fakeGlobalAttractors struct {
	byID map[string]*domain.GlobalAttractor
}

func newFakeGlobalAttractors() *fakeGlobalAttractors {
	return &fakeGlobalAttractors{byID: map[string]*domain.GlobalAttractor{}}
}

func (f *fakeGlobalAttractors) Create(ctx context.Context, g *domain.GlobalAttractor) error {
	f.byID[g.ID] = g
	return nil
}

func (f *fakeGlobalAttractors) Get(ctx context.Context, id string) (*domain.GlobalAttractor, error) {
	g, ok := f.byID[id]
	if !ok {
		return nil, apierr.NotFound("global attractor %s not found", id)
	}
	return g, nil
}

func (f *fakeGlobalAttractors) GetByName(ctx context.Context, name string) (*domain.GlobalAttractor, error) {
	for _, g := range f.byID {
		if g.Name == name {
			return g, nil
		}
	}
	return nil, apierr.NotFound("global attractor %q not found", name)
}

func (f *fakeGlobalAttractors) UpdateContentPointer(ctx context.Context, id, contentPath string, version int) error {
	g, ok := f.byID[id]
	if !ok {
		return apierr.NotFound("global attractor %s not found", id)
	}
	g.ContentPath = contentPath
	g.ContentVersion = version
	return nil
}

type fakeBlobWriter struct {
	writes int
	blobs  map[string][]byte
}

func newFakeBlobWriter() *fakeBlobWriter {
	return &fakeBlobWriter{blobs: map[string][]byte{}}
}

func (f *fakeBlobWriter) PutContentAddressed(ctx context.Context, key, digest string, body io.Reader, size int64, contentType string) (bool, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(body); err != nil {
		return false, err
	}
	f.writes++
	f.blobs[key] = buf.Bytes()
	return true, nil
}

func newTestStore() (*Store, *fakeAttractorDefs, *fakeGlobalAttractors, *fakeContentVersions, *fakeContentVersions, *fakeBlobWriter) {
	defs := newFakeAttractorDefs()
	globals := newFakeGlobalAttractors()
	defVers := newFakeContentVersions()
	globVers := newFakeContentVersions()
	blobs := newFakeBlobWriter()
	return New(defs, globals, defVers, globVers, blobs), defs, globals, defVers, globVers, blobs
}

func TestPutProjectAttractor_ResubmittingIdenticalContentIsANoOp(t *testing.T) {
	s, defs, _, _, _, blobs := newTestStore()
	ctx := context.Background()
	def := &domain.AttractorDef{ID: "def-1", ProjectID: "proj-1", Scope: domain.ScopeProject, Name: "plan"}
	_ = defs.Create(ctx, def)

	first, err := s.PutProjectAttractor(ctx, def.ID, def.ProjectID, def.Name, []byte(validDOT), 0)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if !first.Wrote {
		t.Fatalf("expected first put to write a new version")
	}
	if first.ContentVersion != 1 {
		t.Fatalf("expected version 1, got %d", first.ContentVersion)
	}

	second, err := s.PutProjectAttractor(ctx, def.ID, def.ProjectID, def.Name, []byte(validDOT), 0)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if second.Wrote {
		t.Fatalf("expected resubmitting identical content to be a no-op")
	}
	if second.ContentVersion != first.ContentVersion || second.ContentPath != first.ContentPath {
		t.Fatalf("expected the pointer to be unchanged: first=%+v second=%+v", first, second)
	}
	if blobs.writes != 1 {
		t.Fatalf("expected exactly one blob write, got %d", blobs.writes)
	}
}

func TestPutProjectAttractor_DifferentContentAdvancesTheVersion(t *testing.T) {
	s, defs, _, _, _, blobs := newTestStore()
	ctx := context.Background()
	def := &domain.AttractorDef{ID: "def-1", ProjectID: "proj-1", Scope: domain.ScopeProject, Name: "plan"}
	_ = defs.Create(ctx, def)

	if _, err := s.PutProjectAttractor(ctx, def.ID, def.ProjectID, def.Name, []byte(validDOT), 0); err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := s.PutProjectAttractor(ctx, def.ID, def.ProjectID, def.Name, []byte(validDOTv2), 0)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if !second.Wrote || second.ContentVersion != 2 {
		t.Fatalf("expected a new v2 write, got %+v", second)
	}
	if blobs.writes != 2 {
		t.Fatalf("expected two blob writes, got %d", blobs.writes)
	}
	if defs.byID[def.ID].ContentVersion != 2 {
		t.Fatalf("expected the def's content pointer to advance to 2, got %d", defs.byID[def.ID].ContentVersion)
	}
}

func TestPutProjectAttractor_ExpectedVersionMismatchConflicts(t *testing.T) {
	s, defs, _, _, _, _ := newTestStore()
	ctx := context.Background()
	def := &domain.AttractorDef{ID: "def-1", ProjectID: "proj-1", Scope: domain.ScopeProject, Name: "plan"}
	_ = defs.Create(ctx, def)

	if _, err := s.PutProjectAttractor(ctx, def.ID, def.ProjectID, def.Name, []byte(validDOT), 0); err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := s.PutProjectAttractor(ctx, def.ID, def.ProjectID, def.Name, []byte(validDOTv2), 1)
	if err != nil {
		t.Fatalf("second put with correct expectedVersion: %v", err)
	}
	if second.ContentVersion != 2 {
		t.Fatalf("expected version 2, got %d", second.ContentVersion)
	}

	_, err = s.PutProjectAttractor(ctx, def.ID, def.ProjectID, def.Name, []byte(validDOT), 1)
	if !apierr.Is(err, apierr.KindConflict) {
		t.Fatalf("expected a ConflictError for stale expectedVersion, got %v", err)
	}
}

func TestPutProjectAttractor_RejectsInvalidGraph(t *testing.T) {
	s, defs, _, _, _, _ := newTestStore()
	ctx := context.Background()
	def := &domain.AttractorDef{ID: "def-1", ProjectID: "proj-1", Scope: domain.ScopeProject, Name: "plan"}
	_ = defs.Create(ctx, def)

	_, err := s.PutProjectAttractor(ctx, def.ID, def.ProjectID, def.Name, []byte(`digraph plan { a [type=start]; }`), 0)
	if err == nil {
		t.Fatalf("expected an error for a graph with no terminal node")
	}
}

func TestPromote_MirrorsIntoEachProjectWithDistinctIDs(t *testing.T) {
	s, defs, _, _, _, _ := newTestStore()
	ctx := context.Background()
	global := &domain.GlobalAttractor{ID: "global-1", Name: "plan", ContentPath: "attractors/global/plan/v1.dot", ContentVersion: 1}

	cfg := domain.ModelConfig{Provider: "anthropic", Model: "claude"}
	err := s.Promote(ctx, global, domain.RunTypePlanning, cfg, "mirrored from global", []string{"proj-a", "proj-b"})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if defs.mirrors != 2 {
		t.Fatalf("expected 2 mirror upserts, got %d", defs.mirrors)
	}

	mirrorA, err := defs.GetByProjectNameScope(ctx, "proj-a", "plan", domain.ScopeGlobal)
	if err != nil {
		t.Fatalf("proj-a mirror: %v", err)
	}
	mirrorB, err := defs.GetByProjectNameScope(ctx, "proj-b", "plan", domain.ScopeGlobal)
	if err != nil {
		t.Fatalf("proj-b mirror: %v", err)
	}
	if mirrorA.ID == mirrorB.ID {
		t.Fatalf("expected distinct mirror row ids, both got %q", mirrorA.ID)
	}
	if mirrorA.ContentPath != global.ContentPath || mirrorA.ContentVersion != global.ContentVersion {
		t.Fatalf("expected the mirror to carry the global's content pointer, got %+v", mirrorA)
	}
}

func TestPinForRun_RejectsLegacyRepoPathAttractors(t *testing.T) {
	s, _, _, _, _, _ := newTestStore()
	def := &domain.AttractorDef{ID: "def-1", ProjectID: "proj-1", Scope: domain.ScopeProject, Name: "plan"}

	_, err := s.PinForRun(context.Background(), def)
	if err == nil {
		t.Fatalf("expected an error for a def with no storage-backed content")
	}
}

func TestPinForRun_DetectsPointerVersionMismatch(t *testing.T) {
	s, defs, _, defVers, _, _ := newTestStore()
	ctx := context.Background()
	def := &domain.AttractorDef{ID: "def-1", ProjectID: "proj-1", Scope: domain.ScopeProject, Name: "plan",
		ContentPath: "attractors/projects/proj-1/plan/v1.dot", ContentVersion: 1}
	_ = defs.Create(ctx, def)
	_ = defVers.Insert(ctx, domain.ContentVersionRow{
		ParentID: def.ID, Version: 1, ContentPath: "attractors/projects/proj-1/plan/v1.dot", ContentSha256: "deadbeef",
	})

	pinned, err := s.PinForRun(ctx, def)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if pinned.ContentSha256 != "deadbeef" {
		t.Fatalf("expected the pinned content's sha256, got %+v", pinned)
	}

	def.ContentPath = "attractors/projects/proj-1/plan/stale.dot"
	if _, err := s.PinForRun(ctx, def); err == nil {
		t.Fatalf("expected a conflict when the pointer and version row disagree")
	}
}
