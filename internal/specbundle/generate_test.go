package specbundle

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/objectstore"
)

type memObjects struct {
	data map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{data: make(map[string][]byte)}
}

func (m *memObjects) Get(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	body, ok := m.data[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(body)), objectstore.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

func (m *memObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.data[key] = data
	return nil
}

func testProjectAndRun() (*domain.Project, *domain.Run) {
	project := &domain.Project{ID: "proj-1", Name: "demo", RepoFullName: "acme/demo"}
	run := &domain.Run{ID: "run-1", ProjectID: "proj-1", RunType: domain.RunTypePlanning, SourceBranch: "main"}
	return project, run
}

func TestGenerator_Build(t *testing.T) {
	objects := newMemObjects()
	objects.data["artifacts/run-1/plan.md"] = []byte("# plan")
	objects.data["artifacts/run-1/requirements.md"] = []byte("# requirements")
	objects.data["artifacts/run-1/tasks.json"] = []byte(`[]`)
	objects.data["artifacts/run-1/acceptance-tests.md"] = []byte("# acceptance")

	project, run := testProjectAndRun()
	gen := NewGenerator(objects)

	sourceKeys := map[string]string{
		"plan.md":             "artifacts/run-1/plan.md",
		"requirements.md":     "artifacts/run-1/requirements.md",
		"tasks.json":          "artifacts/run-1/tasks.json",
		"acceptance-tests.md": "artifacts/run-1/acceptance-tests.md",
	}

	bundle, err := gen.Build(context.Background(), "bundle-1", project, run, sourceKeys)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bundle.ID != "bundle-1" || bundle.RunID != "run-1" {
		t.Errorf("bundle = %+v, want ID=bundle-1 RunID=run-1", bundle)
	}
	if bundle.SchemaVersion != domain.SchemaVersionV1 {
		t.Errorf("SchemaVersion = %q, want %q", bundle.SchemaVersion, domain.SchemaVersionV1)
	}

	manifestBody, ok := objects.data[bundle.ManifestPath]
	if !ok {
		t.Fatalf("manifest not written at %s", bundle.ManifestPath)
	}
	m, err := ValidateManifest(manifestBody)
	if err != nil {
		t.Fatalf("ValidateManifest: %v", err)
	}
	if len(m.Artifacts) != 4 {
		t.Errorf("manifest has %d artifacts, want 4", len(m.Artifacts))
	}
	for _, name := range domain.RequiredSpecBundleArtifacts {
		if _, ok := m.Checksums[name]; !ok {
			t.Errorf("manifest missing checksum for %s", name)
		}
	}

	for _, name := range domain.RequiredSpecBundleArtifacts {
		destPath := BundlePath(project.ID, bundle.ID, name)
		if _, ok := objects.data[destPath]; !ok {
			t.Errorf("bundle artifact %s not copied to %s", name, destPath)
		}
	}
}

func TestGenerator_Build_MissingRequiredArtifact(t *testing.T) {
	objects := newMemObjects()
	objects.data["artifacts/run-1/plan.md"] = []byte("# plan")

	project, run := testProjectAndRun()
	gen := NewGenerator(objects)

	_, err := gen.Build(context.Background(), "bundle-1", project, run, map[string]string{
		"plan.md": "artifacts/run-1/plan.md",
	})
	if err == nil {
		t.Fatal("Build with missing required artifacts succeeded, want error")
	}
}

func TestValidateManifest_RejectsMissingChecksum(t *testing.T) {
	raw := []byte(`{
		"schema_version": "v1",
		"project_id": "proj-1",
		"source_run_id": "run-1",
		"artifacts": [
			{"name": "plan.md", "path": "spec-bundles/proj-1/bundle-1/plan.md"},
			{"name": "requirements.md", "path": "spec-bundles/proj-1/bundle-1/requirements.md"},
			{"name": "tasks.json", "path": "spec-bundles/proj-1/bundle-1/tasks.json"},
			{"name": "acceptance-tests.md", "path": "spec-bundles/proj-1/bundle-1/acceptance-tests.md"}
		],
		"checksums": {"plan.md": "abc"}
	}`)
	if _, err := ValidateManifest(raw); err == nil {
		t.Fatal("ValidateManifest with a missing checksum succeeded, want error")
	}
}

func TestValidateManifest_RejectsMissingRequiredArtifact(t *testing.T) {
	raw := []byte(`{
		"schema_version": "v1",
		"project_id": "proj-1",
		"source_run_id": "run-1",
		"artifacts": [
			{"name": "plan.md", "path": "spec-bundles/proj-1/bundle-1/plan.md"}
		],
		"checksums": {"plan.md": "abc"}
	}`)
	if _, err := ValidateManifest(raw); err == nil {
		t.Fatal("ValidateManifest missing required artifacts succeeded, want error")
	}
}

func TestContentTypeForName(t *testing.T) {
	cases := map[string]string{
		"tasks.json": "application/json",
		"plan.md":    "text/markdown",
		"binary.bin": "application/octet-stream",
	}
	for name, want := range cases {
		if got := contentTypeForName(name); got != want {
			t.Errorf("contentTypeForName(%q) = %q, want %q", name, got, want)
		}
	}
}
