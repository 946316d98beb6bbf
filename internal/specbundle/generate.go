package specbundle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/objectstore"
)

// Objects is the slice of *objectstore.Store the generator depends on,
// narrowed to an interface so tests can substitute an in-memory fake.
type Objects interface {
	Get(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// BundlePath returns the versioned object path for one of a spec bundle's
// artifacts, mirroring the attractor store's attractors/<scope>/... layout.
func BundlePath(projectID, bundleID, name string) string {
	return "spec-bundles/" + projectID + "/" + bundleID + "/" + name
}

// Generator assembles a spec bundle's artifacts and manifest from a
// planning run's already-collected artifact objects.
type Generator struct {
	objects Objects
}

func NewGenerator(objects Objects) *Generator {
	return &Generator{objects: objects}
}

// Build copies each named source artifact into the bundle's own versioned
// path, computes checksums, and writes a schema-validated manifest.json
// alongside them. sourceKeys maps artifact name (e.g. "plan.md") to the
// object-store key the planning run wrote it under.
func (g *Generator) Build(ctx context.Context, bundleID string, project *domain.Project, sourceRun *domain.Run, sourceKeys map[string]string) (*domain.SpecBundle, error) {
	var missing []string
	for _, name := range domain.RequiredSpecBundleArtifacts {
		if _, ok := sourceKeys[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, apierr.Precondition("planning run %s is missing required spec bundle artifacts: %s", sourceRun.ID, strings.Join(missing, ", "))
	}

	names := make([]string, 0, len(sourceKeys))
	for name := range sourceKeys {
		names = append(names, name)
	}
	sort.Strings(names)

	checksums := make(map[string]string, len(names))
	artifacts := make([]domain.ManifestArtifact, 0, len(names))
	for _, name := range names {
		destPath, err := g.copyArtifact(ctx, project.ID, bundleID, name, sourceKeys[name])
		if err != nil {
			return nil, err
		}
		body, _, err := g.objects.Get(ctx, destPath)
		if err != nil {
			return nil, fmt.Errorf("specbundle: re-read bundle artifact %s: %w", name, err)
		}
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			return nil, fmt.Errorf("specbundle: hash bundle artifact %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		checksums[name] = hex.EncodeToString(sum[:])
		artifacts = append(artifacts, domain.ManifestArtifact{Name: name, Path: destPath})
	}

	manifest := domain.Manifest{
		SchemaVersion: domain.SchemaVersionV1,
		ProjectID:     project.ID,
		SourceRunID:   sourceRun.ID,
		Repo:          project.RepoFullName,
		SourceBranch:  sourceRun.SourceBranch,
		CreatedAt:     time.Now().UTC(),
		Artifacts:     artifacts,
		Checksums:     checksums,
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("specbundle: marshal manifest: %w", err)
	}
	if _, err := ValidateManifest(raw); err != nil {
		return nil, err
	}

	manifestPath := BundlePath(project.ID, bundleID, "manifest.json")
	if err := g.objects.Put(ctx, manifestPath, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return nil, fmt.Errorf("specbundle: write manifest: %w", err)
	}

	return &domain.SpecBundle{
		ID:            bundleID,
		RunID:         sourceRun.ID,
		SchemaVersion: domain.SchemaVersionV1,
		ManifestPath:  manifestPath,
	}, nil
}

func (g *Generator) copyArtifact(ctx context.Context, projectID, bundleID, name, sourceKey string) (string, error) {
	body, _, err := g.objects.Get(ctx, sourceKey)
	if err != nil {
		return "", fmt.Errorf("specbundle: read source artifact %s: %w", name, err)
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return "", fmt.Errorf("specbundle: read source artifact %s: %w", name, err)
	}
	destPath := BundlePath(projectID, bundleID, name)
	if err := g.objects.Put(ctx, destPath, bytes.NewReader(data), int64(len(data)), contentTypeForName(name)); err != nil {
		return "", fmt.Errorf("specbundle: write bundle artifact %s: %w", name, err)
	}
	return destPath, nil
}

func contentTypeForName(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".md"):
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}
