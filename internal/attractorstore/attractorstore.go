// Package attractorstore implements the versioned, content-addressed
// attractor graph store: put() with hash-dedup, promote() of global graphs
// into projects, and pinForRun() snapshot resolution.
package attractorstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/attractor/dot"
	"github.com/attractor-run/control-plane/internal/attractor/validate"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/idgen"
	"github.com/attractor-run/control-plane/internal/store"
)

// blobWriter is the slice of *objectstore.Store this package depends on,
// narrowed to an interface so tests can substitute an in-memory fake.
type blobWriter interface {
	PutContentAddressed(ctx context.Context, key, digest string, body io.Reader, size int64, contentType string) (wrote bool, err error)
}

type Store struct {
	defs     store.AttractorDefs
	globals  store.GlobalAttractors
	defVers  store.ContentVersions
	globVers store.ContentVersions
	objects  blobWriter
}

func New(defs store.AttractorDefs, globals store.GlobalAttractors, defVers, globVers store.ContentVersions, objects blobWriter) *Store {
	return &Store{defs: defs, globals: globals, defVers: defVers, globVers: globVers, objects: objects}
}

// PutResult reports what Put actually did, so callers can tell a
// content-identical resubmission from a newly-written version.
type PutResult struct {
	ContentPath    string
	ContentVersion int
	ContentSha256  string
	Wrote          bool
}

// PutProjectAttractor canonicalizes and lints content, then writes a new
// version of the PROJECT-scope attractor identified by defID iff its
// canonical sha256 differs from the latest version on file. Submitting the
// same content twice is a no-op beyond the lint pass: no new blob, no new
// version row, the (contentPath, contentVersion) pointer unchanged.
// expectedVersion, if non-zero, enforces optimistic concurrency: callers
// that read version N before editing must pass N, or the put is rejected
// with a ConflictError rather than silently racing another writer.
func (s *Store) PutProjectAttractor(ctx context.Context, defID, projectID, name string, content []byte, expectedVersion int) (PutResult, error) {
	canon, sha, err := canonicalizeAndHash(content)
	if err != nil {
		return PutResult{}, err
	}
	return s.put(ctx, s.defVers, defID, canon, sha, expectedVersion, func(version int) (string, error) {
		path := domain.ProjectContentPath(projectID, name, version)
		return path, s.defs.UpdateContentPointer(ctx, defID, path, version)
	})
}

// PutGlobalAttractor is PutProjectAttractor's GLOBAL-scope counterpart.
func (s *Store) PutGlobalAttractor(ctx context.Context, globalID, name string, content []byte, expectedVersion int) (PutResult, error) {
	canon, sha, err := canonicalizeAndHash(content)
	if err != nil {
		return PutResult{}, err
	}
	return s.put(ctx, s.globVers, globalID, canon, sha, expectedVersion, func(version int) (string, error) {
		path := domain.GlobalContentPath(name, version)
		return path, s.globals.UpdateContentPointer(ctx, globalID, path, version)
	})
}

func (s *Store) put(ctx context.Context, versions store.ContentVersions, parentID string, canon []byte, sha string, expectedVersion int, advancePointer func(version int) (string, error)) (PutResult, error) {
	latest, err := versions.Latest(ctx, parentID)
	if err != nil {
		return PutResult{}, fmt.Errorf("attractorstore: latest version: %w", err)
	}
	currentVersion := 0
	if latest != nil {
		currentVersion = latest.Version
	}
	if expectedVersion != 0 && expectedVersion != currentVersion {
		return PutResult{}, apierr.Conflict("attractor %s expectedContentVersion %d does not match current version %d", parentID, expectedVersion, currentVersion)
	}
	if latest != nil && latest.ContentSha256 == sha {
		return PutResult{ContentPath: latest.ContentPath, ContentVersion: latest.Version, ContentSha256: sha, Wrote: false}, nil
	}

	version := 1
	if latest != nil {
		version = latest.Version + 1
	}
	path, err := advancePointer(version)
	if err != nil {
		return PutResult{}, fmt.Errorf("attractorstore: advance content pointer: %w", err)
	}

	fastDigest := hex.EncodeToString(blake3Sum(canon))
	if _, err := s.objects.PutContentAddressed(ctx, path, fastDigest, bytes.NewReader(canon), int64(len(canon)), "text/vnd.graphviz"); err != nil {
		return PutResult{}, fmt.Errorf("attractorstore: write blob: %w", err)
	}

	if err := versions.Insert(ctx, domain.ContentVersionRow{
		ParentID: parentID, Version: version, ContentPath: path,
		ContentSha256: sha, SizeBytes: int64(len(canon)),
	}); err != nil {
		return PutResult{}, fmt.Errorf("attractorstore: insert version row: %w", err)
	}
	return PutResult{ContentPath: path, ContentVersion: version, ContentSha256: sha, Wrote: true}, nil
}

// Promote upserts a GLOBAL-scope AttractorDef row mirroring global into
// each project in projectIDs. A project already carrying a PROJECT-scope
// attractor with the same name is untouched: scopes are distinct rows.
func (s *Store) Promote(ctx context.Context, global *domain.GlobalAttractor, defaultRunType domain.RunType, cfg domain.ModelConfig, description string, projectIDs []string) error {
	for _, projectID := range projectIDs {
		mirror, err := domain.NewAttractorDef(idgen.NewUUID(), projectID, domain.ScopeGlobal, global.Name, defaultRunType, cfg)
		if err != nil {
			return fmt.Errorf("attractorstore: promote to project %s: %w", projectID, err)
		}
		mirror.ContentPath = global.ContentPath
		mirror.ContentVersion = global.ContentVersion
		mirror.Description = description
		if err := s.defs.UpsertGlobalMirror(ctx, mirror); err != nil {
			return fmt.Errorf("attractorstore: upsert global mirror into project %s: %w", projectID, err)
		}
	}
	return nil
}

// PinnedContent is what a run pins at create-run time.
type PinnedContent struct {
	ContentPath    string
	ContentVersion int
	ContentSha256  string
}

// PinForRun resolves attractorDefID's current "latest" pointer. Legacy
// repo-path attractors (no storage-backed content) are rejected: new code
// paths must not create further dependence on that bootstrap mechanism.
func (s *Store) PinForRun(ctx context.Context, def *domain.AttractorDef) (PinnedContent, error) {
	if def.ContentPath == "" || def.ContentVersion <= 0 {
		return PinnedContent{}, apierr.Precondition("attractor %q has no storage-backed content; legacy repo-path attractors cannot be pinned", def.Name)
	}
	versions := s.defVers
	if def.Scope == domain.ScopeGlobal {
		versions = s.globVers
	}
	row, err := versions.Get(ctx, def.ID, def.ContentVersion)
	if err != nil {
		return PinnedContent{}, fmt.Errorf("attractorstore: resolve pinned version: %w", err)
	}
	if row.ContentPath != def.ContentPath {
		return PinnedContent{}, apierr.Conflict("attractor %q content pointer %s doesn't match version %d's recorded path %s", def.Name, def.ContentPath, def.ContentVersion, row.ContentPath)
	}
	return PinnedContent{ContentPath: row.ContentPath, ContentVersion: row.Version, ContentSha256: row.ContentSha256}, nil
}

func canonicalizeAndHash(content []byte) (canon []byte, sha string, err error) {
	g, err := dot.Parse(content)
	if err != nil {
		return nil, "", apierr.Validation("attractor content failed to parse: %v", err)
	}
	if err := validate.ValidateOrError(g); err != nil {
		return nil, "", err
	}
	canon = dot.Canonicalize(g)
	sum := sha256.Sum256(canon)
	return canon, hex.EncodeToString(sum[:]), nil
}

func blake3Sum(b []byte) []byte {
	h := blake3.New()
	_, _ = h.Write(b)
	return h.Sum(nil)
}
