// Package specbundle builds and validates the spec-bundle manifest that
// ties a planning run's deterministic artifacts (plan.md, requirements.md,
// tasks.json, acceptance-tests.md) into a single, content-addressed unit an
// implementation run can reference.
package specbundle

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/attractor-run/control-plane/internal/domain"
)

// manifestSchemaJSON mirrors domain.Manifest's shape. It catches malformed
// bundles (wrong types, missing required keys) before domain.Manifest's
// own Validate checks the semantic rules a JSON Schema can't express, like
// "checksums must cover every listed artifact".
const manifestSchemaJSON = `{
	"type": "object",
	"required": ["schema_version", "project_id", "source_run_id", "artifacts"],
	"properties": {
		"schema_version": {"type": "string"},
		"project_id": {"type": "string", "minLength": 1},
		"source_run_id": {"type": "string", "minLength": 1},
		"repo": {"type": "string"},
		"source_branch": {"type": "string"},
		"created_at": {"type": "string"},
		"artifacts": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "path"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"path": {"type": "string", "minLength": 1}
				}
			}
		},
		"checksums": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.json", strings.NewReader(manifestSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("manifest.json")
	})
	return schema, schemaErr
}

// ValidateManifest parses raw as a spec bundle manifest, checks it against
// the JSON Schema, then applies domain.Manifest's own semantic rules
// (schemaVersion == "v1", non-empty artifacts, every required artifact
// name present, every artifact covered by a checksum).
func ValidateManifest(raw []byte) (domain.Manifest, error) {
	s, err := compiledSchema()
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("specbundle: compile manifest schema: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return domain.Manifest{}, fmt.Errorf("specbundle: manifest is not valid JSON: %w", err)
	}
	if err := s.Validate(generic); err != nil {
		return domain.Manifest{}, fmt.Errorf("specbundle: manifest failed schema validation: %w", err)
	}

	var m domain.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("specbundle: decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return domain.Manifest{}, err
	}
	if err := requireArtifacts(m); err != nil {
		return domain.Manifest{}, err
	}
	return m, nil
}

func requireArtifacts(m domain.Manifest) error {
	present := make(map[string]bool, len(m.Artifacts))
	for _, a := range m.Artifacts {
		present[a.Name] = true
		if m.Checksums[a.Name] == "" {
			return fmt.Errorf("specbundle: artifact %q is missing a checksum", a.Name)
		}
	}
	var missing []string
	for _, name := range domain.RequiredSpecBundleArtifacts {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("specbundle: manifest is missing required artifacts: %s", strings.Join(missing, ", "))
	}
	return nil
}
