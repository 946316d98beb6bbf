package graphengine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RunConfigFile is an optional per-run tuning document: engine-level knobs
// that aren't graph content and so don't belong in the DOT source itself.
// The engine reads it from its RunConfig field, whose zero value leaves
// every knob unset. No create-run input carries one, and it is not part of
// the checkpoint snapshot.
type RunConfigFile struct {
	MaxConcurrentBranches int               `yaml:"max_concurrent_branches,omitempty"`
	ModelDefaults         map[string]string `yaml:"model_defaults,omitempty"`
	ToolEnv               map[string]string `yaml:"tool_env,omitempty"`
}

// ParseRunConfig decodes a run config document. An empty document is valid
// and yields the zero value.
func ParseRunConfig(raw []byte) (RunConfigFile, error) {
	var cfg RunConfigFile
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return RunConfigFile{}, fmt.Errorf("graphengine: parse run config: %w", err)
	}
	return cfg, nil
}

func (c RunConfigFile) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
