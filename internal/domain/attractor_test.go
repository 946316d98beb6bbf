package domain

import "testing"

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"My Cool Graph!!":    "my-cool-graph",
		"  leading/trailing ": "leading-trailing",
		"already-safe":       "already-safe",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Fatalf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGlobalContentPath(t *testing.T) {
	got := GlobalContentPath("Default Planner", 3)
	want := "attractors/global/default-planner/v3.dot"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestProjectContentPath(t *testing.T) {
	got := ProjectContentPath("proj-1", "Implementation Flow", 1)
	want := "attractors/projects/proj-1/implementation-flow/v1.dot"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestModelConfig_Validate(t *testing.T) {
	valid := ModelConfig{Provider: "anthropic", Model: "claude", Temperature: 0.5, MaxTokens: 4096}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missingProvider := valid
	missingProvider.Provider = ""
	if err := missingProvider.Validate(); err == nil {
		t.Fatalf("expected error for missing provider")
	}

	badTemp := valid
	badTemp.Temperature = 5
	if err := badTemp.Validate(); err == nil {
		t.Fatalf("expected error for out-of-range temperature")
	}

	negTokens := valid
	negTokens.MaxTokens = -1
	if err := negTokens.Validate(); err == nil {
		t.Fatalf("expected error for negative maxTokens")
	}
}

func TestNewAttractorDef(t *testing.T) {
	cfg := ModelConfig{Provider: "anthropic", Model: "claude", Temperature: 0.2, MaxTokens: 2048}

	def, err := NewAttractorDef("a1", "p1", ScopeProject, "implementation-flow", RunTypeImplementation, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !def.Active {
		t.Fatalf("expected new attractor def to default active")
	}

	if _, err := NewAttractorDef("a2", "", ScopeProject, "x", RunTypeTask, cfg); err == nil {
		t.Fatalf("expected error: PROJECT scope requires a projectId")
	}

	if _, err := NewAttractorDef("a3", "", ScopeGlobal, "x", RunTypeTask, cfg); err != nil {
		t.Fatalf("unexpected error for GLOBAL scope with no projectId: %v", err)
	}

	if _, err := NewAttractorDef("a4", "p1", ScopeProject, "x", "bogus", cfg); err == nil {
		t.Fatalf("expected error for invalid runType")
	}

	badCfg := cfg
	badCfg.Provider = ""
	if _, err := NewAttractorDef("a5", "p1", ScopeProject, "x", RunTypeTask, badCfg); err == nil {
		t.Fatalf("expected modelConfig validation error to propagate")
	}
}
