package runlifecycle

import "testing"

func TestStaticCatalog_HasModel(t *testing.T) {
	c := NewStaticCatalog(map[string][]string{
		"Anthropic": {"claude-sonnet", " claude-opus "},
		"openai":    {"gpt-5"},
	})

	cases := []struct {
		provider, model string
		want            bool
	}{
		{"anthropic", "claude-sonnet", true},
		{"ANTHROPIC", "claude-opus", true},
		{"anthropic", "claude-haiku", false},
		{"openai", "gpt-5", true},
		{"openai", "gpt-4", false},
		{"unknown-provider", "anything", false},
	}
	for _, c2 := range cases {
		if got := c.HasModel(c2.provider, c2.model); got != c2.want {
			t.Errorf("HasModel(%q, %q) = %v, want %v", c2.provider, c2.model, got, c2.want)
		}
	}
}

func TestStaticCatalog_Empty(t *testing.T) {
	c := NewStaticCatalog(nil)
	if c.HasModel("anthropic", "claude-sonnet") {
		t.Error("HasModel on an empty catalog = true, want false")
	}
}

func TestNormalizeProvider(t *testing.T) {
	if got := normalizeProvider("  OpenAI  "); got != "openai" {
		t.Errorf("normalizeProvider = %q, want %q", got, "openai")
	}
}
