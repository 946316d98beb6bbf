package style

import (
	"testing"

	"github.com/attractor-run/control-plane/internal/attractor/model"
)

func TestParseAndApply_SpecificityAndOrder(t *testing.T) {
	src := `
* { provider: openai; }
.review-branch { provider: anthropic; model: "claude-sonnet"; }
#careful { temperature: "0.2"; }
`
	rules, err := ParseStylesheet(src)
	if err != nil {
		t.Fatalf("ParseStylesheet error: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	g := model.NewGraph("G")
	plain := model.NewNode("plain")
	reviewer := model.NewNode("careful")
	reviewer.Classes = []string{"review-branch"}
	_ = g.AddNode(plain)
	_ = g.AddNode(reviewer)

	if err := ApplyStylesheet(g, rules); err != nil {
		t.Fatalf("ApplyStylesheet error: %v", err)
	}

	if got := plain.Attr("provider", ""); got != "openai" {
		t.Fatalf("plain node provider: got %q", got)
	}
	if got := reviewer.Attr("provider", ""); got != "anthropic" {
		t.Fatalf("class selector should win over universal: got %q", got)
	}
	if got := reviewer.Attr("temperature", ""); got != "0.2" {
		t.Fatalf("id-specific temperature not applied: got %q", got)
	}
	if got := reviewer.Attr("model", ""); got != "claude-sonnet" {
		t.Fatalf("class rule model not applied: got %q", got)
	}
}

func TestApplyStylesheet_DoesNotOverrideExplicitAttr(t *testing.T) {
	rules, err := ParseStylesheet(`* { provider: openai; }`)
	if err != nil {
		t.Fatalf("ParseStylesheet error: %v", err)
	}
	g := model.NewGraph("G")
	n := model.NewNode("explicit")
	n.Attrs["provider"] = "anthropic"
	_ = g.AddNode(n)

	if err := ApplyStylesheet(g, rules); err != nil {
		t.Fatalf("ApplyStylesheet error: %v", err)
	}
	if got := n.Attr("provider", ""); got != "anthropic" {
		t.Fatalf("explicit attribute was overridden: got %q", got)
	}
}

func TestParseStylesheet_RejectsUnknownProperty(t *testing.T) {
	if _, err := ParseStylesheet(`* { color: "red"; }`); err == nil {
		t.Fatalf("expected error for unknown property")
	}
}

func TestParseStylesheet_RejectsMalformedRule(t *testing.T) {
	if _, err := ParseStylesheet(`.foo { provider anthropic }`); err == nil {
		t.Fatalf("expected error for missing colon")
	}
}
