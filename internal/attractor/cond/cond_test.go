package cond

import (
	"testing"

	"github.com/attractor-run/control-plane/internal/graphrun"
)

func TestEvaluate(t *testing.T) {
	ctx := graphrun.NewContext()
	ctx.Set("tests_passed", true)
	ctx.Set("context.loop_state", "active")

	out := graphrun.Outcome{Status: graphrun.StatusSuccess, PreferredLabel: "Yes"}

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"outcome=success", true},
		{"outcome!=fail", true},
		{"preferred_label=Yes", true},
		{"context.tests_passed=true", true},
		{"context.loop_state!=exhausted", true},
		{"outcome=fail", false},
		{"context.missing=foo", false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, out, ctx)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_CustomOutcome(t *testing.T) {
	ctx := graphrun.NewContext()
	out := graphrun.Outcome{Status: graphrun.StageStatus("process")}

	cases := []struct {
		cond string
		want bool
	}{
		{"outcome=process", true},
		{"outcome=done", false},
		{"outcome!=process", false},
		{"outcome!=done", true},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, out, ctx)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_OutcomeAliasesMatch(t *testing.T) {
	ctx := graphrun.NewContext()

	cases := []struct {
		name   string
		status graphrun.StageStatus
		cond   string
		want   bool
	}{
		{"skip_alias_eq", graphrun.StatusSkipped, "outcome=skip", true},
		{"skip_alias_canonical", graphrun.StatusSkipped, "outcome=skipped", true},
		{"skip_alias_neq", graphrun.StatusSkipped, "outcome!=skip", false},
		{"failure_alias_eq", graphrun.StatusFail, "outcome=failure", true},
		{"failure_alias_neq", graphrun.StatusFail, "outcome!=failure", false},
		{"error_alias_eq", graphrun.StatusFail, "outcome=error", true},
		{"ok_alias_eq", graphrun.StatusSuccess, "outcome=ok", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := graphrun.Outcome{Status: tc.status}
			got, err := Evaluate(tc.cond, out, ctx)
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
			}
			if got != tc.want {
				t.Fatalf("Evaluate(%q) with status=%q: got %v, want %v", tc.cond, tc.status, got, tc.want)
			}
		})
	}
}
