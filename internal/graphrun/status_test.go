package graphrun

import "testing"

func TestParseStageStatus_CanonicalAndAliases(t *testing.T) {
	cases := []struct {
		in   string
		want StageStatus
	}{
		{"success", StatusSuccess},
		{"ok", StatusSuccess},
		{"partial_success", StatusPartialSuccess},
		{"retry", StatusRetry},
		{"fail", StatusFail},
		{"error", StatusFail},
		{"skipped", StatusSkipped},
		{"skip", StatusSkipped},
		{"SUCCESS", StatusSuccess},
	}
	for _, tc := range cases {
		got, err := ParseStageStatus(tc.in)
		if err != nil {
			t.Fatalf("ParseStageStatus(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseStageStatus(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
	if _, err := ParseStageStatus(""); err == nil {
		t.Fatalf("expected error for empty status")
	}
}

func TestParseStageStatus_PassesThroughCustomValues(t *testing.T) {
	got, err := ParseStageStatus("process")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StageStatus("process") {
		t.Fatalf("got %q", got)
	}
	if got.IsCanonical() {
		t.Fatalf("custom status should not be canonical")
	}
}

func TestOutcome_Validate_RequiresFailureReasonOnFailOrRetry(t *testing.T) {
	if err := (Outcome{Status: StatusFail}).Validate(); err == nil {
		t.Fatalf("expected error for missing failure_reason on fail")
	}
	if err := (Outcome{Status: StatusRetry}).Validate(); err == nil {
		t.Fatalf("expected error for missing failure_reason on retry")
	}
	if err := (Outcome{Status: StatusSuccess}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (Outcome{Status: StatusFail, FailureReason: "boom"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeOutcomeJSON(t *testing.T) {
	o, err := DecodeOutcomeJSON([]byte(`{"status":"success","preferred_label":"x"}`))
	if err != nil {
		t.Fatalf("DecodeOutcomeJSON error: %v", err)
	}
	if o.Status != StatusSuccess || o.PreferredLabel != "x" {
		t.Fatalf("got %+v", o)
	}
	if o.SuggestedNextIDs == nil || o.ContextUpdates == nil || o.Meta == nil {
		t.Fatalf("expected canonicalized non-nil fields: %+v", o)
	}
	if _, err := DecodeOutcomeJSON([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing status")
	}
}
