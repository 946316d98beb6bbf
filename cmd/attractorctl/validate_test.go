package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func writeGraphFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunValidate_ValidGraph(t *testing.T) {
	dir := t.TempDir()
	path := writeGraphFile(t, dir, "plan.dot", "digraph plan { a [type=start]; b [type=terminal]; a -> b; }")

	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	if err := runValidate(cmd, path); err != nil {
		t.Fatalf("runValidate: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("ok: plan.dot")) {
		t.Errorf("output = %q, want an ok: line", buf.String())
	}
}

func TestRunValidate_InvalidGraphFailsWithDiagnostics(t *testing.T) {
	dir := t.TempDir()
	path := writeGraphFile(t, dir, "broken.dot", "digraph broken { a [type=start]; a -> missing; }")

	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	err := runValidate(cmd, path)
	if err == nil {
		t.Fatal("runValidate on a graph with no terminal node succeeded, want an error")
	}
	if buf.Len() == 0 {
		t.Error("no diagnostics were printed before the failure")
	}
}

func TestRunValidate_MissingFile(t *testing.T) {
	cmd := &cobra.Command{}
	err := runValidate(cmd, filepath.Join(t.TempDir(), "nope.dot"))
	if err == nil {
		t.Fatal("runValidate on a missing file succeeded, want an error")
	}
}

func TestNewValidateCommand_RequiresGraphFlag(t *testing.T) {
	cmd := newValidateCommand()
	cmd.SetArgs([]string{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	if err := cmd.Execute(); err == nil {
		t.Error("validate with no --graph flag succeeded, want an error")
	}
}
