package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/attractor-run/control-plane/internal/attractor/dot"
	"github.com/attractor-run/control-plane/internal/attractor/validate"
)

func newValidateCommand() *cobra.Command {
	var graphPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "lint an attractor graph file without creating a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if graphPath == "" {
				return fmt.Errorf("--graph is required")
			}
			return runValidate(cmd, graphPath)
		},
	}
	cmd.Flags().StringVar(&graphPath, "graph", "", "path to the .dot graph file")
	return cmd
}

func runValidate(cmd *cobra.Command, graphPath string) error {
	src, err := os.ReadFile(graphPath)
	if err != nil {
		return err
	}
	g, err := dot.Parse(src)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	diags := validate.Validate(g)

	out := cmd.OutOrStdout()
	failed := false
	for _, d := range diags {
		fmt.Fprintf(out, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
		if d.Severity == validate.SeverityError {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("%s failed validation", filepath.Base(graphPath))
	}
	fmt.Fprintf(out, "ok: %s\n", filepath.Base(graphPath))
	return nil
}
